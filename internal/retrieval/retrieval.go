// Package retrieval serves unit-scoped nearest-neighbour search over syllabus
// source text. Every unit owns a physically separate index; there is no
// global index to filter.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pavelanni/bloomgen/internal/model"
)

// Embedder turns texts into vectors. Implementations must return one vector
// per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// Chunk is one unit-tagged piece of source text produced by ingestion.
type Chunk struct {
	Text       string `json:"text"`
	UnitID     string `json:"unit_id"`
	SourceFile string `json:"source_file"`
	PageNumber int    `json:"page_number"`
	ChunkIndex int    `json:"chunk_index"`
}

// Hit is a ranked position inside one index.
type Hit struct {
	Position   int
	Similarity float64
}

// Index is the similarity index for a single unit. It is read-only once built.
type Index struct {
	unitID  string
	chunks  []Chunk
	vectors [][]float32
}

// Len returns the number of passages in the index.
func (ix *Index) Len() int {
	return len(ix.chunks)
}

// Search returns the k most similar positions, highest similarity first.
// Equal similarities keep ingestion order.
func (ix *Index) Search(vec []float32, k int) []Hit {
	hits := make([]Hit, len(ix.vectors))
	for i, v := range ix.vectors {
		hits[i] = Hit{Position: i, Similarity: cosine(vec, v)}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

// Arena maps unit ids to independently built indexes.
type Arena struct {
	embedder Embedder
	timeout  time.Duration

	mu      sync.RWMutex
	indexes map[string]*Index
}

// NewArena creates an empty arena. A zero timeout disables the per-call bound.
func NewArena(embedder Embedder, timeout time.Duration) *Arena {
	return &Arena{
		embedder: embedder,
		timeout:  timeout,
		indexes:  make(map[string]*Index),
	}
}

// Build partitions chunks by unit and builds one index per unit.
func Build(ctx context.Context, embedder Embedder, timeout time.Duration, chunks []Chunk) (*Arena, error) {
	a := NewArena(embedder, timeout)
	byUnit := make(map[string][]Chunk)
	var order []string
	for _, c := range chunks {
		if c.UnitID == "" {
			return nil, fmt.Errorf("chunk %d of %s has no unit_id", c.ChunkIndex, c.SourceFile)
		}
		if _, ok := byUnit[c.UnitID]; !ok {
			order = append(order, c.UnitID)
		}
		byUnit[c.UnitID] = append(byUnit[c.UnitID], c)
	}
	for _, unitID := range order {
		if err := a.Add(ctx, unitID, byUnit[unitID]); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Add embeds chunks into a new index owned by unitID. Chunks tagged with a
// different unit are rejected.
func (a *Arena) Add(ctx context.Context, unitID string, chunks []Chunk) error {
	a.mu.RLock()
	_, exists := a.indexes[unitID]
	a.mu.RUnlock()
	if exists {
		return fmt.Errorf("index for unit %q already built", unitID)
	}

	owned := make([]Chunk, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		if c.UnitID != unitID {
			return fmt.Errorf("chunk tagged %q cannot join index for unit %q", c.UnitID, unitID)
		}
		owned[i] = c
		texts[i] = c.Text
	}

	var vectors [][]float32
	if len(texts) > 0 {
		var err error
		vectors, err = a.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed unit %s: %w", unitID, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embed unit %s: got %d vectors for %d chunks", unitID, len(vectors), len(texts))
		}
	}

	a.mu.Lock()
	a.indexes[unitID] = &Index{unitID: unitID, chunks: owned, vectors: vectors}
	a.mu.Unlock()
	slog.Info("built unit index", "unit_id", unitID, "passages", len(owned), "embedder", a.embedder.ModelName())
	return nil
}

// Units returns the ids of all indexed units, sorted.
func (a *Arena) Units() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.indexes))
	for id := range a.indexes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of passages indexed for a unit.
func (a *Arena) Count(unitID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if ix, ok := a.indexes[unitID]; ok {
		return ix.Len()
	}
	return 0
}

// Ready reports whether at least one unit index is available.
func (a *Arena) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.indexes) > 0
}

// Retrieve returns the top-k passages for query from unitID's index only.
// k larger than the unit returns every passage; k below 1 is treated as 1.
func (a *Arena) Retrieve(ctx context.Context, unitID, query string, k int) ([]model.RetrievedPassage, error) {
	a.mu.RLock()
	ix, ok := a.indexes[unitID]
	a.mu.RUnlock()
	if !ok {
		return nil, model.FieldError(model.KindUnknownUnit, "unit_id", fmt.Sprintf("no index for unit %q", unitID))
	}
	if ix.Len() == 0 {
		return []model.RetrievedPassage{}, nil
	}
	if k < 1 {
		k = 1
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	vecs, err := a.embedder.Embed(ctx, []string{query})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.Wrap(model.KindGenerationTimeout, err, "retrieval timed out")
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}

	hits := ix.Search(vecs[0], k)
	passages := make([]model.RetrievedPassage, len(hits))
	for i, h := range hits {
		c := ix.chunks[h.Position]
		passages[i] = model.RetrievedPassage{
			UnitID:     ix.unitID,
			Text:       c.Text,
			Similarity: h.Similarity,
			Source: model.SourceLocator{
				File:       c.SourceFile,
				Page:       c.PageNumber,
				ChunkIndex: c.ChunkIndex,
			},
		}
	}
	return passages, nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, x := range a {
		na += float64(x) * float64(x)
	}
	for _, x := range b {
		nb += float64(x) * float64(x)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
