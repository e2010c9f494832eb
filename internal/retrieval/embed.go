package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"regexp"
	"strings"
)

// DefaultHashDimensions is the vector width of HashEmbedder when none is given.
const DefaultHashDimensions = 512

var tokenRegex = regexp.MustCompile(`[a-z0-9]+`)

// HashEmbedder is a deterministic bag-of-words embedder using feature hashing.
// It needs no model server, so it backs offline runs and tests.
type HashEmbedder struct {
	Dimensions int
}

// ModelName identifies the embedder in logs and provenance.
func (h HashEmbedder) ModelName() string {
	return fmt.Sprintf("hash-bow-%d", h.dims())
}

// Embed returns one L2-normalised vector per text.
func (h HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	dims := h.dims()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, dims)
		for _, tok := range Tokenize(text) {
			f := fnv.New32a()
			_, _ = f.Write([]byte(tok))
			vec[f.Sum32()%uint32(dims)]++
		}
		var norm float64
		for _, x := range vec {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for j := range vec {
				vec[j] /= n
			}
		}
		out[i] = vec
	}
	return out, nil
}

func (h HashEmbedder) dims() int {
	if h.Dimensions <= 0 {
		return DefaultHashDimensions
	}
	return h.Dimensions
}

// Tokenize lowercases text and splits it into alphanumeric tokens of two or more characters.
func Tokenize(text string) []string {
	raw := tokenRegex.FindAllString(strings.ToLower(text), -1)
	toks := raw[:0]
	for _, t := range raw {
		if len(t) >= 2 {
			toks = append(toks, t)
		}
	}
	return toks
}

// LoadChunks reads a JSONL file of chunks, one JSON object per line. Blank
// lines are skipped.
func LoadChunks(path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunks %s: %w", path, err)
	}
	defer f.Close()

	var chunks []Chunk
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var c Chunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		chunks = append(chunks, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read chunks %s: %w", path, err)
	}
	return chunks, nil
}
