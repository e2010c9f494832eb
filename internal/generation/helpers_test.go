package generation

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/syllabus"
)

const testSyllabusYAML = `
course_info:
  course_code: CS201
  course_name: Data Structures
units:
  - unit_id: unit_1
    unit_name: Trees
    topics: [binary search trees, tree traversal, AVL trees]
  - unit_id: unit_2
    unit_name: Graphs
    topics: [BFS, DFS, shortest paths]
course_outcomes:
  - co_id: CO1
    description: Use tree structures to organise data
  - co_id: CO2
    description: Apply graph algorithms
`

var bstPassages = []model.RetrievedPassage{
	{UnitID: "unit_1", Text: "Insertion into a binary search tree walks from the root and attaches a new leaf node.", Similarity: 0.9},
	{UnitID: "unit_1", Text: "To build a tree, insert keys one at a time and show the resulting shape after every step.", Similarity: 0.8},
}

func testSyllabus(t *testing.T) *syllabus.Syllabus {
	t.Helper()
	s, err := syllabus.Parse([]byte(testSyllabusYAML))
	require.NoError(t, err)
	return s
}

func goodCandidate() model.DraftCandidate {
	return model.DraftCandidate{
		QuestionText: "Apply insertion to build a binary search tree from the keys 50, 30, 70 and 20, and show the resulting tree.",
		AnswerScheme: "- Place 50 at the root\n- Insert 30 as the left child and 70 as the right child\n- Insert 20 as the left child of 30",
		QuestionType: "problem",
		KeyConcepts:  []string{"binary search tree", "insertion"},
	}
}

func weakCandidate() model.DraftCandidate {
	return model.DraftCandidate{QuestionText: "Talk about quantum chromodynamics.", AnswerScheme: "no"}
}

func bstRequest() model.GenerationRequest {
	return model.GenerationRequest{UnitID: "unit_1", COID: "CO1", BloomLevel: 3, Difficulty: model.DifficultyMedium}
}

type stubRetriever struct {
	mu       sync.Mutex
	calls    int
	passages []model.RetrievedPassage
	err      error
}

func (r *stubRetriever) Retrieve(_ context.Context, unitID, _ string, k int) ([]model.RetrievedPassage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	var out []model.RetrievedPassage
	for _, p := range r.passages {
		if len(out) == k {
			break
		}
		p.UnitID = unitID
		out = append(out, p)
	}
	return out, nil
}

// stubDrafter returns its candidates in order and repeats the last one.
type stubDrafter struct {
	candidates []model.DraftCandidate
	errs       []error
	inputs     []DraftInput
}

func (d *stubDrafter) Draft(_ context.Context, in DraftInput) (model.DraftCandidate, error) {
	i := len(d.inputs)
	d.inputs = append(d.inputs, in)
	if i < len(d.errs) && d.errs[i] != nil {
		return model.DraftCandidate{}, d.errs[i]
	}
	if i >= len(d.candidates) {
		i = len(d.candidates) - 1
	}
	return d.candidates[i], nil
}

func (d *stubDrafter) calls() int {
	return len(d.inputs)
}

// stubCritic passes from iteration passFrom on; zero never passes.
type stubCritic struct {
	passFrom int
}

func (c stubCritic) Critique(_ context.Context, cand model.DraftCandidate, _ model.GenerationRequest, _ []model.RetrievedPassage) (Verdict, error) {
	if c.passFrom > 0 && cand.Iteration >= c.passFrom {
		return Verdict{Pass: true, Quality: QualityGood}, nil
	}
	return Verdict{Notes: []string{"needs work"}, Quality: QualityFair}, nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	questions []model.Question
	papers    []model.Paper
	err       error
}

func (m *memStore) SaveQuestion(_ context.Context, q *model.Question) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	q.ID = int64(len(m.questions) + 1)
	q.CreatedAt = time.Now().UTC()
	m.questions = append(m.questions, *q)
	return q.ID, nil
}

func (m *memStore) add(qs ...model.Question) {
	for i := range qs {
		if qs[i].ReviewStatus == "" {
			qs[i].ReviewStatus = model.ReviewPending
		}
		_, _ = m.SaveQuestion(context.Background(), &qs[i])
	}
}

func (m *memStore) QueryQuestions(_ context.Context, f model.QuestionFilter, page, pageSize int) ([]model.Question, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []model.Question
	for _, q := range m.questions {
		if f.UnitID != "" && q.UnitID != f.UnitID {
			continue
		}
		if f.BloomLevel != 0 && q.BloomLevel != f.BloomLevel {
			continue
		}
		if f.Difficulty != "" && q.Difficulty != f.Difficulty {
			continue
		}
		if f.CourseOutcome != "" && q.PrimaryCO != f.CourseOutcome {
			continue
		}
		if f.ExcludeRejected && q.ReviewStatus == model.ReviewRejected {
			continue
		}
		matched = append(matched, q)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, len(matched), nil
	}
	end := min(start+pageSize, len(matched))
	return matched[start:end], len(matched), nil
}

func (m *memStore) SavePaper(_ context.Context, p *model.Paper) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	p.ID = int64(len(m.papers) + 1)
	m.papers = append(m.papers, *p)
	return p.ID, nil
}

func newTestService(t *testing.T, d *stubDrafter, c Critic, cfg Config) (*Service, *stubRetriever, *memStore) {
	t.Helper()
	r := &stubRetriever{passages: bstPassages}
	st := &memStore{}
	svc := NewService(Deps{
		Syllabus:  testSyllabus(t),
		Retriever: r,
		Drafter:   d,
		Critic:    c,
		Store:     st,
	}, cfg)
	return svc, r, st
}
