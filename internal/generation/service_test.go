package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/scoring"
)

type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

const bstDraftJSON = `{
  "question": "Apply insertion to build a binary search tree from the keys 50, 30, 70 and 20, and show the resulting tree.",
  "answer_scheme": ["Place 50 at the root", "Insert 30 as the left child and 70 as the right child", "Insert 20 as the left child of 30"],
  "question_type": "problem",
  "key_concepts": ["binary search tree", "insertion"]
}`

func TestGenerateQuestionRejectsInvalidBloomBeforeRetrieval(t *testing.T) {
	for _, level := range []int{0, 7, -1} {
		d := &stubDrafter{candidates: []model.DraftCandidate{goodCandidate()}}
		svc, r, st := newTestService(t, d, stubCritic{passFrom: 1}, Config{})

		req := bstRequest()
		req.BloomLevel = level
		_, err := svc.GenerateQuestion(context.Background(), req)
		require.Error(t, err, "level %d", level)
		assert.True(t, model.KindOf(err).IsValidation(), "level %d kind = %q", level, model.KindOf(err))
		assert.Equal(t, model.KindInvalidBloomLevel, model.KindOf(err))
		assert.Zero(t, r.calls, "retriever called for level %d", level)
		assert.Zero(t, d.calls())
		assert.Empty(t, st.questions)
	}
}

func TestGenerateQuestionValidation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*model.GenerationRequest)
		kind  model.Kind
		field string
	}{
		{"unknown unit", func(r *model.GenerationRequest) { r.UnitID = "unit_9" }, model.KindUnknownUnit, "unit_id"},
		{"missing unit", func(r *model.GenerationRequest) { r.UnitID = "" }, model.KindValidation, "unit_id"},
		{"unknown outcome", func(r *model.GenerationRequest) { r.COID = "CO9" }, model.KindValidation, "co_id"},
		{"bad difficulty", func(r *model.GenerationRequest) { r.Difficulty = "brutal" }, model.KindValidation, "difficulty"},
		{"negative marks", func(r *model.GenerationRequest) { r.Marks = -4 }, model.KindValidation, "marks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, r, _ := newTestService(t, &stubDrafter{candidates: []model.DraftCandidate{goodCandidate()}}, stubCritic{passFrom: 1}, Config{})
			req := bstRequest()
			tt.edit(&req)

			_, err := svc.GenerateQuestion(context.Background(), req)
			var de *model.Error
			require.True(t, errors.As(err, &de), "error %v is not a domain error", err)
			assert.Equal(t, tt.kind, de.Kind)
			assert.Equal(t, tt.field, de.Field)
			assert.Zero(t, r.calls)
		})
	}
}

func TestValidateRequestMarksRange(t *testing.T) {
	svc, _, _ := newTestService(t, &stubDrafter{candidates: []model.DraftCandidate{goodCandidate()}}, stubCritic{passFrom: 1}, Config{})

	req := bstRequest()
	req.Marks = 0
	require.NoError(t, svc.ValidateRequest(req), "zero marks derive from difficulty")
	req.Marks = 100
	require.NoError(t, svc.ValidateRequest(req))

	req.Marks = 101
	err := svc.ValidateRequest(req)
	var de *model.Error
	require.True(t, errors.As(err, &de), "error %v is not a domain error", err)
	assert.Equal(t, "marks", de.Field)
	assert.Contains(t, de.Message, "between 0")
}

func TestGenerateQuestionEndToEnd(t *testing.T) {
	syl := testSyllabus(t)
	llm := &fakeCompleter{responses: []string{bstDraftJSON}}
	r := &stubRetriever{passages: bstPassages}
	st := &memStore{}
	svc := NewService(Deps{
		Syllabus:  syl,
		Retriever: r,
		Drafter:   NewModelDrafter(llm, syl, time.Second),
		Critic:    NewRubricCritic(scoring.Default(), 70),
		Store:     st,
	}, Config{ModelName: "test-model"})

	q, err := svc.GenerateQuestion(context.Background(), bstRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(1), q.ID)
	assert.GreaterOrEqual(t, q.ComplianceScore, 70)
	assert.Equal(t, "unit_1", q.UnitID)
	assert.Equal(t, "Trees", q.UnitName)
	assert.Equal(t, "CS201", q.CourseCode)
	assert.Equal(t, "CO1", q.PrimaryCO)
	assert.Equal(t, 3, q.BloomLevel)
	assert.Equal(t, 5, q.Marks)
	assert.Equal(t, 9, q.TimeMinutes)
	assert.Equal(t, 0, q.RefinementCount)
	assert.Equal(t, model.ReviewPending, q.ReviewStatus)
	assert.Len(t, strings.Split(q.AnswerScheme, "\n"), 3)

	assert.Equal(t, 5, q.Provenance.Depth)
	assert.Equal(t, "accepted", q.Provenance.Outcome)
	assert.Equal(t, "test-model", q.Provenance.Model)
	assert.Contains(t, q.Provenance.Query, "binary search trees")
	assert.Len(t, q.Provenance.Passages, 2)
	require.Len(t, q.Provenance.Iterations, 1)
	assert.True(t, q.Provenance.Iterations[0].Passed)

	assert.Equal(t, 1, r.calls)
	require.Len(t, st.questions, 1)
	assert.Contains(t, llm.prompts[0], "<source-material>")
}

func TestGenerateQuestionExhaustedIsNotSaved(t *testing.T) {
	d := &stubDrafter{candidates: []model.DraftCandidate{weakCandidate()}}
	svc, _, st := newTestService(t, d, stubCritic{}, Config{MaxIterations: 2})

	_, err := svc.GenerateQuestion(context.Background(), bstRequest())
	assert.True(t, model.IsKind(err, model.KindGenerationFailed))
	assert.Equal(t, 2, d.calls())
	assert.Empty(t, st.questions)
}

func TestGenerateQuestionForceAcceptMarksProvenance(t *testing.T) {
	d := &stubDrafter{candidates: []model.DraftCandidate{weakCandidate(), goodCandidate()}}
	svc, _, _ := newTestService(t, d, stubCritic{}, Config{MaxIterations: 2, ForceAccept: true})

	q, err := svc.GenerateQuestion(context.Background(), bstRequest())
	require.NoError(t, err)
	assert.Equal(t, "accepted_best_seen", q.Provenance.Outcome)
	assert.Equal(t, 1, q.RefinementCount)
	assert.Equal(t, goodCandidate().QuestionText, q.Text)
}

func TestGenerateQuestionPersistenceFailure(t *testing.T) {
	svc, _, st := newTestService(t, &stubDrafter{candidates: []model.DraftCandidate{goodCandidate()}}, stubCritic{passFrom: 1}, Config{})
	st.err = errors.New("disk full")

	_, err := svc.GenerateQuestion(context.Background(), bstRequest())
	assert.True(t, model.IsKind(err, model.KindPersistence), "kind = %q", model.KindOf(err))
}

func TestGenerateQuestionRetrievalTimeout(t *testing.T) {
	svc, r, _ := newTestService(t, &stubDrafter{candidates: []model.DraftCandidate{goodCandidate()}}, stubCritic{passFrom: 1}, Config{})
	r.err = model.Wrap(model.KindGenerationTimeout, context.DeadlineExceeded, "retrieval timed out")

	_, err := svc.GenerateQuestion(context.Background(), bstRequest())
	assert.True(t, model.IsKind(err, model.KindGenerationTimeout))
}

func TestTimeForMarks(t *testing.T) {
	assert.Equal(t, 4, TimeForMarks(2))
	assert.Equal(t, 9, TimeForMarks(5))
	assert.Equal(t, 18, TimeForMarks(10))
}
