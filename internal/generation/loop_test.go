package generation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/scoring"
)

func TestLoopAcceptsFirstPassingCandidate(t *testing.T) {
	d := &stubDrafter{candidates: []model.DraftCandidate{goodCandidate()}}
	loop := NewLoop(d, stubCritic{passFrom: 1}, scoring.Default(), LoopConfig{})

	out, err := loop.Run(context.Background(), bstRequest(), bstPassages)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, out.State)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, 1, d.calls())
	assert.False(t, out.Forced)
	assert.Equal(t, 1, out.Candidate.Iteration)
	require.Len(t, out.Trace, 1)
	assert.True(t, out.Trace[0].Passed)
}

func TestLoopExhaustsAtCap(t *testing.T) {
	for _, limit := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("cap %d", limit), func(t *testing.T) {
			d := &stubDrafter{candidates: []model.DraftCandidate{weakCandidate()}}
			loop := NewLoop(d, stubCritic{}, scoring.Default(), LoopConfig{MaxIterations: limit})

			out, err := loop.Run(context.Background(), bstRequest(), bstPassages)
			require.Error(t, err)
			assert.True(t, model.IsKind(err, model.KindGenerationFailed), "kind = %q", model.KindOf(err))
			assert.Equal(t, StateExhausted, out.State)
			assert.Equal(t, limit, d.calls())
			assert.Equal(t, limit, out.Iterations)
			assert.Len(t, out.Trace, limit)
		})
	}
}

func TestLoopDefaultCap(t *testing.T) {
	loop := NewLoop(&stubDrafter{}, stubCritic{}, scoring.Default(), LoopConfig{MaxIterations: -2})
	assert.Equal(t, DefaultMaxIterations, loop.MaxIterations())
}

func TestLoopForceAcceptReturnsBestSeen(t *testing.T) {
	d := &stubDrafter{candidates: []model.DraftCandidate{weakCandidate(), goodCandidate(), weakCandidate()}}
	loop := NewLoop(d, stubCritic{}, scoring.Default(), LoopConfig{MaxIterations: 3, ForceAccept: true})

	out, err := loop.Run(context.Background(), bstRequest(), bstPassages)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, out.State)
	assert.True(t, out.Forced)
	assert.Equal(t, 3, d.calls())
	assert.Equal(t, goodCandidate().QuestionText, out.Candidate.QuestionText)
	assert.Equal(t, 2, out.Candidate.Iteration)
}

func TestLoopTieKeepsEarliest(t *testing.T) {
	first, second := goodCandidate(), goodCandidate()
	first.QuestionType = "first"
	second.QuestionType = "second"
	d := &stubDrafter{candidates: []model.DraftCandidate{first, second}}
	loop := NewLoop(d, stubCritic{}, scoring.Default(), LoopConfig{MaxIterations: 2, ForceAccept: true})

	out, err := loop.Run(context.Background(), bstRequest(), bstPassages)
	require.NoError(t, err)
	assert.Equal(t, "first", out.Candidate.QuestionType)
	assert.Equal(t, 1, out.Candidate.Iteration)
}

func TestLoopFeedsNotesIntoRepair(t *testing.T) {
	d := &stubDrafter{candidates: []model.DraftCandidate{weakCandidate(), goodCandidate()}}
	loop := NewLoop(d, stubCritic{passFrom: 2}, scoring.Default(), LoopConfig{})

	out, err := loop.Run(context.Background(), bstRequest(), bstPassages)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Iterations)
	require.Len(t, d.inputs, 2)
	assert.Nil(t, d.inputs[0].Previous)
	require.NotNil(t, d.inputs[1].Previous)
	assert.Equal(t, weakCandidate().QuestionText, d.inputs[1].Previous.QuestionText)
	assert.Equal(t, []string{"needs work"}, d.inputs[1].Notes)
	assert.Equal(t, 2, d.inputs[1].Iteration)
}

func TestLoopMalformedDraftCountsAsIteration(t *testing.T) {
	d := &stubDrafter{
		candidates: []model.DraftCandidate{goodCandidate()},
		errs:       []error{fmt.Errorf("%w: unexpected end of JSON input", ErrMalformedOutput)},
	}
	loop := NewLoop(d, stubCritic{passFrom: 1}, scoring.Default(), LoopConfig{})

	out, err := loop.Run(context.Background(), bstRequest(), bstPassages)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Iterations)
	require.Len(t, out.Trace, 2)
	assert.False(t, out.Trace[0].Passed)
	assert.NotEmpty(t, d.inputs[1].Notes)
}

func TestLoopMalformedEveryTimeFails(t *testing.T) {
	d := &stubDrafter{
		candidates: []model.DraftCandidate{goodCandidate()},
		errs:       []error{ErrMalformedOutput, ErrMalformedOutput},
	}
	loop := NewLoop(d, stubCritic{passFrom: 1}, scoring.Default(), LoopConfig{MaxIterations: 2, ForceAccept: true})

	_, err := loop.Run(context.Background(), bstRequest(), bstPassages)
	assert.True(t, model.IsKind(err, model.KindGenerationFailed), "kind = %q", model.KindOf(err))
}

func TestLoopDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	d := &stubDrafter{candidates: []model.DraftCandidate{goodCandidate()}}
	loop := NewLoop(d, stubCritic{passFrom: 1}, scoring.Default(), LoopConfig{})

	_, err := loop.Run(ctx, bstRequest(), bstPassages)
	assert.True(t, model.IsKind(err, model.KindGenerationTimeout), "kind = %q", model.KindOf(err))
	assert.Zero(t, d.calls())
}

func TestLoopDrafterTimeoutKeepsKind(t *testing.T) {
	d := &stubDrafter{
		candidates: []model.DraftCandidate{goodCandidate()},
		errs:       []error{model.Wrap(model.KindGenerationTimeout, context.DeadlineExceeded, "completion timed out")},
	}
	loop := NewLoop(d, stubCritic{passFrom: 1}, scoring.Default(), LoopConfig{})

	_, err := loop.Run(context.Background(), bstRequest(), bstPassages)
	assert.True(t, model.IsKind(err, model.KindGenerationTimeout))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "accepted", StateAccepted.String())
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.Equal(t, "state(9)", State(9).String())
}
