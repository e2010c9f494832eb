package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/scoring"
)

// DefaultMaxIterations caps draft-critique rounds when none is configured.
const DefaultMaxIterations = 3

// State is the draft-critique loop's tagged state.
type State int

const (
	StateDrafting State = iota
	StateCritiquing
	StateAccepted
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDrafting:
		return "drafting"
	case StateCritiquing:
		return "critiquing"
	case StateAccepted:
		return "accepted"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// LoopConfig bounds the loop.
type LoopConfig struct {
	MaxIterations int
	// ForceAccept returns the best-seen candidate when the cap is reached
	// without a pass, instead of failing.
	ForceAccept bool
}

// Outcome is the loop's terminal state with the chosen candidate and its trace.
type Outcome struct {
	State      State
	Candidate  model.DraftCandidate
	Score      scoring.Result
	Quality    string
	Forced     bool
	Iterations int
	Trace      []model.IterationTrace
}

// Loop alternates drafting and critiquing until a candidate passes or the cap is hit.
type Loop struct {
	drafter Drafter
	critic  Critic
	scorer  *scoring.Scorer
	cfg     LoopConfig
}

// NewLoop creates a loop. A non-positive cap uses DefaultMaxIterations.
func NewLoop(drafter Drafter, critic Critic, scorer *scoring.Scorer, cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Loop{drafter: drafter, critic: critic, scorer: scorer, cfg: cfg}
}

// MaxIterations returns the configured cap.
func (l *Loop) MaxIterations() int {
	return l.cfg.MaxIterations
}

type loopState struct {
	state     State
	iteration int
	current   model.DraftCandidate
	previous  *model.DraftCandidate
	notes     []string

	best        *model.DraftCandidate
	bestScore   scoring.Result
	bestQuality string

	trace []model.IterationTrace
}

// Run executes the loop. The context deadline is checked at each iteration
// boundary. An Exhausted outcome is returned together with a
// generation_failed error.
func (l *Loop) Run(ctx context.Context, req model.GenerationRequest, passages []model.RetrievedPassage) (Outcome, error) {
	st := loopState{state: StateDrafting}

	for {
		switch st.state {
		case StateDrafting:
			if err := boundaryErr(ctx); err != nil {
				return st.outcome(), err
			}
			st.iteration++
			cand, err := l.drafter.Draft(ctx, DraftInput{
				Request:   req,
				Passages:  passages,
				Iteration: st.iteration,
				Previous:  st.previous,
				Notes:     st.notes,
			})
			if errors.Is(err, ErrMalformedOutput) {
				note := "previous output was not valid JSON for the required fields: " + err.Error()
				st.trace = append(st.trace, model.IterationTrace{Iteration: st.iteration, Notes: []string{note}})
				slog.Warn("draft rejected", "iteration", st.iteration, "error", err)
				st.notes = []string{note}
				st.state = l.afterFailure(&st)
				continue
			}
			if err != nil {
				return st.outcome(), asGenerationError(err, "draft question")
			}
			cand.Iteration = st.iteration
			st.current = cand
			st.state = StateCritiquing

		case StateCritiquing:
			res := l.scorer.Score(st.current, req, passages)
			verdict, err := l.critic.Critique(ctx, st.current, req, passages)
			if err != nil {
				return st.outcome(), asGenerationError(err, "critique question")
			}
			st.trace = append(st.trace, model.IterationTrace{
				Iteration:    st.iteration,
				QuestionText: st.current.QuestionText,
				AnswerScheme: st.current.AnswerScheme,
				Passed:       verdict.Pass,
				Notes:        verdict.Notes,
				Quality:      verdict.Quality,
				Score:        res.Total,
			})
			// Strictly greater keeps the earliest candidate on ties.
			if st.best == nil || res.Total > st.bestScore.Total {
				c := st.current
				st.best, st.bestScore, st.bestQuality = &c, res, verdict.Quality
			}
			slog.Debug("critique", "iteration", st.iteration, "pass", verdict.Pass, "score", res.Total, "notes", len(verdict.Notes))

			if verdict.Pass {
				st.best, st.bestScore, st.bestQuality = &st.current, res, verdict.Quality
				st.state = StateAccepted
				continue
			}
			st.notes = verdict.Notes
			c := st.current
			st.previous = &c
			st.state = l.afterFailure(&st)

		case StateAccepted:
			return st.outcome(), nil

		case StateExhausted:
			return st.outcome(), model.Errorf(model.KindGenerationFailed,
				"could not produce a compliant question in %d iterations", st.iteration)
		}
	}
}

// afterFailure decides the next state after a failed iteration.
func (l *Loop) afterFailure(st *loopState) State {
	if st.iteration < l.cfg.MaxIterations {
		return StateDrafting
	}
	if l.cfg.ForceAccept && st.best != nil {
		return StateAccepted
	}
	return StateExhausted
}

func (st *loopState) outcome() Outcome {
	o := Outcome{
		State:      st.state,
		Iterations: st.iteration,
		Trace:      st.trace,
	}
	if st.best != nil {
		o.Candidate = *st.best
		o.Score = st.bestScore
		o.Quality = st.bestQuality
		o.Forced = st.state == StateAccepted && !lastPassed(st.trace)
	}
	return o
}

func lastPassed(trace []model.IterationTrace) bool {
	return len(trace) > 0 && trace[len(trace)-1].Passed
}

// boundaryErr converts an expired or cancelled context into a domain error.
func boundaryErr(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return model.Wrap(model.KindGenerationTimeout, err, "generation deadline reached")
	default:
		return fmt.Errorf("generation cancelled: %w", err)
	}
}

// asGenerationError keeps kinded errors (timeouts) intact and classifies the
// rest as generation failures.
func asGenerationError(err error, action string) error {
	if model.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Wrap(model.KindGenerationTimeout, err, action+" timed out")
	}
	return model.Wrap(model.KindGenerationFailed, err, action)
}
