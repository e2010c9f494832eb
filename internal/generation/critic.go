package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/llm/prompts"
	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/scoring"
	"github.com/pavelanni/bloomgen/internal/syllabus"
)

// Quality tiers reported by critics and their numeric quality scores.
const (
	QualityPoor      = "poor"
	QualityFair      = "fair"
	QualityGood      = "good"
	QualityExcellent = "excellent"
)

var qualityScores = map[string]int{
	QualityPoor:      40,
	QualityFair:      60,
	QualityGood:      80,
	QualityExcellent: 95,
}

// QualityScore maps a tier to its score; unknown tiers score 0.
func QualityScore(tier string) int {
	return qualityScores[tier]
}

// Verdict is the outcome of critiquing one candidate.
type Verdict struct {
	Pass    bool
	Notes   []string
	Quality string
}

// Critic judges a candidate against the request and its retrieved passages.
type Critic interface {
	Critique(ctx context.Context, c model.DraftCandidate, req model.GenerationRequest, passages []model.RetrievedPassage) (Verdict, error)
}

const (
	minGrounding         = 50
	minAnswerScheme      = 50
	minQuestionWords     = 6
	maxQuestionWords     = 150
	defaultMinCompliance = 70
)

// RubricCritic applies the fixed rubric: syllabus grounding, Bloom-verb match,
// internal coherence and answer-scheme presence, plus the compliance threshold.
type RubricCritic struct {
	scorer        *scoring.Scorer
	minCompliance int
}

// NewRubricCritic creates a rubric critic. A threshold of zero or less uses 70.
func NewRubricCritic(scorer *scoring.Scorer, minCompliance int) *RubricCritic {
	if minCompliance <= 0 {
		minCompliance = defaultMinCompliance
	}
	return &RubricCritic{scorer: scorer, minCompliance: minCompliance}
}

// MinCompliance returns the acceptance threshold.
func (r *RubricCritic) MinCompliance() int {
	return r.minCompliance
}

// Critique never fails; it returns notes for each rubric item the candidate misses.
func (r *RubricCritic) Critique(_ context.Context, c model.DraftCandidate, req model.GenerationRequest, passages []model.RetrievedPassage) (Verdict, error) {
	res := r.scorer.Score(c, req, passages)
	var notes []string

	if res.Breakdown.Grounding < minGrounding {
		notes = append(notes, fmt.Sprintf(
			"question is weakly grounded in the unit's source text (grounding %d/100); reuse terms from the source material",
			res.Breakdown.Grounding))
	}
	if res.Breakdown.BloomVerb < 100 {
		notes = append(notes, fmt.Sprintf(
			"question does not use a level %d (%s) verb; start with one of: %s",
			req.BloomLevel, bloom.Name(req.BloomLevel), strings.Join(bloom.Verbs(req.BloomLevel), ", ")))
	}

	words := len(strings.Fields(c.QuestionText))
	switch {
	case words < minQuestionWords:
		notes = append(notes, "question is too short to be self-contained")
	case words > maxQuestionWords:
		notes = append(notes, fmt.Sprintf("question is too long (%d words); keep it under %d", words, maxQuestionWords))
	}
	if c.AnswerScheme != "" && strings.EqualFold(strings.TrimSpace(c.AnswerScheme), strings.TrimSpace(c.QuestionText)) {
		notes = append(notes, "answer scheme repeats the question instead of answering it")
	}

	marks := req.Marks
	if marks <= 0 {
		marks = scoring.MarksForDifficulty(req.Difficulty)
	}
	switch {
	case strings.TrimSpace(c.AnswerScheme) == "":
		notes = append(notes, "answer scheme is missing")
	case res.Breakdown.AnswerScheme < minAnswerScheme:
		notes = append(notes, fmt.Sprintf(
			"answer scheme lists %d points; %d marks call for about %d",
			scoring.SchemePoints(c.AnswerScheme), marks, scoring.ExpectedPoints(marks)))
	}

	if res.Total < r.minCompliance {
		notes = append(notes, fmt.Sprintf("compliance score %d is below the acceptance threshold %d", res.Total, r.minCompliance))
	}

	return Verdict{Pass: len(notes) == 0, Notes: notes, Quality: tierForScore(res.Total)}, nil
}

func tierForScore(score int) string {
	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 75:
		return QualityGood
	case score >= 55:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ModelCritic asks the language model for a review. The prompt variant sets
// which issue severities block acceptance.
type ModelCritic struct {
	llm      Completer
	syllabus *syllabus.Syllabus
	variant  prompts.PromptVariant
	timeout  time.Duration
}

// NewModelCritic creates a model-backed critic.
func NewModelCritic(llm Completer, syl *syllabus.Syllabus, variant prompts.PromptVariant, timeout time.Duration) *ModelCritic {
	return &ModelCritic{llm: llm, syllabus: syl, variant: variant, timeout: timeout}
}

// Critique renders the critique prompt and parses the model's verdict.
func (m *ModelCritic) Critique(ctx context.Context, c model.DraftCandidate, req model.GenerationRequest, passages []model.RetrievedPassage) (Verdict, error) {
	return m.critique(ctx, c, req, passages, nil)
}

func (m *ModelCritic) critique(ctx context.Context, c model.DraftCandidate, req model.GenerationRequest, passages []model.RetrievedPassage, rubricNotes []string) (Verdict, error) {
	prompt, err := prompts.BuildCritiquePrompt(m.variant, promptContext(m.syllabus, req, passages), c.QuestionText, c.AnswerScheme, rubricNotes)
	if err != nil {
		return Verdict{}, fmt.Errorf("build critique prompt: %w", err)
	}
	raw, err := m.llm.Complete(ctx, prompt, m.timeout)
	if err != nil {
		return Verdict{}, err
	}
	out, err := parseCritique(raw)
	if err != nil {
		return Verdict{}, err
	}

	pass := out.ReadyForFaculty
	var notes []string
	for _, issue := range out.IssuesFound {
		if m.blocks(issue.Severity) {
			pass = false
		}
		note := strings.TrimSpace(issue.Issue)
		if s := strings.TrimSpace(issue.Suggestion); s != "" {
			note += " (suggestion: " + s + ")"
		}
		if note != "" {
			notes = append(notes, note)
		}
	}
	return Verdict{Pass: pass, Notes: notes, Quality: out.OverallQuality}, nil
}

func (m *ModelCritic) blocks(severity string) bool {
	switch m.variant {
	case prompts.PromptStrict:
		return true
	case prompts.PromptLenient:
		return severity == "critical"
	default:
		return severity == "major" || severity == "critical"
	}
}

// ChainCritic runs the rubric first and then the model critic, which sees the
// rubric's notes. A candidate passes only if both pass. Malformed model
// output falls back to the rubric verdict.
type ChainCritic struct {
	rubric *RubricCritic
	model  *ModelCritic
}

// NewChainCritic combines a rubric critic and a model critic.
func NewChainCritic(rubric *RubricCritic, mc *ModelCritic) *ChainCritic {
	return &ChainCritic{rubric: rubric, model: mc}
}

// Critique merges both verdicts.
func (c *ChainCritic) Critique(ctx context.Context, cand model.DraftCandidate, req model.GenerationRequest, passages []model.RetrievedPassage) (Verdict, error) {
	rv, err := c.rubric.Critique(ctx, cand, req, passages)
	if err != nil {
		return Verdict{}, err
	}
	mv, err := c.model.critique(ctx, cand, req, passages, rv.Notes)
	if errors.Is(err, ErrMalformedOutput) {
		slog.Warn("model critique unusable, using rubric verdict", "iteration", cand.Iteration, "error", err)
		return rv, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Pass:    rv.Pass && mv.Pass,
		Notes:   append(rv.Notes, mv.Notes...),
		Quality: mv.Quality,
	}, nil
}
