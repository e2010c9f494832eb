package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/llm/prompts"
	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/scoring"
	"github.com/pavelanni/bloomgen/internal/syllabus"
)

// Completer is the text-completion collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// DraftInput is everything a drafter sees for one iteration. Notes and
// Previous are set on repair iterations.
type DraftInput struct {
	Request   model.GenerationRequest
	Passages  []model.RetrievedPassage
	Iteration int
	Previous  *model.DraftCandidate
	Notes     []string
}

// Drafter proposes a candidate question.
type Drafter interface {
	Draft(ctx context.Context, in DraftInput) (model.DraftCandidate, error)
}

// ModelDrafter drafts questions with a language model.
type ModelDrafter struct {
	llm      Completer
	syllabus *syllabus.Syllabus
	timeout  time.Duration
}

// NewModelDrafter creates a drafter that calls llm with the given per-call timeout.
func NewModelDrafter(llm Completer, syl *syllabus.Syllabus, timeout time.Duration) *ModelDrafter {
	return &ModelDrafter{llm: llm, syllabus: syl, timeout: timeout}
}

// Draft renders the draft prompt, calls the model and parses its JSON answer.
func (d *ModelDrafter) Draft(ctx context.Context, in DraftInput) (model.DraftCandidate, error) {
	pc := promptContext(d.syllabus, in.Request, in.Passages)
	var previous string
	if in.Previous != nil {
		previous = in.Previous.QuestionText
	}
	prompt, err := prompts.BuildDraftPrompt(pc, previous, in.Notes)
	if err != nil {
		return model.DraftCandidate{}, fmt.Errorf("build draft prompt: %w", err)
	}

	raw, err := d.llm.Complete(ctx, prompt, d.timeout)
	if err != nil {
		return model.DraftCandidate{}, err
	}

	out, scheme, err := parseDraft(raw)
	if err != nil {
		return model.DraftCandidate{}, err
	}
	return model.DraftCandidate{
		QuestionText: strings.TrimSpace(out.Question),
		AnswerScheme: scheme,
		QuestionType: out.QuestionType,
		KeyConcepts:  out.KeyConcepts,
		Iteration:    in.Iteration,
		PriorNotes:   in.Notes,
	}, nil
}

func promptContext(syl *syllabus.Syllabus, req model.GenerationRequest, passages []model.RetrievedPassage) prompts.Context {
	course := syl.Course()
	unit, _ := syl.Unit(req.UnitID)
	co, _ := syl.Outcome(req.COID)
	marks := req.Marks
	if marks <= 0 {
		marks = scoring.MarksForDifficulty(req.Difficulty)
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	return prompts.Context{
		CourseCode:    course.CourseCode,
		CourseName:    course.CourseName,
		UnitName:      unit.Name,
		Topics:        unit.Topics,
		COID:          co.ID,
		CODescription: co.Description,
		BloomLevel:    req.BloomLevel,
		BloomName:     bloom.Name(req.BloomLevel),
		BloomVerbs:    bloom.Verbs(req.BloomLevel),
		Difficulty:    string(req.Difficulty),
		Marks:         marks,
		Passages:      texts,
	}
}
