package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/model"
)

// Sources recorded on paper questions.
const (
	SourceBank      = "bank"
	SourceGenerated = "generated"
)

const bankPageSize = 100

// GeneratePaper composes and persists a paper from a blueprint.
//
// Bank mode only selects stored questions and fails with
// unsatisfiable_blueprint on the first slot it cannot fill, unless fresh
// fallback is enabled. Fresh mode generates every slot. Hybrid mode takes a
// bank question whose unit, Bloom level and primary outcome match and
// generates the rest.
func (s *Service) GeneratePaper(ctx context.Context, bp model.Blueprint) (model.Paper, error) {
	ctx, span := s.tracer.Start(ctx, "generate_paper", trace.WithAttributes(
		attribute.String("name", bp.Name),
		attribute.Int("total_marks", bp.TotalMarks),
		attribute.String("mode", string(bp.Mode)),
	))
	defer span.End()

	p, err := s.generatePaper(ctx, bp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.KindOf(err)))
		return model.Paper{}, err
	}
	span.SetAttributes(attribute.Int64("paper_id", p.ID), attribute.Int("questions", len(p.Questions)))
	return p, nil
}

// PlanPaper validates the blueprint and returns its slots without filling them.
func (s *Service) PlanPaper(bp model.Blueprint) ([]model.Slot, error) {
	if err := ValidateBlueprint(&bp, s.syllabus); err != nil {
		return nil, err
	}
	return PlanSlots(bp, bp.Units, bp.CourseOutcomes)
}

func (s *Service) generatePaper(ctx context.Context, bp model.Blueprint) (model.Paper, error) {
	if err := ValidateBlueprint(&bp, s.syllabus); err != nil {
		return model.Paper{}, err
	}
	slots, err := PlanSlots(bp, bp.Units, bp.CourseOutcomes)
	if err != nil {
		return model.Paper{}, err
	}
	slog.Info("composing paper", "name", bp.Name, "mode", bp.Mode, "slots", len(slots), "total_marks", bp.TotalMarks)

	picker := newBankPicker(s.store)
	paper := model.Paper{
		Name:            bp.Name,
		ExamType:        bp.ExamType,
		CourseCode:      s.syllabus.Course().CourseCode,
		TotalMarks:      bp.TotalMarks,
		DurationMinutes: bp.DurationMinutes,
		Mode:            bp.Mode,
	}

	for _, slot := range slots {
		q, source, err := s.fillSlot(ctx, bp.Mode, slot, picker)
		if err != nil {
			return model.Paper{}, err
		}
		paper.Questions = append(paper.Questions, model.PaperQuestion{
			Position:     slot.Index + 1,
			QuestionID:   q.ID,
			MarksAwarded: slot.Marks,
			Source:       source,
			Question:     &q,
		})
	}

	paper.ComputeCoverage()
	if got := sumMarks(paper.Questions); got != paper.TotalMarks {
		return model.Paper{}, model.Errorf(model.KindUnsatisfiableBlueprint,
			"planned marks %d do not match total %d", got, paper.TotalMarks)
	}

	id, err := s.store.SavePaper(ctx, &paper)
	if err != nil {
		if model.KindOf(err) == "" {
			err = model.Wrap(model.KindPersistence, err, "save paper")
		}
		return model.Paper{}, err
	}
	paper.ID = id
	slog.Info("paper saved", "id", id, "name", paper.Name, "questions", len(paper.Questions))
	return paper, nil
}

func (s *Service) fillSlot(ctx context.Context, mode model.GenerationMode, slot model.Slot, picker *bankPicker) (model.Question, string, error) {
	if mode != model.ModeFresh {
		q, ok, err := picker.pick(ctx, slot, mode == model.ModeBank)
		if err != nil {
			return model.Question{}, "", fmt.Errorf("slot %d: %w", slot.Index+1, err)
		}
		if ok {
			return q, SourceBank, nil
		}
		if mode == model.ModeBank && !s.cfg.AllowFreshInBank {
			return model.Question{}, "", model.SlotError(slot.Index+1, fmt.Sprintf(
				"slot %d: no bank question for unit %s at Bloom level %d (%s)",
				slot.Index+1, slot.UnitID, slot.BloomLevel, bloom.Name(slot.BloomLevel)))
		}
	}

	q, err := s.GenerateQuestion(ctx, model.GenerationRequest{
		UnitID:     slot.UnitID,
		COID:       slot.COID,
		BloomLevel: slot.BloomLevel,
		Difficulty: slot.Difficulty,
		Marks:      slot.Marks,
	})
	if err != nil {
		return model.Question{}, "", fmt.Errorf("slot %d: %w", slot.Index+1, err)
	}
	picker.markUsed(q.ID)
	return q, SourceGenerated, nil
}

// bankPicker selects stored questions for slots and never reuses one within a paper.
type bankPicker struct {
	store Store
	used  map[int64]bool
	pools map[string][]model.Question
}

func newBankPicker(store Store) *bankPicker {
	return &bankPicker{store: store, used: map[int64]bool{}, pools: map[string][]model.Question{}}
}

func (b *bankPicker) markUsed(id int64) {
	b.used[id] = true
}

// pick returns the best unused question for the slot. Relaxed matching
// accepts any question with the slot's unit and Bloom level; otherwise the
// primary outcome must match too.
func (b *bankPicker) pick(ctx context.Context, slot model.Slot, relaxed bool) (model.Question, bool, error) {
	pool, err := b.pool(ctx, slot.UnitID, slot.BloomLevel)
	if err != nil {
		return model.Question{}, false, err
	}
	ranked := make([]model.Question, 0, len(pool))
	for _, q := range pool {
		if b.used[q.ID] {
			continue
		}
		if !relaxed && q.PrimaryCO != slot.COID {
			continue
		}
		ranked = append(ranked, q)
	}
	if len(ranked) == 0 {
		return model.Question{}, false, nil
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return betterMatch(ranked[i], ranked[j], slot)
	})
	q := ranked[0]
	b.markUsed(q.ID)
	return q, true, nil
}

func (b *bankPicker) pool(ctx context.Context, unitID string, level int) ([]model.Question, error) {
	key := fmt.Sprintf("%s/%d", unitID, level)
	if pool, ok := b.pools[key]; ok {
		return pool, nil
	}
	filter := model.QuestionFilter{UnitID: unitID, BloomLevel: level, ExcludeRejected: true}
	var pool []model.Question
	for page := 1; ; page++ {
		items, total, err := b.store.QueryQuestions(ctx, filter, page, bankPageSize)
		if err != nil {
			return nil, err
		}
		pool = append(pool, items...)
		if len(items) == 0 || len(pool) >= total {
			break
		}
	}
	b.pools[key] = pool
	return pool, nil
}

// betterMatch orders bank candidates: outcome match, difficulty match,
// reviewed before pending, compliance, then newest.
func betterMatch(a, b model.Question, slot model.Slot) bool {
	if ac, bc := a.PrimaryCO == slot.COID, b.PrimaryCO == slot.COID; ac != bc {
		return ac
	}
	if ad, bd := a.Difficulty == slot.Difficulty, b.Difficulty == slot.Difficulty; ad != bd {
		return ad
	}
	if ar, br := reviewed(a), reviewed(b); ar != br {
		return ar
	}
	if a.ComplianceScore != b.ComplianceScore {
		return a.ComplianceScore > b.ComplianceScore
	}
	return a.ID > b.ID
}

func reviewed(q model.Question) bool {
	return q.ReviewStatus == model.ReviewAccepted || q.ReviewStatus == model.ReviewEdited
}

func sumMarks(qs []model.PaperQuestion) int {
	total := 0
	for _, q := range qs {
		total += q.MarksAwarded
	}
	return total
}
