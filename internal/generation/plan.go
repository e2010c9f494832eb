package generation

import (
	"fmt"
	"sort"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/model"
	"github.com/pavelanni/bloomgen/internal/scoring"
	"github.com/pavelanni/bloomgen/internal/syllabus"
)

const (
	maxPaperMarks    = 500
	maxPaperDuration = 600
)

// markLadder lists slot sizes from largest to smallest.
var markLadder = []int{16, 10, 5, 2}

// maxSlotMarks caps a single slot by Bloom level so recall questions stay short.
var maxSlotMarks = map[int]int{1: 5, 2: 5, 3: 10, 4: 10, 5: 16, 6: 16}

// ValidateBlueprint checks a blueprint against the syllabus. An empty mode
// defaults to hybrid; empty unit and outcome lists mean all of them.
func ValidateBlueprint(bp *model.Blueprint, syl *syllabus.Syllabus) error {
	if bp.Name == "" {
		return model.FieldError(model.KindValidation, "name", "name is required")
	}
	if bp.TotalMarks <= 0 || bp.TotalMarks > maxPaperMarks {
		return model.FieldError(model.KindValidation, "total_marks",
			fmt.Sprintf("total_marks must be between 1 and %d", maxPaperMarks))
	}
	if bp.DurationMinutes <= 0 || bp.DurationMinutes > maxPaperDuration {
		return model.FieldError(model.KindValidation, "duration_minutes",
			fmt.Sprintf("duration_minutes must be between 1 and %d", maxPaperDuration))
	}
	if bp.Mode == "" {
		bp.Mode = model.ModeHybrid
	}
	if !bp.Mode.Valid() {
		return model.FieldError(model.KindValidation, "generation_mode", "generation_mode must be bank, fresh or hybrid")
	}

	if len(bp.BloomDistribution) == 0 {
		return model.FieldError(model.KindValidation, "bloom_distribution", "bloom_distribution is required")
	}
	sum := 0
	for level, pct := range bp.BloomDistribution {
		if err := bloom.Validate(level); err != nil {
			return model.FieldError(model.KindInvalidBloomLevel, "bloom_distribution",
				fmt.Sprintf("bloom level %d is outside 1..6", level))
		}
		if pct < 0 {
			return model.FieldError(model.KindValidation, "bloom_distribution",
				fmt.Sprintf("percentage for level %d is negative", level))
		}
		sum += pct
	}
	if sum != 100 {
		return model.FieldError(model.KindValidation, "bloom_distribution",
			fmt.Sprintf("percentages must sum to 100, got %d", sum))
	}

	for _, id := range bp.Units {
		if _, ok := syl.Unit(id); !ok {
			return model.FieldError(model.KindUnknownUnit, "units", fmt.Sprintf("unknown unit %q", id))
		}
	}
	for _, id := range bp.CourseOutcomes {
		if _, ok := syl.Outcome(id); !ok {
			return model.FieldError(model.KindValidation, "course_outcomes", fmt.Sprintf("unknown course outcome %q", id))
		}
	}
	if len(bp.Units) == 0 {
		bp.Units = syl.UnitIDs()
	}
	if len(bp.CourseOutcomes) == 0 {
		bp.CourseOutcomes = syl.OutcomeIDs()
	}
	return nil
}

// ApportionMarks splits total across Bloom levels by percentage using the
// largest-remainder method, so the parts always sum to total. Ties on the
// remainder go to the lower level.
func ApportionMarks(total int, dist map[int]int) map[int]int {
	type part struct {
		level, rem int
	}
	out := make(map[int]int, len(dist))
	parts := make([]part, 0, len(dist))
	assigned := 0
	for level := bloom.MinLevel; level <= bloom.MaxLevel; level++ {
		pct, ok := dist[level]
		if !ok || pct <= 0 {
			continue
		}
		out[level] = total * pct / 100
		assigned += out[level]
		parts = append(parts, part{level: level, rem: total * pct % 100})
	}
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].rem > parts[j].rem
	})
	for i := 0; assigned < total && len(parts) > 0; i = (i + 1) % len(parts) {
		out[parts[i].level]++
		assigned++
	}
	for level, m := range out {
		if m == 0 {
			delete(out, level)
		}
	}
	return out
}

// SplitMarks breaks one level's marks into slot sizes from the ladder,
// capped by the level's maximum slot size. A leftover single mark joins the
// last slot.
func SplitMarks(level, marks int) []int {
	limit, ok := maxSlotMarks[level]
	if !ok {
		limit = markLadder[0]
	}
	var pieces []int
	for marks >= markLadder[len(markLadder)-1] {
		for _, size := range markLadder {
			if size <= limit && size <= marks {
				pieces = append(pieces, size)
				marks -= size
				break
			}
		}
	}
	if marks > 0 {
		if len(pieces) == 0 {
			return []int{marks}
		}
		pieces[len(pieces)-1] += marks
	}
	return pieces
}

// PlanSlots turns a validated blueprint into ordered slots. Slots are laid out
// by ascending Bloom level; units and outcomes are assigned round-robin.
func PlanSlots(bp model.Blueprint, units, outcomes []string) ([]model.Slot, error) {
	if len(units) == 0 {
		return nil, model.FieldError(model.KindValidation, "units", "blueprint has no units to draw from")
	}
	if len(outcomes) == 0 {
		return nil, model.FieldError(model.KindValidation, "course_outcomes", "blueprint has no course outcomes")
	}
	perLevel := ApportionMarks(bp.TotalMarks, bp.BloomDistribution)

	var slots []model.Slot
	for level := bloom.MinLevel; level <= bloom.MaxLevel; level++ {
		for _, m := range SplitMarks(level, perLevel[level]) {
			i := len(slots)
			slots = append(slots, model.Slot{
				Index:      i,
				UnitID:     units[i%len(units)],
				COID:       outcomes[i%len(outcomes)],
				BloomLevel: level,
				Difficulty: scoring.DifficultyForMarks(m),
				Marks:      m,
			})
		}
	}
	return slots, nil
}
