package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/model"
)

// scanner is satisfied by *sql.Row, *sql.Rows and pgx rows.
type scanner interface {
	Scan(dest ...any) error
}

type encodedQuestion struct {
	keyConcepts  string
	secondaryCOs string
	provenance   string
}

func encodeQuestion(q *model.Question) (encodedQuestion, error) {
	var enc encodedQuestion
	kc, err := json.Marshal(nonNil(q.KeyConcepts))
	if err != nil {
		return enc, err
	}
	sc, err := json.Marshal(nonNil(q.SecondaryCOs))
	if err != nil {
		return enc, err
	}
	prov, err := json.Marshal(q.Provenance)
	if err != nil {
		return enc, err
	}
	return encodedQuestion{keyConcepts: string(kc), secondaryCOs: string(sc), provenance: string(prov)}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanQuestion(sc scanner) (model.Question, error) {
	var q model.Question
	var keyConcepts, secondaryCOs, provenance string
	err := sc.Scan(&q.ID, &q.Text, &q.AnswerScheme, &q.QuestionType, &keyConcepts, &q.CourseCode, &q.UnitID,
		&q.UnitName, &q.PrimaryCO, &secondaryCOs, &q.BloomLevel, &q.Difficulty, &q.Marks, &q.TimeMinutes,
		&q.ComplianceScore, &q.QualityScore, &q.RefinementCount, &provenance, &q.ReviewStatus, &q.ReviewerID,
		&q.EditedText, &q.ReviewFeedback, &q.TimesUsedInExams, &q.CreatedAt, &q.ReviewedAt)
	if err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(keyConcepts), &q.KeyConcepts); err != nil {
		return q, fmt.Errorf("decode key_concepts of question %d: %w", q.ID, err)
	}
	if err := json.Unmarshal([]byte(secondaryCOs), &q.SecondaryCOs); err != nil {
		return q, fmt.Errorf("decode secondary_cos of question %d: %w", q.ID, err)
	}
	if err := json.Unmarshal([]byte(provenance), &q.Provenance); err != nil {
		return q, fmt.Errorf("decode provenance of question %d: %w", q.ID, err)
	}
	q.CreatedAt = q.CreatedAt.UTC()
	if q.ReviewedAt != nil {
		t := q.ReviewedAt.UTC()
		q.ReviewedAt = &t
	}
	return q, nil
}

type encodedCoverage struct {
	bloom, co, unit string
}

func encodeCoverage(p *model.Paper) (encodedCoverage, error) {
	b, err := json.Marshal(p.BloomDistribution)
	if err != nil {
		return encodedCoverage{}, err
	}
	c, err := json.Marshal(p.COCoverage)
	if err != nil {
		return encodedCoverage{}, err
	}
	u, err := json.Marshal(p.UnitCoverage)
	if err != nil {
		return encodedCoverage{}, err
	}
	return encodedCoverage{bloom: string(b), co: string(c), unit: string(u)}, nil
}

func decodeCoverage(p *model.Paper, enc encodedCoverage) error {
	if err := json.Unmarshal([]byte(enc.bloom), &p.BloomDistribution); err != nil {
		return fmt.Errorf("decode bloom_distribution of paper %d: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(enc.co), &p.COCoverage); err != nil {
		return fmt.Errorf("decode co_coverage of paper %d: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(enc.unit), &p.UnitCoverage); err != nil {
		return fmt.Errorf("decode unit_coverage of paper %d: %w", p.ID, err)
	}
	return nil
}

// clampPage clamps page and page size to at least 1.
func clampPage(page, pageSize int) (int, int) {
	return max(page, 1), max(pageSize, 1)
}

// TotalPages is the number of pages needed for total items.
func TotalPages(total, pageSize int) int {
	if total <= 0 {
		return 0
	}
	pageSize = max(pageSize, 1)
	return (total + pageSize - 1) / pageSize
}

func validateReview(r model.Review) error {
	switch r.Status {
	case model.ReviewAccepted, model.ReviewRejected:
	case model.ReviewEdited:
		if strings.TrimSpace(r.EditedText) == "" {
			return model.FieldError(model.KindValidation, "edited_text", "edited_text is required when status is edited")
		}
	default:
		return model.FieldError(model.KindValidation, "status", "status must be accepted, edited or rejected")
	}
	return nil
}

// analyticsAccumulator folds question rows into bank analytics.
type analyticsAccumulator struct {
	a          model.Analytics
	compliance int
}

func newAnalyticsAccumulator() *analyticsAccumulator {
	acc := &analyticsAccumulator{a: model.Analytics{
		BloomDistribution:      map[string]int{},
		BloomPercentages:       map[string]float64{},
		BloomMarks:             map[string]int{},
		DifficultyDistribution: map[string]int{},
		UnitDistribution:       map[string]int{},
		CODistribution:         map[string]int{},
		ReviewDistribution:     map[string]int{},
	}}
	for level := bloom.MinLevel; level <= bloom.MaxLevel; level++ {
		acc.a.BloomDistribution[bloom.Key(level)] = 0
		acc.a.BloomMarks[bloom.Key(level)] = 0
	}
	for _, d := range []model.Difficulty{model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard} {
		acc.a.DifficultyDistribution[string(d)] = 0
	}
	return acc
}

func (acc *analyticsAccumulator) scan(sc scanner) error {
	var level, marks, compliance int
	var difficulty, unit, co, status string
	if err := sc.Scan(&level, &difficulty, &unit, &co, &status, &marks, &compliance); err != nil {
		return err
	}
	acc.add(level, difficulty, unit, co, status, marks, compliance)
	return nil
}

func (acc *analyticsAccumulator) add(level int, difficulty, unit, co, status string, marks, compliance int) {
	key := bloom.Key(level)
	acc.a.TotalQuestions++
	acc.a.BloomDistribution[key]++
	acc.a.BloomMarks[key] += marks
	acc.a.DifficultyDistribution[difficulty]++
	acc.a.UnitDistribution[unit]++
	acc.a.CODistribution[co]++
	acc.a.ReviewDistribution[status]++
	acc.compliance += compliance
}

func (acc *analyticsAccumulator) result() model.Analytics {
	a := acc.a
	for key, n := range a.BloomDistribution {
		if a.TotalQuestions > 0 {
			a.BloomPercentages[key] = round1(float64(n) * 100 / float64(a.TotalQuestions))
		} else {
			a.BloomPercentages[key] = 0
		}
	}
	if a.TotalQuestions > 0 {
		a.AverageCompliance = round1(float64(acc.compliance) / float64(a.TotalQuestions))
	}
	return a
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}

// utcNow is the store clock.
func utcNow() time.Time {
	return time.Now().UTC()
}
