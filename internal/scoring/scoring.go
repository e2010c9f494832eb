// Package scoring computes the deterministic compliance score of a question
// candidate. The score never consults the language model.
package scoring

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/model"
)

// Weights combine the four sub-scores. They must be non-negative and sum to 1.
type Weights struct {
	Grounding       float64
	BloomVerb       float64
	AnswerScheme    float64
	MarksDifficulty float64
}

// DefaultWeights favours syllabus grounding.
var DefaultWeights = Weights{
	Grounding:       0.40,
	BloomVerb:       0.25,
	AnswerScheme:    0.20,
	MarksDifficulty: 0.15,
}

// fullGroundingRatio is the share of content words found in the passages that earns full grounding.
const fullGroundingRatio = 0.6

// Result is a total score with its breakdown.
type Result struct {
	Total     int                  `json:"total"`
	Breakdown model.ScoreBreakdown `json:"breakdown"`
}

// Scorer is a pure function of its inputs.
type Scorer struct {
	weights Weights
}

// New validates weights and returns a Scorer.
func New(w Weights) (*Scorer, error) {
	for _, x := range []float64{w.Grounding, w.BloomVerb, w.AnswerScheme, w.MarksDifficulty} {
		if x < 0 {
			return nil, fmt.Errorf("negative weight %v", x)
		}
	}
	sum := w.Grounding + w.BloomVerb + w.AnswerScheme + w.MarksDifficulty
	if math.Abs(sum-1) > 1e-9 {
		return nil, fmt.Errorf("weights sum to %v, want 1", sum)
	}
	return &Scorer{weights: w}, nil
}

// Default returns a Scorer with DefaultWeights.
func Default() *Scorer {
	return &Scorer{weights: DefaultWeights}
}

// Score computes the compliance score of c for req, grounded against passages.
func (s *Scorer) Score(c model.DraftCandidate, req model.GenerationRequest, passages []model.RetrievedPassage) Result {
	marks := req.Marks
	if marks <= 0 {
		marks = MarksForDifficulty(req.Difficulty)
	}
	b := model.ScoreBreakdown{
		Grounding:       Grounding(c.QuestionText, passages),
		BloomVerb:       BloomVerb(req.BloomLevel, c.QuestionText),
		AnswerScheme:    AnswerScheme(c.AnswerScheme, marks),
		MarksDifficulty: MarksDifficulty(marks, req.Difficulty),
	}
	total := s.weights.Grounding*float64(b.Grounding) +
		s.weights.BloomVerb*float64(b.BloomVerb) +
		s.weights.AnswerScheme*float64(b.AnswerScheme) +
		s.weights.MarksDifficulty*float64(b.MarksDifficulty)
	return Result{Total: clamp(int(math.Round(total))), Breakdown: b}
}

// Grounding scores the share of the text's content words that occur in the passages.
func Grounding(text string, passages []model.RetrievedPassage) int {
	if len(passages) == 0 {
		return 0
	}
	words := contentWords(text)
	if len(words) == 0 {
		return 0
	}
	vocab := make(map[string]bool)
	for _, p := range passages {
		for w := range contentWords(p.Text) {
			vocab[w] = true
		}
	}
	matched := 0
	for w := range words {
		if vocab[w] {
			matched++
		}
	}
	ratio := float64(matched) / float64(len(words))
	return clamp(int(math.Round(ratio / fullGroundingRatio * 100)))
}

// BloomVerb scores 100 for a verb of the target level, 50 for a neighbouring level, else 0.
func BloomVerb(level int, text string) int {
	switch m, _ := bloom.MatchVerb(level, text); m {
	case bloom.ExactMatch:
		return 100
	case bloom.AdjacentMatch:
		return 50
	}
	return 0
}

var (
	bulletRegex   = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)]|[a-z][.)])\s*`)
	sentenceRegex = regexp.MustCompile(`[.;]\s+`)
)

// AnswerScheme scores how many distinct points the scheme lists against the
// points the marks call for.
func AnswerScheme(scheme string, marks int) int {
	if len(strings.Fields(scheme)) < 3 {
		return 0
	}
	points := SchemePoints(scheme)
	want := ExpectedPoints(marks)
	return clamp(points * 100 / want)
}

// SchemePoints counts answer-scheme points: one per non-empty line, or one per
// sentence when the scheme is a single line.
func SchemePoints(scheme string) int {
	var lines []string
	for _, l := range strings.Split(scheme, "\n") {
		l = strings.TrimSpace(bulletRegex.ReplaceAllString(l, ""))
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) != 1 {
		return len(lines)
	}
	n := 0
	for _, s := range sentenceRegex.Split(lines[0], -1) {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

// ExpectedPoints is the number of scheme points a question of the given marks should list.
func ExpectedPoints(marks int) int {
	p := (marks + 1) / 2
	if p < 1 {
		return 1
	}
	if p > 8 {
		return 8
	}
	return p
}

// MarksDifficulty scores 100 when marks fall in the difficulty's band and
// loses 50 per band of distance.
func MarksDifficulty(marks int, d model.Difficulty) int {
	if marks <= 0 || !d.Valid() {
		return 0
	}
	dist := DifficultyForMarks(marks).Rank() - d.Rank()
	if dist < 0 {
		dist = -dist
	}
	return clamp(100 - 50*dist)
}

// DifficultyForMarks maps marks onto a difficulty band: up to 2 is easy, up to 5 medium, above that hard.
func DifficultyForMarks(marks int) model.Difficulty {
	switch {
	case marks <= 2:
		return model.DifficultyEasy
	case marks <= 5:
		return model.DifficultyMedium
	default:
		return model.DifficultyHard
	}
}

// MarksForDifficulty is the default marks for a difficulty.
func MarksForDifficulty(d model.Difficulty) int {
	switch d {
	case model.DifficultyEasy:
		return 2
	case model.DifficultyHard:
		return 10
	default:
		return 5
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
