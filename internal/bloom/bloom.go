// Package bloom holds Bloom's taxonomy levels, their canonical verbs and the
// retrieval depth each level warrants.
package bloom

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/bloomgen/internal/model"
)

const (
	MinLevel = 1
	MaxLevel = 6
)

// depthByLevel is monotonically non-decreasing; higher levels synthesize more source text.
var depthByLevel = [MaxLevel + 1]int{0, 2, 3, 5, 8, 12, 15}

var names = [MaxLevel + 1]string{"", "Remember", "Understand", "Apply", "Analyze", "Evaluate", "Create"}

var verbs = [MaxLevel + 1][]string{
	nil,
	{"define", "list", "identify", "state", "name", "recall", "label", "outline"},
	{"explain", "describe", "discuss", "summarize", "classify", "interpret", "illustrate"},
	{"apply", "demonstrate", "solve", "compute", "calculate", "implement", "use", "construct"},
	{"analyze", "analyse", "compare", "differentiate", "distinguish", "examine", "contrast"},
	{"evaluate", "justify", "critique", "assess", "judge", "argue", "recommend"},
	{"design", "create", "develop", "formulate", "propose", "devise", "compose"},
}

var wordRegex = regexp.MustCompile(`[a-z]+`)

// Validate returns an invalid_bloom_level error if level is outside [1,6].
func Validate(level int) error {
	if level < MinLevel || level > MaxLevel {
		return model.FieldError(model.KindInvalidBloomLevel, "bloom_level",
			fmt.Sprintf("bloom level must be between %d and %d, got %d", MinLevel, MaxLevel, level))
	}
	return nil
}

// DepthForBloom returns the number of passages to retrieve for a Bloom level.
func DepthForBloom(level int) (int, error) {
	if err := Validate(level); err != nil {
		return 0, err
	}
	return depthByLevel[level], nil
}

// Name returns the taxonomy name of a level, or "" when out of range.
func Name(level int) string {
	if level < MinLevel || level > MaxLevel {
		return ""
	}
	return names[level]
}

// Key returns the "L<n>" label used in analytics.
func Key(level int) string {
	return fmt.Sprintf("L%d", level)
}

// ParseKey accepts "L3", "l3" or "3" and returns the level.
func ParseKey(s string) (int, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "L"), "l")
	level, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.FieldError(model.KindInvalidBloomLevel, "bloom_level", fmt.Sprintf("invalid bloom level %q", s))
	}
	if err := Validate(level); err != nil {
		return 0, err
	}
	return level, nil
}

// Verbs returns a copy of the canonical verb set for a level.
func Verbs(level int) []string {
	if level < MinLevel || level > MaxLevel {
		return nil
	}
	return append([]string(nil), verbs[level]...)
}

// Match describes how well a text's verbs fit a target level.
type Match int

const (
	NoMatch Match = iota
	AdjacentMatch
	ExactMatch
)

// MatchVerb reports whether text uses a verb from level's set (ExactMatch),
// from a neighbouring level's set (AdjacentMatch), or neither.
func MatchVerb(level int, text string) (Match, string) {
	if level < MinLevel || level > MaxLevel {
		return NoMatch, ""
	}
	words := wordSet(text)
	for _, v := range verbs[level] {
		if words[v] {
			return ExactMatch, v
		}
	}
	for _, adj := range []int{level - 1, level + 1} {
		if adj < MinLevel || adj > MaxLevel {
			continue
		}
		for _, v := range verbs[adj] {
			if words[v] {
				return AdjacentMatch, v
			}
		}
	}
	return NoMatch, ""
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		set[w] = true
	}
	return set
}
