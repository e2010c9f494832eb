package scoring

import (
	"regexp"
	"strings"

	"github.com/pavelanni/bloomgen/internal/bloom"
)

var wordRegex = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "its": true, "are": true, "was": true, "were": true,
	"how": true, "what": true, "which": true, "why": true, "when": true, "where": true,
	"who": true, "your": true, "you": true, "any": true, "all": true, "each": true,
	"given": true, "following": true, "suitable": true, "example": true, "examples": true,
	"using": true, "between": true, "their": true, "they": true, "them": true, "can": true,
	"will": true, "should": true, "would": true, "has": true, "have": true, "had": true,
	"not": true, "but": true, "also": true, "about": true, "marks": true, "mark": true,
	"briefly": true, "detail": true, "neat": true, "diagram": true, "one": true, "two": true,
}

var bloomVerbs = func() map[string]bool {
	m := make(map[string]bool)
	for level := bloom.MinLevel; level <= bloom.MaxLevel; level++ {
		for _, v := range bloom.Verbs(level) {
			m[v] = true
		}
	}
	return m
}()

// contentWords returns the normalised content words of text: lowercased,
// plural-stripped, at least three characters, without stopwords or Bloom verbs.
func contentWords(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 3 || stopwords[w] || bloomVerbs[w] {
			continue
		}
		set[stem(w)] = true
	}
	return set
}

func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}
