package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	sourceMaterialRegex = regexp.MustCompile(`(?i)</?\s*source-material\b[^>]*>`)
	draftTagRegex       = regexp.MustCompile(`(?i)</?\s*draft-(question|answer-scheme)\b[^>]*>`)
)

const maxPassageRunes = 2000

// PromptVariant selects how strict the model critic is.
type PromptVariant string

const (
	// PromptStrict fails drafts on any issue.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default critique variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient fails drafts only on critical issues.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce          sync.Once
	loadErr           error
	draftTemplate     *template.Template
	critiqueTemplates map[PromptVariant]*template.Template
)

var funcs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// Context is the syllabus and request context shared by draft and critique prompts.
type Context struct {
	CourseCode    string
	CourseName    string
	UnitName      string
	Topics        []string
	COID          string
	CODescription string
	BloomLevel    int
	BloomName     string
	BloomVerbs    []string
	Difficulty    string
	Marks         int
	Passages      []string
}

// DraftData holds template data for draft prompts.
type DraftData struct {
	Context
	PreviousQuestion string
	PriorNotes       []string
}

// CritiqueData holds template data for critique prompts.
type CritiqueData struct {
	Context
	Question     string
	AnswerScheme string
	RubricNotes  []string
}

// Load parses the embedded prompt templates once.
func Load() error {
	loadOnce.Do(func() {
		critiqueTemplates = make(map[PromptVariant]*template.Template)

		content, err := templateFS.ReadFile("templates/draft.tmpl")
		if err != nil {
			loadErr = errors.New("failed to read draft prompt: " + err.Error())
			return
		}
		draftTemplate, err = template.New("draft").Funcs(funcs).Parse(string(content))
		if err != nil {
			loadErr = errors.New("failed to parse draft prompt: " + err.Error())
			return
		}

		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			file := "templates/critique_" + string(v) + ".tmpl"
			content, err := templateFS.ReadFile(file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New("critique").Funcs(funcs).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			critiqueTemplates[v] = tmpl
		}
	})
	return loadErr
}

// BuildDraftPrompt renders the drafting prompt. Passing prior notes turns the
// prompt into a repair of previousQuestion.
func BuildDraftPrompt(c Context, previousQuestion string, priorNotes []string) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	data := DraftData{
		Context:          sanitizeContext(c),
		PreviousQuestion: sanitizeDraft(previousQuestion),
		PriorNotes:       priorNotes,
	}
	var buf bytes.Buffer
	if err := draftTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildCritiquePrompt renders the critique prompt for the given variant.
func BuildCritiquePrompt(variant PromptVariant, c Context, question, answerScheme string, rubricNotes []string) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := critiqueTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}
	data := CritiqueData{
		Context:      sanitizeContext(c),
		Question:     sanitizeDraft(question),
		AnswerScheme: sanitizeDraft(answerScheme),
		RubricNotes:  rubricNotes,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeContext(c Context) Context {
	passages := make([]string, len(c.Passages))
	for i, p := range c.Passages {
		passages[i] = sanitizePassage(p)
	}
	c.Passages = passages
	return c
}

// sanitizePassage strips delimiter tags so source text cannot close the
// source-material block, and caps its length.
func sanitizePassage(p string) string {
	p = sourceMaterialRegex.ReplaceAllString(p, "")
	p = strings.Join(strings.Fields(p), " ")
	if utf8.RuneCountInString(p) > maxPassageRunes {
		runes := []rune(p)
		p = string(runes[:maxPassageRunes]) + " [truncated]"
	}
	return p
}

func sanitizeDraft(s string) string {
	s = draftTagRegex.ReplaceAllString(s, "")
	s = sourceMaterialRegex.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
