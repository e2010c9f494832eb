// Package export renders composed papers as Markdown documents and XLSX workbooks.
package export

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/template"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/bloomgen/internal/bloom"
	"github.com/pavelanni/bloomgen/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Format is an export file format.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatXLSX     Format = "xlsx"
)

// ParseFormat maps a query or flag value to a Format. Empty means Markdown.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatMarkdown:
		return FormatMarkdown, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", model.FieldError(model.KindValidation, "format", fmt.Sprintf("unsupported format %q (want md or xlsx)", s))
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/markdown; charset=utf-8"
}

var (
	loadOnce      sync.Once
	loadErr       error
	paperTemplate *template.Template
)

var funcs = template.FuncMap{
	"bloomKey":     bloom.Key,
	"bloomName":    bloom.Name,
	"questionText": QuestionText,
}

func loadTemplates() error {
	loadOnce.Do(func() {
		paperTemplate, loadErr = template.New("paper.md.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/paper.md.tmpl")
	})
	return loadErr
}

// QuestionText is the text printed for q: the reviewer's edit when there is one.
func QuestionText(q *model.Question) string {
	if q == nil {
		return ""
	}
	if q.ReviewStatus == model.ReviewEdited && q.EditedText != "" {
		return q.EditedText
	}
	return q.Text
}

type paperData struct {
	Paper   model.Paper
	Course  model.CourseInfo
	Answers bool
}

// Options controls what a rendered paper includes.
type Options struct {
	// Answers appends the answer scheme after the questions.
	Answers bool
}

// PaperMarkdown renders p as a Markdown exam document.
func PaperMarkdown(p model.Paper, course model.CourseInfo, opts Options) (string, error) {
	if err := loadTemplates(); err != nil {
		return "", fmt.Errorf("load templates: %w", err)
	}
	var buf bytes.Buffer
	if err := paperTemplate.Execute(&buf, paperData{Paper: p, Course: course, Answers: opts.Answers}); err != nil {
		return "", fmt.Errorf("render paper: %w", err)
	}
	return buf.String(), nil
}

const (
	questionsSheet = "Questions"
	coverageSheet  = "Coverage"
)

var questionHeader = []any{"Q", "Question", "Marks", "Unit", "CO", "Bloom", "Difficulty", "Source", "Compliance", "Answer scheme"}

// PaperXLSX writes p as a workbook with a question sheet and a coverage sheet.
func PaperXLSX(w io.Writer, p model.Paper, course model.CourseInfo) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", questionsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	title := p.Name
	if course.CourseCode != "" {
		title = course.CourseCode + " " + title
	}
	if err := f.SetCellValue(questionsSheet, "A1", title); err != nil {
		return err
	}
	if err := f.SetCellValue(questionsSheet, "A2", fmt.Sprintf("Total marks: %d, duration: %d minutes", p.TotalMarks, p.DurationMinutes)); err != nil {
		return err
	}
	if err := f.SetSheetRow(questionsSheet, "A4", &questionHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.SetCellStyle(questionsSheet, "A4", "J4", bold); err != nil {
		return err
	}

	for i, pq := range p.Questions {
		row := []any{pq.Position, QuestionText(pq.Question), pq.MarksAwarded, "", "", "", "", pq.Source, "", ""}
		if q := pq.Question; q != nil {
			row[3] = q.UnitID
			row[4] = q.PrimaryCO
			row[5] = bloom.Key(q.BloomLevel)
			row[6] = string(q.Difficulty)
			row[8] = q.ComplianceScore
			row[9] = q.AnswerScheme
		}
		cell, err := excelize.CoordinatesToCellName(1, 5+i)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(questionsSheet, cell, &row); err != nil {
			return fmt.Errorf("write question %d: %w", pq.Position, err)
		}
	}
	if err := f.SetColWidth(questionsSheet, "B", "B", 80); err != nil {
		return err
	}
	if err := f.SetColWidth(questionsSheet, "J", "J", 60); err != nil {
		return err
	}

	if err := writeCoverage(f, p, bold); err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeCoverage(f *excelize.File, p model.Paper, bold int) error {
	if _, err := f.NewSheet(coverageSheet); err != nil {
		return fmt.Errorf("create coverage sheet: %w", err)
	}
	row := 1
	put := func(values ...any) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		row++
		return f.SetSheetRow(coverageSheet, cell, &values)
	}
	section := func(heading string, keys []string, marks func(string) int) error {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := put(heading, "Marks"); err != nil {
			return err
		}
		if err := f.SetCellStyle(coverageSheet, cell, cell, bold); err != nil {
			return err
		}
		for _, k := range keys {
			if err := put(k, marks(k)); err != nil {
				return err
			}
		}
		row++
		return nil
	}

	levels := make([]int, 0, len(p.BloomDistribution))
	for level := range p.BloomDistribution {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	bloomKeys := make([]string, len(levels))
	byKey := map[string]int{}
	for i, level := range levels {
		bloomKeys[i] = bloom.Key(level)
		byKey[bloomKeys[i]] = p.BloomDistribution[level]
	}

	if err := section("Bloom level", bloomKeys, func(k string) int { return byKey[k] }); err != nil {
		return fmt.Errorf("write bloom coverage: %w", err)
	}
	if err := section("Course outcome", sortedKeys(p.COCoverage), func(k string) int { return p.COCoverage[k] }); err != nil {
		return fmt.Errorf("write outcome coverage: %w", err)
	}
	if err := section("Unit", sortedKeys(p.UnitCoverage), func(k string) int { return p.UnitCoverage[k] }); err != nil {
		return fmt.Errorf("write unit coverage: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
