package model

import "time"

// BankExport is the top-level JSON structure for question bank export.
type BankExport struct {
	CourseCode  string           `json:"course_code"`
	CourseName  string           `json:"course_name"`
	ExportedAt  time.Time        `json:"exported_at"`
	Status      ReviewStatus     `json:"review_status,omitempty"`
	NumQuestion int              `json:"num_questions"`
	Questions   []ExportQuestion `json:"questions"`
}

// ExportQuestion is the reviewer-facing subset of a question for export.
type ExportQuestion struct {
	ID              int64        `json:"id"`
	Text            string       `json:"question_text"`
	AnswerScheme    string       `json:"answer_scheme"`
	UnitID          string       `json:"unit_id"`
	PrimaryCO       string       `json:"primary_co"`
	BloomLevel      int          `json:"bloom_level"`
	Difficulty      Difficulty   `json:"difficulty"`
	Marks           int          `json:"marks"`
	ComplianceScore int          `json:"compliance_score"`
	ReviewStatus    ReviewStatus `json:"review_status"`
	Sources         []string     `json:"sources"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ExportFromQuestion converts a stored question into its export form. An edited
// question exports its reviewer-edited text.
func ExportFromQuestion(q Question) ExportQuestion {
	text := q.Text
	if q.ReviewStatus == ReviewEdited && q.EditedText != "" {
		text = q.EditedText
	}
	var sources []string
	seen := make(map[string]bool)
	for _, p := range q.Provenance.Passages {
		if p.Source.File == "" || seen[p.Source.File] {
			continue
		}
		seen[p.Source.File] = true
		sources = append(sources, p.Source.File)
	}
	return ExportQuestion{
		ID:              q.ID,
		Text:            text,
		AnswerScheme:    q.AnswerScheme,
		UnitID:          q.UnitID,
		PrimaryCO:       q.PrimaryCO,
		BloomLevel:      q.BloomLevel,
		Difficulty:      q.Difficulty,
		Marks:           q.Marks,
		ComplianceScore: q.ComplianceScore,
		ReviewStatus:    q.ReviewStatus,
		Sources:         sources,
		CreatedAt:       q.CreatedAt,
	}
}
