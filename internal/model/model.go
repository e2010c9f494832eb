package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleReviewer is a faculty member who reviews generated questions.
	UserRoleReviewer UserRole = "reviewer"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a faculty account allowed to review questions.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Difficulty represents question difficulty level. Levels are ordered easy < medium < hard.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Rank returns the ordinal of d (1..3), or 0 for an unknown difficulty.
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyEasy:
		return 1
	case DifficultyMedium:
		return 2
	case DifficultyHard:
		return 3
	}
	return 0
}

// Valid reports whether d is one of the known difficulty levels.
func (d Difficulty) Valid() bool {
	return d.Rank() > 0
}

// ReviewStatus is the faculty review state of a persisted question.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewEdited   ReviewStatus = "edited"
	ReviewRejected ReviewStatus = "rejected"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewAccepted, ReviewEdited, ReviewRejected:
		return true
	}
	return false
}

// GenerationMode selects how a paper's slots are filled.
type GenerationMode string

const (
	ModeBank   GenerationMode = "bank"
	ModeFresh  GenerationMode = "fresh"
	ModeHybrid GenerationMode = "hybrid"
)

// Valid reports whether m is a known generation mode.
func (m GenerationMode) Valid() bool {
	switch m {
	case ModeBank, ModeFresh, ModeHybrid:
		return true
	}
	return false
}

// CourseInfo identifies the course a syllabus belongs to.
type CourseInfo struct {
	CourseCode string `json:"course_code" yaml:"course_code"`
	CourseName string `json:"course_name" yaml:"course_name"`
}

// SyllabusUnit is one unit of the syllabus with its ordered topics.
type SyllabusUnit struct {
	ID     string   `json:"unit_id" yaml:"unit_id"`
	Name   string   `json:"unit_name" yaml:"unit_name"`
	Topics []string `json:"topics" yaml:"topics"`
}

// CourseOutcome is a named learning objective questions are tagged against.
type CourseOutcome struct {
	ID          string `json:"co_id" yaml:"co_id"`
	Description string `json:"description" yaml:"description"`
}

// Syllabus is the ingested course structure.
type Syllabus struct {
	Course   CourseInfo      `json:"course_info" yaml:"course_info"`
	Units    []SyllabusUnit  `json:"units" yaml:"units"`
	Outcomes []CourseOutcome `json:"course_outcomes" yaml:"course_outcomes"`
}

// SourceLocator points back at the chunk a passage came from.
type SourceLocator struct {
	File       string `json:"source_file"`
	Page       int    `json:"page_number"`
	ChunkIndex int    `json:"chunk_index"`
}

// RetrievedPassage is one ranked passage returned from a unit index.
type RetrievedPassage struct {
	UnitID     string        `json:"unit_id"`
	Text       string        `json:"text"`
	Similarity float64       `json:"similarity"`
	Source     SourceLocator `json:"source"`
}

// GenerationRequest asks for one question. Marks is optional; zero means
// "derive from difficulty".
type GenerationRequest struct {
	UnitID     string     `json:"unit_id"`
	COID       string     `json:"co_id"`
	BloomLevel int        `json:"bloom_level"`
	Difficulty Difficulty `json:"difficulty"`
	Marks      int        `json:"marks,omitempty"`
}

// DraftCandidate is a proposed question inside the draft-critique loop.
type DraftCandidate struct {
	QuestionText string   `json:"question"`
	AnswerScheme string   `json:"answer_scheme"`
	QuestionType string   `json:"question_type"`
	KeyConcepts  []string `json:"key_concepts"`
	Iteration    int      `json:"iteration"`
	PriorNotes   []string `json:"prior_notes,omitempty"`
}

// ScoreBreakdown holds the per-dimension compliance sub-scores, each in [0,100].
type ScoreBreakdown struct {
	Grounding       int `json:"grounding"`
	BloomVerb       int `json:"bloom_verb"`
	AnswerScheme    int `json:"answer_scheme"`
	MarksDifficulty int `json:"marks_difficulty"`
}

// IterationTrace records one draft and its critique.
type IterationTrace struct {
	Iteration    int      `json:"iteration"`
	QuestionText string   `json:"question"`
	AnswerScheme string   `json:"answer_scheme"`
	Passed       bool     `json:"passed"`
	Notes        []string `json:"notes,omitempty"`
	Quality      string   `json:"quality,omitempty"`
	Score        int      `json:"score"`
}

// Provenance is the retained record of how a question was produced.
type Provenance struct {
	Query      string             `json:"query"`
	Depth      int                `json:"depth"`
	Passages   []RetrievedPassage `json:"passages"`
	Iterations []IterationTrace   `json:"iterations"`
	Outcome    string             `json:"outcome"`
	Breakdown  ScoreBreakdown     `json:"score_breakdown"`
	Model      string             `json:"model,omitempty"`
}

// Question is a persisted, scored exam question.
type Question struct {
	ID               int64        `json:"id"`
	Text             string       `json:"question_text"`
	AnswerScheme     string       `json:"answer_scheme"`
	QuestionType     string       `json:"question_type"`
	KeyConcepts      []string     `json:"key_concepts"`
	CourseCode       string       `json:"course_code"`
	UnitID           string       `json:"unit_id"`
	UnitName         string       `json:"unit_name"`
	PrimaryCO        string       `json:"primary_co"`
	SecondaryCOs     []string     `json:"secondary_cos"`
	BloomLevel       int          `json:"bloom_level"`
	Difficulty       Difficulty   `json:"difficulty"`
	Marks            int          `json:"marks"`
	TimeMinutes      int          `json:"time_minutes"`
	ComplianceScore  int          `json:"compliance_score"`
	QualityScore     int          `json:"quality_score"`
	RefinementCount  int          `json:"refinement_count"`
	Provenance       Provenance   `json:"provenance"`
	ReviewStatus     ReviewStatus `json:"review_status"`
	ReviewerID       *int64       `json:"reviewer_id,omitempty"`
	EditedText       string       `json:"edited_text,omitempty"`
	ReviewFeedback   string       `json:"review_feedback,omitempty"`
	TimesUsedInExams int          `json:"times_used_in_exams"`
	CreatedAt        time.Time    `json:"created_at"`
	ReviewedAt       *time.Time   `json:"reviewed_at,omitempty"`
}

// QuestionFilter is a conjunction of optional equality filters. Zero values mean
// "no filter on this field".
type QuestionFilter struct {
	UnitID        string
	BloomLevel    int
	Difficulty    Difficulty
	CourseOutcome string
	ReviewStatus  ReviewStatus
	// ExcludeRejected drops questions a reviewer rejected.
	ExcludeRejected bool
}

// Review is a faculty decision on a question.
type Review struct {
	Status     ReviewStatus `json:"status"`
	EditedText string       `json:"edited_text,omitempty"`
	Feedback   string       `json:"feedback,omitempty"`
}

// Blueprint constrains paper composition.
type Blueprint struct {
	Name              string         `json:"name"`
	ExamType          string         `json:"exam_type"`
	TotalMarks        int            `json:"total_marks"`
	DurationMinutes   int            `json:"duration_minutes"`
	BloomDistribution map[int]int    `json:"bloom_distribution"`
	Mode              GenerationMode `json:"generation_mode"`
	Units             []string       `json:"units,omitempty"`
	CourseOutcomes    []string       `json:"course_outcomes,omitempty"`
}

// Slot is one planned position in a paper.
type Slot struct {
	Index      int        `json:"index"`
	UnitID     string     `json:"unit_id"`
	COID       string     `json:"co_id"`
	BloomLevel int        `json:"bloom_level"`
	Difficulty Difficulty `json:"difficulty"`
	Marks      int        `json:"marks"`
}

// PaperQuestion is one ordered entry in a paper.
type PaperQuestion struct {
	Position     int       `json:"position"`
	QuestionID   int64     `json:"question_id"`
	MarksAwarded int       `json:"marks_awarded"`
	Source       string    `json:"source"`
	Question     *Question `json:"question,omitempty"`
}

// Paper is a persisted exam paper.
type Paper struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	ExamType          string          `json:"exam_type"`
	CourseCode        string          `json:"course_code"`
	TotalMarks        int             `json:"total_marks"`
	DurationMinutes   int             `json:"duration_minutes"`
	Mode              GenerationMode  `json:"generation_mode"`
	Questions         []PaperQuestion `json:"questions"`
	BloomDistribution map[int]int     `json:"bloom_distribution"`
	COCoverage        map[string]int  `json:"co_coverage"`
	UnitCoverage      map[string]int  `json:"unit_coverage"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ComputeCoverage fills the marks per Bloom level, outcome and unit from
// the paper's resolved questions.
func (p *Paper) ComputeCoverage() {
	p.BloomDistribution = map[int]int{}
	p.COCoverage = map[string]int{}
	p.UnitCoverage = map[string]int{}
	for _, pq := range p.Questions {
		if pq.Question == nil {
			continue
		}
		p.BloomDistribution[pq.Question.BloomLevel] += pq.MarksAwarded
		p.COCoverage[pq.Question.PrimaryCO] += pq.MarksAwarded
		p.UnitCoverage[pq.Question.UnitID] += pq.MarksAwarded
	}
}

// PaperSummary is a paper without its question list.
type PaperSummary struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	ExamType        string         `json:"exam_type"`
	TotalMarks      int            `json:"total_marks"`
	DurationMinutes int            `json:"duration_minutes"`
	Mode            GenerationMode `json:"generation_mode"`
	QuestionCount   int            `json:"question_count"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Analytics aggregates the question bank.
type Analytics struct {
	TotalQuestions         int                `json:"total_questions"`
	BloomDistribution      map[string]int     `json:"bloom_distribution"`
	BloomPercentages       map[string]float64 `json:"bloom_percentages"`
	BloomMarks             map[string]int     `json:"bloom_marks"`
	DifficultyDistribution map[string]int     `json:"difficulty_distribution"`
	UnitDistribution       map[string]int     `json:"unit_distribution"`
	CODistribution         map[string]int     `json:"co_distribution"`
	ReviewDistribution     map[string]int     `json:"review_distribution"`
	AverageCompliance      float64            `json:"average_compliance_score"`
	SyllabusUnits          int                `json:"syllabus_units"`
	CourseOutcomes         int                `json:"course_outcomes"`
}
