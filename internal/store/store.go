package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/bloomgen/internal/model"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed question and paper store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writes, so ids are assigned in commit order.
	// It also keeps a ":memory:" database alive across calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		answer_scheme TEXT NOT NULL DEFAULT '',
		question_type TEXT NOT NULL DEFAULT '',
		key_concepts TEXT NOT NULL DEFAULT '[]',
		course_code TEXT NOT NULL DEFAULT '',
		unit_id TEXT NOT NULL,
		unit_name TEXT NOT NULL DEFAULT '',
		primary_co TEXT NOT NULL,
		secondary_cos TEXT NOT NULL DEFAULT '[]',
		bloom_level INTEGER NOT NULL,
		difficulty TEXT NOT NULL,
		marks INTEGER NOT NULL,
		time_minutes INTEGER NOT NULL DEFAULT 0,
		compliance_score INTEGER NOT NULL DEFAULT 0,
		quality_score INTEGER NOT NULL DEFAULT 0,
		refinement_count INTEGER NOT NULL DEFAULT 0,
		provenance TEXT NOT NULL DEFAULT '{}',
		review_status TEXT NOT NULL DEFAULT 'pending',
		reviewer_id INTEGER,
		edited_text TEXT NOT NULL DEFAULT '',
		review_feedback TEXT NOT NULL DEFAULT '',
		times_used_in_exams INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		reviewed_at DATETIME,
		FOREIGN KEY (reviewer_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_unit_bloom ON questions(unit_id, bloom_level);
	CREATE INDEX IF NOT EXISTS idx_questions_created ON questions(created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS papers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		exam_type TEXT NOT NULL DEFAULT '',
		course_code TEXT NOT NULL DEFAULT '',
		total_marks INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL,
		mode TEXT NOT NULL,
		bloom_distribution TEXT NOT NULL DEFAULT '{}',
		co_coverage TEXT NOT NULL DEFAULT '{}',
		unit_coverage TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS paper_questions (
		paper_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		marks_awarded INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (paper_id, position),
		FOREIGN KEY (paper_id) REFERENCES papers(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'reviewer',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bank_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const questionColumns = `id, text, answer_scheme, question_type, key_concepts, course_code, unit_id,
	unit_name, primary_co, secondary_cos, bloom_level, difficulty, marks, time_minutes,
	compliance_score, quality_score, refinement_count, provenance, review_status, reviewer_id,
	edited_text, review_feedback, times_used_in_exams, created_at, reviewed_at`

// SaveQuestion inserts a question and returns its id. The id and creation
// time are written back into q.
func (s *Store) SaveQuestion(ctx context.Context, q *model.Question) (int64, error) {
	enc, err := encodeQuestion(q)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "encode question")
	}
	if q.ReviewStatus == "" {
		q.ReviewStatus = model.ReviewPending
	}
	q.CreatedAt = utcNow()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (text, answer_scheme, question_type, key_concepts, course_code, unit_id,
			unit_name, primary_co, secondary_cos, bloom_level, difficulty, marks, time_minutes,
			compliance_score, quality_score, refinement_count, provenance, review_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.Text, q.AnswerScheme, q.QuestionType, enc.keyConcepts, q.CourseCode, q.UnitID,
		q.UnitName, q.PrimaryCO, enc.secondaryCOs, q.BloomLevel, q.Difficulty, q.Marks, q.TimeMinutes,
		q.ComplianceScore, q.QualityScore, q.RefinementCount, enc.provenance, q.ReviewStatus, q.CreatedAt,
	)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "insert question")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "insert question")
	}
	q.ID = id
	return id, nil
}

// GetQuestion returns a question by id.
func (s *Store) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Question{}, model.Errorf(model.KindNotFound, "question %d not found", id)
	}
	if err != nil {
		return model.Question{}, model.Wrap(model.KindPersistence, err, "get question")
	}
	return q, nil
}

func sqliteWhere(f model.QuestionFilter) (string, []any) {
	var conds []string
	var args []any
	if f.UnitID != "" {
		conds = append(conds, "unit_id = ?")
		args = append(args, f.UnitID)
	}
	if f.BloomLevel != 0 {
		conds = append(conds, "bloom_level = ?")
		args = append(args, f.BloomLevel)
	}
	if f.Difficulty != "" {
		conds = append(conds, "difficulty = ?")
		args = append(args, f.Difficulty)
	}
	if f.CourseOutcome != "" {
		conds = append(conds, "(primary_co = ? OR EXISTS (SELECT 1 FROM json_each(questions.secondary_cos) WHERE json_each.value = ?))")
		args = append(args, f.CourseOutcome, f.CourseOutcome)
	}
	if f.ReviewStatus != "" {
		conds = append(conds, "review_status = ?")
		args = append(args, f.ReviewStatus)
	}
	if f.ExcludeRejected {
		conds = append(conds, "review_status <> 'rejected'")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryQuestions returns one page of questions matching f, newest first,
// along with the total number of matches.
func (s *Store) QueryQuestions(ctx context.Context, f model.QuestionFilter, page, pageSize int) ([]model.Question, int, error) {
	page, pageSize = clampPage(page, pageSize)
	where, args := sqliteWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`+where, args...).Scan(&total); err != nil {
		return nil, 0, model.Wrap(model.KindPersistence, err, "count questions")
	}
	if total == 0 {
		return []model.Question{}, 0, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, pageSize, (page-1)*pageSize)...,
	)
	if err != nil {
		return nil, 0, model.Wrap(model.KindPersistence, err, "query questions")
	}
	defer rows.Close()
	questions := []model.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, 0, model.Wrap(model.KindPersistence, err, "scan question")
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, model.Wrap(model.KindPersistence, err, "query questions")
	}
	return questions, total, nil
}

// ReviewQuestion records a reviewer's decision and returns the updated question.
func (s *Store) ReviewQuestion(ctx context.Context, id, reviewerID int64, r model.Review) (model.Question, error) {
	if err := validateReview(r); err != nil {
		return model.Question{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET review_status = ?, edited_text = ?, review_feedback = ?, reviewer_id = ?, reviewed_at = ?
		 WHERE id = ?`,
		r.Status, r.EditedText, r.Feedback, reviewerID, utcNow(), id,
	)
	if err != nil {
		return model.Question{}, model.Wrap(model.KindPersistence, err, "review question")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Question{}, model.Errorf(model.KindNotFound, "question %d not found", id)
	}
	return s.GetQuestion(ctx, id)
}

// CountQuestions returns the number of stored questions.
func (s *Store) CountQuestions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// Analytics aggregates the whole bank.
func (s *Store) Analytics(ctx context.Context) (model.Analytics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bloom_level, difficulty, unit_id, primary_co, review_status, marks, compliance_score FROM questions`)
	if err != nil {
		return model.Analytics{}, model.Wrap(model.KindPersistence, err, "analytics")
	}
	defer rows.Close()
	acc := newAnalyticsAccumulator()
	for rows.Next() {
		if err := acc.scan(rows); err != nil {
			return model.Analytics{}, model.Wrap(model.KindPersistence, err, "analytics")
		}
	}
	if err := rows.Err(); err != nil {
		return model.Analytics{}, model.Wrap(model.KindPersistence, err, "analytics")
	}
	return acc.result(), nil
}
