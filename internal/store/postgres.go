package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pavelanni/bloomgen/internal/model"
)

const (
	defaultMaxConns = 10
	defaultMinConns = 1
)

// PostgresStore is the Postgres-backed Repository.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ParseURL validates a PostgreSQL connection URL.
func ParseURL(url string) (*pgxpool.Config, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is empty")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	return cfg, nil
}

// NewPostgres connects a pool and applies the schema. Non-positive pool sizes use defaults.
func NewPostgres(ctx context.Context, url string, maxConns, minConns int) (*PostgresStore, error) {
	cfg, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if minConns <= 0 {
		minConns = defaultMinConns
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'reviewer',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id BIGSERIAL PRIMARY KEY,
		text TEXT NOT NULL,
		answer_scheme TEXT NOT NULL DEFAULT '',
		question_type TEXT NOT NULL DEFAULT '',
		key_concepts JSONB NOT NULL DEFAULT '[]',
		course_code TEXT NOT NULL DEFAULT '',
		unit_id TEXT NOT NULL,
		unit_name TEXT NOT NULL DEFAULT '',
		primary_co TEXT NOT NULL,
		secondary_cos JSONB NOT NULL DEFAULT '[]',
		bloom_level INTEGER NOT NULL,
		difficulty TEXT NOT NULL,
		marks INTEGER NOT NULL,
		time_minutes INTEGER NOT NULL DEFAULT 0,
		compliance_score INTEGER NOT NULL DEFAULT 0,
		quality_score INTEGER NOT NULL DEFAULT 0,
		refinement_count INTEGER NOT NULL DEFAULT 0,
		provenance JSONB NOT NULL DEFAULT '{}',
		review_status TEXT NOT NULL DEFAULT 'pending',
		reviewer_id BIGINT REFERENCES users(id),
		edited_text TEXT NOT NULL DEFAULT '',
		review_feedback TEXT NOT NULL DEFAULT '',
		times_used_in_exams INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		reviewed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_unit_bloom ON questions(unit_id, bloom_level)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_created ON questions(created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS papers (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		exam_type TEXT NOT NULL DEFAULT '',
		course_code TEXT NOT NULL DEFAULT '',
		total_marks INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL,
		mode TEXT NOT NULL,
		bloom_distribution JSONB NOT NULL DEFAULT '{}',
		co_coverage JSONB NOT NULL DEFAULT '{}',
		unit_coverage JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS paper_questions (
		paper_id BIGINT NOT NULL REFERENCES papers(id),
		position INTEGER NOT NULL,
		question_id BIGINT NOT NULL REFERENCES questions(id),
		marks_awarded INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (paper_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS bank_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// JSONB columns are read back as text so scanQuestion works for both backends.
const pgQuestionColumns = `id, text, answer_scheme, question_type, key_concepts::text, course_code, unit_id,
	unit_name, primary_co, secondary_cos::text, bloom_level, difficulty, marks, time_minutes,
	compliance_score, quality_score, refinement_count, provenance::text, review_status, reviewer_id,
	edited_text, review_feedback, times_used_in_exams, created_at, reviewed_at`

// SaveQuestion inserts a question; the id comes from the table's sequence.
func (s *PostgresStore) SaveQuestion(ctx context.Context, q *model.Question) (int64, error) {
	enc, err := encodeQuestion(q)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "encode question")
	}
	if q.ReviewStatus == "" {
		q.ReviewStatus = model.ReviewPending
	}
	q.CreatedAt = utcNow()

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO questions (text, answer_scheme, question_type, key_concepts, course_code, unit_id,
			unit_name, primary_co, secondary_cos, bloom_level, difficulty, marks, time_minutes,
			compliance_score, quality_score, refinement_count, provenance, review_status, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15, $16, $17::jsonb, $18, $19)
		 RETURNING id`,
		q.Text, q.AnswerScheme, q.QuestionType, enc.keyConcepts, q.CourseCode, q.UnitID,
		q.UnitName, q.PrimaryCO, enc.secondaryCOs, q.BloomLevel, string(q.Difficulty), q.Marks, q.TimeMinutes,
		q.ComplianceScore, q.QualityScore, q.RefinementCount, enc.provenance, string(q.ReviewStatus), q.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "insert question")
	}
	q.ID = id
	return id, nil
}

// GetQuestion returns a question by id.
func (s *PostgresStore) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	q, err := scanQuestion(s.pool.QueryRow(ctx, `SELECT `+pgQuestionColumns+` FROM questions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Question{}, model.Errorf(model.KindNotFound, "question %d not found", id)
	}
	if err != nil {
		return model.Question{}, model.Wrap(model.KindPersistence, err, "get question")
	}
	return q, nil
}

func postgresWhere(f model.QuestionFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UnitID != "" {
		conds = append(conds, "unit_id = "+arg(f.UnitID))
	}
	if f.BloomLevel != 0 {
		conds = append(conds, "bloom_level = "+arg(f.BloomLevel))
	}
	if f.Difficulty != "" {
		conds = append(conds, "difficulty = "+arg(string(f.Difficulty)))
	}
	if f.CourseOutcome != "" {
		p := arg(f.CourseOutcome)
		conds = append(conds, "(primary_co = "+p+" OR secondary_cos ? "+p+")")
	}
	if f.ReviewStatus != "" {
		conds = append(conds, "review_status = "+arg(string(f.ReviewStatus)))
	}
	if f.ExcludeRejected {
		conds = append(conds, "review_status <> 'rejected'")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryQuestions returns one page of questions matching f, newest first.
func (s *PostgresStore) QueryQuestions(ctx context.Context, f model.QuestionFilter, page, pageSize int) ([]model.Question, int, error) {
	page, pageSize = clampPage(page, pageSize)
	where, args := postgresWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM questions`+where, args...).Scan(&total); err != nil {
		return nil, 0, model.Wrap(model.KindPersistence, err, "count questions")
	}
	if total == 0 {
		return []model.Question{}, 0, nil
	}

	n := len(args)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM questions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			pgQuestionColumns, where, n+1, n+2),
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

// ReviewQuestion records a reviewer's decision.
func (s *PostgresStore) ReviewQuestion(ctx context.Context, id, reviewerID int64, r model.Review) (model.Question, error) {
	if err := validateReview(r); err != nil {
		return model.Question{}, err
	}
	cmd, err := s.pool.Exec(ctx,
		`UPDATE questions SET review_status = $1, edited_text = $2, review_feedback = $3, reviewer_id = $4, reviewed_at = $5
		 WHERE id = $6`,
		string(r.Status), r.EditedText, r.Feedback, reviewerID, utcNow(), id,
	)
	if err != nil {
		return model.Question{}, model.Wrap(model.KindPersistence, err, "review question")
	}
	if cmd.RowsAffected() == 0 {
		return model.Question{}, model.Errorf(model.KindNotFound, "question %d not found", id)
	}
	return s.GetQuestion(ctx, id)
}

// CountQuestions returns the number of stored questions.
func (s *PostgresStore) CountQuestions(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// Analytics aggregates the whole bank.
func (s *PostgresStore) Analytics(ctx context.Context) (model.Analytics, error) {
	rows, err := s.pool.Query(ctx,
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

// SavePaper inserts a paper and its questions in one transaction.
func (s *PostgresStore) SavePaper(ctx context.Context, p *model.Paper) (int64, error) {
	cov, err := encodeCoverage(p)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "encode paper coverage")
	}
	p.CreatedAt = utcNow()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "begin paper transaction")
	}
	defer tx.Rollback(ctx)

	var paperID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO papers (name, exam_type, course_code, total_marks, duration_minutes, mode,
			bloom_distribution, co_coverage, unit_coverage, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10)
		 RETURNING id`,
		p.Name, p.ExamType, p.CourseCode, p.TotalMarks, p.DurationMinutes, string(p.Mode),
		cov.bloom, cov.co, cov.unit, p.CreatedAt,
	).Scan(&paperID)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "insert paper")
	}

	for _, pq := range p.Questions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO paper_questions (paper_id, position, question_id, marks_awarded, source) VALUES ($1, $2, $3, $4, $5)`,
			paperID, pq.Position, pq.QuestionID, pq.MarksAwarded, pq.Source,
		); err != nil {
			return 0, model.Wrap(model.KindPersistence, err, "insert paper question")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE questions SET times_used_in_exams = times_used_in_exams + 1 WHERE id = $1`, pq.QuestionID,
		); err != nil {
			return 0, model.Wrap(model.KindPersistence, err, "update question usage")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "commit paper")
	}
	p.ID = paperID
	return paperID, nil
}

// GetPaper returns a paper with its questions resolved.
func (s *PostgresStore) GetPaper(ctx context.Context, id int64) (model.Paper, error) {
	var p model.Paper
	var cov encodedCoverage
	var mode string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, exam_type, course_code, total_marks, duration_minutes, mode,
			bloom_distribution::text, co_coverage::text, unit_coverage::text, created_at
		 FROM papers WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.ExamType, &p.CourseCode, &p.TotalMarks, &p.DurationMinutes, &mode,
		&cov.bloom, &cov.co, &cov.unit, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Paper{}, model.Errorf(model.KindNotFound, "paper %d not found", id)
	}
	if err != nil {
		return model.Paper{}, model.Wrap(model.KindPersistence, err, "get paper")
	}
	p.Mode = model.GenerationMode(mode)
	if err := decodeCoverage(&p, cov); err != nil {
		return model.Paper{}, model.Wrap(model.KindPersistence, err, "get paper")
	}
	p.CreatedAt = p.CreatedAt.UTC()

	cols := strings.ReplaceAll(qualifiedColumns("q"), "q.key_concepts", "q.key_concepts::text")
	cols = strings.ReplaceAll(cols, "q.secondary_cos", "q.secondary_cos::text")
	cols = strings.ReplaceAll(cols, "q.provenance", "q.provenance::text")
	rows, err := s.pool.Query(ctx,
		`SELECT pq.position, pq.question_id, pq.marks_awarded, pq.source, `+cols+`
		 FROM paper_questions pq JOIN questions q ON q.id = pq.question_id
		 WHERE pq.paper_id = $1 ORDER BY pq.position`, id)
	if err != nil {
		return model.Paper{}, model.Wrap(model.KindPersistence, err, "get paper questions")
	}
	defer rows.Close()
	p.Questions = []model.PaperQuestion{}
	for rows.Next() {
		pq, err := scanPaperQuestion(rows)
		if err != nil {
			return model.Paper{}, model.Wrap(model.KindPersistence, err, "scan paper question")
		}
		p.Questions = append(p.Questions, pq)
	}
	if err := rows.Err(); err != nil {
		return model.Paper{}, model.Wrap(model.KindPersistence, err, "get paper questions")
	}
	return p, nil
}

// ListPapers returns paper summaries, newest first.
func (s *PostgresStore) ListPapers(ctx context.Context) ([]model.PaperSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.name, p.exam_type, p.total_marks, p.duration_minutes, p.mode,
			(SELECT COUNT(*) FROM paper_questions pq WHERE pq.paper_id = p.id), p.created_at
		 FROM papers p ORDER BY p.created_at DESC, p.id DESC`)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, err, "list papers")
	}
	defer rows.Close()
	papers := []model.PaperSummary{}
	for rows.Next() {
		var ps model.PaperSummary
		var mode string
		if err := rows.Scan(&ps.ID, &ps.Name, &ps.ExamType, &ps.TotalMarks, &ps.DurationMinutes, &mode,
			&ps.QuestionCount, &ps.CreatedAt); err != nil {
			return nil, model.Wrap(model.KindPersistence, err, "scan paper")
		}
		ps.Mode = model.GenerationMode(mode)
		ps.CreatedAt = ps.CreatedAt.UTC()
		papers = append(papers, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindPersistence, err, "list papers")
	}
	return papers, nil
}

// CreateUser inserts a new reviewer account.
func (s *PostgresStore) CreateUser(ctx context.Context, u model.User) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, display_name, password_hash, role, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		u.Username, u.DisplayName, u.PasswordHash, string(u.Role), u.Active, utcNow(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByUsername returns a user by username, or nil if there is none.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, display_name, password_hash, role, active, created_at
		 FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &role, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Role = model.UserRole(role)
	return &u, nil
}

// UserCount returns the total number of users.
func (s *PostgresStore) UserCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// SetMetadata upserts a bank metadata value.
func (s *PostgresStore) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bank_metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	return err
}

// GetMetadata returns a bank metadata value, or "" when missing.
func (s *PostgresStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM bank_metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}
