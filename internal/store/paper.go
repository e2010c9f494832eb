package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/pavelanni/bloomgen/internal/model"
)

// SavePaper inserts a paper with its question list in one transaction and
// bumps times_used_in_exams on every included question.
func (s *Store) SavePaper(ctx context.Context, p *model.Paper) (int64, error) {
	cov, err := encodeCoverage(p)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "encode paper coverage")
	}
	p.CreatedAt = utcNow()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "begin paper transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO papers (name, exam_type, course_code, total_marks, duration_minutes, mode,
			bloom_distribution, co_coverage, unit_coverage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.ExamType, p.CourseCode, p.TotalMarks, p.DurationMinutes, p.Mode,
		cov.bloom, cov.co, cov.unit, p.CreatedAt,
	)
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "insert paper")
	}
	paperID, err := res.LastInsertId()
	if err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "insert paper")
	}

	for _, pq := range p.Questions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO paper_questions (paper_id, position, question_id, marks_awarded, source) VALUES (?, ?, ?, ?, ?)`,
			paperID, pq.Position, pq.QuestionID, pq.MarksAwarded, pq.Source,
		); err != nil {
			return 0, model.Wrap(model.KindPersistence, err, "insert paper question")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE questions SET times_used_in_exams = times_used_in_exams + 1 WHERE id = ?`, pq.QuestionID,
		); err != nil {
			return 0, model.Wrap(model.KindPersistence, err, "update question usage")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, model.Wrap(model.KindPersistence, err, "commit paper")
	}
	p.ID = paperID
	return paperID, nil
}

// GetPaper returns a paper with its questions resolved, in position order.
func (s *Store) GetPaper(ctx context.Context, id int64) (model.Paper, error) {
	var p model.Paper
	var cov encodedCoverage
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, exam_type, course_code, total_marks, duration_minutes, mode,
			bloom_distribution, co_coverage, unit_coverage, created_at
		 FROM papers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.ExamType, &p.CourseCode, &p.TotalMarks, &p.DurationMinutes, &p.Mode,
		&cov.bloom, &cov.co, &cov.unit, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Paper{}, model.Errorf(model.KindNotFound, "paper %d not found", id)
	}
	if err != nil {
		return model.Paper{}, model.Wrap(model.KindPersistence, err, "get paper")
	}
	if err := decodeCoverage(&p, cov); err != nil {
		return model.Paper{}, model.Wrap(model.KindPersistence, err, "get paper")
	}
	p.CreatedAt = p.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT pq.position, pq.question_id, pq.marks_awarded, pq.source, `+qualifiedColumns("q")+`
		 FROM paper_questions pq JOIN questions q ON q.id = pq.question_id
		 WHERE pq.paper_id = ? ORDER BY pq.position`, id)
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
func (s *Store) ListPapers(ctx context.Context) ([]model.PaperSummary, error) {
	rows, err := s.db.QueryContext(ctx,
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
		if err := rows.Scan(&ps.ID, &ps.Name, &ps.ExamType, &ps.TotalMarks, &ps.DurationMinutes, &ps.Mode,
			&ps.QuestionCount, &ps.CreatedAt); err != nil {
			return nil, model.Wrap(model.KindPersistence, err, "scan paper")
		}
		ps.CreatedAt = ps.CreatedAt.UTC()
		papers = append(papers, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindPersistence, err, "list papers")
	}
	return papers, nil
}

// qualifiedColumns prefixes every question column with alias.
func qualifiedColumns(alias string) string {
	cols := strings.Split(questionColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// prefixScanner scans leading columns into prefix and the rest into dest.
type prefixScanner struct {
	sc     scanner
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.sc.Scan(append(p.prefix, dest...)...)
}

func scanPaperQuestion(sc scanner) (model.PaperQuestion, error) {
	var pq model.PaperQuestion
	q, err := scanQuestion(prefixScanner{sc: sc, prefix: []any{&pq.Position, &pq.QuestionID, &pq.MarksAwarded, &pq.Source}})
	if err != nil {
		return pq, err
	}
	pq.Question = &q
	return pq, nil
}
