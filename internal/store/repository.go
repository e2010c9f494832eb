// Package store persists generated questions, composed papers and reviewer
// accounts. SQLite is the default backend; Postgres is used for postgres:// URLs.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/bloomgen/internal/model"
)

// Repository is implemented by both backends.
type Repository interface {
	SaveQuestion(ctx context.Context, q *model.Question) (int64, error)
	GetQuestion(ctx context.Context, id int64) (model.Question, error)
	QueryQuestions(ctx context.Context, f model.QuestionFilter, page, pageSize int) ([]model.Question, int, error)
	ReviewQuestion(ctx context.Context, id, reviewerID int64, r model.Review) (model.Question, error)
	CountQuestions(ctx context.Context) (int, error)
	Analytics(ctx context.Context) (model.Analytics, error)

	SavePaper(ctx context.Context, p *model.Paper) (int64, error)
	GetPaper(ctx context.Context, id int64) (model.Paper, error)
	ListPapers(ctx context.Context) ([]model.PaperSummary, error)

	CreateUser(ctx context.Context, u model.User) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	UserCount(ctx context.Context) (int, error)

	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*PostgresStore)(nil)
)

// IsPostgresURL reports whether dsn selects the Postgres backend.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open returns the backend selected by dsn: Postgres for postgres:// URLs,
// otherwise a SQLite file path.
func Open(ctx context.Context, dsn string) (Repository, error) {
	if IsPostgresURL(dsn) {
		return NewPostgres(ctx, dsn, 0, 0)
	}
	return New(dsn)
}

// RecordBank stores the course code and embedding model the bank was built
// with, warning when they differ from what is already recorded.
func RecordBank(ctx context.Context, r Repository, courseCode, embedModel string) error {
	for _, kv := range []struct{ key, value string }{
		{MetaCourseCode, courseCode},
		{MetaEmbedModel, embedModel},
	} {
		prev, err := r.GetMetadata(ctx, kv.key)
		if err != nil {
			return fmt.Errorf("read %s: %w", kv.key, err)
		}
		if prev != "" && prev != kv.value {
			slog.Warn("question bank was built with a different setting", "key", kv.key, "stored", prev, "current", kv.value)
		}
		if err := r.SetMetadata(ctx, kv.key, kv.value); err != nil {
			return fmt.Errorf("write %s: %w", kv.key, err)
		}
	}
	return nil
}
