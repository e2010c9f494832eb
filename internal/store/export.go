package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/bloomgen/internal/model"
)

const exportPageSize = 200

// QuestionQuerier is the read side needed to export the bank.
type QuestionQuerier interface {
	QueryQuestions(ctx context.Context, f model.QuestionFilter, page, pageSize int) ([]model.Question, int, error)
}

// ExportBank builds the export form of every question with the given review
// status, or of all questions when status is empty.
func ExportBank(ctx context.Context, q QuestionQuerier, course model.CourseInfo, status model.ReviewStatus) (model.BankExport, error) {
	out := model.BankExport{
		CourseCode: course.CourseCode,
		CourseName: course.CourseName,
		ExportedAt: utcNow(),
		Status:     status,
		Questions:  []model.ExportQuestion{},
	}
	filter := model.QuestionFilter{ReviewStatus: status}
	for page := 1; ; page++ {
		items, total, err := q.QueryQuestions(ctx, filter, page, exportPageSize)
		if err != nil {
			return out, fmt.Errorf("list questions page %d: %w", page, err)
		}
		for _, item := range items {
			out.Questions = append(out.Questions, model.ExportFromQuestion(item))
		}
		if len(items) == 0 || len(out.Questions) >= total {
			break
		}
	}
	out.NumQuestion = len(out.Questions)
	return out, nil
}
