package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/pavelanni/bloomgen/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testQuestion(unit, co string, level int, difficulty model.Difficulty) *model.Question {
	return &model.Question{
		Text:            fmt.Sprintf("Question for %s at level %d", unit, level),
		AnswerScheme:    "Award marks for each correct step.",
		QuestionType:    "descriptive",
		KeyConcepts:     []string{"binary search tree"},
		CourseCode:      "CS201",
		UnitID:          unit,
		UnitName:        "Trees",
		PrimaryCO:       co,
		BloomLevel:      level,
		Difficulty:      difficulty,
		Marks:           5,
		TimeMinutes:     9,
		ComplianceScore: 80,
		QualityScore:    75,
		Provenance: model.Provenance{
			Query: "Trees binary search trees",
			Depth: 4,
			Passages: []model.RetrievedPassage{{
				UnitID: unit,
				Text:   "A binary search tree keeps keys ordered.",
				Source: model.SourceLocator{File: "trees.pdf", Page: 3},
			}},
			Outcome: "accepted",
		},
	}
}

func saveTestQuestion(t *testing.T, s *Store, q *model.Question) int64 {
	t.Helper()
	id, err := s.SaveQuestion(context.Background(), q)
	if err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}
	return id
}

func TestQuestionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.CountQuestions(ctx)
	if err != nil {
		t.Fatalf("CountQuestions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 questions, got %d", count)
	}

	in := testQuestion("unit_1", "CO1", 3, model.DifficultyMedium)
	in.SecondaryCOs = []string{"CO2"}
	id := saveTestQuestion(t, s, in)
	if id == 0 || in.ID != id {
		t.Fatalf("expected id written back, got id=%d q.ID=%d", id, in.ID)
	}

	q, err := s.GetQuestion(ctx, id)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if q.Text != in.Text || q.UnitID != "unit_1" || q.BloomLevel != 3 || q.Difficulty != model.DifficultyMedium {
		t.Errorf("unexpected question: %+v", q)
	}
	if q.ReviewStatus != model.ReviewPending {
		t.Errorf("expected pending review, got %q", q.ReviewStatus)
	}
	if len(q.SecondaryCOs) != 1 || q.SecondaryCOs[0] != "CO2" {
		t.Errorf("expected secondary COs [CO2], got %v", q.SecondaryCOs)
	}
	if len(q.Provenance.Passages) != 1 || q.Provenance.Passages[0].Source.File != "trees.pdf" {
		t.Errorf("provenance not preserved: %+v", q.Provenance)
	}
	if q.CreatedAt.Location().String() != "UTC" {
		t.Errorf("expected UTC timestamp, got %v", q.CreatedAt.Location())
	}
	if q.ReviewerID != nil || q.ReviewedAt != nil {
		t.Errorf("expected no reviewer on a new question")
	}
}

func TestGetQuestionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetQuestion(context.Background(), 42)
	if !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestQueryQuestionsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for range 25 {
		saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 2, model.DifficultyEasy))
	}

	items, total, err := s.QueryQuestions(ctx, model.QuestionFilter{}, 1, 10)
	if err != nil {
		t.Fatalf("QueryQuestions: %v", err)
	}
	if len(items) != 10 || total != 25 {
		t.Fatalf("expected 10 items of 25, got %d of %d", len(items), total)
	}
	if TotalPages(total, 10) != 3 {
		t.Errorf("expected 3 pages, got %d", TotalPages(total, 10))
	}
	for i := 1; i < len(items); i++ {
		if items[i-1].ID < items[i].ID {
			t.Fatalf("expected newest first, got id %d before %d", items[i-1].ID, items[i].ID)
		}
	}

	last, _, err := s.QueryQuestions(ctx, model.QuestionFilter{}, 3, 10)
	if err != nil {
		t.Fatalf("QueryQuestions page 3: %v", err)
	}
	if len(last) != 5 {
		t.Errorf("expected 5 items on last page, got %d", len(last))
	}

	beyond, total, err := s.QueryQuestions(ctx, model.QuestionFilter{}, 4, 10)
	if err != nil {
		t.Fatalf("QueryQuestions page 4: %v", err)
	}
	if len(beyond) != 0 || total != 25 {
		t.Errorf("expected empty page with total 25, got %d of %d", len(beyond), total)
	}

	clamped, _, err := s.QueryQuestions(ctx, model.QuestionFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("QueryQuestions clamped: %v", err)
	}
	if len(clamped) != 1 {
		t.Errorf("expected page size clamped to 1, got %d", len(clamped))
	}
}

func TestQueryQuestionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 2, model.DifficultyEasy))
	saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 4, model.DifficultyHard))
	secondary := testQuestion("unit_2", "CO1", 4, model.DifficultyMedium)
	secondary.SecondaryCOs = []string{"CO2"}
	saveTestQuestion(t, s, secondary)
	saveTestQuestion(t, s, testQuestion("unit_2", "CO2", 4, model.DifficultyMedium))

	tests := []struct {
		name   string
		filter model.QuestionFilter
		want   int
	}{
		{"no filter", model.QuestionFilter{}, 4},
		{"unit", model.QuestionFilter{UnitID: "unit_1"}, 2},
		{"bloom", model.QuestionFilter{BloomLevel: 4}, 3},
		{"difficulty", model.QuestionFilter{Difficulty: model.DifficultyMedium}, 2},
		{"unit and bloom", model.QuestionFilter{UnitID: "unit_1", BloomLevel: 4}, 1},
		{"outcome matches primary or secondary", model.QuestionFilter{CourseOutcome: "CO2"}, 2},
		{"no match", model.QuestionFilter{UnitID: "unit_9"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := s.QueryQuestions(ctx, tt.filter, 1, 20)
			if err != nil {
				t.Fatalf("QueryQuestions: %v", err)
			}
			if total != tt.want || len(items) != tt.want {
				t.Errorf("expected %d, got %d items (total %d)", tt.want, len(items), total)
			}
			if items == nil {
				t.Errorf("expected non-nil slice")
			}
		})
	}
}

func TestReviewQuestion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reviewerID, err := s.CreateUser(ctx, model.User{Username: "prof", PasswordHash: "x", Role: model.UserRoleReviewer, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	id := saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 3, model.DifficultyMedium))

	q, err := s.ReviewQuestion(ctx, id, reviewerID, model.Review{
		Status:     model.ReviewEdited,
		EditedText: "Compare insertion into a BST and an AVL tree.",
		Feedback:   "Tightened wording",
	})
	if err != nil {
		t.Fatalf("ReviewQuestion: %v", err)
	}
	if q.ReviewStatus != model.ReviewEdited || q.EditedText == "" {
		t.Errorf("review not applied: %+v", q)
	}
	if q.ReviewerID == nil || *q.ReviewerID != reviewerID || q.ReviewedAt == nil {
		t.Errorf("expected reviewer %d and review time", reviewerID)
	}

	edited, _, err := s.QueryQuestions(ctx, model.QuestionFilter{ReviewStatus: model.ReviewEdited}, 1, 10)
	if err != nil {
		t.Fatalf("QueryQuestions: %v", err)
	}
	if len(edited) != 1 {
		t.Errorf("expected 1 edited question, got %d", len(edited))
	}

	invalid := []model.Review{
		{Status: model.ReviewEdited},
		{Status: model.ReviewPending},
		{Status: "maybe"},
	}
	for _, r := range invalid {
		if _, err := s.ReviewQuestion(ctx, id, reviewerID, r); !model.IsKind(err, model.KindValidation) {
			t.Errorf("review %+v: expected validation error, got %v", r, err)
		}
	}

	if _, err := s.ReviewQuestion(ctx, 999, reviewerID, model.Review{Status: model.ReviewAccepted}); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("expected not_found for missing question, got %v", err)
	}
}

func TestExcludeRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	keep := saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 3, model.DifficultyMedium))
	drop := saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 3, model.DifficultyMedium))
	if _, err := s.ReviewQuestion(ctx, drop, 0, model.Review{Status: model.ReviewRejected}); err != nil {
		t.Fatalf("ReviewQuestion: %v", err)
	}

	items, total, err := s.QueryQuestions(ctx, model.QuestionFilter{UnitID: "unit_1", ExcludeRejected: true}, 1, 10)
	if err != nil {
		t.Fatalf("QueryQuestions: %v", err)
	}
	if total != 1 || items[0].ID != keep {
		t.Errorf("expected only question %d, got %d items", keep, total)
	}
}

func TestPaperRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q1 := testQuestion("unit_1", "CO1", 2, model.DifficultyEasy)
	q2 := testQuestion("unit_2", "CO2", 4, model.DifficultyHard)
	saveTestQuestion(t, s, q1)
	saveTestQuestion(t, s, q2)

	p := &model.Paper{
		Name:            "Midterm",
		ExamType:        "midterm",
		CourseCode:      "CS201",
		TotalMarks:      15,
		DurationMinutes: 30,
		Mode:            model.ModeBank,
		Questions: []model.PaperQuestion{
			{Position: 1, QuestionID: q1.ID, MarksAwarded: 5, Source: "bank", Question: q1},
			{Position: 2, QuestionID: q2.ID, MarksAwarded: 10, Source: "bank", Question: q2},
		},
	}
	p.ComputeCoverage()
	id, err := s.SavePaper(ctx, p)
	if err != nil {
		t.Fatalf("SavePaper: %v", err)
	}

	got, err := s.GetPaper(ctx, id)
	if err != nil {
		t.Fatalf("GetPaper: %v", err)
	}
	if got.Name != "Midterm" || got.Mode != model.ModeBank || len(got.Questions) != 2 {
		t.Fatalf("unexpected paper: %+v", got)
	}
	if got.Questions[0].Position != 1 || got.Questions[1].QuestionID != q2.ID {
		t.Errorf("questions out of order: %+v", got.Questions)
	}
	if got.Questions[1].Question == nil || got.Questions[1].Question.UnitID != "unit_2" {
		t.Errorf("expected resolved question for position 2")
	}
	if got.BloomDistribution[2] != 5 || got.BloomDistribution[4] != 10 {
		t.Errorf("unexpected bloom distribution: %v", got.BloomDistribution)
	}
	if got.UnitCoverage["unit_2"] != 10 || got.COCoverage["CO1"] != 5 {
		t.Errorf("unexpected coverage: units=%v cos=%v", got.UnitCoverage, got.COCoverage)
	}

	used, err := s.GetQuestion(ctx, q1.ID)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if used.TimesUsedInExams != 1 {
		t.Errorf("expected times_used_in_exams 1, got %d", used.TimesUsedInExams)
	}

	list, err := s.ListPapers(ctx)
	if err != nil {
		t.Fatalf("ListPapers: %v", err)
	}
	if len(list) != 1 || list[0].QuestionCount != 2 {
		t.Errorf("unexpected paper list: %+v", list)
	}

	if _, err := s.GetPaper(ctx, 999); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestAnalytics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.Analytics(ctx)
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if empty.TotalQuestions != 0 || empty.BloomDistribution["L6"] != 0 || empty.AverageCompliance != 0 {
		t.Errorf("unexpected empty analytics: %+v", empty)
	}
	if _, ok := empty.BloomDistribution["L1"]; !ok {
		t.Errorf("expected all Bloom keys present on an empty bank")
	}

	saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 2, model.DifficultyEasy))
	saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 2, model.DifficultyEasy))
	hard := testQuestion("unit_2", "CO2", 5, model.DifficultyHard)
	hard.ComplianceScore = 95
	saveTestQuestion(t, s, hard)

	a, err := s.Analytics(ctx)
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if a.TotalQuestions != 3 {
		t.Fatalf("expected 3 questions, got %d", a.TotalQuestions)
	}
	if a.BloomDistribution["L2"] != 2 || a.BloomDistribution["L5"] != 1 {
		t.Errorf("unexpected bloom distribution: %v", a.BloomDistribution)
	}
	if a.BloomPercentages["L2"] != 66.7 || a.BloomPercentages["L5"] != 33.3 {
		t.Errorf("unexpected bloom percentages: %v", a.BloomPercentages)
	}
	if a.DifficultyDistribution["easy"] != 2 || a.DifficultyDistribution["medium"] != 0 {
		t.Errorf("unexpected difficulty distribution: %v", a.DifficultyDistribution)
	}
	if a.UnitDistribution["unit_1"] != 2 || a.CODistribution["CO2"] != 1 {
		t.Errorf("unexpected unit/CO distribution: %v %v", a.UnitDistribution, a.CODistribution)
	}
	if a.AverageCompliance != 85 {
		t.Errorf("expected average compliance 85, got %v", a.AverageCompliance)
	}
	if a.ReviewDistribution["pending"] != 3 {
		t.Errorf("expected 3 pending, got %v", a.ReviewDistribution)
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.GetUserByUsername(ctx, "nobody")
	if err != nil || u != nil {
		t.Fatalf("expected nil user, got %v, %v", u, err)
	}
	if _, err := s.CreateUser(ctx, model.User{Username: "prof", DisplayName: "Prof", PasswordHash: "hash", Role: model.UserRoleAdmin, Active: true}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.CreateUser(ctx, model.User{Username: "prof", PasswordHash: "hash"}); err == nil {
		t.Errorf("expected duplicate username to fail")
	}
	u, err = s.GetUserByUsername(ctx, "prof")
	if err != nil || u == nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.Role != model.UserRoleAdmin || !u.Active {
		t.Errorf("unexpected user: %+v", u)
	}
	n, err := s.UserCount(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected 1 user, got %d (%v)", n, err)
	}
}

func TestRecordBank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetMetadata(ctx, MetaCourseCode)
	if err != nil || v != "" {
		t.Fatalf("expected empty metadata, got %q, %v", v, err)
	}
	if err := RecordBank(ctx, s, "CS201", "nomic-embed-text"); err != nil {
		t.Fatalf("RecordBank: %v", err)
	}
	if err := RecordBank(ctx, s, "CS201", "all-minilm"); err != nil {
		t.Fatalf("RecordBank again: %v", err)
	}
	v, err = s.GetMetadata(ctx, MetaEmbedModel)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "all-minilm" {
		t.Errorf("expected latest embed model, got %q", v)
	}
}

func TestExportBank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 2, model.DifficultyEasy))
	saveTestQuestion(t, s, testQuestion("unit_1", "CO1", 3, model.DifficultyMedium))
	if _, err := s.ReviewQuestion(ctx, a, 0, model.Review{Status: model.ReviewEdited, EditedText: "Edited text"}); err != nil {
		t.Fatalf("ReviewQuestion: %v", err)
	}

	course := model.CourseInfo{CourseCode: "CS201", CourseName: "Data Structures"}
	all, err := ExportBank(ctx, s, course, "")
	if err != nil {
		t.Fatalf("ExportBank: %v", err)
	}
	if all.NumQuestion != 2 || all.CourseCode != "CS201" {
		t.Errorf("unexpected export: %+v", all)
	}

	edited, err := ExportBank(ctx, s, course, model.ReviewEdited)
	if err != nil {
		t.Fatalf("ExportBank edited: %v", err)
	}
	if edited.NumQuestion != 1 || edited.Questions[0].Text != "Edited text" {
		t.Errorf("expected edited text exported, got %+v", edited.Questions)
	}
	if len(edited.Questions[0].Sources) != 1 || edited.Questions[0].Sources[0] != "trees.pdf" {
		t.Errorf("unexpected sources: %v", edited.Questions[0].Sources)
	}
}

func TestIsPostgresURL(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{"postgres://u:p@localhost/db", true},
		{"postgresql://localhost/db", true},
		{"bloomgen.db", false},
		{":memory:", false},
	}
	for _, tt := range tests {
		if got := IsPostgresURL(tt.dsn); got != tt.want {
			t.Errorf("IsPostgresURL(%q) = %v, want %v", tt.dsn, got, tt.want)
		}
	}
}

func TestSaveQuestionConcurrentIDs(t *testing.T) {
	s := newTestStore(t)
	const n = 40

	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := testQuestion("unit_1", "CO1", i%6+1, model.DifficultyMedium)
			ids[i], errs[i] = s.SaveQuestion(context.Background(), q)
			if errs[i] == nil && q.ID != ids[i] {
				errs[i] = fmt.Errorf("question id %d differs from returned id %d", q.ID, ids[i])
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	slices.Sort(ids)
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("ids not unique and contiguous: %v", ids)
		}
	}

	count, err := s.CountQuestions(context.Background())
	if err != nil {
		t.Fatalf("CountQuestions: %v", err)
	}
	if count != n {
		t.Errorf("expected %d questions, got %d", n, count)
	}
}
