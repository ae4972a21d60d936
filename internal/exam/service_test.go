package exam

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	internaldb "examdesk/internal/db"
	"examdesk/internal/question"
	"examdesk/internal/settings"
)

type fixture struct {
	conn      *sql.DB
	svc       *Service
	questions *question.Service
	settings  *settings.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := internaldb.OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	qs := question.NewService(conn)
	st := settings.NewService(conn)
	if err := st.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("ensure defaults: %v", err)
	}
	return &fixture{conn: conn, svc: NewService(conn, qs), questions: qs, settings: st}
}

func (f *fixture) addQuestion(t *testing.T, prompt, answer string) *question.Question {
	t.Helper()
	q, err := f.questions.Create(context.Background(), question.Input{
		Question:      prompt,
		Options:       []string{"one", "two", "three", "four"},
		CorrectAnswer: answer,
	})
	if err != nil {
		t.Fatalf("create question %q: %v", prompt, err)
	}
	return q
}

func (f *fixture) setMode(t *testing.T, mode string) {
	t.Helper()
	if _, err := f.settings.SetSystem(context.Background(), settings.KeyExamMode, mode); err != nil {
		t.Fatalf("set exam mode: %v", err)
	}
}

func (f *fixture) countResults(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.conn.QueryRow(`SELECT COUNT(*) FROM exam_results`).Scan(&n); err != nil {
		t.Fatalf("count results: %v", err)
	}
	return n
}

func TestSubmitScoresAgainstStoredAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q1 := f.addQuestion(t, "first", "A")
	q2 := f.addQuestion(t, "second", "BC")
	q3 := f.addQuestion(t, "third", "D")
	q4 := f.addQuestion(t, "fourth", "A")

	res, err := f.svc.Submit(ctx, SubmitInput{
		UserName:   "alice",
		Department: "ops",
		UsedTime:   95,
		Questions: []SubmittedQuestion{
			{ID: q1.ID, Question: q1.Question, UserAnswer: "A"},
			{ID: q2.ID, Question: q2.Question, UserAnswer: "CB"},
			{ID: q3.ID, Question: q3.Question, UserAnswer: "D"},
			{ID: q4.ID, Question: q4.Question, UserAnswer: "B"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Score != 75 || res.CorrectAnswers != 3 || res.TotalQuestions != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.PassingScore != settings.DefaultPassingScore || !res.IsPassed {
		t.Fatalf("expected pass at default passing score, got %+v", res)
	}

	stored, err := f.svc.GetResult(ctx, res.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if len(stored.Questions) != 4 || stored.UsedTime != 95 {
		t.Fatalf("unexpected stored result: %+v", stored)
	}
	if stored.Questions[1].CorrectAnswer != "BC" || !stored.Questions[1].IsCorrect || stored.Questions[1].Type != question.TypeMultiple {
		t.Fatalf("unexpected breakdown entry: %+v", stored.Questions[1])
	}
}

func TestSubmitUnmatchedQuestionScoresZero(t *testing.T) {
	f := newFixture(t)
	q1 := f.addQuestion(t, "What is two plus two?", "B")

	res, err := f.svc.Submit(context.Background(), SubmitInput{
		UserName:   "bob",
		Department: "ops",
		Questions: []SubmittedQuestion{
			{ID: 9999, Question: "two plus two", UserAnswer: "B"},
			{ID: 8888, Question: "not in the bank at all", UserAnswer: "A"},
			{Question: "   "},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.TotalQuestions != 2 {
		t.Fatalf("expected blank entry skipped, got total %d", res.TotalQuestions)
	}
	if res.CorrectAnswers != 1 || res.Score != 50 {
		t.Fatalf("unexpected score: %+v", res)
	}
	if !res.Questions[0].Matched || res.Questions[0].ID != q1.ID {
		t.Fatalf("expected text match to stored question, got %+v", res.Questions[0])
	}
	if res.Questions[1].Matched || res.Questions[1].IsCorrect || res.Questions[1].CorrectAnswer != "" {
		t.Fatalf("unmatched entry must be zero-credit without a key: %+v", res.Questions[1])
	}
	if res.Questions[0].Reason != ReasonCorrect || res.Questions[1].Reason != ReasonUnmatched {
		t.Fatalf("unexpected reasons: %q / %q", res.Questions[0].Reason, res.Questions[1].Reason)
	}

	stored, err := f.svc.GetResult(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if len(stored.Questions) != 2 || stored.Questions[0].Reason != ReasonCorrect || stored.Questions[1].Reason != ReasonUnmatched {
		t.Fatalf("stored breakdown lost reasons: %+v", stored.Questions)
	}
}

func TestSubmitUnlimitedReplacesPriorResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQuestion(t, "only", "A")

	first, err := f.svc.Submit(ctx, SubmitInput{UserName: "carol", Department: "ops", Questions: []SubmittedQuestion{{ID: q.ID, UserAnswer: "B"}}})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := f.svc.Submit(ctx, SubmitInput{UserName: "carol", Department: "ops", Questions: []SubmittedQuestion{{ID: q.ID, UserAnswer: "A"}}})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.Score != 0 || second.Score != 100 {
		t.Fatalf("unexpected scores: first=%d second=%d", first.Score, second.Score)
	}
	if n := f.countResults(t); n != 1 {
		t.Fatalf("expected 1 stored result, got %d", n)
	}

	stored, err := f.svc.GetResult(ctx, second.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if stored.Score != 100 || len(stored.Questions) != 1 || stored.Questions[0].UserAnswer != "A" {
		t.Fatalf("expected latest attempt to win, got %+v", stored)
	}

	// other departments are separate identities
	if _, err := f.svc.Submit(ctx, SubmitInput{UserName: "carol", Department: "sales"}); err != nil {
		t.Fatalf("submit other department: %v", err)
	}
	if n := f.countResults(t); n != 2 {
		t.Fatalf("expected 2 stored results, got %d", n)
	}
}

func TestSubmitRestrictedRejectsSecondAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQuestion(t, "only", "A")
	f.setMode(t, settings.ExamModeRestricted)

	first, err := f.svc.Submit(ctx, SubmitInput{UserName: "dave", Department: "ops", Questions: []SubmittedQuestion{{ID: q.ID, UserAnswer: "A"}}})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err = f.svc.Submit(ctx, SubmitInput{UserName: "dave", Department: "ops", Questions: []SubmittedQuestion{{ID: q.ID, UserAnswer: "B"}}})
	if !errors.Is(err, ErrExamAlreadyCompleted) {
		t.Fatalf("expected ErrExamAlreadyCompleted, got %v", err)
	}

	stored, err := f.svc.GetResult(ctx, first.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if stored.Score != 100 {
		t.Fatalf("first attempt must be kept, got %+v", stored)
	}

	elig, err := f.svc.CheckEligibility(ctx, "dave", "ops")
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if !elig.HasCompletedExam || elig.CanRetake || elig.ExamMode != settings.ExamModeRestricted {
		t.Fatalf("unexpected eligibility: %+v", elig)
	}
	if elig.ExamData == nil || elig.ExamData.Score != 100 || !elig.ExamData.IsPassed {
		t.Fatalf("unexpected exam data: %+v", elig.ExamData)
	}
}

func TestCheckEligibilityWithoutResult(t *testing.T) {
	f := newFixture(t)
	elig, err := f.svc.CheckEligibility(context.Background(), "nobody", "ops")
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if elig.HasCompletedExam || !elig.CanRetake || elig.ExamData != nil {
		t.Fatalf("unexpected eligibility: %+v", elig)
	}
}

func TestSubmitPassingScoreResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQuestion(t, "only", "A")
	if _, err := f.settings.SaveExamSettings(ctx, settings.ExamSettingInput{PassingScore: 80}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	ninety := 90
	zero := 0
	tests := []struct {
		name      string
		requested *int
		want      int
	}{
		{name: "request wins", requested: &ninety, want: 90},
		{name: "zero falls back to stored", requested: &zero, want: 80},
		{name: "absent falls back to stored", requested: nil, want: 80},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.svc.Submit(ctx, SubmitInput{
				UserName:     "erin",
				Department:   "ops",
				PassingScore: tc.requested,
				Questions:    []SubmittedQuestion{{ID: q.ID, UserAnswer: "A"}},
			})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if res.PassingScore != tc.want {
				t.Fatalf("expected passing score %d, got %d", tc.want, res.PassingScore)
			}
		})
	}
}

func TestSubmitRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), SubmitInput{UserName: " ", Department: "ops"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestListResultsNewestFirstAndFiltered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQuestion(t, "only", "A")

	base := time.UnixMilli(1_700_000_000_000)
	for i, who := range []struct{ name, dept string }{{"a", "ops"}, {"b", "sales"}, {"c", "ops"}} {
		at := base.Add(time.Duration(i) * time.Minute)
		f.svc.now = func() time.Time { return at }
		if _, err := f.svc.Submit(ctx, SubmitInput{UserName: who.name, Department: who.dept, Questions: []SubmittedQuestion{{ID: q.ID, UserAnswer: "A"}}}); err != nil {
			t.Fatalf("submit %s: %v", who.name, err)
		}
	}

	all, err := f.svc.ListResults(ctx, ListFilter{WithQuestions: true})
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(all) != 3 || all[0].UserName != "c" || all[2].UserName != "a" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if len(all[0].Questions) != 1 {
		t.Fatalf("expected breakdown loaded, got %+v", all[0])
	}

	ops, err := f.svc.ListResults(ctx, ListFilter{Department: "ops"})
	if err != nil {
		t.Fatalf("list ops results: %v", err)
	}
	if len(ops) != 2 || ops[0].Questions != nil {
		t.Fatalf("expected 2 ops results without breakdown, got %+v", ops)
	}
}

func TestGetAndDeleteResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.addQuestion(t, "only", "A")

	res, err := f.svc.Submit(ctx, SubmitInput{UserName: "frank", Department: "ops", Questions: []SubmittedQuestion{{ID: q.ID, UserAnswer: "A"}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.svc.DeleteResult(ctx, res.ID); err != nil {
		t.Fatalf("delete result: %v", err)
	}
	if _, err := f.svc.GetResult(ctx, res.ID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
	if err := f.svc.DeleteResult(ctx, res.ID); err != nil {
		t.Fatalf("deleting a missing result must succeed, got %v", err)
	}

	var children int
	if err := f.conn.QueryRow(`SELECT COUNT(*) FROM exam_result_questions`).Scan(&children); err != nil {
		t.Fatalf("count children: %v", err)
	}
	if children != 0 {
		t.Fatalf("expected breakdown rows removed, got %d", children)
	}
}

func TestPaperFollowsQuestionMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Paper(ctx); !errors.Is(err, question.ErrEmptyBank) {
		t.Fatalf("expected ErrEmptyBank, got %v", err)
	}

	for i := 0; i < 5; i++ {
		f.addQuestion(t, "q"+string(rune('a'+i)), "A")
	}

	if _, err := f.settings.SaveExamSettings(ctx, settings.ExamSettingInput{QuestionMode: settings.QuestionModeCustom, CustomQuestionCount: 3}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	paper, err := f.svc.Paper(ctx)
	if err != nil {
		t.Fatalf("paper: %v", err)
	}
	if len(paper.Questions) != 3 || paper.Settings.CustomQuestionCount != 3 {
		t.Fatalf("expected 3 sampled questions, got %d", len(paper.Questions))
	}
	for _, q := range paper.Questions {
		if q.CorrectAnswer != "" {
			t.Fatalf("answers must be stripped: %+v", q)
		}
	}

	if _, err := f.settings.SaveExamSettings(ctx, settings.ExamSettingInput{QuestionMode: settings.QuestionModeAll}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	paper, err = f.svc.Paper(ctx)
	if err != nil {
		t.Fatalf("paper: %v", err)
	}
	if len(paper.Questions) != 5 {
		t.Fatalf("expected every question, got %d", len(paper.Questions))
	}
}
