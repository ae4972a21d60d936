package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"examdesk/internal/db"
	"examdesk/internal/question"
	"examdesk/internal/settings"
)

const defaultPassingScore = 60

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrResultNotFound       = errors.New("exam result not found")
	ErrExamAlreadyCompleted = errors.New("exam already completed")
)

type questionBank interface {
	List(ctx context.Context) ([]question.Question, error)
	Random(ctx context.Context, n int) ([]question.Question, error)
}

type Service struct {
	db   *sql.DB
	bank questionBank
	now  func() time.Time
}

type SubmittedQuestion struct {
	ID         int64
	Question   string
	Options    []string
	UserAnswer string
}

type SubmitInput struct {
	UserName     string
	Department   string
	Questions    []SubmittedQuestion
	UsedTime     int
	PassingScore *int
}

type ResultQuestion struct {
	ID            int64    `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correctAnswer"`
	UserAnswer    string   `json:"userAnswer"`
	IsCorrect     bool     `json:"isCorrect"`
	Matched       bool     `json:"matched"`
	Type          string   `json:"type,omitempty"`
	Reason        string   `json:"reason"`
}

type Result struct {
	ID             int64            `json:"id"`
	UserName       string           `json:"userName"`
	Department     string           `json:"department"`
	Score          int              `json:"score"`
	TotalQuestions int              `json:"totalQuestions"`
	CorrectAnswers int              `json:"correctAnswers"`
	UsedTime       int              `json:"usedTime"`
	PassingScore   int              `json:"passingScore"`
	IsPassed       bool             `json:"isPassed"`
	Timestamp      time.Time        `json:"timestamp"`
	Questions      []ResultQuestion `json:"questions,omitempty"`
}

type ExamData struct {
	Score          int       `json:"score"`
	TotalQuestions int       `json:"totalQuestions"`
	CorrectAnswers int       `json:"correctAnswers"`
	PassingScore   int       `json:"passingScore"`
	IsPassed       bool      `json:"isPassed"`
	Date           time.Time `json:"date"`
}

type Eligibility struct {
	HasCompletedExam bool      `json:"hasCompletedExam"`
	ExamMode         string    `json:"examMode"`
	CanRetake        bool      `json:"canRetake"`
	ExamData         *ExamData `json:"examData,omitempty"`
}

type ListFilter struct {
	Department    string
	WithQuestions bool
}

type Paper struct {
	Settings  settings.ExamSetting `json:"settings"`
	Questions []question.Question  `json:"questions"`
}

func NewService(db *sql.DB, bank questionBank) *Service {
	return &Service{db: db, bank: bank, now: time.Now}
}

// Submit grades the answers against the stored bank and persists the result.
// In restricted mode an existing result for the identity fails with
// ErrExamAlreadyCompleted; in unlimited mode it is replaced in the same
// transaction.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Result, error) {
	in.UserName = strings.TrimSpace(in.UserName)
	in.Department = strings.TrimSpace(in.Department)
	if in.UserName == "" || in.Department == "" {
		return nil, fmt.Errorf("%w: userName and department are required", ErrInvalidInput)
	}

	bank, err := s.bank.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load question bank: %w", err)
	}
	graded := grade(bank, in.Questions)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	mode, err := settings.LoadExamMode(ctx, tx)
	if err != nil {
		return nil, err
	}
	passing, err := s.effectivePassingScore(ctx, tx, in.PassingScore)
	if err != nil {
		return nil, err
	}

	correct := 0
	for _, q := range graded {
		if q.IsCorrect {
			correct++
		}
	}
	usedTime := in.UsedTime
	if usedTime < 0 {
		usedTime = 0
	}
	res := &Result{
		UserName:       in.UserName,
		Department:     in.Department,
		Score:          ComputeScore(correct, len(graded)),
		TotalQuestions: len(graded),
		CorrectAnswers: correct,
		UsedTime:       usedTime,
		PassingScore:   passing,
		Timestamp:      time.UnixMilli(s.now().UnixMilli()),
		Questions:      graded,
	}
	res.IsPassed = res.Score >= res.PassingScore

	insert := `
		INSERT INTO exam_results (user_name, department, score, total_questions, correct_answers, used_time, passing_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_name, department) DO NOTHING
		RETURNING id
	`
	if mode == settings.ExamModeUnlimited {
		insert = `
			INSERT INTO exam_results (user_name, department, score, total_questions, correct_answers, used_time, passing_score, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_name, department) DO UPDATE SET
				score = excluded.score,
				total_questions = excluded.total_questions,
				correct_answers = excluded.correct_answers,
				used_time = excluded.used_time,
				passing_score = excluded.passing_score,
				created_at = excluded.created_at
			RETURNING id
		`
	}
	err = tx.QueryRowContext(ctx, insert,
		res.UserName, res.Department, res.Score, res.TotalQuestions, res.CorrectAnswers,
		res.UsedTime, res.PassingScore, res.Timestamp.UnixMilli(),
	).Scan(&res.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExamAlreadyCompleted
		}
		return nil, fmt.Errorf("insert exam result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM exam_result_questions WHERE result_id = $1`, res.ID); err != nil {
		return nil, fmt.Errorf("clear result questions: %w", err)
	}
	for i, q := range res.Questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return nil, fmt.Errorf("encode options: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exam_result_questions (result_id, seq_no, question_id, question, options, correct_answer, user_answer, is_correct, matched)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, res.ID, i+1, q.ID, q.Question, string(opts), q.CorrectAnswer, q.UserAnswer, q.IsCorrect, q.Matched); err != nil {
			return nil, fmt.Errorf("insert result question: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return res, nil
}

func (s *Service) CheckEligibility(ctx context.Context, userName, department string) (*Eligibility, error) {
	mode, err := settings.LoadExamMode(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := &Eligibility{ExamMode: mode, CanRetake: mode == settings.ExamModeUnlimited}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_name, department, score, total_questions, correct_answers, used_time, passing_score, created_at
		FROM exam_results
		WHERE user_name = $1 AND department = $2
	`, strings.TrimSpace(userName), strings.TrimSpace(department))
	res, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, nil
		}
		return nil, fmt.Errorf("load exam result: %w", err)
	}
	out.HasCompletedExam = true
	out.ExamData = &ExamData{
		Score:          res.Score,
		TotalQuestions: res.TotalQuestions,
		CorrectAnswers: res.CorrectAnswers,
		PassingScore:   res.PassingScore,
		IsPassed:       res.IsPassed,
		Date:           res.Timestamp,
	}
	return out, nil
}

// ListResults returns results newest first.
func (s *Service) ListResults(ctx context.Context, f ListFilter) ([]Result, error) {
	dept := strings.TrimSpace(f.Department)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_name, department, score, total_questions, correct_answers, used_time, passing_score, created_at
		FROM exam_results
		WHERE ($1 = '' OR department = $1)
		ORDER BY created_at DESC, id DESC
	`, dept)
	if err != nil {
		return nil, fmt.Errorf("query exam results: %w", err)
	}
	defer rows.Close()

	out := make([]Result, 0, 32)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exam result: %w", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exam results: %w", err)
	}
	if !f.WithQuestions || len(out) == 0 {
		return out, nil
	}

	byResult, err := loadResultQuestions(ctx, s.db, `
		SELECT q.result_id, q.question_id, q.question, q.options, q.correct_answer, q.user_answer, q.is_correct, q.matched
		FROM exam_result_questions q
		JOIN exam_results r ON r.id = q.result_id
		WHERE ($1 = '' OR r.department = $1)
		ORDER BY q.result_id, q.seq_no
	`, dept)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Questions = byResult[out[i].ID]
	}
	return out, nil
}

func (s *Service) GetResult(ctx context.Context, id int64) (*Result, error) {
	if id <= 0 {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_name, department, score, total_questions, correct_answers, used_time, passing_score, created_at
		FROM exam_results
		WHERE id = $1
	`, id)
	res, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("get exam result: %w", err)
	}

	byResult, err := loadResultQuestions(ctx, s.db, `
		SELECT result_id, question_id, question, options, correct_answer, user_answer, is_correct, matched
		FROM exam_result_questions
		WHERE result_id = $1
		ORDER BY seq_no
	`, id)
	if err != nil {
		return nil, err
	}
	res.Questions = byResult[id]
	return res, nil
}

// DeleteResult removes a result and its breakdown. A missing id is not an
// error.
func (s *Service) DeleteResult(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM exam_result_questions WHERE result_id = $1`, id); err != nil {
		return fmt.Errorf("delete result questions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exam_results WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete exam result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Paper assembles the question set for a new attempt from the stored
// settings. Answers are stripped.
func (s *Service) Paper(ctx context.Context) (*Paper, error) {
	setting, err := settings.LoadExamSettings(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var items []question.Question
	if setting.QuestionMode == settings.QuestionModeAll {
		items, err = s.bank.List(ctx)
		if err == nil && len(items) == 0 {
			err = question.ErrEmptyBank
		}
	} else {
		items, err = s.bank.Random(ctx, setting.CustomQuestionCount)
	}
	if err != nil {
		return nil, err
	}

	out := make([]question.Question, 0, len(items))
	for _, q := range items {
		out = append(out, q.Public())
	}
	return &Paper{Settings: *setting, Questions: out}, nil
}

func (s *Service) effectivePassingScore(ctx context.Context, q db.Queryable, requested *int) (int, error) {
	if requested != nil && *requested > 0 && *requested <= 100 {
		return *requested, nil
	}
	setting, err := settings.LoadExamSettings(ctx, q)
	if err != nil {
		return 0, err
	}
	if setting.PassingScore > 0 {
		return setting.PassingScore, nil
	}
	return defaultPassingScore, nil
}

// grade resolves each submitted entry against the bank by id, then by
// question text. Entries carrying neither are skipped.
func grade(bank []question.Question, submitted []SubmittedQuestion) []ResultQuestion {
	byID := make(map[int64]question.Question, len(bank))
	for _, q := range bank {
		byID[q.ID] = q
	}

	out := make([]ResultQuestion, 0, len(submitted))
	for _, sq := range submitted {
		text := strings.TrimSpace(sq.Question)
		if sq.ID <= 0 && text == "" {
			continue
		}

		stored, ok := byID[sq.ID]
		if !ok && text != "" {
			stored, ok = matchByText(bank, text)
		}

		rq := ResultQuestion{
			ID:         sq.ID,
			Question:   text,
			Options:    append([]string{}, sq.Options...),
			UserAnswer: question.NormalizeAnswer(sq.UserAnswer),
			Matched:    ok,
		}
		if ok {
			rq.ID = stored.ID
			rq.Question = stored.Question
			rq.Options = append([]string{}, stored.Options...)
			rq.CorrectAnswer = stored.CorrectAnswer
			rq.Type = stored.Type
		}
		score := ScoreQuestion(ScoreInput{
			QuestionType: rq.Type,
			Correct:      rq.CorrectAnswer,
			Selected:     sq.UserAnswer,
			Matched:      ok,
		})
		rq.IsCorrect = score.IsCorrect
		rq.Reason = score.Reason
		out = append(out, rq)
	}
	return out
}

func matchByText(bank []question.Question, text string) (question.Question, bool) {
	for _, q := range bank {
		if q.Question == text {
			return q, true
		}
	}
	for _, q := range bank {
		if q.Question == "" {
			continue
		}
		if strings.Contains(q.Question, text) || strings.Contains(text, q.Question) {
			return q, true
		}
	}
	return question.Question{}, false
}

func scanResult(scanner interface{ Scan(dest ...any) error }) (*Result, error) {
	var (
		r         Result
		createdAt int64
	)
	if err := scanner.Scan(&r.ID, &r.UserName, &r.Department, &r.Score, &r.TotalQuestions, &r.CorrectAnswers, &r.UsedTime, &r.PassingScore, &createdAt); err != nil {
		return nil, err
	}
	r.Timestamp = time.UnixMilli(createdAt)
	r.IsPassed = r.Score >= r.PassingScore
	return &r, nil
}

func loadResultQuestions(ctx context.Context, q db.Queryable, query string, args ...any) (map[int64][]ResultQuestion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query result questions: %w", err)
	}
	defer rows.Close()

	out := map[int64][]ResultQuestion{}
	for rows.Next() {
		var (
			resultID int64
			rq       ResultQuestion
			rawOpts  string
		)
		if err := rows.Scan(&resultID, &rq.ID, &rq.Question, &rawOpts, &rq.CorrectAnswer, &rq.UserAnswer, &rq.IsCorrect, &rq.Matched); err != nil {
			return nil, fmt.Errorf("scan result question: %w", err)
		}
		if err := json.Unmarshal([]byte(rawOpts), &rq.Options); err != nil {
			return nil, fmt.Errorf("decode options for result %d: %w", resultID, err)
		}
		if rq.Matched {
			rq.Type = question.TypeFor(rq.CorrectAnswer)
		}
		rq.Reason = reasonFor(rq)
		out[resultID] = append(out[resultID], rq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result questions: %w", err)
	}
	return out, nil
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidInput
	}
	return id, nil
}
