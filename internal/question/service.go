package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"examdesk/internal/db"
)

const (
	TypeSingle   = "single"
	TypeMultiple = "multiple"

	MinOptions = 2
	MaxOptions = 4
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrQuestionNotFound = errors.New("question not found")
	ErrEmptyBank        = errors.New("question bank is empty")
)

type Question struct {
	ID            int64     `json:"id"`
	Question      string    `json:"question"`
	Options       []string  `json:"options"`
	CorrectAnswer string    `json:"correctAnswer,omitempty"`
	Type          string    `json:"type"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Public returns a copy without the correct answer, for the exam-taking view.
func (q Question) Public() Question {
	q.CorrectAnswer = ""
	q.Options = append([]string(nil), q.Options...)
	return q
}

type Input struct {
	Question      string   `yaml:"question"`
	Options       []string `yaml:"options"`
	CorrectAnswer string   `yaml:"correctAnswer"`
}

type Service struct {
	db      *sql.DB
	shuffle func(n int, swap func(i, j int))
	now     func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{
		db:      db,
		shuffle: rand.Shuffle,
		now:     time.Now,
	}
}

// TypeFor derives the question type from the answer letters.
func TypeFor(correctAnswer string) string {
	if len([]rune(strings.TrimSpace(correctAnswer))) > 1 {
		return TypeMultiple
	}
	return TypeSingle
}

// NormalizeAnswer upper-cases answer letters and drops separators, so
// "a, c" becomes "AC".
func NormalizeAnswer(v string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(v) {
		switch r {
		case ' ', '\t', ',', '，', '、', ';', '/', '|':
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Service) List(ctx context.Context) ([]Question, error) {
	return listQuestions(ctx, s.db)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Question, error) {
	if id <= 0 {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, question, options, correct_answer, question_type, created_at
		FROM questions
		WHERE id = $1
	`, id)
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQuestionNotFound
		}
		return nil, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

func (s *Service) Create(ctx context.Context, in Input) (*Question, error) {
	in, code := normalizeInput(in)
	if code != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, code)
	}
	q, err := insertQuestion(ctx, s.db, in, s.now())
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *Service) Update(ctx context.Context, id int64, in Input) (*Question, error) {
	if id <= 0 {
		return nil, ErrInvalidInput
	}
	in, code := normalizeInput(in)
	if code != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, code)
	}
	opts, err := json.Marshal(in.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE questions
		SET question = $1, options = $2, correct_answer = $3, question_type = $4
		WHERE id = $5
		RETURNING id, question, options, correct_answer, question_type, created_at
	`, in.Question, string(opts), in.CorrectAnswer, TypeFor(in.CorrectAnswer), id)
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQuestionNotFound
		}
		return nil, fmt.Errorf("update question: %w", err)
	}
	return q, nil
}

// Delete removes a question. A missing id is not an error.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	return nil
}

func (s *Service) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions`)
	if err != nil {
		return 0, fmt.Errorf("clear questions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Random returns min(n, total) questions drawn from a uniform permutation of
// the bank. Answers are kept; callers strip them with Public.
func (s *Service) Random(ctx context.Context, n int) ([]Question, error) {
	if n <= 0 {
		return nil, ErrInvalidInput
	}
	all, err := listQuestions(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrEmptyBank
	}
	s.shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if n < len(all) {
		all = all[:n]
	}
	return all, nil
}

func listQuestions(ctx context.Context, q db.Queryable) ([]Question, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, question, options, correct_answer, question_type, created_at
		FROM questions
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0, 64)
	for rows.Next() {
		item, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func insertQuestion(ctx context.Context, q db.Queryable, in Input, now time.Time) (*Question, error) {
	opts, err := json.Marshal(in.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	row := q.QueryRowContext(ctx, `
		INSERT INTO questions (question, options, correct_answer, question_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, question, options, correct_answer, question_type, created_at
	`, in.Question, string(opts), in.CorrectAnswer, TypeFor(in.CorrectAnswer), now.UnixMilli())
	out, err := scanQuestion(row)
	if err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}
	return out, nil
}

func scanQuestion(scanner interface{ Scan(dest ...any) error }) (*Question, error) {
	var (
		q         Question
		rawOpts   string
		createdAt int64
	)
	if err := scanner.Scan(&q.ID, &q.Question, &rawOpts, &q.CorrectAnswer, &q.Type, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawOpts), &q.Options); err != nil {
		return nil, fmt.Errorf("decode options for question %d: %w", q.ID, err)
	}
	q.CreatedAt = time.UnixMilli(createdAt)
	return &q, nil
}

// normalizeInput trims the prompt and options, drops blank options and
// normalizes the answer. Answer letters name the source option columns and
// are rewritten to the compacted positions; a letter naming a blank column
// is out of range. The returned code is empty when the input is valid.
func normalizeInput(in Input) (Input, string) {
	out := Input{Question: strings.TrimSpace(in.Question)}
	// Blank option columns are dropped; pos maps each source column to its
	// compacted index, or -1 when the column was blank.
	pos := make([]int, len(in.Options))
	for i, o := range in.Options {
		pos[i] = -1
		if o = strings.TrimSpace(o); o != "" {
			pos[i] = len(out.Options)
			out.Options = append(out.Options, o)
		}
	}
	answer := NormalizeAnswer(in.CorrectAnswer)

	switch {
	case out.Question == "":
		return out, RowIncomplete
	case len(out.Options) < MinOptions:
		return out, RowTooFewOptions
	case len(out.Options) > MaxOptions:
		return out, RowTooManyOptions
	case answer == "":
		return out, RowMissingAnswer
	}

	seen := make(map[rune]bool, len(answer))
	var b strings.Builder
	for _, r := range answer {
		idx := int(r - 'A')
		if idx < 0 || idx >= len(pos) || pos[idx] < 0 || seen[r] {
			out.CorrectAnswer = answer
			return out, RowAnswerOutOfRange
		}
		seen[r] = true
		b.WriteRune(rune('A' + pos[idx]))
	}
	out.CorrectAnswer = b.String()
	return out, ""
}
