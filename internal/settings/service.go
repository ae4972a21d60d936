package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"examdesk/internal/db"
)

const (
	QuestionModeAll    = "all"
	QuestionModeCustom = "custom"
	QuestionModeRandom = "random"

	ExamModeUnlimited  = "unlimited"
	ExamModeRestricted = "restricted"

	KeyExamMode = "examMode"

	DefaultCustomQuestionCount = 10
	DefaultExamDuration        = 60
	DefaultPassingScore        = 60
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidExamMode = errors.New("invalid exam mode")
)

type ExamSetting struct {
	QuestionMode        string    `json:"questionMode"`
	CustomQuestionCount int       `json:"customQuestionCount"`
	ExamDuration        int       `json:"examDuration"`
	PassingScore        int       `json:"passingScore"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

// ExamSettingInput replaces the whole setting row. Non-positive numbers fall
// back to defaults and an unknown mode becomes "custom".
type ExamSettingInput struct {
	QuestionMode        string
	CustomQuestionCount int
	ExamDuration        int
	PassingScore        int
}

// UserSettingsInput is a partial update. Nil fields keep their stored value;
// non-positive values reset to the default.
type UserSettingsInput struct {
	QuestionCount *int
	ExamDuration  *int
	PassingScore  *int
}

type SystemSetting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

func DefaultExamSetting() ExamSetting {
	return ExamSetting{
		QuestionMode:        QuestionModeCustom,
		CustomQuestionCount: DefaultCustomQuestionCount,
		ExamDuration:        DefaultExamDuration,
		PassingScore:        DefaultPassingScore,
	}
}

// EnsureDefaults seeds examMode=unlimited when no value is stored.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, description, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, KeyExamMode, ExamModeUnlimited, "exam attempt mode: unlimited or restricted", s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("seed exam mode: %w", err)
	}
	return nil
}

// GetExamSettings returns the stored setting or the defaults when none exist.
func (s *Service) GetExamSettings(ctx context.Context) (*ExamSetting, error) {
	out, err := LoadExamSettings(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) SaveExamSettings(ctx context.Context, in ExamSettingInput) (*ExamSetting, error) {
	out := ExamSetting{
		QuestionMode:        normalizeQuestionMode(in.QuestionMode),
		CustomQuestionCount: positiveOr(in.CustomQuestionCount, DefaultCustomQuestionCount),
		ExamDuration:        positiveOr(in.ExamDuration, DefaultExamDuration),
		PassingScore:        positiveOr(in.PassingScore, DefaultPassingScore),
		LastUpdated:         time.UnixMilli(s.now().UnixMilli()),
	}
	if out.PassingScore > 100 {
		return nil, fmt.Errorf("%w: passingScore must be at most 100", ErrInvalidInput)
	}
	if err := upsertExamSettings(ctx, s.db, out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUserSettings is the legacy view of the same row; it stores the defaults
// on first read.
func (s *Service) GetUserSettings(ctx context.Context) (*ExamSetting, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	out, found, err := loadExamSettingsRow(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !found {
		def := DefaultExamSetting()
		def.LastUpdated = time.UnixMilli(s.now().UnixMilli())
		if err := upsertExamSettings(ctx, tx, def); err != nil {
			return nil, err
		}
		out = &def
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

func (s *Service) UpdateUserSettings(ctx context.Context, in UserSettingsInput) (*ExamSetting, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, found, err := loadExamSettingsRow(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !found {
		def := DefaultExamSetting()
		cur = &def
	}
	if in.QuestionCount != nil {
		cur.CustomQuestionCount = positiveOr(*in.QuestionCount, DefaultCustomQuestionCount)
	}
	if in.ExamDuration != nil {
		cur.ExamDuration = positiveOr(*in.ExamDuration, DefaultExamDuration)
	}
	if in.PassingScore != nil {
		cur.PassingScore = positiveOr(*in.PassingScore, DefaultPassingScore)
	}
	cur.LastUpdated = time.UnixMilli(s.now().UnixMilli())
	if cur.PassingScore > 100 {
		return nil, fmt.Errorf("%w: passingScore must be at most 100", ErrInvalidInput)
	}

	if err := upsertExamSettings(ctx, tx, *cur); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return cur, nil
}

func (s *Service) ListSystem(ctx context.Context) ([]SystemSetting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, description, updated_at
		FROM system_settings
		ORDER BY key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query system settings: %w", err)
	}
	defer rows.Close()

	out := make([]SystemSetting, 0, 4)
	for rows.Next() {
		var (
			item      SystemSetting
			updatedAt int64
		)
		if err := rows.Scan(&item.Key, &item.Value, &item.Description, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan system setting: %w", err)
		}
		item.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate system settings: %w", err)
	}
	return out, nil
}

// SetSystem upserts a key/value pair. examMode only accepts unlimited or
// restricted.
func (s *Service) SetSystem(ctx context.Context, key, value string) (*SystemSetting, error) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return nil, ErrInvalidInput
	}
	if key == KeyExamMode && value != ExamModeUnlimited && value != ExamModeRestricted {
		return nil, ErrInvalidExamMode
	}

	now := s.now().UnixMilli()
	var (
		out       SystemSetting
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO system_settings (key, value, description, updated_at)
		VALUES ($1, $2, '', $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		RETURNING key, value, description, updated_at
	`, key, value, now).Scan(&out.Key, &out.Value, &out.Description, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert system setting: %w", err)
	}
	out.UpdatedAt = time.UnixMilli(updatedAt)
	return &out, nil
}

func (s *Service) ExamMode(ctx context.Context) (string, error) {
	return LoadExamMode(ctx, s.db)
}

// LoadExamMode reads examMode through q, so callers can use it inside a
// transaction. It defaults to unlimited.
func LoadExamMode(ctx context.Context, q db.Queryable) (string, error) {
	var mode string
	err := q.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = $1`, KeyExamMode).Scan(&mode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExamModeUnlimited, nil
		}
		return "", fmt.Errorf("load exam mode: %w", err)
	}
	if mode != ExamModeRestricted {
		return ExamModeUnlimited, nil
	}
	return mode, nil
}

// LoadExamSettings reads the singleton row through q, or returns defaults.
func LoadExamSettings(ctx context.Context, q db.Queryable) (*ExamSetting, error) {
	out, found, err := loadExamSettingsRow(ctx, q)
	if err != nil {
		return nil, err
	}
	if !found {
		def := DefaultExamSetting()
		return &def, nil
	}
	return out, nil
}

func loadExamSettingsRow(ctx context.Context, q db.Queryable) (*ExamSetting, bool, error) {
	var (
		out         ExamSetting
		lastUpdated int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT question_mode, custom_question_count, exam_duration, passing_score, last_updated
		FROM exam_settings
		WHERE id = 1
	`).Scan(&out.QuestionMode, &out.CustomQuestionCount, &out.ExamDuration, &out.PassingScore, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load exam settings: %w", err)
	}
	out.LastUpdated = time.UnixMilli(lastUpdated)
	return &out, true, nil
}

func upsertExamSettings(ctx context.Context, q db.Queryable, in ExamSetting) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO exam_settings (id, question_mode, custom_question_count, exam_duration, passing_score, last_updated)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			question_mode = excluded.question_mode,
			custom_question_count = excluded.custom_question_count,
			exam_duration = excluded.exam_duration,
			passing_score = excluded.passing_score,
			last_updated = excluded.last_updated
	`, in.QuestionMode, in.CustomQuestionCount, in.ExamDuration, in.PassingScore, in.LastUpdated.UnixMilli())
	if err != nil {
		return fmt.Errorf("save exam settings: %w", err)
	}
	return nil
}

func normalizeQuestionMode(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case QuestionModeAll:
		return QuestionModeAll
	case QuestionModeRandom:
		return QuestionModeRandom
	default:
		return QuestionModeCustom
	}
}

func positiveOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
