package department

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"examdesk/internal/db"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrDepartmentExists   = errors.New("department already exists")
	ErrDepartmentNotFound = errors.New("department not found")
)

type Department struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

func (s *Service) List(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at
		FROM departments
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	out := make([]Department, 0)
	for rows.Next() {
		var (
			it        Department
			createdAt int64
		)
		if err := rows.Scan(&it.ID, &it.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		it.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departments: %w", err)
	}
	return out, nil
}

// Names returns department names in creation order.
func (s *Service) Names(ctx context.Context) ([]string, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Name)
	}
	return out, nil
}

func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	return exists(ctx, s.db, strings.TrimSpace(name))
}

func (s *Service) Create(ctx context.Context, name string) (*Department, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}

	var (
		out       Department
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO departments (name, created_at)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
		RETURNING id, name, created_at
	`, name, s.now().UnixMilli()).Scan(&out.ID, &out.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDepartmentExists
		}
		return nil, fmt.Errorf("create department: %w", err)
	}
	out.CreatedAt = time.UnixMilli(createdAt)
	return &out, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM departments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete department: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrDepartmentNotFound
	}
	return nil
}

// EnsureSeeded inserts the configured departments that are not stored yet.
// It returns the number of rows added.
func (s *Service) EnsureSeeded(ctx context.Context, names []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	added := 0
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO departments (name, created_at)
			VALUES ($1, $2)
			ON CONFLICT (name) DO NOTHING
		`, name, now)
		if err != nil {
			return 0, fmt.Errorf("seed department %q: %w", name, err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return added, nil
}

func exists(ctx context.Context, q db.Queryable, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM departments WHERE name = $1`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check department: %w", err)
	}
	return n > 0, nil
}
