package db

import (
	"context"
	"testing"
)

func TestOpenInMemoryMigrates(t *testing.T) {
	ctx := context.Background()
	conn, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	for _, table := range []string{"questions", "users", "departments", "exam_settings", "system_settings", "exam_results", "exam_result_questions"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
	}

	if err := Migrate(ctx, conn, DriverSQLite); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
