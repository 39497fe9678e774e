package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/db"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/migrate"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestFindTaskNamePatternIsLiteral(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	due := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"Review 50 pct", "Collect 50% deposit", "Sign NDA_v2", "Sign NDAxv2"} {
		task := domain.Task{
			ID:        name,
			DealID:    "d1",
			Name:      name,
			Status:    "pending",
			Position:  i,
			DueDate:   due.AddDate(0, 0, i),
			CreatedAt: repo.FormatTime(due),
		}
		if err := r.InsertTask(ctx, nil, task); err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
	}

	cases := []struct {
		pattern string
		want    string
	}{
		{"50%", "Collect 50% deposit"},
		{"NDA_", "Sign NDA_v2"},
		{"review", "Review 50 pct"},
	}
	for _, tc := range cases {
		got, err := r.FindTask(ctx, "d1", domain.TaskCriteria{NamePattern: tc.pattern})
		if err != nil {
			t.Fatalf("find %q: %v", tc.pattern, err)
		}
		if got.Name != tc.want {
			t.Fatalf("pattern %q matched %q, want %q", tc.pattern, got.Name, tc.want)
		}
	}

	if _, err := r.FindTask(ctx, "d1", domain.TaskCriteria{NamePattern: "5_ pct"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("underscore matched as wildcard: %v", err)
	}
}
