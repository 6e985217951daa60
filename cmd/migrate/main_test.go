package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/storage/postgres"
)

type fakeMigrator struct {
	upSteps   []int
	downSteps []int
	applied   int
	closed    bool
	upErr     error
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) error {
	f.upSteps = append(f.upSteps, steps)
	if f.upErr != nil {
		return f.upErr
	}
	f.applied = 2
	return nil
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) error {
	f.downSteps = append(f.downSteps, steps)
	f.applied--
	return nil
}

func (f *fakeMigrator) Migrations(context.Context) ([]postgres.MigrationState, error) {
	appliedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	names := []string{"catalog", "outbox"}
	states := make([]postgres.MigrationState, 0, len(names))
	for i, name := range names {
		st := postgres.MigrationState{Version: int64(i + 1), Name: name}
		if i < f.applied {
			st.Applied = true
			st.AppliedAt = appliedAt
		}
		states = append(states, st)
	}
	return states, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func runCLI(t *testing.T, fake *fakeMigrator, args ...string) (string, error) {
	t.Helper()

	var gotDSN string
	original := openMigrator
	openMigrator = func(_ context.Context, dsn string) (migrator, error) {
		gotDSN = dsn
		return fake, nil
	}
	t.Cleanup(func() { openMigrator = original })

	var out bytes.Buffer
	err := newCommand(&out).Run(context.Background(), append([]string{"migrate", "--dsn", "postgres://test"}, args...))
	if err == nil && gotDSN != "postgres://test" {
		t.Fatalf("expected dsn to be passed through, got %q", gotDSN)
	}
	return out.String(), err
}

func TestMigrateUp(t *testing.T) {
	fake := &fakeMigrator{}

	out, err := runCLI(t, fake, "up")
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(fake.upSteps) != 1 || fake.upSteps[0] != 0 {
		t.Fatalf("expected one full migrate up, got %v", fake.upSteps)
	}
	if !fake.closed {
		t.Fatal("store must be closed")
	}
	if !strings.Contains(out, "001 catalog") || !strings.Contains(out, "applied 2026-01-02T03:04:05Z") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestMigrateDownWithSteps(t *testing.T) {
	fake := &fakeMigrator{applied: 2}

	out, err := runCLI(t, fake, "down", "--steps", "1")
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if len(fake.downSteps) != 1 || fake.downSteps[0] != 1 {
		t.Fatalf("expected one step down, got %v", fake.downSteps)
	}
	if !strings.Contains(out, "002 outbox") || !strings.Contains(out, "pending") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestMigrateStatus(t *testing.T) {
	fake := &fakeMigrator{}

	out, err := runCLI(t, fake, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.Count(out, "pending") != 2 {
		t.Fatalf("expected both migrations pending:\n%s", out)
	}
}

func TestMigrateUpError(t *testing.T) {
	fake := &fakeMigrator{upErr: errors.New("syntax error")}

	if _, err := runCLI(t, fake, "up"); err == nil || !strings.Contains(err.Error(), "syntax error") {
		t.Fatalf("expected migrate error, got %v", err)
	}
	if !fake.closed {
		t.Fatal("store must be closed on error")
	}
}
