package postgres

import (
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrationsFromFS_Success(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_catalog.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
		"sql/migrations/0001_catalog.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_a;"),
		},
		"sql/migrations/0002_outbox.up.sql": {
			Data: []byte("CREATE TABLE test_b (id INT);"),
		},
		"sql/migrations/0002_outbox.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_b;"),
		},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 || migrations[0].Name != "catalog" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Name != "outbox" {
		t.Fatalf("unexpected second migration: %+v", migrations[1])
	}
}

func TestLoadMigrationsFromFS_MissingDown(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_catalog.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for missing down migration")
	}
	if !strings.Contains(err.Error(), "both up and down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMigrationsFromFS_InvalidFilename(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/not_a_migration.sql": {
			Data: []byte("SELECT 1;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for invalid migration file name")
	}
}

func TestLoadMigrationsFromFS_EmptyFile(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_catalog.up.sql": {
			Data: []byte("   \n"),
		},
		"sql/migrations/0001_catalog.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for empty migration file body")
	}
}

func TestLoadMigrationsFromFS_NameMismatch(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_catalog.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
		"sql/migrations/0001_products.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_a;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil || !strings.Contains(err.Error(), "name mismatch") {
		t.Fatalf("expected name mismatch error, got %v", err)
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("embedded migrations: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "catalog" || migrations[1].Name != "outbox" {
		t.Fatalf("unexpected embedded migrations: %+v", migrations)
	}
	if !strings.Contains(migrations[1].UpSQL, "outbox_entries") {
		t.Fatal("outbox migration must create outbox_entries")
	}
}

func TestPlanMigrations(t *testing.T) {
	all := []migration{{Version: 1, Name: "catalog"}, {Version: 2, Name: "outbox"}, {Version: 3, Name: "extra"}}
	appliedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		applied   []int64
		direction migrationDirection
		steps     int
		want      []int64
		wantErr   bool
	}{
		{name: "up from scratch", direction: migrationUp, want: []int64{1, 2, 3}},
		{name: "up limited", direction: migrationUp, steps: 1, want: []int64{1}},
		{name: "up skips applied", applied: []int64{1}, direction: migrationUp, want: []int64{2, 3}},
		{name: "down newest first", applied: []int64{1, 2}, direction: migrationDown, steps: 1, want: []int64{2}},
		{name: "down all", applied: []int64{1, 2, 3}, direction: migrationDown, want: []int64{3, 2, 1}},
		{name: "down unknown version", applied: []int64{9}, direction: migrationDown, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied := make(map[int64]time.Time)
			for _, v := range tt.applied {
				applied[v] = appliedAt
			}
			plan, err := planMigrations(all, applied, tt.direction, tt.steps)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			got := make([]int64, 0, len(plan))
			for _, m := range plan {
				got = append(got, m.Version)
			}
			if !slices.Equal(got, tt.want) {
				t.Fatalf("plan = %v, want %v", got, tt.want)
			}
		})
	}
}
