package store

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/timeutil"
)

// openTestDB opens a migrated database in a temp directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.EnsureSchema(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := openTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("Failed to query synchronous: %v", err)
	}
	if synchronous != 1 { // 1 = NORMAL
		t.Errorf("Expected synchronous=1 (NORMAL), got %d", synchronous)
	}

	var tempStore int
	if err := db.QueryRow("PRAGMA temp_store").Scan(&tempStore); err != nil {
		t.Fatalf("Failed to query temp_store: %v", err)
	}
	if tempStore != 2 { // 2 = MEMORY
		t.Errorf("Expected temp_store=2 (MEMORY), got %d", tempStore)
	}
}

func TestRunStoreInsertStampsIDAndTime(t *testing.T) {
	db := openTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	runs := NewRunStore(db, clock)

	run := &Run{Label: "morning trip"}
	if err := runs.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if run.RunID == "" {
		t.Error("expected generated run ID")
	}
	if len(run.RunID) != 36 {
		t.Errorf("expected UUID-shaped run ID, got %q", run.RunID)
	}
	if want := clock.Now().UnixNano(); run.CreatedAt != want {
		t.Errorf("expected CreatedAt %d from clock, got %d", want, run.CreatedAt)
	}
}

func TestRunStoreInsertKeepsExplicitFields(t *testing.T) {
	db := openTestDB(t)
	runs := NewRunStore(db, nil)

	run := &Run{
		RunID:     "11111111-2222-3333-4444-555555555555",
		Label:     "fixed",
		CreatedAt: 42,
	}
	if err := runs.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := runs.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.RunID != run.RunID {
		t.Errorf("RunID = %q, want %q", got.RunID, run.RunID)
	}
	if got.CreatedAt != 42 {
		t.Errorf("CreatedAt = %d, want 42", got.CreatedAt)
	}
}

func TestRunStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	runs := NewRunStore(db, clock)

	run := &Run{
		Label:      "demo trip",
		Valid:      true,
		Passed:     true,
		SummaryMD:  "# Trip Report\n\nAll bins valid.",
		Payload:    json.RawMessage(`{"overall":{"valid":true}}`),
		Metrics:    json.RawMessage(`{"nox_mg_s":{"total":123.4}}`),
		Quality:    json.RawMessage(`{"summary":{"pass":5}}`),
		Evaluation: json.RawMessage(`{"overall_passed":true}`),
		Series:     json.RawMessage(`{"elapsed_s":[0,1],"speed_m_s":[0,2.5]}`),
	}
	if err := runs.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := runs.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Label != "demo trip" {
		t.Errorf("Label = %q, want %q", got.Label, "demo trip")
	}
	if !got.Valid || !got.Passed {
		t.Errorf("flags = (%v, %v), want (true, true)", got.Valid, got.Passed)
	}
	if got.SummaryMD != run.SummaryMD {
		t.Errorf("SummaryMD = %q, want %q", got.SummaryMD, run.SummaryMD)
	}
	if string(got.Payload) != string(run.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, run.Payload)
	}
	if string(got.Metrics) != string(run.Metrics) {
		t.Errorf("Metrics = %s, want %s", got.Metrics, run.Metrics)
	}
	if string(got.Quality) != string(run.Quality) {
		t.Errorf("Quality = %s, want %s", got.Quality, run.Quality)
	}
	if string(got.Evaluation) != string(run.Evaluation) {
		t.Errorf("Evaluation = %s, want %s", got.Evaluation, run.Evaluation)
	}
	if string(got.Series) != string(run.Series) {
		t.Errorf("Series = %s, want %s", got.Series, run.Series)
	}
}

func TestRunStoreAbsentDocumentsStayNil(t *testing.T) {
	db := openTestDB(t)
	runs := NewRunStore(db, nil)

	run := &Run{Label: "no docs"}
	if err := runs.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := runs.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Payload != nil || got.Metrics != nil || got.Quality != nil || got.Evaluation != nil || got.Series != nil {
		t.Errorf("expected nil documents, got payload=%v metrics=%v quality=%v evaluation=%v series=%v",
			got.Payload, got.Metrics, got.Quality, got.Evaluation, got.Series)
	}
}

func TestRunStoreGetMissing(t *testing.T) {
	db := openTestDB(t)
	runs := NewRunStore(db, nil)

	got, err := runs.Get("does-not-exist")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing run, got %+v", got)
	}
}

func TestRunStoreListNewestFirst(t *testing.T) {
	db := openTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	runs := NewRunStore(db, clock)

	for _, label := range []string{"first", "second", "third"} {
		if err := runs.Insert(&Run{Label: label, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("Insert %q failed: %v", label, err)
		}
		clock.Advance(time.Minute)
	}

	list, err := runs.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(list))
	}
	if list[0].Label != "third" || list[2].Label != "first" {
		t.Errorf("wrong order: got %q, %q, %q", list[0].Label, list[1].Label, list[2].Label)
	}
	// List leaves documents unloaded
	if list[0].Payload != nil {
		t.Errorf("expected unloaded payload in listing, got %s", list[0].Payload)
	}
}

func TestRunStoreDelete(t *testing.T) {
	db := openTestDB(t)
	runs := NewRunStore(db, nil)

	run := &Run{Label: "short lived"}
	if err := runs.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := runs.Delete(run.RunID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := runs.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if got != nil {
		t.Error("expected run to be gone after delete")
	}

	err = runs.Delete(run.RunID)
	if err == nil {
		t.Fatal("expected error deleting missing run")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestMigrateVersionAndStatus(t *testing.T) {
	db := openTestDB(t)
	migrationsFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("Failed to get migrations filesystem: %v", err)
	}

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if dirty {
		t.Error("expected clean migration state")
	}

	latest, err := GetLatestMigrationVersion(migrationsFS)
	if err != nil {
		t.Fatalf("GetLatestMigrationVersion failed: %v", err)
	}
	if version != latest {
		t.Errorf("expected version %d after MigrateUp, got %d", latest, version)
	}

	status, err := db.GetMigrationStatus(migrationsFS)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if exists, ok := status["schema_migrations_exists"].(bool); !ok || !exists {
		t.Errorf("expected schema_migrations_exists=true, got %v", status["schema_migrations_exists"])
	}
}

func TestMigrateDownRollsBack(t *testing.T) {
	db := openTestDB(t)
	migrationsFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("Failed to get migrations filesystem: %v", err)
	}

	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	var count int
	err = db.QueryRow(`
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type='table' AND name='analysis_runs'
	`).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to check for table: %v", err)
	}
	if count != 0 {
		t.Error("expected analysis_runs table to be dropped")
	}
}

func TestMigrateUpIdempotent(t *testing.T) {
	db := openTestDB(t)
	migrationsFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("Failed to get migrations filesystem: %v", err)
	}

	// Already at latest from openTestDB; a second run is a no-op.
	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
}
