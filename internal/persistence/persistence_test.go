package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DSCLedger/internal/persistence"
	"DSCLedger/internal/testutil"
)

type env struct {
	db      *sql.DB
	writer  *persistence.EventLogWriter
	snapMgr *persistence.SnapshotManager
}

func setup(t *testing.T) (*env, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}

	return &env{
		db:      db,
		writer:  persistence.NewEventLogWriter(db),
		snapMgr: persistence.NewSnapshotManager(db),
	}, cleanup
}

func row(seq int64, user uuid.UUID) persistence.EventRow {
	payload, _ := json.Marshal(map[string]string{"amount": "1000000000000000000"})
	return persistence.EventRow{
		Sequence:       seq,
		EventType:      "CollateralDeposited",
		IdempotencyKey: uuid.NewString() + ":deposit",
		UserID:         user.String(),
		Payload:        payload,
		Timestamp:      time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (e *env) writeBatch(t *testing.T, rows []persistence.EventRow) {
	t.Helper()
	tx, err := e.db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.writer.WriteEventBatch(context.Background(), tx, rows); err != nil {
		tx.Rollback()
		t.Fatalf("write batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestEventLog_RoundTrip(t *testing.T) {
	e, cleanup := setup(t)
	defer cleanup()

	user := uuid.New()
	rows := []persistence.EventRow{row(0, user), row(1, user), row(2, uuid.New())}
	e.writeBatch(t, rows)

	ctx := context.Background()

	loaded, err := e.writer.LoadEventsFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("loaded %d events, want 3", len(loaded))
	}
	for i, e := range loaded {
		if e.Sequence != int64(i) {
			t.Errorf("event %d: sequence %d", i, e.Sequence)
		}
	}

	byUser, err := e.writer.LoadEventsForUser(ctx, user.String(), 10)
	if err != nil {
		t.Fatalf("load for user: %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("user events: got %d, want 2", len(byUser))
	}
	if byUser[0].Sequence != 1 {
		t.Errorf("user events not newest-first: got seq %d", byUser[0].Sequence)
	}

	latest, err := e.writer.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 2 {
		t.Errorf("latest sequence: got %d, want 2", latest)
	}
}

func TestEventLog_RetriedBatchNoDuplicates(t *testing.T) {
	e, cleanup := setup(t)
	defer cleanup()

	user := uuid.New()
	rows := []persistence.EventRow{row(0, user), row(1, user)}
	e.writeBatch(t, rows)
	e.writeBatch(t, rows)

	loaded, err := e.writer.LoadEventsFrom(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("got %d events after retry, want 2", len(loaded))
	}
}

func TestEventLog_EmptyLogSequence(t *testing.T) {
	e, cleanup := setup(t)
	defer cleanup()

	latest, err := e.writer.GetLatestSequence(context.Background())
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != -1 {
		t.Errorf("empty log: got %d, want -1", latest)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	e, cleanup := setup(t)
	defer cleanup()
	snapMgr := e.snapMgr

	ctx := context.Background()
	user := uuid.NewString()

	snap := &persistence.SnapshotData{
		Sequence: 41,
		Collateral: map[string]map[string]string{
			user: {"WETH": "10000000000000000000"},
		},
		Debt:      map[string]string{user: "5000000000000000000000"},
		CreatedAt: time.Now().UTC(),
	}

	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if size <= 0 {
		t.Fatalf("size: got %d", size)
	}

	// Unverified snapshots are not restore candidates.
	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != nil {
		t.Fatal("loaded unverified snapshot")
	}

	if err := snapMgr.MarkVerified(ctx, 41); err != nil {
		t.Fatalf("verify: %v", err)
	}

	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load verified: %v", err)
	}
	if loaded == nil {
		t.Fatal("no snapshot after verify")
	}
	if loaded.Sequence != 41 {
		t.Errorf("sequence: got %d", loaded.Sequence)
	}
	if loaded.Collateral[user]["WETH"] != "10000000000000000000" {
		t.Errorf("collateral: got %v", loaded.Collateral[user])
	}
	if loaded.Debt[user] != "5000000000000000000000" {
		t.Errorf("debt: got %v", loaded.Debt[user])
	}
}
