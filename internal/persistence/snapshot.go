package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores and loads ledger snapshots for warm restart. A
// snapshot is the full collateral and debt state at a sequence; on startup
// the latest verified snapshot is restored and the engine resumes from its
// sequence. Events are a durable audit log, not a replay source: replaying
// them would re-run the token transfers they record.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized ledger state at a point in time. Amounts are
// decimal strings to survive JSON round trips without precision loss.
type SnapshotData struct {
	Sequence   int64                        `json:"sequence"`
	Collateral map[string]map[string]string `json:"collateral"` // user -> asset -> amount
	Debt       map[string]string            `json:"debt"`       // user -> amount
	CreatedAt  time.Time                    `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, replacing any existing one at the same
// sequence. Returns the serialized size in bytes.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO dsc_ledger.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5
	`, snapshotID, snap.Sequence, data, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}

	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, nil when none
// exists (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM dsc_ledger.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as safe to restore from.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE dsc_ledger.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}
