package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertSnapshot records one telemetry snapshot. The digest trigger
// derives the content key, so submitting an identical payload with the
// same source and timestamp collides on the primary key.
func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap Snapshot) (time.Time, error) {
	var tstamp time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO snapshot (data, source, tstamp, uid)
		VALUES ($1, $2, COALESCE($3, timezone('UTC', CURRENT_TIMESTAMP)), $4)
		RETURNING tstamp
	`, string(snap.Data), snap.Source, snap.Tstamp, snap.UID).Scan(&tstamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("insert snapshot: %w", translateError(err))
	}
	return tstamp, nil
}

// InsertSnapshotBatch ingests many snapshots in one statement, skipping
// ones already recorded, and reports how many were new.
func (s *PostgresStore) InsertSnapshotBatch(ctx context.Context, snaps []Snapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}

	values := make([]string, len(snaps))
	args := make([]any, 0, len(snaps)*4)
	for i, snap := range snaps {
		base := i * 4
		values[i] = fmt.Sprintf("($%d, $%d, COALESCE($%d, timezone('UTC', CURRENT_TIMESTAMP)), $%d)",
			base+1, base+2, base+3, base+4)
		args = append(args, string(snap.Data), snap.Source, snap.Tstamp, snap.UID)
	}

	var inserted int
	err := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO snapshot (data, source, tstamp, uid)
			VALUES `+strings.Join(values, ", ")+`
			ON CONFLICT DO NOTHING
			RETURNING 1
		)
		SELECT COUNT(*) FROM inserted
	`, args...).Scan(&inserted)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot batch of %d: %w", len(snaps), translateError(err))
	}
	return inserted, nil
}
