package pgdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type Snapshot struct {
	ID           int16
	Description  string
	CreationTime time.Time
}

// CreateSnapshot allocates the next snapshot id and records it under the
// given description.
func (db *DB) CreateSnapshot(ctx context.Context, description string) (Snapshot, error) {
	var snap Snapshot
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO snapshot (id, description)
		SELECT COALESCE(MAX(id),-1)+1, $1 FROM snapshot
		RETURNING id, description, creation_time`,
		description).Scan(&snap.ID, &snap.Description, &snap.CreationTime)
	if err != nil {
		return Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}
	return snap, nil
}

func (db *DB) GetSnapshot(ctx context.Context, description string) (Snapshot, error) {
	var snap Snapshot
	err := db.Pool.QueryRow(ctx,
		`SELECT id, description, creation_time FROM snapshot WHERE description=$1`,
		description).Scan(&snap.ID, &snap.Description, &snap.CreationTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: snapshot %q", ErrNotFound, description)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	return snap, nil
}

func (db *DB) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, description, creation_time FROM snapshot ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	snaps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Snapshot, error) {
		var s Snapshot
		err := row.Scan(&s.ID, &s.Description, &s.CreationTime)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	return snaps, nil
}

// TagProcessingVersion adds every object, source, and forced source row of
// the given processing version to the snapshot. Rows already tagged are left
// alone, so re-running after a partial failure is safe.
func (db *DB) TagProcessingVersion(ctx context.Context, snapshotID, procver int16) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		`INSERT INTO diaobject_snapshot (diaobjectid, processing_version, snapshot)
		 SELECT diaobjectid, processing_version, $1 FROM diaobject WHERE processing_version=$2
		 ON CONFLICT DO NOTHING`,
		`INSERT INTO diasource_snapshot (diasourceid, processing_version, snapshot)
		 SELECT diasourceid, processing_version, $1 FROM diasource WHERE processing_version=$2
		 ON CONFLICT DO NOTHING`,
		`INSERT INTO diaforcedsource_snapshot (diaforcedsourceid, processing_version, snapshot)
		 SELECT diaforcedsourceid, processing_version, $1 FROM diaforcedsource WHERE processing_version=$2
		 ON CONFLICT DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, snapshotID, procver); err != nil {
			return fmt.Errorf("tag snapshot: %w", err)
		}
	}
	return tx.Commit(ctx)
}
