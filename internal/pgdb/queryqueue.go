package pgdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// QueuedQuery is one entry in the long-running query queue. Queries holds
// the SQL statements to run in order; SubstDicts carries the corresponding
// named-parameter maps, serialized as a JSON array.
type QueuedQuery struct {
	QueryID         uuid.UUID
	SubmittedBy     string
	Submitted       time.Time
	Queries         []string
	SubstDicts      []byte
	Status          string
	Started         *time.Time
	Finished        *time.Time
	Error           *string
	ResultsLocation *string
}

const (
	QueryStatusQueued   = "queued"
	QueryStatusStarted  = "started"
	QueryStatusFinished = "finished"
	QueryStatusError    = "error"
)

// SubmitQuery enqueues a query set and returns its id.
func (db *DB) SubmitQuery(ctx context.Context, submittedBy string, queries []string, substDicts []byte) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO query_queue (queryid, submitted_by, queries, subdicts)
		VALUES ($1, $2, $3, $4)`,
		id, submittedBy, queries, substDicts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("submit query: %w", err)
	}
	return id, nil
}

// ClaimNextQuery atomically takes the oldest queued entry and marks it
// started. Concurrent runners skip rows another runner holds.
func (db *DB) ClaimNextQuery(ctx context.Context) (QueuedQuery, error) {
	var q QueuedQuery
	err := db.Pool.QueryRow(ctx, `
		UPDATE query_queue SET status=$1, started=now()
		WHERE queryid = (
			SELECT queryid FROM query_queue WHERE status=$2
			ORDER BY submitted
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING queryid, submitted_by, submitted, queries, subdicts, status, started`,
		QueryStatusStarted, QueryStatusQueued).Scan(
		&q.QueryID, &q.SubmittedBy, &q.Submitted, &q.Queries, &q.SubstDicts, &q.Status, &q.Started)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueuedQuery{}, fmt.Errorf("%w: no queued queries", ErrNotFound)
	}
	if err != nil {
		return QueuedQuery{}, fmt.Errorf("claim query: %w", err)
	}
	return q, nil
}

func (db *DB) FinishQuery(ctx context.Context, id uuid.UUID, resultsLocation string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE query_queue SET status=$1, finished=now(), results_location=$2
		WHERE queryid=$3`,
		QueryStatusFinished, resultsLocation, id)
	if err != nil {
		return fmt.Errorf("finish query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: query %s", ErrNotFound, id)
	}
	return nil
}

func (db *DB) FailQuery(ctx context.Context, id uuid.UUID, queryErr string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE query_queue SET status=$1, finished=now(), error=$2
		WHERE queryid=$3`,
		QueryStatusError, queryErr, id)
	if err != nil {
		return fmt.Errorf("fail query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: query %s", ErrNotFound, id)
	}
	return nil
}

func (db *DB) GetQuery(ctx context.Context, id uuid.UUID) (QueuedQuery, error) {
	var q QueuedQuery
	err := db.Pool.QueryRow(ctx, `
		SELECT queryid, submitted_by, submitted, queries, subdicts,
		       status, started, finished, error, results_location
		FROM query_queue WHERE queryid=$1`, id).Scan(
		&q.QueryID, &q.SubmittedBy, &q.Submitted, &q.Queries, &q.SubstDicts,
		&q.Status, &q.Started, &q.Finished, &q.Error, &q.ResultsLocation)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueuedQuery{}, fmt.Errorf("%w: query %s", ErrNotFound, id)
	}
	if err != nil {
		return QueuedQuery{}, fmt.Errorf("get query: %w", err)
	}
	return q, nil
}
