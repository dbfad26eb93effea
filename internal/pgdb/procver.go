package pgdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// ResolveProcessingVersion turns a user-supplied processing version string
// into its numeric id. The string may be a version description, an alias, or
// the id itself in decimal. A value matching both a description and a
// different alias target is rejected rather than guessed at.
func (db *DB) ResolveProcessingVersion(ctx context.Context, spec string) (int16, error) {
	var byDesc, byAlias int16
	descErr := db.Pool.QueryRow(ctx,
		`SELECT id FROM processing_version WHERE description=$1`, spec).Scan(&byDesc)
	if descErr != nil && !errors.Is(descErr, pgx.ErrNoRows) {
		return 0, fmt.Errorf("query processing_version: %w", descErr)
	}
	aliasErr := db.Pool.QueryRow(ctx,
		`SELECT procver_id FROM processing_version_alias WHERE description=$1`, spec).Scan(&byAlias)
	if aliasErr != nil && !errors.Is(aliasErr, pgx.ErrNoRows) {
		return 0, fmt.Errorf("query processing_version_alias: %w", aliasErr)
	}

	switch {
	case descErr == nil && aliasErr == nil:
		if byDesc != byAlias {
			return 0, fmt.Errorf("%w: processing version %q names both version %d and alias for %d",
				ErrAmbiguous, spec, byDesc, byAlias)
		}
		return byDesc, nil
	case descErr == nil:
		return byDesc, nil
	case aliasErr == nil:
		return byAlias, nil
	}

	if n, err := strconv.ParseInt(spec, 10, 16); err == nil {
		var id int16
		err := db.Pool.QueryRow(ctx,
			`SELECT id FROM processing_version WHERE id=$1`, int16(n)).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("query processing_version: %w", err)
		}
	}
	return 0, fmt.Errorf("%w: processing version %q", ErrNotFound, spec)
}
