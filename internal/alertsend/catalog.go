// Package alertsend reconstructs alert records from the observation store
// and broadcasts the as-yet-unsent ones over the bus.
package alertsend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastdb-project/fastdb/internal/alertschema"
	"github.com/fastdb-project/fastdb/internal/pgdb"
)

var (
	ErrNoData                  = errors.New("no candidate sources")
	ErrDuplicateReconstruction = errors.New("duplicate reconstruction")
)

// Catalog is the observation-store surface the sender and its workers use.
// Each worker holds its own Catalog so it can keep a private session open
// for its whole lifetime.
type Catalog interface {
	GetDiaSource(ctx context.Context, diaSourceID int64) (*alertschema.DiaSource, error)
	PrevSources(ctx context.Context, diaObjectID, excludeSourceID int64, minMJD, maxMJD float64) ([]alertschema.DiaSource, error)
	PrevForcedSources(ctx context.Context, diaObjectID int64, minMJD, maxMJD float64) ([]alertschema.DiaForcedSource, error)
	GetDiaObject(ctx context.Context, diaObjectID int64) (*alertschema.DiaObject, error)
	FindAlertsToSend(ctx context.Context, addedDays, throughDay *float64) ([]int64, error)
	RecordAlertsSent(ctx context.Context, diaSourceIDs []int64, sentTime time.Time) error
	Close()
}

// CatalogFactory opens a fresh Catalog session. The sender calls it once
// per worker.
type CatalogFactory func(ctx context.Context) (Catalog, error)

// PGCatalog serves Catalog from the relational store over a single pooled
// connection.
type PGCatalog struct {
	conn *pgxpool.Conn
}

func NewPGCatalog(ctx context.Context, pool *pgxpool.Pool) (*PGCatalog, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &PGCatalog{conn: conn}, nil
}

func (c *PGCatalog) Close() {
	c.conn.Release()
}

const diaSourceColumns = `diasourceid, diaobjectid, ssobjectid, parentdiasourceid,
	visit, detector, band, midpointmjdtai, ra, raerr, dec, decerr, ra_dec_cov,
	psfflux, psffluxerr, scienceflux, sciencefluxerr, snr, extendedness, reliability`

func scanDiaSource(row pgx.CollectableRow) (alertschema.DiaSource, error) {
	var s alertschema.DiaSource
	err := row.Scan(&s.DiaSourceID, &s.DiaObjectID, &s.SSObjectID, &s.ParentDiaSourceID,
		&s.Visit, &s.Detector, &s.Band, &s.MidpointMjdTai,
		&s.RA, &s.RAErr, &s.Dec, &s.DecErr, &s.RADecCov,
		&s.PSFFlux, &s.PSFFluxErr, &s.ScienceFlux, &s.ScienceFluxErr,
		&s.SNR, &s.Extendedness, &s.Reliability)
	return s, err
}

func (c *PGCatalog) GetDiaSource(ctx context.Context, diaSourceID int64) (*alertschema.DiaSource, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT `+diaSourceColumns+` FROM ppdb_diasource WHERE diasourceid=$1`,
		diaSourceID)
	if err != nil {
		return nil, fmt.Errorf("query diasource: %w", err)
	}
	sources, err := pgx.CollectRows(rows, scanDiaSource)
	if err != nil {
		return nil, fmt.Errorf("scan diasource: %w", err)
	}
	switch len(sources) {
	case 0:
		return nil, fmt.Errorf("%w: diasource %d", pgdb.ErrNotFound, diaSourceID)
	case 1:
		return &sources[0], nil
	default:
		return nil, fmt.Errorf("%w: diasource %d has %d rows", pgdb.ErrAmbiguous, diaSourceID, len(sources))
	}
}

func (c *PGCatalog) PrevSources(ctx context.Context, diaObjectID, excludeSourceID int64, minMJD, maxMJD float64) ([]alertschema.DiaSource, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT `+diaSourceColumns+` FROM ppdb_diasource
		 WHERE diaobjectid=$1 AND diasourceid<>$2
		   AND midpointmjdtai >= $3 AND midpointmjdtai < $4
		 ORDER BY midpointmjdtai`,
		diaObjectID, excludeSourceID, minMJD, maxMJD)
	if err != nil {
		return nil, fmt.Errorf("query prior sources: %w", err)
	}
	sources, err := pgx.CollectRows(rows, scanDiaSource)
	if err != nil {
		return nil, fmt.Errorf("scan prior sources: %w", err)
	}
	return sources, nil
}

func (c *PGCatalog) PrevForcedSources(ctx context.Context, diaObjectID int64, minMJD, maxMJD float64) ([]alertschema.DiaForcedSource, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT diaforcedsourceid, diaobjectid, visit, detector, band, midpointmjdtai,
		        ra, dec, psfflux, psffluxerr, scienceflux, sciencefluxerr,
		        time_processed, time_withdrawn
		 FROM ppdb_diaforcedsource
		 WHERE diaobjectid=$1 AND midpointmjdtai > $2 AND midpointmjdtai < $3
		 ORDER BY midpointmjdtai`,
		diaObjectID, minMJD, maxMJD)
	if err != nil {
		return nil, fmt.Errorf("query prior forced sources: %w", err)
	}
	forced, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (alertschema.DiaForcedSource, error) {
		var f alertschema.DiaForcedSource
		err := row.Scan(&f.DiaForcedSourceID, &f.DiaObjectID, &f.Visit, &f.Detector,
			&f.Band, &f.MidpointMjdTai, &f.RA, &f.Dec,
			&f.PSFFlux, &f.PSFFluxErr, &f.ScienceFlux, &f.ScienceFluxErr,
			&f.TimeProcessed, &f.TimeWithdrawn)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan prior forced sources: %w", err)
	}
	return forced, nil
}

func (c *PGCatalog) GetDiaObject(ctx context.Context, diaObjectID int64) (*alertschema.DiaObject, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT diaobjectid, radecmjdtai, validitystart, validityend,
		        ra, raerr, dec, decerr, ra_dec_cov,
		        nearbyextobj1, nearbyextobj1sep, nearbyextobj2, nearbyextobj2sep,
		        nearbyextobj3, nearbyextobj3sep, nearbylowzgal, nearbylowzgalsep,
		        parallax, parallaxerr, pmra, pmraerr, pmra_parallax_cov,
		        pmdec, pmdecerr, pmdec_parallax_cov, pmra_pmdec_cov
		 FROM ppdb_diaobject WHERE diaobjectid=$1`,
		diaObjectID)
	if err != nil {
		return nil, fmt.Errorf("query diaobject: %w", err)
	}
	objects, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (alertschema.DiaObject, error) {
		var o alertschema.DiaObject
		err := row.Scan(&o.DiaObjectID, &o.RadecMjdTai, &o.ValidityStart, &o.ValidityEnd,
			&o.RA, &o.RAErr, &o.Dec, &o.DecErr, &o.RADecCov,
			&o.NearbyExtObj1, &o.NearbyExtObj1Sep, &o.NearbyExtObj2, &o.NearbyExtObj2Sep,
			&o.NearbyExtObj3, &o.NearbyExtObj3Sep, &o.NearbyLowzGal, &o.NearbyLowzGalSep,
			&o.Parallax, &o.ParallaxErr, &o.PMRa, &o.PMRaErr, &o.PMRaParallaxCov,
			&o.PMDec, &o.PMDecErr, &o.PMDecParallaxCov, &o.PMRaPMDecCov)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan diaobject: %w", err)
	}
	switch len(objects) {
	case 0:
		return nil, fmt.Errorf("%w: diaobject %d", pgdb.ErrNotFound, diaObjectID)
	case 1:
		return &objects[0], nil
	default:
		return nil, fmt.Errorf("%w: diaobject %d has %d rows", pgdb.ErrAmbiguous, diaObjectID, len(objects))
	}
}

// addedDaysOrDefault resolves the relative day count, one day when unset.
func addedDaysOrDefault(addedDays *float64) float64 {
	if addedDays != nil {
		return *addedDays
	}
	return 1
}

// FindAlertsToSend returns the ids of unsent sources with mjd below the
// target day, oldest first. At most one of addedDays and throughDay should
// be set; without throughDay the target is addedDays (default 1) past the
// latest already sent source, or past the earliest source of all when
// nothing has been sent.
func (c *PGCatalog) FindAlertsToSend(ctx context.Context, addedDays, throughDay *float64) ([]int64, error) {
	var targetMJD float64
	switch {
	case throughDay != nil:
		targetMJD = *throughDay
	default:
		var maxSent *float64
		err := c.conn.QueryRow(ctx,
			`SELECT MAX(s.midpointmjdtai)
			 FROM ppdb_diasource s JOIN ppdb_alerts_sent a USING (diasourceid)`).Scan(&maxSent)
		if err != nil {
			return nil, fmt.Errorf("query latest sent mjd: %w", err)
		}
		if maxSent == nil {
			err := c.conn.QueryRow(ctx,
				`SELECT MIN(midpointmjdtai) FROM ppdb_diasource`).Scan(&maxSent)
			if err != nil {
				return nil, fmt.Errorf("query earliest source mjd: %w", err)
			}
			if maxSent == nil {
				return nil, ErrNoData
			}
		}
		targetMJD = *maxSent + addedDaysOrDefault(addedDays)
	}

	rows, err := c.conn.Query(ctx,
		`SELECT s.diasourceid
		 FROM ppdb_diasource s
		 LEFT JOIN ppdb_alerts_sent a ON a.diasourceid = s.diasourceid
		 WHERE a.diasourceid IS NULL AND s.midpointmjdtai < $1
		 ORDER BY s.midpointmjdtai`,
		targetMJD)
	if err != nil {
		return nil, fmt.Errorf("query unsent sources: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan unsent sources: %w", err)
	}
	return ids, nil
}

func (c *PGCatalog) RecordAlertsSent(ctx context.Context, diaSourceIDs []int64, sentTime time.Time) error {
	if len(diaSourceIDs) == 0 {
		return nil
	}
	_, err := c.conn.CopyFrom(ctx,
		pgx.Identifier{"ppdb_alerts_sent"},
		[]string{"diasourceid", "senttime"},
		pgx.CopyFromSlice(len(diaSourceIDs), func(i int) ([]any, error) {
			return []any{diaSourceIDs[i], sentTime}, nil
		}))
	if err != nil {
		return fmt.Errorf("record alerts sent: %w", err)
	}
	return nil
}
