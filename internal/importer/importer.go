package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/fastdb-project/fastdb/internal/alertschema"
	"github.com/fastdb-project/fastdb/internal/pgdb"
)

const defaultRadiusArcsec = 1.0

// Importer performs the incremental load from one broker message collection
// into the relational store. At most one importer may run per collection at
// a time; the caller is responsible for that.
type Importer struct {
	db           *pgdb.DB
	source       DocumentSource
	collection   string
	procver      int16
	radiusArcsec float64
	log          *slog.Logger
	clock        clockwork.Clock
}

type Option func(*Importer)

func WithRadiusArcsec(r float64) Option { return func(i *Importer) { i.radiusArcsec = r } }

func WithLogger(l *slog.Logger) Option { return func(i *Importer) { i.log = l } }

func WithClock(c clockwork.Clock) Option { return func(i *Importer) { i.clock = c } }

func New(db *pgdb.DB, source DocumentSource, collection string, procver int16, opts ...Option) *Importer {
	imp := &Importer{
		db:           db,
		source:       source,
		collection:   collection,
		procver:      procver,
		radiusArcsec: defaultRadiusArcsec,
		log:          slog.Default(),
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(imp)
	}
	return imp
}

// Counts reports what one run loaded.
type Counts struct {
	Objects       int64
	NewObjects    int64
	LinkedToRoots int64
	RootsMinted   int64
	Sources       int64
	PrvSources    int64
	ForcedSources int64
}

// chordBound converts an angular radius in degrees to the squared chord
// length between unit vectors, the quantity the cross-match compares.
func chordBound(radiusDeg float64) float64 {
	c := 2 * math.Sin(radiusDeg*math.Pi/360)
	return c * c
}

// Run loads every document saved since the watermark in one transaction and
// advances the watermark on commit. A failure anywhere rolls back, so the
// next run re-reads the same window; combined with ON CONFLICT DO NOTHING
// on the row inserts that makes the ingest effectively-once.
func (i *Importer) Run(ctx context.Context) (Counts, error) {
	var counts Counts

	t0, err := i.watermark(ctx)
	if err != nil {
		return counts, err
	}
	t1 := i.clock.Now().UTC()
	i.log.Info("import window", "collection", i.collection, "from", t0, "to", t1)

	tx, err := i.db.Pool.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := pgdb.DeferConstraints(ctx, tx,
		"fk_diasource_diaobject", "fk_diaforcedsource_diaobject"); err != nil {
		return counts, err
	}

	if err := i.importObjects(ctx, tx, t0, t1, &counts); err != nil {
		return counts, err
	}
	if err := i.importSources(ctx, tx, t0, t1, &counts); err != nil {
		return counts, err
	}
	if err := i.importPrvSources(ctx, tx, t0, t1, &counts); err != nil {
		return counts, err
	}
	if err := i.importForcedSources(ctx, tx, t0, t1, &counts); err != nil {
		return counts, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO diasource_import_time (collection, t) VALUES ($1, $2)
		ON CONFLICT (collection) DO UPDATE SET t=EXCLUDED.t`,
		i.collection, t1); err != nil {
		return counts, fmt.Errorf("advance watermark: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return counts, fmt.Errorf("commit: %w", err)
	}
	i.log.Info("import complete",
		"collection", i.collection,
		"objects", counts.Objects,
		"newObjects", counts.NewObjects,
		"linkedToRoots", counts.LinkedToRoots,
		"rootsMinted", counts.RootsMinted,
		"sources", counts.Sources,
		"prvSources", counts.PrvSources,
		"forcedSources", counts.ForcedSources)
	return counts, nil
}

func (i *Importer) watermark(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := i.db.Pool.QueryRow(ctx,
		`SELECT t FROM diasource_import_time WHERE collection=$1`,
		i.collection).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Unix(0, 0).UTC(), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	return t.UTC(), nil
}

// copyIter adapts an Iterator to pgx's CopyFromSource.
type copyIter[T any] struct {
	ctx context.Context
	it  Iterator[T]
	row func(T) []any
	cur T
	err error
}

func (c *copyIter[T]) Next() bool {
	if c.err != nil {
		return false
	}
	v, ok, err := c.it.Next(c.ctx)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = v
	return ok
}

func (c *copyIter[T]) Values() ([]any, error) { return c.row(c.cur), nil }
func (c *copyIter[T]) Err() error             { return c.err }

func (i *Importer) importObjects(ctx context.Context, tx pgx.Tx, t0, t1 time.Time, counts *Counts) error {
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_diaobject_import (LIKE diaobject) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("create object temp table: %w", err)
	}

	it, err := i.source.Objects(ctx, t0, t1)
	if err != nil {
		return err
	}
	defer it.Close(ctx)

	cols := []string{"diaobjectid", "processing_version", "radecmjdtai",
		"validitystart", "validityend", "ra", "raerr", "dec", "decerr", "ra_dec_cov",
		"nearbyextobj1", "nearbyextobj1sep", "nearbyextobj2", "nearbyextobj2sep",
		"nearbyextobj3", "nearbyextobj3sep", "nearbylowzgal", "nearbylowzgalsep",
		"parallax", "parallaxerr", "pmra", "pmraerr", "pmra_parallax_cov",
		"pmdec", "pmdecerr", "pmdec_parallax_cov", "pmra_pmdec_cov"}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"temp_diaobject_import"}, cols,
		&copyIter[alertschema.DiaObject]{ctx: ctx, it: it, row: func(o alertschema.DiaObject) []any {
			return []any{o.DiaObjectID, i.procver, o.RadecMjdTai,
				o.ValidityStart, o.ValidityEnd, o.RA, o.RAErr, o.Dec, o.DecErr, o.RADecCov,
				o.NearbyExtObj1, o.NearbyExtObj1Sep, o.NearbyExtObj2, o.NearbyExtObj2Sep,
				o.NearbyExtObj3, o.NearbyExtObj3Sep, o.NearbyLowzGal, o.NearbyLowzGalSep,
				o.Parallax, o.ParallaxErr, o.PMRa, o.PMRaErr, o.PMRaParallaxCov,
				o.PMDec, o.PMDecErr, o.PMDecParallaxCov, o.PMRaPMDecCov}
		}})
	if err != nil {
		return fmt.Errorf("copy objects: %w", err)
	}
	counts.Objects = n

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_new_diaobject ON COMMIT DROP AS
		SELECT t.* FROM temp_diaobject_import t
		LEFT JOIN diaobject d
		  ON d.diaobjectid=t.diaobjectid AND d.processing_version=t.processing_version
		WHERE d.diaobjectid IS NULL`); err != nil {
		return fmt.Errorf("isolate new objects: %w", err)
	}

	tag, err := tx.Exec(ctx, `INSERT INTO diaobject SELECT * FROM temp_new_diaobject`)
	if err != nil {
		return fmt.Errorf("insert new objects: %w", err)
	}
	counts.NewObjects = tag.RowsAffected()

	return i.reconcileRoots(ctx, tx, counts)
}

// reconcileRoots links every new object to a root object. New objects within
// the match radius of each other are merged into connected components first,
// so any two in-range objects landing in the same import share a root. Each
// component then takes the root of the nearest previously rooted object in
// range of any member, or a freshly minted root when there is none.
func (i *Importer) reconcileRoots(ctx context.Context, tx pgx.Tx, counts *Counts) error {
	radiusDeg := i.radiusArcsec / 3600
	bound := chordBound(radiusDeg)

	// In-range pairs among the new objects. Self-pairs are included, so
	// every new object appears even when it has no neighbor.
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_newpair ON COMMIT DROP AS
		SELECT a.diaobjectid AS aid, a.processing_version AS apv,
		       b.diaobjectid AS bid, b.processing_version AS bpv
		FROM temp_new_diaobject a
		JOIN temp_new_diaobject b
		  ON b.dec BETWEEN a.dec-$1 AND a.dec+$1
		WHERE   power(cos(radians(b.dec))*cos(radians(b.ra))
		            - cos(radians(a.dec))*cos(radians(a.ra)), 2)
		      + power(cos(radians(b.dec))*sin(radians(b.ra))
		            - cos(radians(a.dec))*sin(radians(a.ra)), 2)
		      + power(sin(radians(b.dec)) - sin(radians(a.dec)), 2) <= $2`,
		radiusDeg, bound); err != nil {
		return fmt.Errorf("pair new objects: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_cluster ON COMMIT DROP AS
		SELECT aid AS diaobjectid, apv AS processing_version, MIN(bid) AS repid
		FROM temp_newpair
		GROUP BY aid, apv`); err != nil {
		return fmt.Errorf("cluster new objects: %w", err)
	}

	// Propagate the lowest id across neighbors until the labels settle, so
	// chains of overlapping pairs collapse into one component.
	for {
		tag, err := tx.Exec(ctx, `
			UPDATE temp_cluster c
			SET repid=m.repid
			FROM (SELECT p.aid, p.apv, MIN(n.repid) AS repid
			      FROM temp_newpair p
			      JOIN temp_cluster n
			        ON n.diaobjectid=p.bid AND n.processing_version=p.bpv
			      GROUP BY p.aid, p.apv) m
			WHERE c.diaobjectid=m.aid AND c.processing_version=m.apv
			  AND m.repid < c.repid`)
		if err != nil {
			return fmt.Errorf("propagate cluster labels: %w", err)
		}
		if tag.RowsAffected() == 0 {
			break
		}
	}

	// The new objects are already in diaobject but have no map rows yet, so
	// the root_map join reaches only previously rooted objects.
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_rootmatch ON COMMIT DROP AS
		SELECT DISTINCT ON (c.repid) c.repid, m.rootid
		FROM temp_cluster c
		JOIN temp_new_diaobject n
		  ON n.diaobjectid=c.diaobjectid AND n.processing_version=c.processing_version
		JOIN diaobject d
		  ON d.dec BETWEEN n.dec-$1 AND n.dec+$1
		JOIN diaobject_root_map m
		  ON m.diaobjectid=d.diaobjectid AND m.processing_version=d.processing_version
		WHERE   power(cos(radians(d.dec))*cos(radians(d.ra))
		            - cos(radians(n.dec))*cos(radians(n.ra)), 2)
		      + power(cos(radians(d.dec))*sin(radians(d.ra))
		            - cos(radians(n.dec))*sin(radians(n.ra)), 2)
		      + power(sin(radians(d.dec)) - sin(radians(n.dec)), 2) <= $2
		ORDER BY c.repid,
		         power(cos(radians(d.dec))*cos(radians(d.ra))
		             - cos(radians(n.dec))*cos(radians(n.ra)), 2)
		       + power(cos(radians(d.dec))*sin(radians(d.ra))
		             - cos(radians(n.dec))*sin(radians(n.ra)), 2)
		       + power(sin(radians(d.dec)) - sin(radians(n.dec)), 2)`,
		radiusDeg, bound); err != nil {
		return fmt.Errorf("match components to existing roots: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO diaobject_root_map (rootid, diaobjectid, processing_version)
		SELECT r.rootid, c.diaobjectid, c.processing_version
		FROM temp_cluster c
		JOIN temp_rootmatch r ON r.repid=c.repid`)
	if err != nil {
		return fmt.Errorf("link to existing roots: %w", err)
	}
	counts.LinkedToRoots = tag.RowsAffected()

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_newroot ON COMMIT DROP AS
		SELECT reps.repid, gen_random_uuid() AS rootid
		FROM (SELECT DISTINCT repid FROM temp_cluster) reps
		LEFT JOIN temp_rootmatch r ON r.repid=reps.repid
		WHERE r.rootid IS NULL`); err != nil {
		return fmt.Errorf("mint roots: %w", err)
	}
	tag, err = tx.Exec(ctx, `INSERT INTO root_diaobject (id) SELECT rootid FROM temp_newroot`)
	if err != nil {
		return fmt.Errorf("insert roots: %w", err)
	}
	counts.RootsMinted = tag.RowsAffected()

	if _, err := tx.Exec(ctx, `
		INSERT INTO diaobject_root_map (rootid, diaobjectid, processing_version)
		SELECT r.rootid, c.diaobjectid, c.processing_version
		FROM temp_cluster c
		JOIN temp_newroot r ON r.repid=c.repid`); err != nil {
		return fmt.Errorf("link minted roots: %w", err)
	}
	return nil
}

func (i *Importer) importSources(ctx context.Context, tx pgx.Tx, t0, t1 time.Time, counts *Counts) error {
	it, err := i.source.Sources(ctx, t0, t1)
	if err != nil {
		return err
	}
	defer it.Close(ctx)
	n, err := i.loadSources(ctx, tx, "temp_diasource_import", it)
	if err != nil {
		return err
	}
	counts.Sources = n
	return nil
}

func (i *Importer) importPrvSources(ctx context.Context, tx pgx.Tx, t0, t1 time.Time, counts *Counts) error {
	it, err := i.source.PrvSources(ctx, t0, t1)
	if err != nil {
		return err
	}
	defer it.Close(ctx)
	n, err := i.loadSources(ctx, tx, "temp_prvdiasource_import", it)
	if err != nil {
		return err
	}
	counts.PrvSources = n
	return nil
}

var diaSourceCols = []string{"diasourceid", "processing_version",
	"diaobjectid", "diaobject_procver", "ssobjectid", "parentdiasourceid",
	"visit", "detector", "band", "midpointmjdtai", "ra", "raerr", "dec", "decerr",
	"ra_dec_cov", "psfflux", "psffluxerr", "scienceflux", "sciencefluxerr",
	"snr", "extendedness", "reliability"}

// loadSources copies source rows through a temp table into diasource,
// skipping rows already present.
func (i *Importer) loadSources(ctx context.Context, tx pgx.Tx, tempTable string, it Iterator[alertschema.DiaSource]) (int64, error) {
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE %s (LIKE diasource) ON COMMIT DROP`, tempTable)); err != nil {
		return 0, fmt.Errorf("create source temp table: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, diaSourceCols,
		&copyIter[alertschema.DiaSource]{ctx: ctx, it: it, row: func(s alertschema.DiaSource) []any {
			return []any{s.DiaSourceID, i.procver,
				s.DiaObjectID, i.procver, s.SSObjectID, s.ParentDiaSourceID,
				s.Visit, s.Detector, s.Band, s.MidpointMjdTai, s.RA, s.RAErr, s.Dec, s.DecErr,
				s.RADecCov, s.PSFFlux, s.PSFFluxErr, s.ScienceFlux, s.ScienceFluxErr,
				s.SNR, s.Extendedness, s.Reliability}
		}}); err != nil {
		return 0, fmt.Errorf("copy sources: %w", err)
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO diasource SELECT * FROM %s ON CONFLICT DO NOTHING`, tempTable))
	if err != nil {
		return 0, fmt.Errorf("insert sources: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (i *Importer) importForcedSources(ctx context.Context, tx pgx.Tx, t0, t1 time.Time, counts *Counts) error {
	it, err := i.source.PrvForcedSources(ctx, t0, t1)
	if err != nil {
		return err
	}
	defer it.Close(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_diaforcedsource_import (LIKE diaforcedsource) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("create forced source temp table: %w", err)
	}
	cols := []string{"diaforcedsourceid", "processing_version",
		"diaobjectid", "diaobject_procver", "visit", "detector", "band",
		"midpointmjdtai", "ra", "dec", "psfflux", "psffluxerr",
		"scienceflux", "sciencefluxerr", "time_processed", "time_withdrawn"}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"temp_diaforcedsource_import"}, cols,
		&copyIter[alertschema.DiaForcedSource]{ctx: ctx, it: it, row: func(f alertschema.DiaForcedSource) []any {
			return []any{f.DiaForcedSourceID, i.procver,
				f.DiaObjectID, i.procver, f.Visit, f.Detector, f.Band,
				f.MidpointMjdTai, f.RA, f.Dec, f.PSFFlux, f.PSFFluxErr,
				f.ScienceFlux, f.ScienceFluxErr, f.TimeProcessed, f.TimeWithdrawn}
		}}); err != nil {
		return fmt.Errorf("copy forced sources: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO diaforcedsource SELECT * FROM temp_diaforcedsource_import
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("insert forced sources: %w", err)
	}
	counts.ForcedSources = tag.RowsAffected()
	return nil
}
