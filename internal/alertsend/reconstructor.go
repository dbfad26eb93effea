package alertsend

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fastdb-project/fastdb/internal/alertschema"
)

// ReconstructorConfig sets the history windows, in days relative to the
// alerted source's mjd. Prior sources cover [t-PrevSourceDays, t); prior
// forced sources cover (t-PrevForcedDays, t-PrevForcedGapDays), the gap
// reflecting the processing delay before forced photometry exists.
type ReconstructorConfig struct {
	PrevSourceDays    float64
	PrevForcedDays    float64
	PrevForcedGapDays float64
}

func DefaultReconstructorConfig() ReconstructorConfig {
	return ReconstructorConfig{
		PrevSourceDays:    365,
		PrevForcedDays:    365,
		PrevForcedGapDays: 1,
	}
}

// Timings accumulates where a worker spent its time, reported once when the
// worker drains.
type Timings struct {
	Alerts          int
	Overall         time.Duration
	LoadSource      time.Duration
	LoadPrevSources time.Duration
	LoadPrevForced  time.Duration
	LoadObject      time.Duration
	Encode          time.Duration
}

func (t *Timings) add(o Timings) {
	t.Alerts += o.Alerts
	t.Overall += o.Overall
	t.LoadSource += o.LoadSource
	t.LoadPrevSources += o.LoadPrevSources
	t.LoadPrevForced += o.LoadPrevForced
	t.LoadObject += o.LoadObject
	t.Encode += o.Encode
}

// Request asks a worker to reconstruct and encode one source.
type Request struct {
	SourceIdx int
	SourceID  int64
}

// Response is a worker's answer: the encoded alert, or the error that
// stopped it.
type Response struct {
	SourceIdx int
	SourceID  int64
	Alert     []byte
	Err       error
}

// Reconstructor builds alert records from a private catalog session.
type Reconstructor struct {
	catalog Catalog
	codec   *alertschema.Codec
	cfg     ReconstructorConfig
	clock   clockwork.Clock
}

func NewReconstructor(catalog Catalog, codec *alertschema.Codec, cfg ReconstructorConfig, clock clockwork.Clock) *Reconstructor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconstructor{catalog: catalog, codec: codec, cfg: cfg, clock: clock}
}

// Reconstruct assembles and encodes the alert for one source.
func (r *Reconstructor) Reconstruct(ctx context.Context, sourceID int64) ([]byte, Timings, error) {
	var tm Timings
	start := r.clock.Now()
	defer func() { tm.Overall = r.clock.Since(start) }()

	t0 := r.clock.Now()
	source, err := r.catalog.GetDiaSource(ctx, sourceID)
	tm.LoadSource = r.clock.Since(t0)
	if err != nil {
		return nil, tm, fmt.Errorf("load source %d: %w", sourceID, err)
	}
	t := source.MidpointMjdTai

	t0 = r.clock.Now()
	prvSources, err := r.catalog.PrevSources(ctx, source.DiaObjectID, sourceID,
		t-r.cfg.PrevSourceDays, t)
	tm.LoadPrevSources = r.clock.Since(t0)
	if err != nil {
		return nil, tm, fmt.Errorf("load prior sources for %d: %w", sourceID, err)
	}

	t0 = r.clock.Now()
	prvForced, err := r.catalog.PrevForcedSources(ctx, source.DiaObjectID,
		t-r.cfg.PrevForcedDays, t-r.cfg.PrevForcedGapDays)
	tm.LoadPrevForced = r.clock.Since(t0)
	if err != nil {
		return nil, tm, fmt.Errorf("load prior forced sources for %d: %w", sourceID, err)
	}

	t0 = r.clock.Now()
	object, err := r.catalog.GetDiaObject(ctx, source.DiaObjectID)
	tm.LoadObject = r.clock.Since(t0)
	if err != nil {
		return nil, tm, fmt.Errorf("load object for %d: %w", sourceID, err)
	}

	alert := alertschema.Alert{
		AlertID:             sourceID,
		DiaSource:           *source,
		PrvDiaSources:       prvSources,
		PrvDiaForcedSources: prvForced,
		DiaObject:           object,
	}
	roundAlertTimes(&alert)

	t0 = r.clock.Now()
	encoded, err := r.codec.EncodeAlert(&alert)
	tm.Encode = r.clock.Since(t0)
	if err != nil {
		return nil, tm, fmt.Errorf("encode alert %d: %w", sourceID, err)
	}
	tm.Alerts = 1
	return encoded, tm, nil
}

// Run drains requests until the channel closes or the context ends,
// answering each on resps. The aggregate timings come back once on return.
func (r *Reconstructor) Run(ctx context.Context, reqs <-chan Request, resps chan<- Response) Timings {
	var total Timings
	for {
		select {
		case <-ctx.Done():
			return total
		case req, ok := <-reqs:
			if !ok {
				return total
			}
			encoded, tm, err := r.Reconstruct(ctx, req.SourceID)
			total.add(tm)
			resp := Response{SourceIdx: req.SourceIdx, SourceID: req.SourceID, Alert: encoded, Err: err}
			select {
			case resps <- resp:
			case <-ctx.Done():
				return total
			}
		}
	}
}

// The wire encoding keeps millisecond timestamps, so the record is rounded
// before encoding to keep the published bytes equal to a decode/re-encode.
func roundAlertTimes(a *alertschema.Alert) {
	if a.DiaObject != nil {
		a.DiaObject.ValidityStart = roundMillis(a.DiaObject.ValidityStart)
		a.DiaObject.ValidityEnd = roundMillis(a.DiaObject.ValidityEnd)
	}
	for i := range a.PrvDiaForcedSources {
		f := &a.PrvDiaForcedSources[i]
		f.TimeProcessed = roundMillis(f.TimeProcessed)
		f.TimeWithdrawn = roundMillis(f.TimeWithdrawn)
	}
}

func roundMillis(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	r := t.Round(time.Millisecond).UTC()
	return &r
}
