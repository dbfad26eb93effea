package alertsend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fastdb-project/fastdb/internal/alertschema"
)

var ErrConflictingTarget = errors.New("both addedDays and throughDay given")

// Publisher is the slice of the bus producer the sender needs.
type Publisher interface {
	Produce(ctx context.Context, value []byte)
	Flush(ctx context.Context) error
}

const (
	defaultWorkers    = 5
	defaultFlushEvery = 1000
	defaultLogEvery   = 10000
	drainTimeout      = 5 * time.Second
)

type Sender struct {
	factory    CatalogFactory
	codec      *alertschema.Codec
	pub        Publisher
	reallySend bool
	workers    int
	flushEvery int
	logEvery   int
	reconCfg   ReconstructorConfig
	log        *slog.Logger
	clock      clockwork.Clock
	metrics    *Metrics
}

type SenderOption func(*Sender)

func WithWorkers(n int) SenderOption { return func(s *Sender) { s.workers = n } }

func WithFlushEvery(n int) SenderOption { return func(s *Sender) { s.flushEvery = n } }

func WithLogEvery(n int) SenderOption { return func(s *Sender) { s.logEvery = n } }

func WithReallySend(really bool) SenderOption { return func(s *Sender) { s.reallySend = really } }
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.log = l }
}
func WithSenderClock(c clockwork.Clock) SenderOption {
	return func(s *Sender) { s.clock = c }
}
func WithSenderMetrics(m *Metrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}
func WithReconstructorConfig(cfg ReconstructorConfig) SenderOption {
	return func(s *Sender) { s.reconCfg = cfg }
}

// NewSender builds a sender that reconstructs via sessions from factory and
// publishes via pub. A nil pub, or WithReallySend(false), makes every run a
// dry run that publishes and records nothing.
func NewSender(factory CatalogFactory, codec *alertschema.Codec, pub Publisher, opts ...SenderOption) *Sender {
	s := &Sender{
		factory:    factory,
		codec:      codec,
		pub:        pub,
		reallySend: pub != nil,
		workers:    defaultWorkers,
		flushEvery: defaultFlushEvery,
		logEvery:   defaultLogEvery,
		reconCfg:   DefaultReconstructorConfig(),
		log:        slog.Default(),
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pub == nil {
		s.reallySend = false
	}
	return s
}

// SendReport summarizes one run. Published and Recorded stay zero on a dry
// run; Reconstructed counts the alerts built either way.
type SendReport struct {
	Selected      int
	Reconstructed int
	Published     int
	Recorded      int
	Timings       Timings
}

// Run selects the unsent sources up to the target day, reconstructs them on
// the worker pool, publishes each record, and marks ids sent in batches.
// Ids reach the sent table only after the publish flush for their batch
// succeeds, so an aborted run re-broadcasts at most one batch.
func (s *Sender) Run(ctx context.Context, addedDays, throughDay *float64) (SendReport, error) {
	var report SendReport
	if addedDays != nil && throughDay != nil {
		return report, ErrConflictingTarget
	}
	if addedDays == nil && throughDay == nil {
		d := 1.0
		addedDays = &d
	}

	catalog, err := s.factory(ctx)
	if err != nil {
		return report, fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()

	ids, err := catalog.FindAlertsToSend(ctx, addedDays, throughDay)
	if err != nil {
		return report, fmt.Errorf("select alerts: %w", err)
	}
	report.Selected = len(ids)
	s.log.Info("selected alerts to send", "count", len(ids), "reallySend", s.reallySend)
	if len(ids) == 0 {
		return report, nil
	}

	reqs := make(chan Request, s.workers)
	resps := make(chan Response, s.workers)
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var (
		wg         sync.WaitGroup
		timingsMu  sync.Mutex
		workerErr  error
		workerOnce sync.Once
	)
	for i := 0; i < s.workers; i++ {
		worker, err := s.factory(ctx)
		if err != nil {
			workerOnce.Do(func() { workerErr = fmt.Errorf("open worker catalog: %w", err) })
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer worker.Close()
			r := NewReconstructor(worker, s.codec, s.reconCfg, s.clock)
			tm := r.Run(workerCtx, reqs, resps)
			timingsMu.Lock()
			report.Timings.add(tm)
			timingsMu.Unlock()
		}()
	}
	if workerErr != nil {
		close(reqs)
		wg.Wait()
		return report, workerErr
	}

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	var (
		pending  []int64
		seen     = make(map[int64]bool, len(ids))
		next     = 0
		inFlight = 0
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if s.reallySend {
			start := s.clock.Now()
			if err := s.pub.Flush(ctx); err != nil {
				return fmt.Errorf("flush publisher: %w", err)
			}
			if s.metrics != nil {
				s.metrics.FlushSeconds.Observe(s.clock.Since(start).Seconds())
			}
			if err := catalog.RecordAlertsSent(ctx, pending, s.clock.Now().UTC()); err != nil {
				return err
			}
			report.Recorded += len(pending)
			if s.metrics != nil {
				s.metrics.AlertsRecorded.Add(float64(len(pending)))
			}
		}
		pending = pending[:0]
		return nil
	}

	fail := func(err error) (SendReport, error) {
		cancelWorkers()
		close(reqs)
		select {
		case <-workersDone:
		case <-s.clock.After(drainTimeout):
			s.log.Warn("workers did not drain in time", "timeout", drainTimeout)
		}
		return report, err
	}

	for next < len(ids) || inFlight > 0 {
		for next < len(ids) && inFlight < s.workers {
			reqs <- Request{SourceIdx: next, SourceID: ids[next]}
			next++
			inFlight++
		}
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case resp := <-resps:
			inFlight--
			if resp.Err != nil {
				return fail(fmt.Errorf("worker %d: %w", resp.SourceIdx, resp.Err))
			}
			if seen[resp.SourceID] {
				return fail(fmt.Errorf("%w: source %d", ErrDuplicateReconstruction, resp.SourceID))
			}
			seen[resp.SourceID] = true
			report.Reconstructed++
			if s.reallySend {
				s.pub.Produce(ctx, resp.Alert)
				report.Published++
				if s.metrics != nil {
					s.metrics.AlertsPublished.Inc()
				}
			}
			pending = append(pending, resp.SourceID)
			if s.logEvery > 0 && report.Reconstructed%s.logEvery == 0 {
				s.log.Info("broadcast progress", "reconstructed", report.Reconstructed, "of", len(ids))
			}
			if len(pending) >= s.flushEvery {
				if err := flush(); err != nil {
					return fail(err)
				}
			}
		}
	}

	if err := flush(); err != nil {
		return fail(err)
	}
	close(reqs)
	<-workersDone

	s.log.Info("broadcast complete",
		"selected", report.Selected,
		"reconstructed", report.Reconstructed,
		"published", report.Published,
		"recorded", report.Recorded,
		"alerts", report.Timings.Alerts,
		"overall", report.Timings.Overall)
	return report, nil
}
