package alertsend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastdb-project/fastdb/internal/alertschema"
	"github.com/fastdb-project/fastdb/internal/pgdb"
)

type window struct{ min, max float64 }

type fakeCatalog struct {
	mu             sync.Mutex
	sources        map[int64]alertschema.DiaSource
	objects        map[int64]alertschema.DiaObject
	forcedByObject map[int64][]alertschema.DiaForcedSource
	toSend         []int64
	findErr        error
	sentBatches    [][]int64
	recordErr      error
	prevSrcWindows []window
	prevFrcWindows []window
}

func (c *fakeCatalog) GetDiaSource(_ context.Context, id int64) (*alertschema.DiaSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: diasource %d", pgdb.ErrNotFound, id)
	}
	return &s, nil
}

func (c *fakeCatalog) PrevSources(_ context.Context, objectID, excludeID int64, minMJD, maxMJD float64) ([]alertschema.DiaSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevSrcWindows = append(c.prevSrcWindows, window{minMJD, maxMJD})
	var out []alertschema.DiaSource
	for _, s := range c.sources {
		if s.DiaObjectID == objectID && s.DiaSourceID != excludeID &&
			s.MidpointMjdTai >= minMJD && s.MidpointMjdTai < maxMJD {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MidpointMjdTai < out[j].MidpointMjdTai })
	return out, nil
}

func (c *fakeCatalog) PrevForcedSources(_ context.Context, objectID int64, minMJD, maxMJD float64) ([]alertschema.DiaForcedSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevFrcWindows = append(c.prevFrcWindows, window{minMJD, maxMJD})
	var out []alertschema.DiaForcedSource
	for _, f := range c.forcedByObject[objectID] {
		if f.MidpointMjdTai > minMJD && f.MidpointMjdTai < maxMJD {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MidpointMjdTai < out[j].MidpointMjdTai })
	return out, nil
}

func (c *fakeCatalog) GetDiaObject(_ context.Context, id int64) (*alertschema.DiaObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: diaobject %d", pgdb.ErrNotFound, id)
	}
	return &o, nil
}

func (c *fakeCatalog) FindAlertsToSend(_ context.Context, _, _ *float64) ([]int64, error) {
	if c.findErr != nil {
		return nil, c.findErr
	}
	return c.toSend, nil
}

func (c *fakeCatalog) RecordAlertsSent(_ context.Context, ids []int64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recordErr != nil {
		return c.recordErr
	}
	c.sentBatches = append(c.sentBatches, append([]int64(nil), ids...))
	return nil
}

func (c *fakeCatalog) Close() {}

func (c *fakeCatalog) allSent() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int64
	for _, b := range c.sentBatches {
		out = append(out, b...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fakePublisher struct {
	mu        sync.Mutex
	produced  [][]byte
	flushes   int
	failFlush bool
}

func (p *fakePublisher) Produce(_ context.Context, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.produced = append(p.produced, value)
}

func (p *fakePublisher) Flush(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	if p.failFlush {
		return errors.New("broker unavailable")
	}
	return nil
}

func newTestCatalog() *fakeCatalog {
	tp := time.Date(2023, 11, 30, 4, 12, 9, 123_456_789, time.UTC)
	c := &fakeCatalog{
		sources: map[int64]alertschema.DiaSource{},
		objects: map[int64]alertschema.DiaObject{
			42: {DiaObjectID: 42, RA: 151.25, Dec: -5.5},
		},
		forcedByObject: map[int64][]alertschema.DiaForcedSource{
			42: {
				{DiaForcedSourceID: 901, DiaObjectID: 42, Visit: 8, Detector: 1, Band: "g",
					MidpointMjdTai: 60270.5, RA: 151.25, Dec: -5.5,
					PSFFlux: 10, PSFFluxErr: 1, TimeProcessed: &tp},
				{DiaForcedSourceID: 902, DiaObjectID: 42, Visit: 9, Detector: 1, Band: "r",
					MidpointMjdTai: 60279.9, RA: 151.25, Dec: -5.5,
					PSFFlux: 11, PSFFluxErr: 1},
			},
		},
	}
	for i, mjd := range []float64{60250.1, 60270.2, 60280.3, 60281.4} {
		id := int64(100 + i)
		c.sources[id] = alertschema.DiaSource{
			DiaSourceID: id, DiaObjectID: 42, Visit: int64(i), Detector: 3, Band: "i",
			MidpointMjdTai: mjd, RA: 151.25, Dec: -5.5, PSFFlux: 20, PSFFluxErr: 2,
		}
	}
	return c
}

func testCodec(t *testing.T) *alertschema.Codec {
	t.Helper()
	codec, err := alertschema.NewCodec()
	require.NoError(t, err)
	return codec
}

func TestReconstructWindows(t *testing.T) {
	cat := newTestCatalog()
	codec := testCodec(t)
	r := NewReconstructor(cat, codec, ReconstructorConfig{
		PrevSourceDays: 30, PrevForcedDays: 30, PrevForcedGapDays: 1,
	}, nil)

	// Source 103 sits at mjd 60281.4.
	encoded, tm, err := r.Reconstruct(context.Background(), 103)
	require.NoError(t, err)
	assert.Equal(t, 1, tm.Alerts)

	require.Len(t, cat.prevSrcWindows, 1)
	assert.InDelta(t, 60281.4-30, cat.prevSrcWindows[0].min, 1e-9)
	assert.InDelta(t, 60281.4, cat.prevSrcWindows[0].max, 1e-9)
	require.Len(t, cat.prevFrcWindows, 1)
	assert.InDelta(t, 60281.4-30, cat.prevFrcWindows[0].min, 1e-9)
	assert.InDelta(t, 60281.4-1, cat.prevFrcWindows[0].max, 1e-9)

	alert, err := codec.DecodeAlert(encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(103), alert.AlertID)
	assert.Equal(t, int64(103), alert.DiaSource.DiaSourceID)

	// 102 and 101 fall in the window; 100 is too old, 103 is excluded as self.
	require.Len(t, alert.PrvDiaSources, 2)
	assert.Equal(t, int64(101), alert.PrvDiaSources[0].DiaSourceID)
	assert.Equal(t, int64(102), alert.PrvDiaSources[1].DiaSourceID)

	// 902 at 60279.9 is inside the gap (within one day of the source).
	require.Len(t, alert.PrvDiaForcedSources, 1)
	assert.Equal(t, int64(901), alert.PrvDiaForcedSources[0].DiaForcedSourceID)
	require.NotNil(t, alert.PrvDiaForcedSources[0].TimeProcessed)
	wantTP := time.Date(2023, 11, 30, 4, 12, 9, 123_000_000, time.UTC)
	assert.Equal(t, wantTP, alert.PrvDiaForcedSources[0].TimeProcessed.UTC())

	require.NotNil(t, alert.DiaObject)
	assert.Equal(t, int64(42), alert.DiaObject.DiaObjectID)
}

func TestReconstructSourceNotFound(t *testing.T) {
	cat := newTestCatalog()
	r := NewReconstructor(cat, testCodec(t), DefaultReconstructorConfig(), nil)
	_, _, err := r.Reconstruct(context.Background(), 999)
	assert.ErrorIs(t, err, pgdb.ErrNotFound)
}

func TestAddedDaysOrDefault(t *testing.T) {
	assert.Equal(t, 1.0, addedDaysOrDefault(nil))
	d := 3.5
	assert.Equal(t, 3.5, addedDaysOrDefault(&d))
}

func senderForTest(t *testing.T, cat *fakeCatalog, pub Publisher, opts ...SenderOption) *Sender {
	t.Helper()
	factory := func(context.Context) (Catalog, error) { return cat, nil }
	base := []SenderOption{
		WithWorkers(3),
		WithFlushEvery(3),
		WithReconstructorConfig(ReconstructorConfig{
			PrevSourceDays: 30, PrevForcedDays: 30, PrevForcedGapDays: 1,
		}),
	}
	return NewSender(factory, testCodec(t), pub, append(base, opts...)...)
}

func TestSenderBroadcastAll(t *testing.T) {
	cat := newTestCatalog()
	cat.toSend = []int64{100, 101, 102, 103}
	pub := &fakePublisher{}
	s := senderForTest(t, cat, pub)

	report, err := s.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Selected)
	assert.Equal(t, 4, report.Reconstructed)
	assert.Equal(t, 4, report.Published)
	assert.Equal(t, 4, report.Recorded)
	assert.Equal(t, []int64{100, 101, 102, 103}, cat.allSent())
	assert.Len(t, pub.produced, 4)
	// One flush at the batch boundary, one on drain.
	assert.Equal(t, 2, pub.flushes)
}

func TestSenderDryRun(t *testing.T) {
	cat := newTestCatalog()
	cat.toSend = []int64{100, 101}
	pub := &fakePublisher{}
	s := senderForTest(t, cat, pub, WithReallySend(false))

	report, err := s.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reconstructed)
	assert.Equal(t, 0, report.Published)
	assert.Equal(t, 0, report.Recorded)
	assert.Empty(t, pub.produced)
	assert.Zero(t, pub.flushes)
	assert.Empty(t, cat.allSent())
}

func TestSenderFlushFailureLeavesUnrecorded(t *testing.T) {
	cat := newTestCatalog()
	cat.toSend = []int64{100, 101, 102, 103}
	pub := &fakePublisher{failFlush: true}
	s := senderForTest(t, cat, pub)

	_, err := s.Run(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Empty(t, cat.allSent())
}

func TestSenderDuplicateReconstruction(t *testing.T) {
	cat := newTestCatalog()
	cat.toSend = []int64{100, 100}
	s := senderForTest(t, cat, &fakePublisher{})

	_, err := s.Run(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateReconstruction)
}

func TestSenderConflictingTarget(t *testing.T) {
	s := senderForTest(t, newTestCatalog(), &fakePublisher{})
	added, through := 1.0, 60288.0
	_, err := s.Run(context.Background(), &added, &through)
	assert.ErrorIs(t, err, ErrConflictingTarget)
}

func TestSenderNoData(t *testing.T) {
	cat := newTestCatalog()
	cat.findErr = ErrNoData
	s := senderForTest(t, cat, &fakePublisher{})
	_, err := s.Run(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestSenderWorkerErrorAborts(t *testing.T) {
	cat := newTestCatalog()
	cat.toSend = []int64{100, 999} // 999 does not exist
	s := senderForTest(t, cat, &fakePublisher{})
	_, err := s.Run(context.Background(), nil, nil)
	assert.ErrorIs(t, err, pgdb.ErrNotFound)
}
