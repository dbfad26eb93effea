package brokerconsumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fastdb-project/fastdb/internal/alertschema"
	"github.com/fastdb-project/fastdb/internal/bus"
)

type mockBus struct {
	mu           sync.Mutex
	serverTopics []string
	batches      [][]*kgo.Record
	subscribed   []string
	commits      int
	closed       int
}

func (m *mockBus) Subscribe(_ context.Context, topics []string, reset bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = nil
	for _, t := range topics {
		for _, st := range m.serverTopics {
			if t == st {
				m.subscribed = append(m.subscribed, t)
			}
		}
	}
	return nil
}

func (m *mockBus) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

func (m *mockBus) PollBatch(_ context.Context, _ int, _ time.Duration) ([]*kgo.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return batch, nil
}

func (m *mockBus) Commit(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

func (m *mockBus) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

type fakeStore struct {
	mu        sync.Mutex
	docs      []alertschema.BrokerMessageDoc
	insertErr error
}

func (s *fakeStore) InsertBrokerMessages(_ context.Context, docs []alertschema.BrokerMessageDoc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.docs = append(s.docs, docs...)
	return len(docs), nil
}

func (s *fakeStore) Close(context.Context) error { return nil }

func encodedMessage(t *testing.T, codec *alertschema.Codec, alertID int64) []byte {
	t.Helper()
	msg := &alertschema.BrokerMessage{
		AlertID: alertID,
		DiaSource: alertschema.DiaSource{
			DiaSourceID: alertID, DiaObjectID: 7, Visit: 3, Detector: 1, Band: "r",
			MidpointMjdTai: 60280.5, RA: 10, Dec: -4, PSFFlux: 9, PSFFluxErr: 1,
		},
		BrokerName:     "testbroker",
		BrokerVersion:  "1.0",
		ClassifierName: "rf",
		Classifications: []alertschema.Classification{
			{ClassID: 2222, Probability: 0.9},
		},
	}
	raw, err := codec.EncodeBrokerMessage(msg)
	require.NoError(t, err)
	return raw
}

func record(topic string, offset int64, value []byte) *kgo.Record {
	return &kgo.Record{
		Topic:     topic,
		Offset:    offset,
		Timestamp: time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
		Value:     value,
	}
}

func newTestConsumer(t *testing.T, store DocumentStore, factory consumerFactory, opts ...Option) *Consumer {
	t.Helper()
	codec, err := alertschema.NewCodec()
	require.NoError(t, err)
	base := []Option{
		WithNoMsgSleep(time.Millisecond),
		WithNoTopicSleep(time.Millisecond),
		WithPollTimeout(time.Millisecond),
		withConsumerFactory(factory),
	}
	c := New(BusConfig{}, []string{"classifications"}, store, codec, append(base, opts...)...)
	c.retryTries = 2
	c.retryDelay = time.Millisecond
	return c
}

func TestPollIngestsAndCommits(t *testing.T) {
	codec, err := alertschema.NewCodec()
	require.NoError(t, err)

	mb := &mockBus{
		serverTopics: []string{"classifications"},
		batches: [][]*kgo.Record{
			{
				record("classifications", 0, encodedMessage(t, codec, 1)),
				record("classifications", 1, encodedMessage(t, codec, 2)),
			},
			{
				record("classifications", 2, encodedMessage(t, codec, 3)),
			},
		},
	}
	store := &fakeStore{}
	c := newTestConsumer(t, store, func(context.Context) (busConsumer, error) { return mb, nil })

	err = c.Poll(context.Background(), false, 30*time.Millisecond, 0)
	require.NoError(t, err)

	require.Len(t, store.docs, 3)
	assert.Equal(t, 3, c.TotHandled())
	assert.Equal(t, 2, mb.commits)
	assert.Equal(t, 1, mb.closed)

	doc := store.docs[0]
	assert.Equal(t, "classifications", doc.Topic)
	assert.Equal(t, int64(0), doc.MsgOffset)
	require.NotNil(t, doc.Timestamp)
	assert.False(t, doc.SaveTime.IsZero())
	assert.Equal(t, int64(1), doc.Msg.AlertID)
	assert.Equal(t, "testbroker", doc.Msg.BrokerName)
}

func TestPollZeroMaxRestartsStopsAfterOneCycle(t *testing.T) {
	mb := &mockBus{serverTopics: []string{"classifications"}}
	store := &fakeStore{}
	c := newTestConsumer(t, store, func(context.Context) (busConsumer, error) { return mb, nil })

	done := make(chan error, 1)
	go func() {
		done <- c.Poll(context.Background(), false, 20*time.Millisecond, 0)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not stop after its first cycle with maxRestarts=0")
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	assert.Equal(t, 1, mb.closed)
}

func TestPollMaxRestartsBoundsCycles(t *testing.T) {
	connects := 0
	factory := func(context.Context) (busConsumer, error) {
		connects++
		return &mockBus{serverTopics: []string{"classifications"}}, nil
	}
	c := newTestConsumer(t, &fakeStore{}, factory)

	err := c.Poll(context.Background(), false, 5*time.Millisecond, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, connects)
}

func TestPollDecodeErrorAborts(t *testing.T) {
	mb := &mockBus{
		serverTopics: []string{"classifications"},
		batches: [][]*kgo.Record{
			{record("classifications", 0, []byte("not avro"))},
		},
	}
	store := &fakeStore{}
	c := newTestConsumer(t, store, func(context.Context) (busConsumer, error) { return mb, nil })

	err := c.Poll(context.Background(), false, 30*time.Millisecond, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, alertschema.ErrDecode)
	assert.Empty(t, store.docs)
	assert.Zero(t, mb.commits)
}

func TestPollResetOnlyOnFirstConnect(t *testing.T) {
	var (
		mu     sync.Mutex
		resets []bool
	)
	factory := func(context.Context) (busConsumer, error) {
		mb := &mockBus{serverTopics: []string{"classifications"}}
		return &resetRecorder{mockBus: mb, resets: &resets, mu: &mu}, nil
	}
	c := newTestConsumer(t, &fakeStore{}, factory)

	// One restart allowed, so exactly two connections are made.
	err := c.Poll(context.Background(), true, 5*time.Millisecond, 1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, resets)
}

type resetRecorder struct {
	*mockBus
	mu     *sync.Mutex
	resets *[]bool
}

func (r *resetRecorder) Subscribe(ctx context.Context, topics []string, reset bool) error {
	r.mu.Lock()
	*r.resets = append(*r.resets, reset)
	r.mu.Unlock()
	return r.mockBus.Subscribe(ctx, topics, reset)
}

func TestPollConnectFailureSurfaces(t *testing.T) {
	factory := func(context.Context) (busConsumer, error) {
		return nil, errors.New("no brokers reachable")
	}
	c := newTestConsumer(t, &fakeStore{}, factory)

	err := c.Poll(context.Background(), false, time.Second, 1)
	assert.ErrorIs(t, err, ErrBusConnect)
}

func TestPollDieWhileWaitingForTopics(t *testing.T) {
	mb := &mockBus{} // nothing on the server yet
	control := bus.NewControlPipe()
	control.Die()
	store := &fakeStore{}
	c := newTestConsumer(t, store,
		func(context.Context) (busConsumer, error) { return mb, nil },
		WithControl(control))

	err := c.Poll(context.Background(), false, time.Second, 0)
	require.NoError(t, err)
	assert.Empty(t, store.docs)
}

func TestPollInsertErrorAborts(t *testing.T) {
	codec, err := alertschema.NewCodec()
	require.NoError(t, err)
	mb := &mockBus{
		serverTopics: []string{"classifications"},
		batches: [][]*kgo.Record{
			{record("classifications", 0, encodedMessage(t, codec, 1))},
		},
	}
	store := &fakeStore{insertErr: errors.New("document store down")}
	c := newTestConsumer(t, store, func(context.Context) (busConsumer, error) { return mb, nil })

	err = c.Poll(context.Background(), false, 30*time.Millisecond, 1)
	require.Error(t, err)
	assert.Zero(t, mb.commits)
}
