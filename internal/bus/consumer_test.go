package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type mockPollClient struct {
	fetches   kgo.Fetches
	closed    int
	committed int
}

func (m *mockPollClient) PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches {
	return m.fetches
}

func (m *mockPollClient) CommitUncommittedOffsets(ctx context.Context) error {
	m.committed++
	return nil
}

func (m *mockPollClient) Close() { m.closed++ }

type mockAdmin struct {
	topics []string
	resets [][]string
	closed int
}

func (m *mockAdmin) ListTopics(ctx context.Context) ([]string, error) {
	return m.topics, nil
}

func (m *mockAdmin) ResetToStart(ctx context.Context, group string, topics ...string) error {
	m.resets = append(m.resets, topics)
	return nil
}

func (m *mockAdmin) Close() { m.closed++ }

func fetchesWith(topic string, values ...string) kgo.Fetches {
	records := make([]*kgo.Record, len(values))
	for i, v := range values {
		records[i] = &kgo.Record{Topic: topic, Value: []byte(v), Offset: int64(i)}
	}
	return kgo.Fetches{
		{
			Topics: []kgo.FetchTopic{
				{
					Topic:      topic,
					Partitions: []kgo.FetchPartition{{Records: records}},
				},
			},
		},
	}
}

func newTestConsumer(t *testing.T, pc pollClient, adm admin) *Consumer {
	t.Helper()
	c, err := NewConsumer(
		WithGroup("test-group"),
		withClients(pc, adm),
	)
	require.NoError(t, err)
	return c
}

func TestConsumerSubscribeFiltersMissingTopics(t *testing.T) {
	pc := &mockPollClient{}
	adm := &mockAdmin{topics: []string{"alerts", "classifications"}}
	c := newTestConsumer(t, pc, adm)

	err := c.Subscribe(context.Background(), []string{"classifications", "no-such-topic"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"classifications"}, c.Topics())
	assert.Empty(t, adm.resets)
}

func TestConsumerSubscribeResetCommitsStartOffsets(t *testing.T) {
	pc := &mockPollClient{}
	adm := &mockAdmin{topics: []string{"alerts"}}
	c := newTestConsumer(t, pc, adm)

	require.NoError(t, c.Subscribe(context.Background(), []string{"alerts"}, true))
	require.Len(t, adm.resets, 1)
	assert.Equal(t, []string{"alerts"}, adm.resets[0])
}

func TestConsumerSubscribeReplacesPrior(t *testing.T) {
	pc := &mockPollClient{}
	adm := &mockAdmin{topics: []string{"a", "b"}}
	c := newTestConsumer(t, pc, adm)

	require.NoError(t, c.Subscribe(context.Background(), []string{"a"}, false))
	require.NoError(t, c.Subscribe(context.Background(), []string{"b"}, false))
	assert.Equal(t, []string{"b"}, c.Topics())
	// The first subscription's client was closed when it was replaced.
	assert.Equal(t, 1, pc.closed)
}

func TestConsumerPollBatch(t *testing.T) {
	pc := &mockPollClient{fetches: fetchesWith("alerts", "one", "two", "three")}
	adm := &mockAdmin{topics: []string{"alerts"}}
	c := newTestConsumer(t, pc, adm)
	require.NoError(t, c.Subscribe(context.Background(), []string{"alerts"}, false))

	records, err := c.PollBatch(context.Background(), 100, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []byte("one"), records[0].Value)
	assert.Equal(t, 3, c.TotHandled())
}

func TestConsumerPollBatchWithoutSubscription(t *testing.T) {
	pc := &mockPollClient{}
	adm := &mockAdmin{}
	c := newTestConsumer(t, pc, adm)

	records, err := c.PollBatch(context.Background(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestConsumerConsumeOne(t *testing.T) {
	pc := &mockPollClient{fetches: fetchesWith("alerts", "one", "two")}
	adm := &mockAdmin{topics: []string{"alerts"}}
	c := newTestConsumer(t, pc, adm)
	require.NoError(t, c.Subscribe(context.Background(), []string{"alerts"}, false))

	rec, err := c.ConsumeOne(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("one"), rec.Value)

	pc.fetches = nil
	rec, err = c.ConsumeOne(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestConsumerCommit(t *testing.T) {
	pc := &mockPollClient{}
	adm := &mockAdmin{topics: []string{"alerts"}}
	c := newTestConsumer(t, pc, adm)
	require.NoError(t, c.Subscribe(context.Background(), []string{"alerts"}, false))

	require.NoError(t, c.Commit(context.Background()))
	assert.Equal(t, 1, pc.committed)
}

func TestConsumerCloseIdempotent(t *testing.T) {
	pc := &mockPollClient{}
	adm := &mockAdmin{topics: []string{"alerts"}}
	c := newTestConsumer(t, pc, adm)
	require.NoError(t, c.Subscribe(context.Background(), []string{"alerts"}, false))

	c.Close()
	c.Close()
	assert.Equal(t, 1, pc.closed)
	assert.Equal(t, 1, adm.closed)

	_, err := c.PollBatch(context.Background(), 10, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestProducerFlushReturnsFirstDeliveryError(t *testing.T) {
	client := &mockProduceClient{failEvery: 2}
	p, err := NewProducer(
		WithProducerTopic("alerts"),
		withProducerClient(client),
	)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		p.Produce(context.Background(), []byte{byte(i)})
	}
	err = p.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBus)

	// The error was consumed; a clean flush follows.
	client.failEvery = 0
	p.Produce(context.Background(), []byte("ok"))
	assert.NoError(t, p.Flush(context.Background()))
}

type mockProduceClient struct {
	produced  int
	failEvery int
	flushed   int
}

func (m *mockProduceClient) Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	m.produced++
	if m.failEvery > 0 && m.produced%m.failEvery == 0 {
		promise(r, assert.AnError)
		return
	}
	promise(r, nil)
}

func (m *mockProduceClient) Flush(ctx context.Context) error {
	m.flushed++
	return nil
}

func (m *mockProduceClient) Close() {}
