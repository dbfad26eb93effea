// Package bus wraps the Kafka client with the small consumer and producer
// surface the pipeline needs: explicit subscription with optional offset
// reset, bounded batch polls, and a supervised poll loop.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

var (
	// ErrClientClosed is returned when the Kafka client has been closed.
	ErrClientClosed = errors.New("kafka client closed")
	// ErrBus wraps fetch/connection errors surfaced by the client.
	ErrBus = errors.New("kafka error")
)

// pollClient is the subset of kgo.Client the consumer uses. It allows mocking
// in tests.
type pollClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// admin is the subset of topic administration the consumer uses.
type admin interface {
	ListTopics(ctx context.Context) ([]string, error)
	ResetToStart(ctx context.Context, group string, topics ...string) error
	Close()
}

type kadmAdmin struct {
	client *kadm.Client
	owned  *kgo.Client
}

func (a *kadmAdmin) ListTopics(ctx context.Context) ([]string, error) {
	details, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list topics: %v", ErrBus, err)
	}
	names := details.Names()
	sort.Strings(names)
	return names, nil
}

// ResetToStart commits each partition's low-water mark for the group, so the
// next subscription starts from the beginning of the topics.
func (a *kadmAdmin) ResetToStart(ctx context.Context, group string, topics ...string) error {
	offsets, err := a.client.ListStartOffsets(ctx, topics...)
	if err != nil {
		return fmt.Errorf("%w: list start offsets: %v", ErrBus, err)
	}
	if err := a.client.CommitAllOffsets(ctx, group, offsets.Offsets()); err != nil {
		return fmt.Errorf("%w: commit reset offsets: %v", ErrBus, err)
	}
	return nil
}

func (a *kadmAdmin) Close() {
	if a.owned != nil {
		a.owned.Close()
	}
}

// Consumer is a single-owner subscription over a set of topics. Close is
// idempotent and safe from any exit path.
type Consumer struct {
	brokers    []string
	group      string
	user       string
	pass       string
	disableTLS bool

	batchSize   int
	pollTimeout time.Duration
	nomsgSleep  time.Duration

	logger *slog.Logger
	clock  clockwork.Clock

	mu         sync.Mutex
	client     pollClient
	adm        admin
	topics     []string
	closed     bool
	totHandled int

	// newClient builds the kgo client for the current subscription. Tests
	// swap it to inject mocks.
	newClient func(topics []string) (pollClient, error)
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithBrokers sets the bootstrap broker addresses.
func WithBrokers(brokers []string) ConsumerOption {
	return func(c *Consumer) { c.brokers = brokers }
}

// WithGroup sets the consumer group id. The bus remembers per-group offsets.
func WithGroup(group string) ConsumerOption {
	return func(c *Consumer) { c.group = group }
}

// WithSCRAM sets SASL SCRAM-SHA-512 credentials.
func WithSCRAM(user, pass string) ConsumerOption {
	return func(c *Consumer) { c.user = user; c.pass = pass }
}

// WithTLSDisabled disables TLS dialing.
func WithTLSDisabled(disabled bool) ConsumerOption {
	return func(c *Consumer) { c.disableTLS = disabled }
}

// WithBatchSize sets the max records returned by one PollBatch.
func WithBatchSize(n int) ConsumerOption {
	return func(c *Consumer) { c.batchSize = n }
}

// WithPollTimeout bounds how long a single PollBatch blocks.
func WithPollTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pollTimeout = d }
}

// WithNoMsgSleep sets the sleep between empty polls in the poll loop.
func WithNoMsgSleep(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.nomsgSleep = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithClock sets the clock used for sleeps and timing. Tests use a fake.
func WithClock(clock clockwork.Clock) ConsumerOption {
	return func(c *Consumer) { c.clock = clock }
}

// withClients injects mock clients for tests.
func withClients(pc pollClient, adm admin) ConsumerOption {
	return func(c *Consumer) {
		c.adm = adm
		c.newClient = func([]string) (pollClient, error) { return pc, nil }
	}
}

// NewConsumer creates a Consumer. No subscription exists until Subscribe is
// called.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		batchSize:   100,
		pollTimeout: time.Second,
		nomsgSleep:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.newClient != nil {
		// Mock clients injected.
		return c, nil
	}
	if len(c.brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if c.group == "" {
		return nil, errors.New("consumer group is required")
	}
	c.newClient = func(topics []string) (pollClient, error) {
		kOpts := c.baseOpts()
		kOpts = append(kOpts,
			kgo.ConsumerGroup(c.group),
			kgo.ConsumeTopics(topics...),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		)
		client, err := kgo.NewClient(kOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: create client: %v", ErrBus, err)
		}
		return client, nil
	}

	admClient, err := kgo.NewClient(c.baseOpts()...)
	if err != nil {
		return nil, fmt.Errorf("%w: create admin client: %v", ErrBus, err)
	}
	c.adm = &kadmAdmin{client: kadm.NewClient(admClient), owned: admClient}
	return c, nil
}

func (c *Consumer) baseOpts() []kgo.Opt {
	kOpts := []kgo.Opt{kgo.SeedBrokers(c.brokers...)}
	if c.user != "" {
		kOpts = append(kOpts, kgo.SASL(scram.Auth{
			User: c.user,
			Pass: c.pass,
		}.AsSha512Mechanism()))
	}
	if !c.disableTLS && c.user != "" {
		kOpts = append(kOpts, kgo.DialTLS())
	}
	return kOpts
}

// Subscribe replaces any prior subscription with the subset of topics that
// exist on the bus. With reset, each assigned partition seeks to its
// low-water mark before consumption starts.
func (c *Consumer) Subscribe(ctx context.Context, topics []string, reset bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	serverTopics, err := c.adm.ListTopics(ctx)
	if err != nil {
		return err
	}
	onServer := make(map[string]bool, len(serverTopics))
	for _, t := range serverTopics {
		onServer[t] = true
	}
	sub := make([]string, 0, len(topics))
	for _, t := range topics {
		if !onServer[t] {
			c.logger.Warn("topic not on server, not subscribing", "topic", t)
			continue
		}
		sub = append(sub, t)
	}
	sort.Strings(sub)

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.topics = sub
	if len(sub) == 0 {
		c.logger.Warn("no existing topics given, not subscribing")
		return nil
	}

	if reset {
		if err := c.adm.ResetToStart(ctx, c.group, sub...); err != nil {
			return err
		}
		c.logger.Info("reset subscription to low-water marks", "topics", sub)
	}
	client, err := c.newClient(sub)
	if err != nil {
		return err
	}
	c.client = client
	c.logger.Info("subscribed", "topics", sub)
	return nil
}

// Topics returns the currently subscribed topics.
func (c *Consumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.topics))
	copy(out, c.topics)
	return out
}

// ListTopics returns a sorted snapshot of topic names on the bus.
func (c *Consumer) ListTopics(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	adm := c.adm
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	return adm.ListTopics(ctx)
}

// PollBatch returns up to maxN records, blocking at most timeout. An empty
// batch on timeout is not an error.
func (c *Consumer) PollBatch(ctx context.Context, maxN int, timeout time.Duration) ([]*kgo.Record, error) {
	c.mu.Lock()
	client := c.client
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	if client == nil {
		return nil, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fetches := client.PollRecords(pollCtx, maxN)
	if fetches.IsClientClosed() {
		return nil, ErrClientClosed
	}
	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		if fetchErr == nil {
			fetchErr = fmt.Errorf("%w: fetch %s/%d: %v", ErrBus, topic, partition, err)
		}
	})
	if fetchErr != nil {
		return nil, fetchErr
	}
	records := fetches.Records()
	c.mu.Lock()
	c.totHandled += len(records)
	c.mu.Unlock()
	return records, nil
}

// ConsumeOne polls for a single record, blocking at most timeout. It returns
// nil without error when nothing arrived in time.
func (c *Consumer) ConsumeOne(ctx context.Context, timeout time.Duration) (*kgo.Record, error) {
	records, err := c.PollBatch(ctx, 1, timeout)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Commit durably commits all uncommitted offsets.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrClientClosed
	}
	if err := client.CommitUncommittedOffsets(ctx); err != nil {
		return fmt.Errorf("%w: commit offsets: %v", ErrBus, err)
	}
	return nil
}

// TotHandled is the rolling count of records returned by PollBatch.
func (c *Consumer) TotHandled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totHandled
}

// Close releases the connection. It is idempotent.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	if c.adm != nil {
		c.adm.Close()
	}
}
