package brokerconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fastdb-project/fastdb/internal/alertschema"
	"github.com/fastdb-project/fastdb/internal/bus"
)

var ErrBusConnect = errors.New("bus connect failed")

const (
	connectRetries    = 5
	connectRetryDelay = 5 * time.Second

	defaultBatchSize    = 100
	defaultPollTimeout  = 5 * time.Second
	defaultNoMsgSleep   = time.Second
	defaultNoTopicSleep = 10 * time.Second
)

// busConsumer is the slice of bus.Consumer the broker consumer drives. It
// doubles as the injection point for tests.
type busConsumer interface {
	Subscribe(ctx context.Context, topics []string, reset bool) error
	Topics() []string
	PollBatch(ctx context.Context, maxN int, timeout time.Duration) ([]*kgo.Record, error)
	Commit(ctx context.Context) error
	Close()
}

type consumerFactory func(ctx context.Context) (busConsumer, error)

type Consumer struct {
	topics       []string
	store        DocumentStore
	codec        *alertschema.Codec
	newConsumer  consumerFactory
	batchSize    int
	pollTimeout  time.Duration
	noMsgSleep   time.Duration
	noTopicSleep time.Duration
	control      *bus.ControlPipe
	log          *slog.Logger
	countLog     *slog.Logger
	clock        clockwork.Clock
	metrics      *Metrics
	retryTries   uint
	retryDelay   time.Duration

	totHandled int
}

type Option func(*Consumer)

func WithBatchSize(n int) Option { return func(c *Consumer) { c.batchSize = n } }

func WithPollTimeout(d time.Duration) Option { return func(c *Consumer) { c.pollTimeout = d } }

func WithNoMsgSleep(d time.Duration) Option { return func(c *Consumer) { c.noMsgSleep = d } }

func WithNoTopicSleep(d time.Duration) Option { return func(c *Consumer) { c.noTopicSleep = d } }

func WithControl(p *bus.ControlPipe) Option { return func(c *Consumer) { c.control = p } }

func WithLogger(l *slog.Logger) Option { return func(c *Consumer) { c.log = l } }

func WithCountLogger(l *slog.Logger) Option { return func(c *Consumer) { c.countLog = l } }

func WithClock(clock clockwork.Clock) Option { return func(c *Consumer) { c.clock = clock } }

func WithMetrics(m *Metrics) Option { return func(c *Consumer) { c.metrics = m } }
func withConsumerFactory(f consumerFactory) Option {
	return func(c *Consumer) { c.newConsumer = f }
}

// BusConfig names the bus the consumer connects to.
type BusConfig struct {
	Brokers     []string
	Group       string
	Username    string
	Password    string
	TLSDisabled bool
}

func New(cfg BusConfig, topics []string, store DocumentStore, codec *alertschema.Codec, opts ...Option) *Consumer {
	c := &Consumer{
		topics:       topics,
		store:        store,
		codec:        codec,
		batchSize:    defaultBatchSize,
		pollTimeout:  defaultPollTimeout,
		noMsgSleep:   defaultNoMsgSleep,
		noTopicSleep: defaultNoTopicSleep,
		log:          slog.Default(),
		clock:        clockwork.NewRealClock(),
		retryTries:   connectRetries,
		retryDelay:   connectRetryDelay,
	}
	c.newConsumer = func(ctx context.Context) (busConsumer, error) {
		return bus.NewConsumer(
			bus.WithBrokers(cfg.Brokers),
			bus.WithGroup(cfg.Group),
			bus.WithSCRAM(cfg.Username, cfg.Password),
			bus.WithTLSDisabled(cfg.TLSDisabled),
			bus.WithBatchSize(c.batchSize),
			bus.WithPollTimeout(c.pollTimeout),
			bus.WithLogger(c.log),
			bus.WithClock(c.clock),
		)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.countLog == nil {
		c.countLog = c.log
	}
	return c
}

func (c *Consumer) TotHandled() int { return c.totHandled }

// connect dials the bus, retrying a fixed number of times before giving up.
func (c *Consumer) connect(ctx context.Context) (busConsumer, error) {
	attempt := 0
	consumer, err := backoff.Retry(ctx, func() (busConsumer, error) {
		attempt++
		bc, err := c.newConsumer(ctx)
		if err != nil {
			c.log.Warn("bus connect failed", "attempt", attempt, "error", err)
			return nil, err
		}
		return bc, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(c.retryTries))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusConnect, err)
	}
	return consumer, nil
}

// Poll runs the ingest loop: connect, subscribe, consume for restartTime,
// reconnect. reset rewinds the group to the start offsets, honored only on
// the very first connection. maxRestarts bounds the reconnect cycles, so 0
// stops after the first poll cycle; a negative value means run until the
// control pipe says die or the context ends.
func (c *Consumer) Poll(ctx context.Context, reset bool, restartTime time.Duration, maxRestarts int) error {
	firstConnect := true
	restarts := 0
	for {
		consumer, err := c.connect(ctx)
		if err != nil {
			return err
		}
		if err := consumer.Subscribe(ctx, c.topics, reset && firstConnect); err != nil {
			consumer.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
		firstConnect = false

		if len(consumer.Topics()) == 0 {
			consumer.Close()
			c.log.Info("topics not yet on bus, waiting", "topics", c.topics, "sleep", c.noTopicSleep)
			if c.control != nil && c.control.DieRequested() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(c.noTopicSleep):
			}
			continue
		}

		natural, err := bus.PollLoop(ctx, consumer, bus.PollLoopOptions{
			Handler: func(ctx context.Context, recs []*kgo.Record) error {
				return c.handleBatch(ctx, consumer, recs)
			},
			BatchSize:  c.batchSize,
			Timeout:    c.pollTimeout,
			NoMsgSleep: c.noMsgSleep,
			StopAfter:  restartTime,
			Control:    c.control,
			Logger:     c.log,
			Clock:      c.clock,
		})
		consumer.Close()
		if err != nil {
			return err
		}
		if !natural {
			c.log.Info("die received, stopping", "totHandled", c.totHandled)
			return nil
		}

		if maxRestarts >= 0 && restarts >= maxRestarts {
			c.log.Info("restart limit reached, stopping",
				"restarts", restarts, "totHandled", c.totHandled)
			return nil
		}
		restarts++
		c.log.Info("restarting bus connection", "restarts", restarts, "totHandled", c.totHandled)
	}
}

// handleBatch decodes one polled batch, lands it in the document store, and
// commits the offsets. A decode failure aborts the batch before anything is
// written, so the records are redelivered after the next connect.
func (c *Consumer) handleBatch(ctx context.Context, consumer busConsumer, recs []*kgo.Record) error {
	if len(recs) == 0 {
		return nil
	}
	saveTime := c.clock.Now().UTC()
	docs := make([]alertschema.BrokerMessageDoc, 0, len(recs))
	for _, rec := range recs {
		msg, err := c.codec.DecodeBrokerMessage(rec.Value)
		if err != nil {
			return fmt.Errorf("decode message at %s/%d/%d: %w",
				rec.Topic, rec.Partition, rec.Offset, err)
		}
		doc := alertschema.BrokerMessageDoc{
			Topic:     rec.Topic,
			MsgOffset: rec.Offset,
			SaveTime:  saveTime,
			Msg:       *msg,
		}
		if !rec.Timestamp.IsZero() {
			ts := rec.Timestamp.UTC()
			doc.Timestamp = &ts
		}
		docs = append(docs, doc)
	}

	start := c.clock.Now()
	n, err := c.store.InsertBrokerMessages(ctx, docs)
	if err != nil {
		return err
	}
	if err := consumer.Commit(ctx); err != nil {
		return err
	}
	c.totHandled += n
	if c.metrics != nil {
		c.metrics.MessagesInserted.Add(float64(n))
		c.metrics.InsertSeconds.Observe(c.clock.Since(start).Seconds())
	}
	c.countLog.Info("batch stored", "batch", n, "tot", c.totHandled)
	return nil
}
