package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// produceClient is the subset of kgo.Client the producer uses.
type produceClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Producer buffers records onto a topic. Delivery is at-least-once: callers
// must Flush and check the error before treating anything as sent.
type Producer struct {
	topic  string
	client produceClient
	logger *slog.Logger

	mu       sync.Mutex
	firstErr error
	closed   bool
}

// ProducerOption configures a Producer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	brokers    []string
	topic      string
	user       string
	pass       string
	disableTLS bool
	linger     time.Duration
	batchBytes int32
	logger     *slog.Logger
	client     produceClient
}

// WithProducerBrokers sets the bootstrap broker addresses.
func WithProducerBrokers(brokers []string) ProducerOption {
	return func(c *producerConfig) { c.brokers = brokers }
}

// WithProducerTopic sets the topic produced to.
func WithProducerTopic(topic string) ProducerOption {
	return func(c *producerConfig) { c.topic = topic }
}

// WithProducerSCRAM sets SASL SCRAM-SHA-512 credentials.
func WithProducerSCRAM(user, pass string) ProducerOption {
	return func(c *producerConfig) { c.user = user; c.pass = pass }
}

// WithProducerTLSDisabled disables TLS dialing.
func WithProducerTLSDisabled(disabled bool) ProducerOption {
	return func(c *producerConfig) { c.disableTLS = disabled }
}

// WithProducerLogger sets the logger.
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(c *producerConfig) { c.logger = logger }
}

// withProducerClient injects a mock client for tests.
func withProducerClient(client produceClient) ProducerOption {
	return func(c *producerConfig) { c.client = client }
}

// NewProducer creates a Producer tuned for many small records: a short linger
// so flushes stay cheap, with batching left to the client.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := &producerConfig{
		linger:     50 * time.Millisecond,
		batchBytes: 131072,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.topic == "" {
		return nil, fmt.Errorf("producer topic is required")
	}
	if cfg.client == nil {
		kOpts := []kgo.Opt{
			kgo.SeedBrokers(cfg.brokers...),
			kgo.DefaultProduceTopic(cfg.topic),
			kgo.ProducerLinger(cfg.linger),
			kgo.ProducerBatchMaxBytes(cfg.batchBytes),
			kgo.RequiredAcks(kgo.AllISRAcks()),
		}
		if cfg.user != "" {
			kOpts = append(kOpts, kgo.SASL(scram.Auth{
				User: cfg.user,
				Pass: cfg.pass,
			}.AsSha512Mechanism()))
			if !cfg.disableTLS {
				kOpts = append(kOpts, kgo.DialTLS())
			}
		}
		client, err := kgo.NewClient(kOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: create producer client: %v", ErrBus, err)
		}
		cfg.client = client
	}
	return &Producer{topic: cfg.topic, client: cfg.client, logger: cfg.logger}, nil
}

// Produce buffers one record. Delivery errors show up at the next Flush.
func (p *Producer) Produce(ctx context.Context, value []byte) {
	rec := &kgo.Record{Topic: p.topic, Value: value}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err == nil {
			return
		}
		p.mu.Lock()
		if p.firstErr == nil {
			p.firstErr = err
		}
		p.mu.Unlock()
	})
}

// Flush waits for all buffered records to be acknowledged and returns the
// first delivery error seen since the previous Flush.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrBus, err)
	}
	p.mu.Lock()
	err := p.firstErr
	p.firstErr = nil
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: produce: %v", ErrBus, err)
	}
	return nil
}

// Close is idempotent.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.client.Close()
}
