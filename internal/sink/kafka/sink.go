// Package kafka publishes replay events to a Kafka topic as JSON.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/ridereplay/internal/event"
	"firestige.xyz/ridereplay/internal/metrics"
	"firestige.xyz/ridereplay/internal/sink"
)

// Name is the registry name of the kafka sink.
const Name = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	defaultWriteTimeout = 10 * time.Second
	defaultPartitions   = 4
	defaultQueueSize    = event.DefaultQueueSize
)

func init() {
	sink.Register(Name, func(sink.Env) sink.Sink { return New() })
}

// Options configures the kafka sink.
type Options struct {
	Brokers      []string          `mapstructure:"brokers"`       // required
	Topic        string            `mapstructure:"topic"`         // required
	BatchSize    int               `mapstructure:"batch_size"`    // default 100
	BatchTimeout time.Duration     `mapstructure:"batch_timeout"` // default 100ms
	Compression  string            `mapstructure:"compression"`   // none|gzip|snappy|lz4|zstd, default snappy
	MaxAttempts  int               `mapstructure:"max_attempts"`  // default 3
	WriteTimeout time.Duration     `mapstructure:"write_timeout"` // default 10s
	Partitions   int               `mapstructure:"partitions"`    // Local encode workers, default 4
	QueueSize    int               `mapstructure:"queue_size"`    // Per worker, default 256
	Categories   []string          `mapstructure:"categories"`    // Empty = all
	Headers      map[string]string `mapstructure:"headers"`       // Added to every message
}

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink encodes events off the engine goroutine and writes them keyed by
// category, so each category keeps its order within a Kafka partition.
type Sink struct {
	opts        Options
	categories  []event.Category
	compression kafka.Compression
	writer      messageWriter

	mu      sync.Mutex
	ctx     context.Context
	bus     *event.Bus
	subs    []event.Subscription
	workers *event.Partitioned

	written  atomic.Uint64
	failures atomic.Uint64
}

// New returns an uninitialized kafka sink.
func New() *Sink { return &Sink{} }

func (s *Sink) Name() string { return Name }

// Init decodes and validates options.
func (s *Sink) Init(options map[string]any) error {
	if options == nil {
		return errors.New("kafka sink requires configuration")
	}
	opts := Options{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
		WriteTimeout: defaultWriteTimeout,
		Partitions:   defaultPartitions,
		QueueSize:    defaultQueueSize,
	}
	if err := sink.DecodeOptions(options, &opts); err != nil {
		return err
	}
	if len(opts.Brokers) == 0 {
		return errors.New("brokers is required")
	}
	if opts.Topic == "" {
		return errors.New("topic is required")
	}
	if opts.BatchSize <= 0 || opts.Partitions <= 0 || opts.QueueSize <= 0 {
		return errors.New("batch_size, partitions and queue_size must be positive")
	}

	codec, err := parseCompression(opts.Compression)
	if err != nil {
		return err
	}
	cats, err := sink.ParseCategories(opts.Categories)
	if err != nil {
		return err
	}
	s.opts, s.categories, s.compression = opts, cats, codec
	return nil
}

func parseCompression(name string) (kafka.Compression, error) {
	switch name {
	case "none", "":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("invalid compression type: %s", name)
	}
}

// Start creates the writer and subscribes to the configured categories.
func (s *Sink) Start(ctx context.Context, bus *event.Bus) error {
	if s.categories == nil {
		return errors.New("kafka sink used before Init")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		s.writer = &kafka.Writer{
			Addr:         kafka.TCP(s.opts.Brokers...),
			Topic:        s.opts.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    s.opts.BatchSize,
			BatchTimeout: s.opts.BatchTimeout,
			MaxAttempts:  s.opts.MaxAttempts,
			WriteTimeout: s.opts.WriteTimeout,
			Compression:  s.compression,
			Async:        true,
			Completion:   s.completed,
		}
	}

	s.ctx, s.bus = ctx, bus
	s.workers = event.NewPartitioned(s.opts.Partitions, s.opts.QueueSize)
	handler := event.HandoffKeyed(s.workers, key, s.write)
	for _, c := range s.categories {
		s.subs = append(s.subs, bus.Subscribe(c, handler))
	}

	slog.Info("kafka sink started",
		"brokers", s.opts.Brokers,
		"topic", s.opts.Topic,
		"batch_size", s.opts.BatchSize,
		"batch_timeout", s.opts.BatchTimeout,
		"compression", s.opts.Compression,
	)
	return nil
}

// Stop unsubscribes, drains the workers and closes the writer, which
// flushes pending batches.
func (s *Sink) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	s.subs = nil
	if s.workers != nil {
		s.workers.Close()
		s.workers = nil
	}

	var err error
	if s.writer != nil {
		if err = s.writer.Close(); err != nil {
			slog.Error("error closing kafka writer", "error", err)
		}
		s.writer = nil
	}

	slog.Info("kafka sink stopped",
		"total_written", s.written.Load(),
		"total_errors", s.failures.Load(),
	)
	return err
}

// Written returns the number of messages handed to the writer successfully.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Errors returns the number of failed encodes or writes.
func (s *Sink) Errors() uint64 { return s.failures.Load() }

func key(e event.Event) string { return e.Category().String() }

func (s *Sink) write(e event.Event) {
	msg, err := s.message(e)
	if err != nil {
		s.fail(err)
		return
	}
	if err := s.writer.WriteMessages(s.ctx, msg); err != nil {
		s.fail(fmt.Errorf("kafka write failed: %w", err))
		return
	}
	s.written.Add(1)
}

func (s *Sink) message(e event.Event) (kafka.Message, error) {
	rec := sink.NewRecord(e)
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize event failed: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.Category),
		Value: value,
		Time:  rec.Timestamp,
	}
	for k, v := range s.opts.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if data, ok := rec.Data.(sink.ReportData); ok {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "kind", Value: []byte(data.Kind)})
	}
	return msg, nil
}

// completed is called by an async writer once a batch is acknowledged.
func (s *Sink) completed(msgs []kafka.Message, err error) {
	metrics.SinkBatchSize.WithLabelValues(Name).Observe(float64(len(msgs)))
	if err != nil {
		s.fail(fmt.Errorf("kafka batch of %d failed: %w", len(msgs), err))
	}
}

func (s *Sink) fail(err error) {
	s.failures.Add(1)
	metrics.SinkErrorsTotal.WithLabelValues(Name).Inc()
	slog.Warn("kafka sink error", "error", err)
}
