package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter writes messages to a Kafka topic. *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// NewKafkaWriter builds a writer for cfg. Events are keyed by strategy, so the
// hash balancer keeps the events of one strategy in order on one partition.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	if cfg.BatchSize > 0 {
		w.BatchSize = cfg.BatchSize
	}
	if cfg.BatchTimeout > 0 {
		w.BatchTimeout = cfg.BatchTimeout
	}
	return w
}

// KafkaSink forwards bus events to Kafka for external collaborators such as
// health scoring and outcome attribution.
type KafkaSink struct {
	bus    *Bus
	writer MessageWriter
	filter Filter
	logger *slog.Logger

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
	written int64
	failed  int64
}

// NewKafkaSink creates a sink that forwards events matching filter.
func NewKafkaSink(bus *Bus, writer MessageWriter, filter Filter, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		bus:    bus,
		writer: writer,
		filter: filter,
		logger: logger.With("component", "kafka-sink"),
	}
}

// Start subscribes to the bus and forwards events until ctx is cancelled, Stop
// is called or the bus closes.
func (s *KafkaSink) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe("kafka", s.filter)
	if err != nil {
		return fmt.Errorf("failed to subscribe kafka sink: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := s.write(ctx, event); err != nil {
					s.logger.Warn("failed to export event",
						"type", event.Type,
						"offset", event.Offset,
						"error", err,
					)
				}
			}
		}
	}()
	return nil
}

func (s *KafkaSink) write(ctx context.Context, event Event) error {
	msg, err := EncodeMessage(event)
	if err != nil {
		s.record(false)
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.record(false)
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.record(true)
	return nil
}

func (s *KafkaSink) record(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.written++
	} else {
		s.failed++
	}
}

// Counts returns the number of events written and failed so far.
func (s *KafkaSink) Counts() (written, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.failed
}

// Stop stops forwarding and closes the writer.
func (s *KafkaSink) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.writer.Close()
}

// EncodeMessage encodes an event as a Kafka message. The value is the JSON
// event, the key is Event.Key, and the headers carry the type, bus offset and
// key sequence so consumers can order and dedupe without decoding the value.
func EncodeMessage(event Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
	}
	return kafka.Message{
		Key:   []byte(event.Key()),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "offset", Value: []byte(strconv.FormatUint(event.Offset, 10))},
			{Key: "key_seq", Value: []byte(strconv.FormatUint(event.KeySeq, 10))},
		},
	}, nil
}
