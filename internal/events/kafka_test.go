package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/stratagem/internal/types"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	fail     bool
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func TestEncodeMessage(t *testing.T) {
	ts := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	event := Event{
		Type:       EventInstanceTransitioned,
		Timestamp:  ts,
		Offset:     41,
		KeySeq:     7,
		InstanceID: types.NewID(),
		StrategyID: "btc-momentum",
		Payload:    TransitionPayload{Seq: 2, From: "validated", Event: "deploy_requested", To: "deploying"},
	}

	msg, err := EncodeMessage(event)
	require.NoError(t, err)

	assert.Equal(t, "btc-momentum", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"event_type": string(EventInstanceTransitioned),
		"offset":     "41",
		"key_seq":    "7",
	}, headers)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "instance.transitioned", decoded["type"])
	assert.Equal(t, "btc-momentum", decoded["strategy_id"])
	assert.Equal(t, float64(41), decoded["offset"])
	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "deploying", payload["to"])
}

func TestEvent_KeyFallsBackToWorker(t *testing.T) {
	assert.Equal(t, "worker-7", Event{Type: EventWorkerStale, WorkerID: "worker-7"}.Key())
	assert.Equal(t, "eth", Event{StrategyID: "eth", WorkerID: "worker-7"}.Key())
}

func TestEncodeMessage_UnencodablePayload(t *testing.T) {
	_, err := EncodeMessage(Event{Type: EventOutcomeRecorded, Payload: make(chan int)})
	assert.Error(t, err)
}

func TestKafkaSink_ForwardsMatchingEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	writer := &fakeWriter{}
	sink := NewKafkaSink(bus, writer, Filter{
		Types: []EventType{EventInstanceTransitioned, EventOutcomeRecorded},
	}, nil)
	require.NoError(t, sink.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Event{Type: EventInstanceTransitioned, StrategyID: "btc", Timestamp: time.Now()}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventWorkerRegistered, WorkerID: "w1", Timestamp: time.Now()}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventOutcomeRecorded, StrategyID: "btc", Timestamp: time.Now()}))

	assert.Eventually(t, func() bool { return writer.count() == 2 }, time.Second, 10*time.Millisecond)
	writer.mu.Lock()
	assert.Equal(t, "btc", string(writer.messages[0].Key))
	assert.Equal(t, string(EventInstanceTransitioned), string(writer.messages[0].Headers[0].Value))
	assert.Equal(t, "3", string(writer.messages[1].Headers[1].Value), "offsets count every published event")
	assert.Equal(t, "2", string(writer.messages[1].Headers[2].Value), "second event for btc")
	writer.mu.Unlock()

	require.NoError(t, sink.Stop())
	assert.True(t, writer.closed)

	written, failed := sink.Counts()
	assert.Equal(t, int64(2), written)
	assert.Equal(t, int64(0), failed)
}

func TestKafkaSink_CountsFailures(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	writer := &fakeWriter{fail: true}
	sink := NewKafkaSink(bus, writer, Filter{}, nil)
	require.NoError(t, sink.Start(context.Background()))

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventWorkerStale, WorkerID: "w1"}))

	assert.Eventually(t, func() bool {
		_, failed := sink.Counts()
		return failed == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, sink.Stop())
}

func TestKafkaSink_StartOnClosedBus(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	sink := NewKafkaSink(bus, &fakeWriter{}, Filter{}, nil)
	err := sink.Start(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, sink.Stop())
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "stratagem.events",
		BatchSize:    50,
		BatchTimeout: 20 * time.Millisecond,
	})
	defer w.Close()

	assert.Equal(t, "stratagem.events", w.Topic)
	assert.Equal(t, 50, w.BatchSize)
	assert.Equal(t, 20*time.Millisecond, w.BatchTimeout)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}

func TestFilter_StrategyID(t *testing.T) {
	f := Filter{StrategyID: "btc"}
	assert.True(t, f.Matches(Event{StrategyID: "btc"}))
	assert.False(t, f.Matches(Event{StrategyID: "eth"}))
}
