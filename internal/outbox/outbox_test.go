package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

func testSignal() *signal.Signal {
	entry, stop, target := 100.0, 98.0, 104.0
	return &signal.Signal{
		ID:          "sig-1",
		Symbol:      "AAPL",
		Direction:   signal.Long,
		Confidence:  74,
		Timestamp:   time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC),
		EntryPrice:  &entry,
		StopPrice:   &stop,
		TargetPrice: &target,
		Reasoning:   `{"confidence":74}`,
		Strategy:    "consensus",
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	a := IdempotencyKey("AAPL", "BUY", ts, 74)
	assert.Equal(t, a, IdempotencyKey("AAPL", "BUY", ts.Add(300*time.Millisecond), 74), "same second")
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, IdempotencyKey("AAPL", "SELL", ts, 74))
	assert.NotEqual(t, a, IdempotencyKey("AAPL", "BUY", ts, 74.5))
}

func TestOutboxDedupesWithinWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "outbox.jsonl")
	o, err := New(Config{Path: path, DedupeWindow: 5 * time.Minute})
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, o.Emit(ctx, testSignal()))
	require.NoError(t, o.Emit(ctx, testSignal()))

	orders, err := o.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	ord := orders[0]
	assert.Equal(t, "BUY", ord.Action)
	assert.Equal(t, "pending", ord.Status)
	assert.Equal(t, "sig-1", ord.SignalID)
	require.NotNil(t, ord.Stop)
	assert.Equal(t, 98.0, *ord.Stop)

	// outside the window the same decision is written again
	now = now.Add(6 * time.Minute)
	require.NoError(t, o.Emit(ctx, testSignal()))
	orders, err = o.Orders()
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestOutboxSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"type\":\"fill\",\"data\":{}}\n"), 0o644))
	o, err := New(Config{Path: path, DedupeWindow: time.Minute})
	require.NoError(t, err)

	ok, err := o.hasRecent("anything")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, o.Emit(context.Background(), testSignal()))
	orders, err := o.Orders()
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestOutboxMissingFile(t *testing.T) {
	o, err := New(Config{Path: filepath.Join(t.TempDir(), "none.jsonl")})
	require.NoError(t, err)
	orders, err := o.Orders()
	require.NoError(t, err)
	assert.Empty(t, orders)
	_, err = New(Config{})
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "signals")
	sig := testSignal()

	require.NoError(t, p.Emit(context.Background(), sig))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "AAPL", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, IdempotencyKey("AAPL", "BUY", sig.Timestamp, 74), string(msg.Headers[0].Value))

	var got Payload
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "BUY", got.Action)
	assert.Equal(t, 74.0, got.Confidence)
	assert.Equal(t, "consensus", got.Strategy)
	assert.Equal(t, 104.0, *got.Target)

	w.err = errors.New("broker down")
	err := p.Emit(context.Background(), sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signals")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisherNeedsBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "x"})
	assert.Error(t, err)
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "x", Compression: "none", MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, "kafka", p.Name())
	assert.NoError(t, p.Close())
}
