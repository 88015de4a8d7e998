package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type fakeGen struct {
	mu    sync.Mutex
	sigs  map[string]*signal.Signal
	fail  map[string]bool
	calls []string
}

func (g *fakeGen) GenerateSignal(ctx context.Context, symbol string) (*signal.Signal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, symbol)
	if g.fail[symbol] {
		return nil, errors.New("boom")
	}
	if s, ok := g.sigs[symbol]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

type recSink struct {
	name  string
	err   error
	delay time.Duration

	mu   sync.Mutex
	got  []*signal.Signal
	errs []error
}

func (s *recSink) Name() string { return s.name }

func (s *recSink) Emit(ctx context.Context, sig *signal.Signal) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			s.mu.Lock()
			s.errs = append(s.errs, ctx.Err())
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sig)
	sig.ID = s.name
	return s.err
}

func (s *recSink) received() []*signal.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*signal.Signal(nil), s.got...)
}

type fakeWeights struct {
	mu       sync.Mutex
	adjusted int
	updates  map[string][]bool
}

func (w *fakeWeights) AdjustWeights() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adjusted++
	return map[string]float64{"a": 0.6, "b": 0.4}
}

func (w *fakeWeights) UpdatePerformance(source string, correct bool, confidence float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.updates == nil {
		w.updates = map[string][]bool{}
	}
	w.updates[source] = append(w.updates[source], correct)
}

type fakeStore struct {
	mu    sync.Mutex
	saved []map[string]float64
}

func (s *fakeStore) Save(ctx context.Context, w map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, w)
	return nil
}

func sig(symbol string) *signal.Signal {
	return &signal.Signal{Symbol: symbol, Direction: signal.Long, Confidence: 70}
}

func TestRunCycleDispatchesToEverySink(t *testing.T) {
	gen := &fakeGen{
		sigs: map[string]*signal.Signal{"AAPL": sig("AAPL"), "MSFT": sig("MSFT")},
		fail: map[string]bool{"TSLA": true},
	}
	good := &recSink{name: "good"}
	bad := &recSink{name: "bad", err: errors.New("down")}
	s := New(Config{Symbols: []string{"aapl", "msft", "tsla", "nvda"}, SinkTimeout: time.Second, MaxConcurrent: 2}, gen, &fakeWeights{}, good, bad)

	emitted := s.RunCycle(context.Background())
	s.Wait()

	assert.Len(t, emitted, 2)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT", "TSLA", "NVDA"}, gen.calls)
	assert.Len(t, good.received(), 2)
	assert.Len(t, bad.received(), 2)
	for _, e := range emitted {
		assert.Empty(t, e.ID, "each sink works on its own copy")
	}
	assert.Equal(t, 1, s.Cycles())
}

func TestSlowSinkDoesNotBlockCycle(t *testing.T) {
	gen := &fakeGen{sigs: map[string]*signal.Signal{"AAPL": sig("AAPL")}}
	slow := &recSink{name: "slow", delay: time.Second}
	s := New(Config{Symbols: []string{"AAPL"}, SinkTimeout: 20 * time.Millisecond, MaxConcurrent: 1}, gen, &fakeWeights{}, slow)

	start := time.Now()
	s.RunCycle(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	s.Wait()
	slow.mu.Lock()
	defer slow.mu.Unlock()
	require.Len(t, slow.errs, 1)
	assert.ErrorIs(t, slow.errs[0], context.DeadlineExceeded)
}

func TestReweightEveryNCycles(t *testing.T) {
	w := &fakeWeights{}
	store := &fakeStore{}
	s := New(Config{Symbols: []string{"AAPL"}, ReweightEvery: 2, SinkTimeout: time.Second, MaxConcurrent: 1}, &fakeGen{}, w)
	s.SetStore(store)

	for i := 0; i < 5; i++ {
		s.RunCycle(context.Background())
	}
	assert.Equal(t, 2, w.adjusted)
	require.Len(t, store.saved, 2)
	assert.Equal(t, 0.6, store.saved[0]["a"])
}

func TestRecordOutcome(t *testing.T) {
	w := &fakeWeights{}
	s := New(Config{}, &fakeGen{}, w)
	sg := signal.Signal{
		Symbol:    "AAPL",
		Direction: signal.Long,
		Sources: map[string]signal.Vote{
			"bull": {Direction: signal.Long, Confidence: 80},
			"bear": {Direction: signal.Short, Confidence: 60},
			"flat": {Direction: signal.Neutral, Confidence: 50},
		},
	}

	assert.Equal(t, 3, s.RecordOutcome(sg, true))
	assert.Equal(t, 3, s.RecordOutcome(sg, false))

	assert.Equal(t, []bool{true, false}, w.updates["bull"])
	assert.Equal(t, []bool{false, true}, w.updates["bear"])
	assert.Equal(t, []bool{false, false}, w.updates["flat"])
}

func TestRunStopsOnCancel(t *testing.T) {
	gen := &fakeGen{sigs: map[string]*signal.Signal{"AAPL": sig("AAPL")}}
	sink := &recSink{name: "sink"}
	s := New(Config{Symbols: []string{"AAPL"}, PollInterval: 10 * time.Millisecond, SinkTimeout: time.Second, MaxConcurrent: 1}, gen, &fakeWeights{}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, s.Cycles(), 2)
	assert.GreaterOrEqual(t, len(sink.received()), 2)
}
