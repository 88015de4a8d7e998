package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type Config struct {
	Enabled      bool          `yaml:"enabled" default:"true"`
	Path         string        `yaml:"path" default:"data/outbox.jsonl" validate:"required_if=Enabled true"`
	DedupeWindow time.Duration `yaml:"dedupe_window" default:"5m" validate:"gte=0"`
}

// Payload is what the execution layer consumes. The engine never talks to a
// broker itself.
type Payload struct {
	SignalID   string    `json:"signal_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Entry      *float64  `json:"entry,omitempty"`
	Target     *float64  `json:"target,omitempty"`
	Stop       *float64  `json:"stop,omitempty"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewPayload(sig signal.Signal) Payload {
	return Payload{
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Action:     sig.Direction.Action(),
		Entry:      sig.EntryPrice,
		Target:     sig.TargetPrice,
		Stop:       sig.StopPrice,
		Confidence: sig.Confidence,
		Reasoning:  sig.Reasoning,
		Strategy:   sig.Strategy,
		Timestamp:  sig.Timestamp,
	}
}

type Order struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	Payload
}

type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox is an append-only JSONL file of orders for the execution layer.
// Orders whose idempotency key was written within the dedupe window are
// dropped.
type Outbox struct {
	path         string
	dedupeWindow time.Duration
	now          func() time.Time

	mu sync.Mutex
}

func New(cfg Config) (*Outbox, error) {
	if cfg.Path == "" {
		return nil, errors.New("outbox: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	return &Outbox{
		path:         cfg.Path,
		dedupeWindow: cfg.DedupeWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (o *Outbox) Name() string { return "outbox" }

func (o *Outbox) Path() string { return o.path }

// Emit writes sig as a pending order unless an order with the same
// idempotency key is already recent.
func (o *Outbox) Emit(ctx context.Context, sig *signal.Signal) error {
	if sig == nil {
		return nil
	}
	p := NewPayload(*sig)
	ord := Order{
		ID:             OrderID(sig.Symbol, sig.Timestamp),
		IdempotencyKey: IdempotencyKey(sig.Symbol, p.Action, sig.Timestamp, sig.Confidence),
		Status:         "pending",
		Payload:        p,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	dup, err := o.hasRecent(ord.IdempotencyKey)
	if err != nil {
		return err
	}
	if dup {
		log.Debug().Str("symbol", sig.Symbol).Str("key", ord.IdempotencyKey).Msg("outbox duplicate dropped")
		return nil
	}
	return o.append("order", ord)
}

func (o *Outbox) append(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Data: data, Event: o.now()})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (o *Outbox) hasRecent(key string) (bool, error) {
	cutoff := o.now().Add(-o.dedupeWindow)
	found := false
	err := o.scan(func(e Entry, ord Order) bool {
		if !e.Event.Before(cutoff) && ord.IdempotencyKey == key {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// Orders returns every order in the file, oldest first.
func (o *Outbox) Orders() ([]Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Order
	err := o.scan(func(_ Entry, ord Order) bool {
		out = append(out, ord)
		return true
	})
	return out, err
}

// scan visits order entries until fn returns false. Malformed lines are
// skipped.
func (o *Outbox) scan(fn func(Entry, Order) bool) error {
	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Type != "order" {
			continue
		}
		var ord Order
		if err := json.Unmarshal(e.Data, &ord); err != nil {
			continue
		}
		if !fn(e, ord) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	return nil
}
