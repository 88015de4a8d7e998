package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type Direction string

const (
	Long    Direction = "LONG"
	Short   Direction = "SHORT"
	Neutral Direction = "NEUTRAL"
)

var ErrInvalidDirection = errors.New("invalid direction")

// ParseDirection accepts the LONG/SHORT/NEUTRAL set and the BUY/SELL/HOLD aliases.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, nil
	case "SHORT", "SELL":
		return Short, nil
	case "NEUTRAL", "HOLD":
		return Neutral, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

func (d Direction) Valid() bool {
	return d == Long || d == Short || d == Neutral
}

// Action is the order verb handed to the execution layer.
func (d Direction) Action() string {
	switch d {
	case Long:
		return "BUY"
	case Short:
		return "SELL"
	}
	return "HOLD"
}

func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return Neutral
}

// ClampConfidence bounds a confidence to [0,100]; NaN becomes 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// Reading is one source's opinion for one polling cycle.
type Reading struct {
	Source     string    `json:"source"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Weight     float64   `json:"weight"`
	Price      float64   `json:"price,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Vote struct {
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Weight     float64   `json:"weight"`
}

type Signal struct {
	ID               string          `json:"id,omitempty"`
	Symbol           string          `json:"symbol"`
	Direction        Direction       `json:"direction"`
	Confidence       float64         `json:"confidence"`
	Sources          map[string]Vote `json:"sources"`
	Timestamp        time.Time       `json:"timestamp"`
	EntryPrice       *float64        `json:"entry_price,omitempty"`
	StopPrice        *float64        `json:"stop_price,omitempty"`
	TargetPrice      *float64        `json:"target_price,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	Strategy         string          `json:"strategy,omitempty"`
	Regime           string          `json:"regime,omitempty"`
	VerificationHash string          `json:"verification_hash,omitempty"`
}

func (s Signal) Validate() error {
	if s.Symbol == "" {
		return errors.New("signal: empty symbol")
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("signal %s: %w: %q", s.Symbol, ErrInvalidDirection, s.Direction)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("signal %s: confidence %.2f outside [0,100]", s.Symbol, s.Confidence)
	}
	return nil
}

// SourceNames returns the contributing sources in sorted order.
func (s Signal) SourceNames() []string {
	names := make([]string, 0, len(s.Sources))
	for n := range s.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type hashedSource struct {
	Name string `json:"name"`
	Vote
}

type hashedContent struct {
	Symbol     string         `json:"symbol"`
	Direction  Direction      `json:"direction"`
	Confidence string         `json:"confidence"`
	Entry      *float64       `json:"entry,omitempty"`
	Stop       *float64       `json:"stop,omitempty"`
	Target     *float64       `json:"target,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Sources    []hashedSource `json:"sources"`
}

// ContentHash is a sha256 over the decision content of a signal. ID, hash and
// reasoning text are excluded so the value is stable across re-delivery.
func ContentHash(s Signal) string {
	c := hashedContent{
		Symbol:     s.Symbol,
		Direction:  s.Direction,
		Confidence: fmt.Sprintf("%.4f", s.Confidence),
		Entry:      s.EntryPrice,
		Stop:       s.StopPrice,
		Target:     s.TargetPrice,
		Timestamp:  s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for _, n := range s.SourceNames() {
		c.Sources = append(c.Sources, hashedSource{Name: n, Vote: s.Sources[n]})
	}
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
