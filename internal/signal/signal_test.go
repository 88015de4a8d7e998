package signal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	tests := []struct {
		in   string
		want Direction
	}{
		{"LONG", Long},
		{"buy", Long},
		{" Sell ", Short},
		{"short", Short},
		{"hold", Neutral},
		{"NEUTRAL", Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDirection(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrInvalidDirection)
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-5))
	assert.Equal(t, 100.0, ClampConfidence(140))
	assert.Equal(t, 42.5, ClampConfidence(42.5))
	assert.Equal(t, 0.0, ClampConfidence(math.NaN()))
}

func TestDirectionActionAndOpposite(t *testing.T) {
	assert.Equal(t, "BUY", Long.Action())
	assert.Equal(t, "SELL", Short.Action())
	assert.Equal(t, "HOLD", Neutral.Action())
	assert.Equal(t, Short, Long.Opposite())
	assert.Equal(t, Neutral, Neutral.Opposite())
}

func TestSignalValidate(t *testing.T) {
	s := Signal{Symbol: "SPY", Direction: Long, Confidence: 74}
	assert.NoError(t, s.Validate())

	s.Confidence = 100.5
	assert.Error(t, s.Validate())

	s.Confidence = 70
	s.Direction = "UP"
	assert.ErrorIs(t, s.Validate(), ErrInvalidDirection)
}

func TestContentHashStableAndContentSensitive(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	s := Signal{
		Symbol:     "AAPL",
		Direction:  Long,
		Confidence: 74,
		Timestamp:  ts,
		Sources: map[string]Vote{
			"technical": {Direction: Long, Confidence: 90, Weight: 0.5},
			"sentiment": {Direction: Long, Confidence: 70, Weight: 0.3},
		},
	}
	h1 := ContentHash(s)
	s.ID = "some-id"
	s.Reasoning = "changed"
	assert.Equal(t, h1, ContentHash(s))
	assert.Len(t, h1, 64)

	s.Confidence = 75
	assert.NotEqual(t, h1, ContentHash(s))
}
