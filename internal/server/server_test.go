package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
	"github.com/Rajchodisetti/consensus-engine/internal/circuit"
	"github.com/Rajchodisetti/consensus-engine/internal/config"
	"github.com/Rajchodisetti/consensus-engine/internal/decision"
	"github.com/Rajchodisetti/consensus-engine/internal/ratelimit"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
	"github.com/Rajchodisetti/consensus-engine/internal/tracker"
	"github.com/Rajchodisetti/consensus-engine/internal/weights"
)

type fakeEngine struct {
	sig *signal.Signal
	err error
}

func (f *fakeEngine) GenerateSignal(ctx context.Context, symbol string) (*signal.Signal, error) {
	return f.sig, f.err
}

func (f *fakeEngine) Evaluate(ctx context.Context, symbol string) (*decision.Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &decision.Outcome{
		Direction:  signal.Long,
		Confidence: 42,
		Reason:     decision.Reason{GatesBlocked: []string{decision.GateBelowThreshold}},
	}, nil
}

type fakeOutcomes struct {
	got        []signal.Signal
	profitable []bool
}

func (f *fakeOutcomes) RecordOutcome(sig signal.Signal, profitable bool) int {
	f.got = append(f.got, sig)
	f.profitable = append(f.profitable, profitable)
	return len(sig.Sources)
}

type fakeStore map[string]signal.Signal

func (f fakeStore) Get(ctx context.Context, id string) (*signal.Signal, error) {
	s, ok := f[id]
	if !ok {
		return nil, tracker.ErrNotFound
	}
	return &s, nil
}

func (f fakeStore) Recent(ctx context.Context, symbol string, n int) ([]signal.Signal, error) {
	var out []signal.Signal
	for _, s := range f {
		if s.Symbol == symbol {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

type fakeReload struct {
	paths []string
	err   error
}

func (f *fakeReload) ReloadConfig(path string) error {
	f.paths = append(f.paths, path)
	return f.err
}

type fixture struct {
	srv      *Server
	engine   *fakeEngine
	outcomes *fakeOutcomes
	reload   *fakeReload
	health   *adapters.HealthRegistry
}

func newFixture(store SignalStore) *fixture {
	f := &fixture{
		engine:   &fakeEngine{},
		outcomes: &fakeOutcomes{},
		reload:   &fakeReload{},
		health:   adapters.NewHealthRegistry(),
	}
	breakers := circuit.NewRegistry(circuit.Config{FailureThreshold: 3, SuccessThreshold: 1}, nil)
	breakers.Get("technical")
	f.srv = New(config.Server{Addr: "127.0.0.1:0"}, Deps{
		Engine:   f.engine,
		Weights:  weights.NewManager(weights.Config{Base: map[string]float64{"technical": 0.5, "breakout": 0.5}, MaxWeight: 0.6, MinWeight: 0.05, HistorySize: 10}),
		Outcomes: f.outcomes,
		Breakers: breakers,
		Limiters: ratelimit.NewManager(map[string]ratelimit.Config{"news": {RPS: 1, Burst: 1}}),
		Health:   f.health,
		Store:    store,
		Reload:   f.reload,
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(nil)
	f.health.For("technical").RecordSuccess(0)

	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	for i := 0; i < 5; i++ {
		f.health.For("technical").RecordError(errors.New("timeout"))
	}
	rec = f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "failed", decode(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := newFixture(nil).do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "consensus_")
}

func TestWeightsAndBreakers(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/v1/weights", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.InDelta(t, 0.5, data["weights"].(map[string]any)["technical"], 1e-9)

	rec = f.do(http.MethodGet, "/v1/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data = decode(t, rec)["data"].(map[string]any)
	br := data["breakers"].([]any)
	require.Len(t, br, 1)
	assert.Equal(t, "CLOSED", br[0].(map[string]any)["state"])
	assert.Len(t, data["rate_limits"].([]any), 1)
}

func TestGenerateSignal(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodPost, "/v1/signals/aapl", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	f.engine.sig = &signal.Signal{Symbol: "AAPL", Direction: signal.Long, Confidence: 72}
	rec = f.do(http.MethodPost, "/v1/signals/aapl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "LONG", decode(t, rec)["data"].(map[string]any)["direction"])

	f.engine.err = errors.New("all sources down")
	rec = f.do(http.MethodPost, "/v1/signals/aapl", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestExplain(t *testing.T) {
	rec := newFixture(nil).do(http.MethodGet, "/v1/signals/msft/explain", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "MSFT", data["symbol"])
	assert.Equal(t, false, data["emit"])
	assert.Equal(t, decision.GateBelowThreshold, data["blocked_by"])
}

func TestOutcome(t *testing.T) {
	tracked := signal.Signal{
		ID: "sig-1", Symbol: "AAPL", Direction: signal.Long, Confidence: 70,
		Sources: map[string]signal.Vote{"technical": {Direction: signal.Long, Confidence: 70}},
	}
	f := newFixture(fakeStore{"sig-1": tracked})

	rec := f.do(http.MethodPost, "/v1/outcomes", `{"signal_id":"sig-1","profitable":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["data"].(map[string]any)["sources_updated"])
	require.Len(t, f.outcomes.got, 1)
	assert.Equal(t, "sig-1", f.outcomes.got[0].ID)
	assert.True(t, f.outcomes.profitable[0])

	body := `{"signal":{"symbol":"MSFT","direction":"SHORT","confidence":65,"sources":{"a":{"direction":"SHORT","confidence":65}}},"profitable":false}`
	rec = f.do(http.MethodPost, "/v1/outcomes", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MSFT", f.outcomes.got[1].Symbol)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown id", `{"signal_id":"nope","profitable":true}`, http.StatusNotFound},
		{"empty", `{"profitable":true}`, http.StatusBadRequest},
		{"bad direction", `{"signal":{"symbol":"X","direction":"UP","confidence":50}}`, http.StatusBadRequest},
		{"malformed", `{"signal":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, f.do(http.MethodPost, "/v1/outcomes", tt.body).Code)
		})
	}
}

func TestOutcomeByIDWithoutTracking(t *testing.T) {
	rec := newFixture(nil).do(http.MethodPost, "/v1/outcomes", `{"signal_id":"sig-1","profitable":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookup(t *testing.T) {
	hashed := signal.Signal{ID: "sig-1", Symbol: "AAPL", Direction: signal.Long, Confidence: 70}
	hashed.VerificationHash = signal.ContentHash(hashed)
	tampered := hashed
	tampered.ID, tampered.Confidence = "sig-2", 95
	f := newFixture(fakeStore{"sig-1": hashed, "sig-2": tampered})

	rec := f.do(http.MethodGet, "/v1/signals/id/sig-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "sig-1", data["id"])
	assert.Equal(t, true, data["verified"])

	rec = f.do(http.MethodGet, "/v1/signals/id/sig-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["data"].(map[string]any)["verified"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/signals/id/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, newFixture(nil).do(http.MethodGet, "/v1/signals/id/sig-1", "").Code)
}

func TestRecent(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	store := fakeStore{}
	for i, id := range []string{"a", "b", "c"} {
		s := signal.Signal{ID: id, Symbol: "AAPL", Direction: signal.Long, Confidence: 70, Timestamp: t0.Add(time.Duration(i) * time.Minute)}
		s.VerificationHash = signal.ContentHash(s)
		store[id] = s
	}
	store["m"] = signal.Signal{ID: "m", Symbol: "MSFT", Direction: signal.Short, Confidence: 60}
	f := newFixture(store)

	rec := f.do(http.MethodGet, "/v1/signals/aapl/recent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["data"].([]any)
	require.Len(t, list, 3)
	first := list[0].(map[string]any)
	assert.Equal(t, "c", first["id"])
	assert.Equal(t, true, first["verified"])

	assert.Len(t, decode(t, f.do(http.MethodGet, "/v1/signals/aapl/recent?limit=2", ""))["data"].([]any), 2)

	tests := []struct {
		name string
		fix  *fixture
		path string
		code int
	}{
		{"bad limit", f, "/v1/signals/aapl/recent?limit=x", http.StatusBadRequest},
		{"zero limit", f, "/v1/signals/aapl/recent?limit=0", http.StatusBadRequest},
		{"tracking disabled", newFixture(nil), "/v1/signals/aapl/recent", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.fix.do(http.MethodGet, tt.path, "").Code)
		})
	}
}

func TestReload(t *testing.T) {
	f := newFixture(nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/reload", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/reload", `{"path":"/etc/consensus.yaml"}`).Code)
	assert.Equal(t, []string{"", "/etc/consensus.yaml"}, f.reload.paths)

	f.reload.err = errors.New("validate config: threshold")
	rec := f.do(http.MethodPost, "/v1/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode(t, rec)["message"], "threshold")
}
