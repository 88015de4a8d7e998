package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type RemoteConfig struct {
	URL string `yaml:"url" validate:"required,url"`
	// {symbol} in URL is replaced with the ticker; otherwise it is sent as ?symbol=
	APIKey          string  `yaml:"api_key"`
	APIKeyHeader    string  `yaml:"api_key_header" default:"X-API-Key"`
	DirectionField  string  `yaml:"direction_field" default:"direction"`
	ConfidenceField string  `yaml:"confidence_field" default:"confidence"`
	PriceField      string  `yaml:"price_field" default:"price"`
	ConfidenceScale float64 `yaml:"confidence_scale" default:"1" validate:"gt=0"`
}

// RemoteAdapter polls an HTTP endpoint that already publishes a
// direction/confidence opinion as JSON.
type RemoteAdapter struct {
	name   string
	cfg    RemoteConfig
	client *resty.Client
}

func NewRemoteAdapter(name string, cfg RemoteConfig) *RemoteAdapter {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	if cfg.APIKey != "" {
		client.SetHeader(cfg.APIKeyHeader, cfg.APIKey)
	}
	if cfg.ConfidenceScale <= 0 {
		cfg.ConfidenceScale = 1
	}
	return &RemoteAdapter{name: name, cfg: cfg, client: client}
}

func (a *RemoteAdapter) Name() string { return a.name }

func (a *RemoteAdapter) Fetch(ctx context.Context, symbol string) (any, error) {
	req := a.client.R().SetContext(ctx).SetHeader("Accept", "application/json")
	url := a.cfg.URL
	if strings.Contains(url, "{symbol}") {
		url = strings.ReplaceAll(url, "{symbol}", strings.ToUpper(symbol))
	} else {
		req.SetQueryParam("symbol", strings.ToUpper(symbol))
	}

	resp, err := req.Get(url)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", a.name, err)
	}
	switch {
	case resp.StatusCode() == 204 || resp.StatusCode() == 404:
		return nil, nil
	case resp.StatusCode() != 200:
		return nil, fmt.Errorf("remote %s: status %d", a.name, resp.StatusCode())
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("remote %s: parse: %w", a.name, err)
	}
	return body, nil
}

func (a *RemoteAdapter) GenerateSignal(symbol string, raw any) *signal.Reading {
	body, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	ds, _ := body[a.cfg.DirectionField].(string)
	dir, err := signal.ParseDirection(ds)
	if err != nil {
		return nil
	}
	conf, ok := number(body[a.cfg.ConfidenceField])
	if !ok {
		return nil
	}
	price, _ := number(body[a.cfg.PriceField])
	return &signal.Reading{
		Direction:  dir,
		Confidence: signal.ClampConfidence(conf * a.cfg.ConfidenceScale),
		Price:      price,
	}
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
