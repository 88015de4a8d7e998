package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

const alphaVantageURL = "https://www.alphavantage.co"

var errNoAPIKey = errors.New("api key not configured")

type SentimentConfig struct {
	BaseURL  string `yaml:"base_url" default:"https://www.alphavantage.co" validate:"url"`
	APIKey   string `yaml:"api_key"`
	Limit    int    `yaml:"limit" default:"50" validate:"gte=1,lte=1000"`
	Lookback string `yaml:"lookback" default:"72h"`
	// |score| below this is neutral
	NeutralBand float64 `yaml:"neutral_band" default:"0.15" validate:"gte=0,lte=1"`
	// articles needed for full confidence
	FullCoverage int `yaml:"full_coverage" default:"5" validate:"gte=1"`
}

// SentimentAdapter reads Alpha Vantage NEWS_SENTIMENT and turns the
// relevance-weighted ticker sentiment into a vote.
type SentimentAdapter struct {
	name   string
	cfg    SentimentConfig
	client *resty.Client
	now    func() time.Time
}

func NewSentimentAdapter(name string, cfg SentimentConfig) *SentimentAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = alphaVantageURL
	}
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(15 * time.Second)
	return &SentimentAdapter{name: name, cfg: cfg, client: client, now: time.Now}
}

func (a *SentimentAdapter) Name() string { return a.name }

type newsFeed struct {
	Feed        []newsItem `json:"feed"`
	Note        string     `json:"Note"`
	Information string     `json:"Information"`
	ErrorMsg    string     `json:"Error Message"`
}

type newsItem struct {
	Title           string            `json:"title"`
	TimePublished   string            `json:"time_published"`
	TickerSentiment []tickerSentiment `json:"ticker_sentiment"`
}

type tickerSentiment struct {
	Ticker         string `json:"ticker"`
	RelevanceScore string `json:"relevance_score"`
	SentimentScore string `json:"ticker_sentiment_score"`
}

// SentimentSummary is the payload handed from Fetch to GenerateSignal.
type SentimentSummary struct {
	Symbol   string
	Score    float64
	Articles int
}

func (a *SentimentAdapter) Fetch(ctx context.Context, symbol string) (any, error) {
	if a.cfg.APIKey == "" {
		return nil, errNoAPIKey
	}
	params := map[string]string{
		"function": "NEWS_SENTIMENT",
		"tickers":  strings.ToUpper(symbol),
		"limit":    strconv.Itoa(a.cfg.Limit),
		"apikey":   a.cfg.APIKey,
	}
	if d, err := time.ParseDuration(a.cfg.Lookback); err == nil && d > 0 {
		params["time_from"] = a.now().Add(-d).UTC().Format("20060102T1504")
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/query")
	if err != nil {
		return nil, fmt.Errorf("news sentiment %s: %w", symbol, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("news sentiment %s: status %d", symbol, resp.StatusCode())
	}

	var feed newsFeed
	if err := json.Unmarshal(resp.Body(), &feed); err != nil {
		return nil, fmt.Errorf("parse news sentiment: %w", err)
	}
	switch {
	case feed.Note != "":
		return nil, fmt.Errorf("alpha vantage throttled: %s", feed.Note)
	case feed.Information != "":
		return nil, fmt.Errorf("alpha vantage: %s", feed.Information)
	case feed.ErrorMsg != "":
		return nil, fmt.Errorf("alpha vantage: %s", feed.ErrorMsg)
	}
	if s := summarize(symbol, feed); s != nil {
		return s, nil
	}
	return nil, nil
}

func summarize(symbol string, feed newsFeed) *SentimentSummary {
	symbol = strings.ToUpper(symbol)
	var num, den float64
	n := 0
	for _, item := range feed.Feed {
		for _, ts := range item.TickerSentiment {
			if !strings.EqualFold(ts.Ticker, symbol) {
				continue
			}
			rel, err1 := strconv.ParseFloat(ts.RelevanceScore, 64)
			score, err2 := strconv.ParseFloat(ts.SentimentScore, 64)
			if err1 != nil || err2 != nil || rel <= 0 {
				continue
			}
			num += rel * score
			den += rel
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return &SentimentSummary{Symbol: symbol, Score: num / den, Articles: n}
}

func (a *SentimentAdapter) GenerateSignal(symbol string, raw any) *signal.Reading {
	s, ok := raw.(*SentimentSummary)
	if !ok || s == nil || s.Articles == 0 {
		return nil
	}
	coverage := math.Min(1, float64(s.Articles)/float64(a.cfg.FullCoverage))
	if math.Abs(s.Score) < a.cfg.NeutralBand {
		return &signal.Reading{Direction: signal.Neutral, Confidence: 40 + 20*coverage}
	}
	dir := signal.Long
	if s.Score < 0 {
		dir = signal.Short
	}
	// Alpha Vantage scores live in [-1, 1]; ±0.35 is already "bullish"/"bearish"
	strength := math.Min(1, math.Abs(s.Score)/0.5)
	return &signal.Reading{Direction: dir, Confidence: 50 + 40*strength*coverage}
}
