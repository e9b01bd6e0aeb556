package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"riskgate/internal/domain"
	"riskgate/internal/util"
	"riskgate/internal/walkforward"
)

// Compile-time interface check.
var _ walkforward.BarSource = (*AlpacaBarSource)(nil)

// barsAPI is the subset of the Alpaca market-data client used here.
type barsAPI interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaBarSource fetches daily bars from the Alpaca market-data API. When
// a cache is set, fetched bars are written through to it.
type AlpacaBarSource struct {
	client  barsAPI
	limiter *util.RateLimiter
	feed    string
	cache   BarStore
	log     *slog.Logger
}

// NewAlpacaBarSource creates an AlpacaBarSource. rateLimitPerMin <= 0
// disables client-side rate limiting; an empty dataURL uses the SDK
// default.
func NewAlpacaBarSource(apiKey, apiSecret, dataURL, feed string, rateLimitPerMin int, cache BarStore) *AlpacaBarSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return newAlpacaBarSource(marketdata.NewClient(opts), feed, util.NewRateLimiter(rateLimitPerMin), cache)
}

func newAlpacaBarSource(client barsAPI, feed string, limiter *util.RateLimiter, cache BarStore) *AlpacaBarSource {
	if feed == "" {
		feed = "sip"
	}
	return &AlpacaBarSource{
		client:  client,
		limiter: limiter,
		feed:    feed,
		cache:   cache,
		log:     util.Component(nil, "alpaca-bars"),
	}
}

// Bars fetches daily bars for symbol in [start, end).
func (a *AlpacaBarSource) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	raw, err := a.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      a.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		if !ab.Timestamp.Before(end) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}

	if a.cache != nil && len(bars) > 0 {
		if err := a.cache.WriteBars(ctx, string(domain.MarketUS), bars); err != nil {
			a.log.Warn("caching bars failed", "symbol", symbol, "error", err)
		}
	}
	return bars, nil
}
