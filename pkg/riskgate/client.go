// Package riskgate is a Go client for the risk-gate HTTP API.
package riskgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"riskgate/internal/api"
	"riskgate/internal/engine"
	"riskgate/internal/risk"
	"riskgate/internal/store"
	"riskgate/internal/tradeparams"
)

// Response types are shared with the server.
type (
	Health       = api.HealthResponse
	Account      = api.AccountResponse
	SizeRequest  = api.SizeRequest
	SizeResponse = api.SizeResponse
	Status       = risk.Status
	TriggerEvent = risk.TriggerEvent
	Exposure     = risk.ExposureReport
	RunSummary   = store.RunSummary
	RunRecord    = store.RunRecord
	Adopted      = tradeparams.Adopted
	EntryRequest = engine.EntryRequest
	EntryResult  = engine.EntryResult
	CloseResult  = engine.CloseResult
	Daily        = engine.DailySnapshot
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("riskgate: %d %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the risk-gate API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new risk-gate API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health returns the server health and trading permission.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	return &out, c.do(ctx, http.MethodGet, "/api/health", nil, &out)
}

// Breaker returns the circuit breaker status.
func (c *Client) Breaker(ctx context.Context) (*Status, error) {
	var out Status
	return &out, c.do(ctx, http.MethodGet, "/api/breaker", nil, &out)
}

// BreakerHistory returns up to limit trigger events, newest first.
func (c *Client) BreakerHistory(ctx context.Context, limit int) ([]TriggerEvent, error) {
	var out []TriggerEvent
	return out, c.do(ctx, http.MethodGet, "/api/breaker/history"+limitQuery(limit), nil, &out)
}

// Halt puts the breaker in MANUAL_HALT.
func (c *Client) Halt(ctx context.Context, reason string) (*Status, error) {
	var out Status
	return &out, c.do(ctx, http.MethodPost, "/api/breaker/halt", api.HaltRequest{Reason: reason}, &out)
}

// Resume leaves MANUAL_HALT. The server answers 409 in any other state.
func (c *Client) Resume(ctx context.Context) (*Status, error) {
	var out Status
	return &out, c.do(ctx, http.MethodPost, "/api/breaker/resume", nil, &out)
}

// Account returns the broker account and positions.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var out Account
	return &out, c.do(ctx, http.MethodGet, "/api/account", nil, &out)
}

// Exposure returns sector and correlation-group exposure.
func (c *Client) Exposure(ctx context.Context) (*Exposure, error) {
	var out Exposure
	return &out, c.do(ctx, http.MethodGet, "/api/exposure", nil, &out)
}

// Size sizes a prospective entry against the live account.
func (c *Client) Size(ctx context.Context, req SizeRequest) (*SizeResponse, error) {
	var out SizeResponse
	return &out, c.do(ctx, http.MethodPost, "/api/size", req, &out)
}

// SubmitEntry sends an entry through the pre-trade pipeline. Risk
// rejections come back as an *APIError with status 422.
func (c *Client) SubmitEntry(ctx context.Context, req EntryRequest) (*EntryResult, error) {
	var out EntryResult
	return &out, c.do(ctx, http.MethodPost, "/api/orders", req, &out)
}

// ClosePosition flattens symbol and records the realized P&L once filled.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*CloseResult, error) {
	var out CloseResult
	return &out, c.do(ctx, http.MethodPost, "/api/positions/"+url.PathEscape(symbol)+"/close", nil, &out)
}

// RecordTrade reports the realized P&L of a trade closed outside the gate.
func (c *Client) RecordTrade(ctx context.Context, symbol string, pnl float64) (*Status, error) {
	var out Status
	return &out, c.do(ctx, http.MethodPost, "/api/trades", api.TradeResultRequest{Symbol: symbol, PnL: pnl}, &out)
}

// Daily returns today's realized P&L against the daily loss limit.
func (c *Client) Daily(ctx context.Context) (*Daily, error) {
	var out Daily
	return &out, c.do(ctx, http.MethodGet, "/api/daily", nil, &out)
}

// ListRuns returns stored walk-forward runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	var out []RunSummary
	return out, c.do(ctx, http.MethodGet, "/api/walkforward"+limitQuery(limit), nil, &out)
}

// GetRun returns one stored walk-forward run.
func (c *Client) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var out RunRecord
	return &out, c.do(ctx, http.MethodGet, "/api/walkforward/"+url.PathEscape(id), nil, &out)
}

// Params returns the adopted parameter sets.
func (c *Client) Params(ctx context.Context) ([]Adopted, error) {
	var out []Adopted
	return out, c.do(ctx, http.MethodGet, "/api/params", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
