package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"riskgate/internal/domain"
	"riskgate/internal/walkforward"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ TradeLogStore = (*ParquetStore)(nil)
var _ walkforward.BarSource = (*ParquetBarSource)(nil)

// ParquetStore implements BarStore and TradeLogStore using Parquet files on
// disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TradeLogRecord is the Parquet schema for one simulated round trip.
type TradeLogRecord struct {
	Symbol       string  `parquet:"symbol"`
	Side         string  `parquet:"side"`
	EntryTime    int64   `parquet:"entry_time,timestamp(millisecond)"`
	ExitTime     int64   `parquet:"exit_time,timestamp(millisecond)"`
	EntryIndex   int64   `parquet:"entry_index"`
	ExitIndex    int64   `parquet:"exit_index"`
	EntryPrice   float64 `parquet:"entry_price"`
	ExitPrice    float64 `parquet:"exit_price"`
	Qty          float64 `parquet:"qty"`
	PnL          float64 `parquet:"pnl"`
	PnLPct       float64 `parquet:"pnl_pct"`
	ExitReason   string  `parquet:"exit_reason"`
	SlippagePct  float64 `parquet:"slippage_pct"`
	SlippageCost float64 `parquet:"slippage_cost"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files grouped by symbol and year, merging
// with what is already on disk. Each symbol+year produces one file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(ctx context.Context, market string, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.barPath(k.symbol, market, k.year)

		// A missing file simply means no existing records.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for symbol within [start, end], in timestamp order.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.barPath(symbol, market, year)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	dir := filepath.Join(s.DataDir, market, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ParquetBarSource serves one market of a ParquetStore to the walk-forward
// orchestrator.
type ParquetBarSource struct {
	store  *ParquetStore
	market string
}

// Source returns a walk-forward bar source over market.
func (s *ParquetStore) Source(market string) *ParquetBarSource {
	return &ParquetBarSource{store: s, market: market}
}

// Bars returns bars in [start, end).
func (p *ParquetBarSource) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	bars, err := p.store.ReadBars(ctx, symbol, p.market, start, end)
	if err != nil {
		return nil, err
	}
	n := len(bars)
	for n > 0 && !bars[n-1].Timestamp.Before(end) {
		n--
	}
	return bars[:n], nil
}

// ---------------------------------------------------------------------------
// TradeLogStore implementation
// ---------------------------------------------------------------------------

// WriteTradeLog replaces the trade log of runID.
func (s *ParquetStore) WriteTradeLog(_ context.Context, runID string, trades []domain.Trade) error {
	if runID == "" {
		return fmt.Errorf("store: empty run id")
	}
	records := make([]TradeLogRecord, len(trades))
	for i, t := range trades {
		records[i] = TradeLogRecord{
			Symbol:       t.Symbol,
			Side:         string(t.Side),
			EntryTime:    t.EntryTime.UnixMilli(),
			ExitTime:     t.ExitTime.UnixMilli(),
			EntryIndex:   int64(t.EntryIndex),
			ExitIndex:    int64(t.ExitIndex),
			EntryPrice:   t.EntryPrice,
			ExitPrice:    t.ExitPrice,
			Qty:          t.Qty,
			PnL:          t.PnL,
			PnLPct:       t.PnLPct,
			ExitReason:   string(t.ExitReason),
			SlippagePct:  t.SlippagePct,
			SlippageCost: t.SlippageCost,
		}
	}
	path := s.tradeLogPath(runID)
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing trade log %s: %w", runID, err)
	}
	return nil
}

// ReadTradeLog reads the trade log of runID.
func (s *ParquetStore) ReadTradeLog(_ context.Context, runID string) ([]domain.Trade, error) {
	path := s.tradeLogPath(runID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: trade log %s", ErrNotFound, runID)
	}
	records, err := readParquetFile[TradeLogRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading trade log %s: %w", runID, err)
	}
	trades := make([]domain.Trade, len(records))
	for i, r := range records {
		trades[i] = domain.Trade{
			Symbol:       r.Symbol,
			Side:         domain.Side(r.Side),
			EntryTime:    time.UnixMilli(r.EntryTime).UTC(),
			ExitTime:     time.UnixMilli(r.ExitTime).UTC(),
			EntryIndex:   int(r.EntryIndex),
			ExitIndex:    int(r.ExitIndex),
			EntryPrice:   r.EntryPrice,
			ExitPrice:    r.ExitPrice,
			Qty:          r.Qty,
			PnL:          r.PnL,
			PnLPct:       r.PnLPct,
			ExitReason:   domain.ExitReason(r.ExitReason),
			SlippagePct:  r.SlippagePct,
			SlippageCost: r.SlippageCost,
		}
	}
	return trades, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol, market string, year int) string {
	return filepath.Join(s.DataDir, market, "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// tradeLogPath returns the filesystem path for a backtest trade log.
// Layout: <dataDir>/backtests/<runID>/trades.parquet
func (s *ParquetStore) tradeLogPath(runID string) string {
	return filepath.Join(s.DataDir, "backtests", filepath.Base(runID), "trades.parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
