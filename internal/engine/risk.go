package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"riskgate/internal/domain"
	"riskgate/internal/util"
)

// ErrDailyLossLimit is returned once realized losses for the current day
// reach the configured fraction of start-of-day equity.
var ErrDailyLossLimit = errors.New("engine: daily loss limit reached")

// RiskManager accumulates realized P&L per trading day and rejects new
// orders once the daily loss limit is used up. The day rolls over at local
// midnight in loc.
type RiskManager struct {
	mu sync.Mutex

	maxDailyLossPct float64
	loc             *time.Location
	now             func() time.Time
	log             *slog.Logger

	day         string
	startEquity float64
	realized    float64
}

// NewRiskManager creates a RiskManager. A zero maxDailyLossPct disables the
// check; loc nil means UTC.
func NewRiskManager(maxDailyLossPct float64, loc *time.Location, log *slog.Logger) *RiskManager {
	if loc == nil {
		loc = time.UTC
	}
	return &RiskManager{
		maxDailyLossPct: maxDailyLossPct,
		loc:             loc,
		now:             time.Now,
		log:             util.Component(log, "daily-risk"),
	}
}

// SetClock replaces time.Now.
func (rm *RiskManager) SetClock(now func() time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.now = now
}

// roll resets the accumulator when the local date changes. The first
// equity reading of the day seeds the start-of-day balance, with losses
// realized before that reading added back.
func (rm *RiskManager) roll(equity float64) {
	day := util.DayKey(rm.now(), rm.loc)
	if day != rm.day {
		if rm.day != "" {
			rm.log.Info("daily pnl rollover", "previous_day", rm.day, "realized", rm.realized, "day", day)
		}
		rm.day = day
		rm.realized = 0
		rm.startEquity = 0
	}
	if rm.startEquity == 0 && equity > 0 {
		rm.startEquity = equity - rm.realized
	}
}

// ObserveEquity records an account equity reading. Only the first reading
// of a day is used.
func (rm *RiskManager) ObserveEquity(equity float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.roll(equity)
}

// RecordRealized adds a closed trade's P&L to today's total.
func (rm *RiskManager) RecordRealized(pnl float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.roll(0)
	rm.realized += pnl
}

// DailyPnL returns today's realized P&L.
func (rm *RiskManager) DailyPnL() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.roll(0)
	return rm.realized
}

// DailySnapshot is today's loss-limit position.
type DailySnapshot struct {
	Day         string  `json:"day"`
	StartEquity float64 `json:"start_equity"`
	Realized    float64 `json:"realized"`
	Limit       float64 `json:"limit"`
	Blocked     bool    `json:"blocked"`
}

// Snapshot returns today's accumulator. Limit is zero until start-of-day
// equity is known or when the check is disabled.
func (rm *RiskManager) Snapshot() DailySnapshot {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.roll(0)
	snap := DailySnapshot{Day: rm.day, StartEquity: rm.startEquity, Realized: rm.realized}
	if rm.maxDailyLossPct > 0 && rm.startEquity > 0 {
		snap.Limit = rm.startEquity * rm.maxDailyLossPct
		snap.Blocked = -rm.realized >= snap.Limit
	}
	return snap
}

// CheckOrder evaluates whether a new order may be placed given the current
// account state.
func (rm *RiskManager) CheckOrder(_ context.Context, order *domain.Order, account *domain.AccountInfo) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.roll(account.Equity)
	if rm.maxDailyLossPct <= 0 || rm.startEquity <= 0 {
		return nil
	}
	limit := rm.startEquity * rm.maxDailyLossPct
	if -rm.realized >= limit {
		return fmt.Errorf("%w: %s realized %.2f against limit %.2f", ErrDailyLossLimit, order.Symbol, rm.realized, -limit)
	}
	return nil
}
