package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/metrics"
	"riskgate/internal/util"
)

// State is the circuit breaker state.
type State string

const (
	StateNormal     State = "NORMAL"
	StateWarning    State = "WARNING"
	StateTriggered  State = "TRIGGERED"
	StateCooldown   State = "COOLDOWN"
	StateManualHalt State = "MANUAL_HALT"
)

// TriggerType identifies what tripped the breaker.
type TriggerType string

const (
	TriggerDailyDrawdown     TriggerType = "daily_drawdown"
	TriggerWeeklyDrawdown    TriggerType = "weekly_drawdown"
	TriggerTotalDrawdown     TriggerType = "total_drawdown"
	TriggerConsecutiveLosses TriggerType = "consecutive_losses"
	TriggerManual            TriggerType = "manual"
)

// BreakerConfig holds thresholds (fractions) and cooldowns. A zero limit
// disables that check.
type BreakerConfig struct {
	DailyMaxDrawdownPct  float64 `yaml:"daily_max_drawdown_pct" json:"daily_max_drawdown_pct"`
	WeeklyMaxDrawdownPct float64 `yaml:"weekly_max_drawdown_pct" json:"weekly_max_drawdown_pct"`
	TotalMaxDrawdownPct  float64 `yaml:"total_max_drawdown_pct" json:"total_max_drawdown_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`

	// WarningThreshold is the fraction of a limit at which WARNING starts.
	WarningThreshold  float64 `yaml:"warning_threshold" json:"warning_threshold"`
	WarningMultiplier float64 `yaml:"warning_multiplier" json:"warning_multiplier"`

	DailyCooldown       time.Duration `yaml:"daily_cooldown" json:"daily_cooldown"`
	WeeklyCooldown      time.Duration `yaml:"weekly_cooldown" json:"weekly_cooldown"`
	TotalCooldown       time.Duration `yaml:"total_cooldown" json:"total_cooldown"`
	ConsecutiveCooldown time.Duration `yaml:"consecutive_cooldown" json:"consecutive_cooldown"`

	// LiquidateOnTotal closes all positions when the total drawdown limit
	// trips.
	LiquidateOnTotal bool `yaml:"liquidate_on_total" json:"liquidate_on_total"`
	// Timezone decides where days and weeks roll over.
	Timezone string `yaml:"timezone" json:"timezone"`
}

// DefaultBreakerConfig returns the default limits.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		DailyMaxDrawdownPct:  0.03,
		WeeklyMaxDrawdownPct: 0.06,
		TotalMaxDrawdownPct:  0.15,
		MaxConsecutiveLosses: 5,
		WarningThreshold:     0.7,
		WarningMultiplier:    0.5,
		DailyCooldown:        4 * time.Hour,
		WeeklyCooldown:       24 * time.Hour,
		TotalCooldown:        72 * time.Hour,
		ConsecutiveCooldown:  time.Hour,
		LiquidateOnTotal:     true,
		Timezone:             "America/New_York",
	}
}

// Validate reports configuration errors.
func (c BreakerConfig) Validate() error {
	for name, v := range map[string]float64{
		"daily_max_drawdown_pct":  c.DailyMaxDrawdownPct,
		"weekly_max_drawdown_pct": c.WeeklyMaxDrawdownPct,
		"total_max_drawdown_pct":  c.TotalMaxDrawdownPct,
	} {
		if v < 0 || v >= 1 || math.IsNaN(v) {
			return fmt.Errorf("risk: breaker %s must be in [0, 1), got %v", name, v)
		}
	}
	if c.MaxConsecutiveLosses < 0 {
		return fmt.Errorf("risk: breaker max_consecutive_losses must not be negative")
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		return fmt.Errorf("risk: breaker warning_threshold must be in (0, 1], got %v", c.WarningThreshold)
	}
	if c.WarningMultiplier < 0 || c.WarningMultiplier > 1 {
		return fmt.Errorf("risk: breaker warning_multiplier must be in [0, 1], got %v", c.WarningMultiplier)
	}
	return nil
}

// Status is a read-only snapshot of the breaker. Fractions are rounded with
// metrics.Round and times are UTC.
type Status struct {
	State          State       `json:"state"`
	TriggerType    TriggerType `json:"trigger_type,omitempty"`
	TriggerMessage string      `json:"trigger_message,omitempty"`
	TriggeredAt    time.Time   `json:"triggered_at"`
	CooldownUntil  time.Time   `json:"cooldown_until"`

	DailyPeak     float64 `json:"daily_peak"`
	WeeklyPeak    float64 `json:"weekly_peak"`
	AllTimePeak   float64 `json:"all_time_peak"`
	CurrentEquity float64 `json:"current_equity"`

	DailyDrawdown  float64 `json:"daily_drawdown"`
	WeeklyDrawdown float64 `json:"weekly_drawdown"`
	TotalDrawdown  float64 `json:"total_drawdown"`

	ConsecutiveLosses      int       `json:"consecutive_losses"`
	CanTrade               bool      `json:"can_trade"`
	PositionSizeMultiplier float64   `json:"position_size_multiplier"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TriggerEvent is one entry in the breaker's history.
type TriggerEvent struct {
	ID               string      `json:"id"`
	Type             TriggerType `json:"type"`
	Message          string      `json:"message"`
	At               time.Time   `json:"at"`
	Equity           float64     `json:"equity"`
	Drawdown         float64     `json:"drawdown"`
	CooldownUntil    time.Time   `json:"cooldown_until"`
	Liquidated       bool        `json:"liquidated"`
	LiquidationError string      `json:"liquidation_error,omitempty"`
}

// Liquidator closes every open position.
type Liquidator interface {
	LiquidateAll(ctx context.Context) error
}

// Recorder persists trigger history.
type Recorder interface {
	RecordTrigger(ctx context.Context, ev TriggerEvent) error
}

// StateChangeFunc is called after the breaker moves between states. It runs
// outside the breaker's lock and may call back into the breaker.
type StateChangeFunc func(from, to State, st Status)

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithLiquidator sets the collaborator used for total-drawdown liquidation.
func WithLiquidator(l Liquidator) BreakerOption {
	return func(b *Breaker) { b.liquidator = l }
}

// WithRecorder persists trigger events.
func WithRecorder(r Recorder) BreakerOption {
	return func(b *Breaker) { b.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.log = log }
}

// maxHistory bounds the in-memory trigger history.
const maxHistory = 100

type transition struct {
	from, to State
	status   Status
}

// sideEffect is trigger work performed after the lock is released.
type sideEffect struct {
	ev        TriggerEvent
	liquidate bool
}

// Breaker is the drawdown circuit breaker. State changes are serialised by
// an internal mutex; peaks and state are owned exclusively by the Breaker.
// Liquidation and trigger persistence run after the mutex is released.
type Breaker struct {
	mu sync.Mutex

	cfg        BreakerConfig
	loc        *time.Location
	now        func() time.Time
	log        *slog.Logger
	liquidator Liquidator
	recorder   Recorder
	callbacks  []StateChangeFunc

	state         State
	trigger       TriggerType
	message       string
	triggeredAt   time.Time
	cooldownUntil time.Time

	initialized bool
	equity      float64
	dailyPeak   float64
	weeklyPeak  float64
	allTimePeak float64
	dayKey      string
	weekKey     string
	consecutive int
	updatedAt   time.Time

	history []TriggerEvent
	pending []transition
	effects []sideEffect
}

// NewBreaker returns a Breaker in NORMAL state. Peaks are seeded by the
// first Update.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := util.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("risk: breaker timezone: %w", err)
	}
	b := &Breaker{
		cfg:   cfg,
		loc:   loc,
		now:   time.Now,
		state: StateNormal,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = util.Component(b.log, "breaker")
	return b, nil
}

// OnStateChange registers fn to run after every state transition.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// Update feeds the latest account equity and re-evaluates the breaker.
func (b *Breaker) Update(ctx context.Context, equity float64) (Status, error) {
	if equity < 0 || math.IsNaN(equity) || math.IsInf(equity, 0) {
		return b.Status(), fmt.Errorf("%w: equity %v", ErrInvalidInput, equity)
	}

	b.mu.Lock()
	now := b.now()
	b.observe(equity, now)
	b.expireCooldown(now)
	daily, weekly, total := b.drawdowns()

	switch b.state {
	case StateTriggered, StateCooldown, StateManualHalt:
	default:
		b.evaluate(now, daily, weekly, total)
	}

	st := b.snapshot()
	b.mu.Unlock()
	b.notify()
	b.settle(ctx)
	return st, nil
}

// observe rolls day and week peaks and raises all peaks to equity.
func (b *Breaker) observe(equity float64, now time.Time) {
	day, week := util.DayKey(now, b.loc), util.WeekKey(now, b.loc)
	if !b.initialized {
		b.initialized = true
		b.dailyPeak, b.weeklyPeak, b.allTimePeak = equity, equity, equity
	}
	if day != b.dayKey {
		if b.dayKey != "" {
			b.log.Info("daily peak reset", "day", day, "equity", equity)
		}
		b.dayKey = day
		b.dailyPeak = equity
	}
	if week != b.weekKey {
		b.weekKey = week
		b.weeklyPeak = equity
	}
	b.equity = equity
	b.dailyPeak = math.Max(b.dailyPeak, equity)
	b.weeklyPeak = math.Max(b.weeklyPeak, equity)
	b.allTimePeak = math.Max(b.allTimePeak, equity)
	b.updatedAt = now
}

func drawdown(peak, equity float64) float64 {
	if peak <= 0 {
		return 0
	}
	return math.Max((peak-equity)/peak, 0)
}

func (b *Breaker) drawdowns() (daily, weekly, total float64) {
	return drawdown(b.dailyPeak, b.equity), drawdown(b.weeklyPeak, b.equity), drawdown(b.allTimePeak, b.equity)
}

// evaluate checks trigger thresholds in priority order, then warnings.
func (b *Breaker) evaluate(now time.Time, daily, weekly, total float64) {
	c := b.cfg
	switch {
	case c.DailyMaxDrawdownPct > 0 && daily >= c.DailyMaxDrawdownPct:
		b.trip(now, TriggerDailyDrawdown, daily,
			fmt.Sprintf("daily drawdown %.2f%% reached limit %.2f%%", daily*100, c.DailyMaxDrawdownPct*100))
		return
	case c.WeeklyMaxDrawdownPct > 0 && weekly >= c.WeeklyMaxDrawdownPct:
		b.trip(now, TriggerWeeklyDrawdown, weekly,
			fmt.Sprintf("weekly drawdown %.2f%% reached limit %.2f%%", weekly*100, c.WeeklyMaxDrawdownPct*100))
		return
	case c.TotalMaxDrawdownPct > 0 && total >= c.TotalMaxDrawdownPct:
		b.trip(now, TriggerTotalDrawdown, total,
			fmt.Sprintf("total drawdown %.2f%% reached limit %.2f%%", total*100, c.TotalMaxDrawdownPct*100))
		return
	case c.MaxConsecutiveLosses > 0 && b.consecutive >= c.MaxConsecutiveLosses:
		b.trip(now, TriggerConsecutiveLosses, 0,
			fmt.Sprintf("%d consecutive losing trades", b.consecutive))
		return
	}

	w := c.WarningThreshold
	warn := (c.DailyMaxDrawdownPct > 0 && daily >= w*c.DailyMaxDrawdownPct) ||
		(c.WeeklyMaxDrawdownPct > 0 && weekly >= w*c.WeeklyMaxDrawdownPct) ||
		(c.TotalMaxDrawdownPct > 0 && total >= w*c.TotalMaxDrawdownPct) ||
		(c.MaxConsecutiveLosses > 0 && float64(b.consecutive) >= w*float64(c.MaxConsecutiveLosses))
	if warn {
		b.setState(StateWarning)
	} else {
		b.setState(StateNormal)
	}
}

// trip moves through TRIGGERED into COOLDOWN. Liquidation and persistence
// are queued for settle, so the state change never waits on the broker.
func (b *Breaker) trip(now time.Time, typ TriggerType, dd float64, msg string) {
	b.trigger = typ
	b.message = msg
	b.triggeredAt = now
	b.cooldownUntil = now.Add(b.cooldown(typ))
	b.setState(StateTriggered)
	b.log.Warn("circuit breaker triggered", "trigger", typ, "message", msg, "equity", b.equity)

	ev := TriggerEvent{
		ID:            uuid.NewString(),
		Type:          typ,
		Message:       msg,
		At:            now.UTC(),
		Equity:        b.equity,
		Drawdown:      metrics.Round(dd),
		CooldownUntil: b.cooldownUntil.UTC(),
	}
	b.record(ev, typ == TriggerTotalDrawdown && b.cfg.LiquidateOnTotal && b.liquidator != nil)
	b.setState(StateCooldown)
}

func (b *Breaker) cooldown(typ TriggerType) time.Duration {
	switch typ {
	case TriggerDailyDrawdown:
		return b.cfg.DailyCooldown
	case TriggerWeeklyDrawdown:
		return b.cfg.WeeklyCooldown
	case TriggerTotalDrawdown:
		return b.cfg.TotalCooldown
	default:
		return b.cfg.ConsecutiveCooldown
	}
}

// record appends ev to the history and queues its side effects. Must be
// called with mu held.
func (b *Breaker) record(ev TriggerEvent, liquidate bool) {
	b.history = append(b.history, ev)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	if liquidate || b.recorder != nil {
		b.effects = append(b.effects, sideEffect{ev: ev, liquidate: liquidate})
	}
}

// settle liquidates and persists queued trigger events outside the lock.
// A liquidation failure is logged and stored on the event; the breaker
// stays in COOLDOWN either way.
func (b *Breaker) settle(ctx context.Context) {
	b.mu.Lock()
	effects := b.effects
	b.effects = nil
	b.mu.Unlock()

	for _, fx := range effects {
		ev := fx.ev
		if fx.liquidate {
			if err := b.liquidator.LiquidateAll(ctx); err != nil {
				ev.LiquidationError = err.Error()
				b.log.Error("liquidation failed", "trigger", ev.Type, "error", err)
			} else {
				ev.Liquidated = true
				b.log.Info("positions liquidated", "trigger", ev.Type)
			}
			b.mu.Lock()
			for i := range b.history {
				if b.history[i].ID == ev.ID {
					b.history[i] = ev
				}
			}
			b.mu.Unlock()
		}
		if b.recorder != nil {
			if err := b.recorder.RecordTrigger(ctx, ev); err != nil {
				b.log.Error("recording trigger failed", "id", ev.ID, "error", err)
			}
		}
	}
}

// expireCooldown returns to NORMAL once the cooldown has elapsed. The
// tripped horizon and every shorter one restart from current equity so the
// same drawdown does not trip again immediately.
func (b *Breaker) expireCooldown(now time.Time) {
	if b.state != StateCooldown || now.Before(b.cooldownUntil) {
		return
	}
	switch b.trigger {
	case TriggerTotalDrawdown:
		b.allTimePeak = b.equity
		fallthrough
	case TriggerWeeklyDrawdown:
		b.weeklyPeak = b.equity
		fallthrough
	case TriggerDailyDrawdown:
		b.dailyPeak = b.equity
	}
	b.consecutive = 0
	b.log.Info("cooldown expired", "trigger", b.trigger, "equity", b.equity)
	b.clearTrigger()
	b.setState(StateNormal)
}

func (b *Breaker) clearTrigger() {
	b.trigger = ""
	b.message = ""
	b.triggeredAt = time.Time{}
	b.cooldownUntil = time.Time{}
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.log.Info("breaker state change", "from", from, "to", to, "trigger", b.trigger)
	b.pending = append(b.pending, transition{from: from, to: to, status: b.snapshot()})
}

// notify runs callbacks for transitions queued under the lock.
func (b *Breaker) notify() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	callbacks := append([]StateChangeFunc(nil), b.callbacks...)
	b.mu.Unlock()

	for _, tr := range pending {
		for _, fn := range callbacks {
			fn(tr.from, tr.to, tr.status)
		}
	}
}

func (b *Breaker) multiplier() float64 {
	switch b.state {
	case StateNormal:
		return 1
	case StateWarning:
		return b.cfg.WarningMultiplier
	default:
		return 0
	}
}

func (b *Breaker) snapshot() Status {
	daily, weekly, total := b.drawdowns()
	return Status{
		State:                  b.state,
		TriggerType:            b.trigger,
		TriggerMessage:         b.message,
		TriggeredAt:            utc(b.triggeredAt),
		CooldownUntil:          utc(b.cooldownUntil),
		DailyPeak:              metrics.Round(b.dailyPeak),
		WeeklyPeak:             metrics.Round(b.weeklyPeak),
		AllTimePeak:            metrics.Round(b.allTimePeak),
		CurrentEquity:          metrics.Round(b.equity),
		DailyDrawdown:          metrics.Round(daily),
		WeeklyDrawdown:         metrics.Round(weekly),
		TotalDrawdown:          metrics.Round(total),
		ConsecutiveLosses:      b.consecutive,
		CanTrade:               b.state == StateNormal || b.state == StateWarning,
		PositionSizeMultiplier: b.multiplier(),
		UpdatedAt:              utc(b.updatedAt),
	}
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

// Status returns the current snapshot. An elapsed cooldown is expired
// first, so expiry never waits for the next Update.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	b.expireCooldown(b.now())
	st := b.snapshot()
	b.mu.Unlock()
	b.notify()
	return st
}

// CanTrade reports whether new entries are allowed.
func (b *Breaker) CanTrade() bool {
	return b.Status().CanTrade
}

// PositionSizeMultiplier is 1 in NORMAL, WarningMultiplier in WARNING and 0
// otherwise.
func (b *Breaker) PositionSizeMultiplier() float64 {
	return b.Status().PositionSizeMultiplier
}

// RecordTradeResult updates the consecutive-loss counter. The counter is
// evaluated on the next Update.
func (b *Breaker) RecordTradeResult(pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case pnl < 0:
		b.consecutive++
	case pnl > 0:
		b.consecutive = 0
	}
}

// Halt stops trading until Resume is called.
func (b *Breaker) Halt(ctx context.Context, reason string) Status {
	b.mu.Lock()
	now := b.now()
	b.trigger = TriggerManual
	b.message = reason
	b.triggeredAt = now
	b.cooldownUntil = time.Time{}
	b.setState(StateManualHalt)
	b.record(TriggerEvent{
		ID:      uuid.NewString(),
		Type:    TriggerManual,
		Message: reason,
		At:      now.UTC(),
		Equity:  b.equity,
	}, false)
	st := b.snapshot()
	b.mu.Unlock()
	b.notify()
	b.settle(ctx)
	return st
}

// Resume leaves MANUAL_HALT. It fails with ErrNotResumable in any other
// state.
func (b *Breaker) Resume() (Status, error) {
	b.mu.Lock()
	if b.state != StateManualHalt {
		st := b.snapshot()
		b.mu.Unlock()
		return st, fmt.Errorf("%w: state %s", ErrNotResumable, st.State)
	}
	b.clearTrigger()
	b.setState(StateNormal)
	st := b.snapshot()
	b.mu.Unlock()
	b.notify()
	return st, nil
}

// History returns trigger events, oldest first.
func (b *Breaker) History() []TriggerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TriggerEvent, len(b.history))
	copy(out, b.history)
	return out
}
