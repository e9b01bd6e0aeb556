package risk

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeLiquidator struct {
	calls int
	err   error
}

func (l *fakeLiquidator) LiquidateAll(context.Context) error {
	l.calls++
	return l.err
}

type fakeRecorder struct {
	events []TriggerEvent
}

func (r *fakeRecorder) RecordTrigger(_ context.Context, ev TriggerEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func testBreakerConfig() BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Timezone = ""
	return cfg
}

func newTestBreaker(t *testing.T, cfg BreakerConfig, opts ...BreakerOption) (*Breaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	b, err := NewBreaker(cfg, append([]BreakerOption{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("NewBreaker: %v", err)
	}
	return b, clock
}

func mustUpdate(t *testing.T, b *Breaker, equity float64) Status {
	t.Helper()
	st, err := b.Update(context.Background(), equity)
	if err != nil {
		t.Fatalf("Update(%v): %v", equity, err)
	}
	return st
}

func TestBreakerDailyTrigger(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())

	var transitions [][2]State
	b.OnStateChange(func(from, to State, _ Status) {
		transitions = append(transitions, [2]State{from, to})
	})

	mustUpdate(t, b, 100000)
	mustUpdate(t, b, 100000)
	st := mustUpdate(t, b, 96900)

	want := [][2]State{{StateNormal, StateTriggered}, {StateTriggered, StateCooldown}}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
	if st.State != StateCooldown {
		t.Errorf("State = %s, want %s", st.State, StateCooldown)
	}
	if st.TriggerType != TriggerDailyDrawdown {
		t.Errorf("TriggerType = %s, want %s", st.TriggerType, TriggerDailyDrawdown)
	}
	if st.DailyDrawdown != 0.031 {
		t.Errorf("DailyDrawdown = %v, want 0.031", st.DailyDrawdown)
	}
	if st.CanTrade || st.PositionSizeMultiplier != 0 {
		t.Errorf("CanTrade = %v, multiplier = %v, want false and 0", st.CanTrade, st.PositionSizeMultiplier)
	}
	if want := st.TriggeredAt.Add(4 * time.Hour); !st.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", st.CooldownUntil, want)
	}

	hist := b.History()
	if len(hist) != 1 || hist[0].ID == "" || hist[0].Type != TriggerDailyDrawdown {
		t.Errorf("History = %+v, want one daily trigger with an ID", hist)
	}
}

func TestBreakerCooldownExpiry(t *testing.T) {
	b, clock := newTestBreaker(t, testBreakerConfig())
	mustUpdate(t, b, 100000)
	mustUpdate(t, b, 96900)

	clock.Advance(3 * time.Hour)
	if st := mustUpdate(t, b, 96900); st.State != StateCooldown {
		t.Fatalf("State before expiry = %s, want %s", st.State, StateCooldown)
	}

	clock.Advance(time.Hour)
	st := mustUpdate(t, b, 96900)
	if st.State != StateNormal {
		t.Errorf("State after expiry = %s, want %s", st.State, StateNormal)
	}
	if !b.CanTrade() {
		t.Error("CanTrade() = false after cooldown, want true")
	}
	if st.DailyPeak != 96900 {
		t.Errorf("DailyPeak = %v, want rebased 96900", st.DailyPeak)
	}
	if st.TriggerType != "" {
		t.Errorf("TriggerType = %q, want cleared", st.TriggerType)
	}
}

func TestBreakerCooldownExpiresOnRead(t *testing.T) {
	b, clock := newTestBreaker(t, testBreakerConfig())
	mustUpdate(t, b, 100000)
	mustUpdate(t, b, 96000)

	clock.Advance(5 * time.Hour)
	if st := b.Status(); st.State != StateNormal {
		t.Errorf("Status().State = %s, want %s without an Update", st.State, StateNormal)
	}
}

func TestBreakerWarning(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())
	mustUpdate(t, b, 100000)

	st := mustUpdate(t, b, 97800)
	if st.State != StateWarning {
		t.Fatalf("State = %s, want %s", st.State, StateWarning)
	}
	if !st.CanTrade || st.PositionSizeMultiplier != 0.5 {
		t.Errorf("CanTrade = %v, multiplier = %v, want true and 0.5", st.CanTrade, st.PositionSizeMultiplier)
	}

	if st := mustUpdate(t, b, 99500); st.State != StateNormal {
		t.Errorf("State after recovery = %s, want %s", st.State, StateNormal)
	}
}

func TestBreakerPriority(t *testing.T) {
	liq := &fakeLiquidator{}
	b, _ := newTestBreaker(t, testBreakerConfig(), WithLiquidator(liq))
	mustUpdate(t, b, 100000)

	// 20% breaches every horizon; daily wins.
	st := mustUpdate(t, b, 80000)
	if st.TriggerType != TriggerDailyDrawdown {
		t.Errorf("TriggerType = %s, want %s", st.TriggerType, TriggerDailyDrawdown)
	}
	if liq.calls != 0 {
		t.Errorf("liquidator calls = %d, want 0 for daily trigger", liq.calls)
	}
}

func TestBreakerTotalLiquidates(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.DailyMaxDrawdownPct = 0
	cfg.WeeklyMaxDrawdownPct = 0

	liq := &fakeLiquidator{err: errors.New("broker unavailable")}
	rec := &fakeRecorder{}
	b, _ := newTestBreaker(t, cfg, WithLiquidator(liq), WithRecorder(rec))

	mustUpdate(t, b, 100000)
	st := mustUpdate(t, b, 84000)

	if st.TriggerType != TriggerTotalDrawdown {
		t.Fatalf("TriggerType = %s, want %s", st.TriggerType, TriggerTotalDrawdown)
	}
	if st.State != StateCooldown {
		t.Errorf("State = %s, want %s despite liquidation failure", st.State, StateCooldown)
	}
	if liq.calls != 1 {
		t.Errorf("liquidator calls = %d, want 1", liq.calls)
	}
	if len(rec.events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(rec.events))
	}
	if ev := rec.events[0]; ev.Liquidated || ev.LiquidationError == "" {
		t.Errorf("event = %+v, want failed liquidation recorded", ev)
	}
	if want := st.TriggeredAt.Add(72 * time.Hour); !st.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", st.CooldownUntil, want)
	}
}

type blockingLiquidator struct {
	started chan struct{}
	release chan struct{}
}

func (l *blockingLiquidator) LiquidateAll(ctx context.Context) error {
	close(l.started)
	select {
	case <-l.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBreakerLiquidationOutsideLock(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.DailyMaxDrawdownPct = 0
	cfg.WeeklyMaxDrawdownPct = 0

	liq := &blockingLiquidator{started: make(chan struct{}), release: make(chan struct{})}
	rec := &fakeRecorder{}
	b, _ := newTestBreaker(t, cfg, WithLiquidator(liq), WithRecorder(rec))
	mustUpdate(t, b, 100000)

	done := make(chan Status, 1)
	go func() {
		st, _ := b.Update(context.Background(), 84000)
		done <- st
	}()
	<-liq.started

	read := make(chan Status, 1)
	go func() { read <- b.Status() }()
	select {
	case st := <-read:
		if st.State != StateCooldown || st.CanTrade {
			t.Errorf("status during liquidation = %s can_trade=%v, want COOLDOWN and false", st.State, st.CanTrade)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked while liquidation was in progress")
	}
	if got := b.History(); len(got) != 1 || got[0].Liquidated {
		t.Errorf("history during liquidation = %+v, want one pending event", got)
	}

	close(liq.release)
	if st := <-done; st.State != StateCooldown {
		t.Errorf("Update state = %s, want %s", st.State, StateCooldown)
	}
	if got := b.History(); len(got) != 1 || !got[0].Liquidated {
		t.Errorf("history after liquidation = %+v, want liquidated event", got)
	}
	if len(rec.events) != 1 || !rec.events[0].Liquidated {
		t.Errorf("recorded events = %+v, want one liquidated event", rec.events)
	}
}

func TestBreakerConsecutiveLosses(t *testing.T) {
	b, clock := newTestBreaker(t, testBreakerConfig())
	mustUpdate(t, b, 100000)

	for range 4 {
		b.RecordTradeResult(-10)
	}
	if st := mustUpdate(t, b, 100000); st.State != StateWarning {
		t.Errorf("State after 4 losses = %s, want %s", st.State, StateWarning)
	}

	b.RecordTradeResult(-10)
	st := mustUpdate(t, b, 100000)
	if st.TriggerType != TriggerConsecutiveLosses || st.State != StateCooldown {
		t.Fatalf("status = %s/%s, want consecutive_losses/COOLDOWN", st.TriggerType, st.State)
	}

	clock.Advance(time.Hour)
	st = mustUpdate(t, b, 100000)
	if st.State != StateNormal || st.ConsecutiveLosses != 0 {
		t.Errorf("after cooldown state = %s, losses = %d, want NORMAL and 0", st.State, st.ConsecutiveLosses)
	}
}

func TestBreakerWinResetsLossStreak(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())
	b.RecordTradeResult(-1)
	b.RecordTradeResult(-1)
	b.RecordTradeResult(0)
	if got := b.Status().ConsecutiveLosses; got != 2 {
		t.Errorf("ConsecutiveLosses after flat trade = %d, want 2", got)
	}
	b.RecordTradeResult(5)
	if got := b.Status().ConsecutiveLosses; got != 0 {
		t.Errorf("ConsecutiveLosses after win = %d, want 0", got)
	}
}

func TestBreakerDayRollover(t *testing.T) {
	b, clock := newTestBreaker(t, testBreakerConfig())
	mustUpdate(t, b, 100000)
	mustUpdate(t, b, 98000)

	clock.Advance(24 * time.Hour)
	st := mustUpdate(t, b, 97000)
	if st.DailyPeak != 97000 {
		t.Errorf("DailyPeak = %v, want 97000 after rollover", st.DailyPeak)
	}
	if st.WeeklyPeak != 100000 || st.AllTimePeak != 100000 {
		t.Errorf("WeeklyPeak/AllTimePeak = %v/%v, want 100000", st.WeeklyPeak, st.AllTimePeak)
	}
	if st.State == StateCooldown {
		t.Error("cross-day loss tripped the daily limit")
	}
}

func TestBreakerHaltResume(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())
	mustUpdate(t, b, 100000)

	if _, err := b.Resume(); !errors.Is(err, ErrNotResumable) {
		t.Errorf("Resume in NORMAL error = %v, want ErrNotResumable", err)
	}

	st := b.Halt(context.Background(), "operator")
	if st.State != StateManualHalt || st.CanTrade {
		t.Fatalf("Halt status = %s/%v, want MANUAL_HALT and no trading", st.State, st.CanTrade)
	}
	if st := mustUpdate(t, b, 101000); st.State != StateManualHalt {
		t.Errorf("Update during halt moved state to %s", st.State)
	}

	st, err := b.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st.State != StateNormal || !st.CanTrade {
		t.Errorf("Resume status = %s/%v, want NORMAL and trading", st.State, st.CanTrade)
	}
	if hist := b.History(); len(hist) != 1 || hist[0].Type != TriggerManual {
		t.Errorf("History = %+v, want one manual event", hist)
	}
}

func TestBreakerInvalidEquity(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())
	for _, eq := range []float64{-1, math.NaN(), math.Inf(1)} {
		if _, err := b.Update(context.Background(), eq); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Update(%v) error = %v, want ErrInvalidInput", eq, err)
		}
	}
}

func TestBreakerStatusJSONRoundTrip(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())
	mustUpdate(t, b, 100000)
	mustUpdate(t, b, 123456.789)
	st := mustUpdate(t, b, 119000.12345)

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Status
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != st {
		t.Errorf("round trip = %+v, want %+v", got, st)
	}
}

func TestBreakerConfigValidate(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.DailyMaxDrawdownPct = 1.5
	if _, err := NewBreaker(cfg); err == nil {
		t.Error("expected error for daily limit >= 1")
	}
	cfg = testBreakerConfig()
	cfg.Timezone = "Not/AZone"
	if _, err := NewBreaker(cfg); err == nil {
		t.Error("expected error for unknown timezone")
	}
}
