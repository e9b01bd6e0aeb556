package builtins

import (
	"testing"

	"riskgate/internal/strategy"
)

func history(closes ...float64) strategy.History {
	h := strategy.History{}
	for _, c := range closes {
		h.Open = append(h.Open, c)
		h.High = append(h.High, c*1.01)
		h.Low = append(h.Low, c*0.99)
		h.Close = append(h.Close, c)
		h.Volume = append(h.Volume, 1000)
	}
	return h
}

// replay feeds each bar from warm-up onward and returns the action per bar.
func replay(s strategy.Strategy, h strategy.History, p strategy.ParameterSet) map[int]strategy.Signal {
	out := make(map[int]strategy.Signal)
	var st strategy.State
	for i := s.Warmup(p); i < h.Len(); i++ {
		view := strategy.History{
			Open: h.Open[:i+1], High: h.High[:i+1], Low: h.Low[:i+1],
			Close: h.Close[:i+1], Volume: h.Volume[:i+1],
		}
		var sig strategy.Signal
		sig, st = s.Signal(i, view, p, st)
		if sig.Action != strategy.ActionNone {
			out[i] = sig
		}
	}
	return out
}

func TestSMACrossSignals(t *testing.T) {
	s := NewSMACross(2, 4)
	p := strategy.ParameterSet{}
	if got := s.Warmup(p); got != 4 {
		t.Fatalf("Warmup = %d, want 4", got)
	}

	signals := replay(s, history(10, 10, 10, 10, 10, 12, 14, 10, 8, 6), p)
	if len(signals) != 2 {
		t.Fatalf("signals = %+v, want entry and exit", signals)
	}
	if sig := signals[5]; sig.Action != strategy.ActionEnter || sig.Side != "long" {
		t.Errorf("bar 5 = %+v, want long entry", sig)
	}
	if sig := signals[8]; sig.Action != strategy.ActionExit {
		t.Errorf("bar 8 = %+v, want exit", sig)
	}
}

func TestSMACrossParamsOverrideDefaults(t *testing.T) {
	s := NewSMACross(2, 4)
	p := strategy.NewParameterSet(map[string]strategy.Value{
		"fast": strategy.Num(3),
		"slow": strategy.Num(8),
	})
	if got := s.Warmup(p); got != 8 {
		t.Errorf("Warmup = %d, want 8", got)
	}
	// fast >= slow never signals
	bad := strategy.NewParameterSet(map[string]strategy.Value{"fast": strategy.Num(5), "slow": strategy.Num(5)})
	if signals := replay(s, history(10, 10, 10, 10, 10, 12, 14, 10, 8, 6), bad); len(signals) != 0 {
		t.Errorf("signals = %+v, want none", signals)
	}
}

func TestBreakoutSignals(t *testing.T) {
	b := NewBreakout()
	p := strategy.NewParameterSet(map[string]strategy.Value{
		"entry": strategy.Num(3),
		"exit":  strategy.Num(2),
	})
	signals := replay(b, history(10, 10, 10, 10, 12, 11, 9, 9), p)
	if sig := signals[4]; sig.Action != strategy.ActionEnter || sig.Side != "long" {
		t.Errorf("bar 4 = %+v, want long entry", sig)
	}
	if sig := signals[6]; sig.Action != strategy.ActionExit {
		t.Errorf("bar 6 = %+v, want exit", sig)
	}
}

func TestBreakoutShortOnlyWhenAllowed(t *testing.T) {
	b := NewBreakout()
	closes := []float64{10, 10, 10, 10, 8}
	longOnly := strategy.NewParameterSet(map[string]strategy.Value{"entry": strategy.Num(3), "exit": strategy.Num(2)})
	if signals := replay(b, history(closes...), longOnly); len(signals) != 0 {
		t.Errorf("long-only signals = %+v, want none", signals)
	}
	both := longOnly.With("direction", strategy.Cat("both"))
	signals := replay(b, history(closes...), both)
	if sig := signals[4]; sig.Action != strategy.ActionEnter || sig.Side != "short" {
		t.Errorf("bar 4 = %+v, want short entry", sig)
	}
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	names := r.List()
	if len(names) != 2 || names[0] != "breakout" || names[1] != "sma-cross" {
		t.Errorf("List = %v, want [breakout sma-cross]", names)
	}
	for _, name := range names {
		s, _ := r.Get(name)
		gp, ok := s.(strategy.GridProvider)
		if !ok {
			t.Errorf("%s has no default grid", name)
			continue
		}
		if _, err := strategy.NewGrid(gp.DefaultGrid()...); err != nil {
			t.Errorf("%s default grid: %v", name, err)
		}
	}
}
