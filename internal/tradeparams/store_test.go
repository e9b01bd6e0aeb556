package tradeparams

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"riskgate/internal/strategy"
	"riskgate/internal/walkforward"
)

func result(score float64, params strategy.ParameterSet) *walkforward.Result {
	return &walkforward.Result{
		Strategy:        "sma_cross",
		Symbol:          "aapl",
		RobustnessScore: score,
		Windows: []walkforward.Window{
			{Index: 0, Params: strategy.NewParameterSet(map[string]strategy.Value{"fast": strategy.Num(5)})},
			{Index: 1, Params: params},
			{Index: 2, Skipped: true, SkipReason: "no trades"},
		},
	}
}

func TestOfferAdoptsAboveThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params", "params.json")
	s := NewStore(path, 60, nil)
	fixed := time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	latest := strategy.NewParameterSet(map[string]strategy.Value{
		"fast": strategy.Num(10),
		"mode": strategy.Cat("close"),
	})
	d, err := s.Offer("run-1", result(72.5, latest))
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if !d.Adopted || d.Key != "sma_cross/AAPL" {
		t.Fatalf("decision = %+v, want adopted sma_cross/AAPL", d)
	}

	got, ok := s.Get("sma_cross", "AAPL")
	if !ok {
		t.Fatal("Get returned nothing after adoption")
	}
	if !got.Params.Equal(latest) {
		t.Errorf("Params = %s, want %s", got.Params, latest)
	}
	if got.RunID != "run-1" || !got.AdoptedAt.Equal(fixed) || got.RobustnessScore != 72.5 {
		t.Errorf("entry = %+v", got)
	}

	// A fresh store reads the persisted file.
	reloaded := NewStore(path, 60, nil)
	again, ok := reloaded.Get("sma_cross", "aapl")
	if !ok || !again.Params.Equal(latest) {
		t.Errorf("reloaded entry = %+v, %v", again, ok)
	}
}

func TestOfferBelowThresholdKeepsPrevious(t *testing.T) {
	s := NewStore("", 60, nil)
	first := strategy.NewParameterSet(map[string]strategy.Value{"fast": strategy.Num(10)})
	if _, err := s.Offer("run-1", result(65, first)); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	second := strategy.NewParameterSet(map[string]strategy.Value{"fast": strategy.Num(20)})
	d, err := s.Offer("run-2", result(59.99, second))
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if d.Adopted {
		t.Errorf("decision = %+v, want not adopted", d)
	}
	got, _ := s.Get("sma_cross", "AAPL")
	if !got.Params.Equal(first) || got.RunID != "run-1" {
		t.Errorf("entry = %+v, want run-1 params kept", got)
	}
}

func TestOfferPartialAndEmpty(t *testing.T) {
	s := NewStore("", 0, nil)

	partial := result(90, strategy.NewParameterSet(nil))
	partial.Partial = true
	if d, err := s.Offer("run-p", partial); err != nil || d.Adopted {
		t.Errorf("partial Offer = %+v, %v; want not adopted", d, err)
	}

	empty := &walkforward.Result{Strategy: "sma_cross", Symbol: "AAPL", RobustnessScore: 90,
		Windows: []walkforward.Window{{Skipped: true}}}
	if _, err := s.Offer("run-e", empty); !errors.Is(err, ErrNoParams) {
		t.Errorf("Offer(all skipped) error = %v, want ErrNoParams", err)
	}
}

func TestSubscribe(t *testing.T) {
	s := NewStore("", 0, nil)
	id, ch := s.Subscribe(4)

	if e := <-ch; e.Type != "snapshot" || len(e.Data) != 0 {
		t.Errorf("first event = %+v, want empty snapshot", e)
	}

	s.Set(Adopted{Strategy: "breakout", Symbol: "msft"})
	e := <-ch
	if e.Type != "adopt" || e.Key != "breakout/MSFT" || e.Entry == nil {
		t.Errorf("adopt event = %+v", e)
	}

	s.Delete("breakout", "MSFT")
	if e := <-ch; e.Type != "delete" || e.Key != "breakout/MSFT" {
		t.Errorf("delete event = %+v", e)
	}
	if len(s.List()) != 0 {
		t.Errorf("List() = %v, want empty", s.List())
	}

	s.Unsubscribe(id)
	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
}

func TestList(t *testing.T) {
	s := NewStore("", 0, nil)
	s.Set(Adopted{Strategy: "sma_cross", Symbol: "MSFT"})
	s.Set(Adopted{Strategy: "breakout", Symbol: "AAPL"})
	s.Set(Adopted{Strategy: "sma_cross", Symbol: "AAPL"})

	got := s.List()
	want := []string{"breakout/AAPL", "sma_cross/AAPL", "sma_cross/MSFT"}
	if len(got) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Key() != w {
			t.Errorf("List()[%d] = %s, want %s", i, got[i].Key(), w)
		}
	}
}
