// Package tradeparams keeps the parameter sets currently adopted for live
// trading, keyed by strategy and symbol, with JSON persistence and pub/sub
// so subscribers see every adoption.
package tradeparams

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"riskgate/internal/metrics"
	"riskgate/internal/strategy"
	"riskgate/internal/util"
	"riskgate/internal/walkforward"
)

// ErrNoParams is returned when a walk-forward result has no completed window
// to take parameters from.
var ErrNoParams = errors.New("tradeparams: result has no completed window")

// Adopted is one parameter set in force for a strategy on a symbol.
type Adopted struct {
	Strategy        string                `json:"strategy"`
	Symbol          string                `json:"symbol"`
	Params          strategy.ParameterSet `json:"params"`
	RobustnessScore float64               `json:"robustness_score"`
	RunID           string                `json:"run_id,omitempty"`
	AdoptedAt       time.Time             `json:"adopted_at"`
}

// Key returns the store key for the entry.
func (a Adopted) Key() string { return Key(a.Strategy, a.Symbol) }

// Key joins a strategy name and symbol into a store key.
func Key(strategyName, symbol string) string {
	return strategyName + "/" + strings.ToUpper(symbol)
}

// Event is the wire format for subscriber notifications.
type Event struct {
	Type  string             `json:"type"`            // "snapshot", "adopt", "delete"
	Key   string             `json:"key,omitempty"`   // adopt/delete only
	Entry *Adopted           `json:"entry,omitempty"` // adopt only
	Data  map[string]Adopted `json:"data,omitempty"`  // snapshot only
}

// Decision reports the outcome of Offer.
type Decision struct {
	Adopted   bool    `json:"adopted"`
	Key       string  `json:"key"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason"`
}

// Store holds adopted parameters in memory with JSON persistence and pub/sub.
type Store struct {
	mu        sync.RWMutex
	params    map[string]Adopted
	filePath  string
	threshold float64
	now       func() time.Time
	log       *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewStore creates a Store adopting results whose robustness score is at
// least threshold, loading persisted state from filePath. An empty filePath
// keeps the store in memory only.
func NewStore(filePath string, threshold float64, log *slog.Logger) *Store {
	s := &Store{
		params:    make(map[string]Adopted),
		filePath:  filePath,
		threshold: threshold,
		now:       time.Now,
		log:       util.Component(log, "tradeparams"),
		subs:      make(map[int]chan Event),
	}
	s.load()
	return s
}

// Threshold returns the minimum robustness score for adoption.
func (s *Store) Threshold() float64 { return s.threshold }

// Offer adopts the latest completed window's parameters of res when its
// robustness score reaches the threshold. The previous entry is kept
// otherwise.
func (s *Store) Offer(runID string, res *walkforward.Result) (Decision, error) {
	params, ok := res.LatestParams()
	if !ok {
		return Decision{}, ErrNoParams
	}
	key := Key(res.Strategy, res.Symbol)
	d := Decision{Key: key, Score: res.RobustnessScore, Threshold: s.threshold}
	if res.Partial {
		d.Reason = "partial run"
		return d, nil
	}
	if res.RobustnessScore < s.threshold {
		d.Reason = fmt.Sprintf("robustness %.2f below %.2f", res.RobustnessScore, s.threshold)
		s.log.Info("parameters not adopted", "key", key, "score", res.RobustnessScore, "threshold", s.threshold)
		return d, nil
	}

	entry := Adopted{
		Strategy:        res.Strategy,
		Symbol:          strings.ToUpper(res.Symbol),
		Params:          params,
		RobustnessScore: metrics.Round(res.RobustnessScore),
		RunID:           runID,
		AdoptedAt:       s.now().UTC(),
	}
	s.Set(entry)

	d.Adopted = true
	d.Reason = "adopted " + params.String()
	s.log.Info("parameters adopted", "key", key, "score", res.RobustnessScore, "params", params.String())
	return d, nil
}

// Set stores an entry, persists to disk, and broadcasts to subscribers.
func (s *Store) Set(entry Adopted) {
	entry.Symbol = strings.ToUpper(entry.Symbol)
	key := entry.Key()
	s.mu.Lock()
	s.params[key] = entry
	s.flush()
	s.mu.Unlock()

	s.broadcast(Event{Type: "adopt", Key: key, Entry: &entry})
}

// Get returns the entry for a strategy and symbol.
func (s *Store) Get(strategyName, symbol string) (Adopted, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.params[Key(strategyName, symbol)]
	return a, ok
}

// Snapshot returns a copy of every entry.
func (s *Store) Snapshot() map[string]Adopted {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Adopted, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

// List returns every entry ordered by key.
func (s *Store) List() []Adopted {
	snap := s.Snapshot()
	out := make([]Adopted, 0, len(snap))
	for _, a := range snap {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Delete removes an entry, persists to disk, and broadcasts to subscribers.
func (s *Store) Delete(strategyName, symbol string) {
	key := Key(strategyName, symbol)
	s.mu.Lock()
	delete(s.params, key)
	s.flush()
	s.mu.Unlock()

	s.broadcast(Event{Type: "delete", Key: key})
}

// Subscribe returns a channel that receives events, starting with a
// snapshot. bufSize controls the channel buffer; slow consumers will have
// events dropped.
func (s *Store) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, max(bufSize, 1))
	ch <- Event{Type: "snapshot", Data: s.Snapshot()}

	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.subsMu.Lock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (s *Store) broadcast(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.log.Debug("subscriber full, event dropped", "sub", id, "type", e.Type)
		}
	}
}

// load reads the JSON file into memory.
func (s *Store) load() {
	if s.filePath == "" {
		return
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return // not written yet
	}
	var loaded map[string]Adopted
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("loading tradeparams file", "error", err)
		return
	}
	s.params = loaded
	s.log.Info("loaded tradeparams", "entries", len(loaded))
}

// flush writes the in-memory state to disk. Must be called with mu held.
func (s *Store) flush() {
	if s.filePath == "" {
		return
	}
	data, err := json.MarshalIndent(s.params, "", "  ")
	if err != nil {
		s.log.Error("marshalling tradeparams", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		s.log.Error("creating tradeparams dir", "error", err)
		return
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Error("writing tradeparams file", "error", err)
		return
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		s.log.Error("replacing tradeparams file", "error", err)
	}
}
