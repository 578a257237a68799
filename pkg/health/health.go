// Package health keeps a score in [0,1] per transport and derives the
// device's connectivity level from those scores.
package health

import (
	"sort"
	"sync"
	"time"
)

// Kind identifies a transport. The values match transport.Kind.
type Kind string

// Level is the coarse connectivity classification used by the selector.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelPoor      Level = "poor"
	LevelOffline   Level = "offline"
)

// Ordinal returns 3 for excellent down to 0 for offline, for gauges.
func (l Level) Ordinal() int {
	switch l {
	case LevelExcellent:
		return 3
	case LevelGood:
		return 2
	case LevelPoor:
		return 1
	}
	return 0
}

// Record is the health state of one transport.
type Record struct {
	Kind              Kind      `json:"transport"`
	Score             float64   `json:"score"`
	Connected         bool      `json:"connected"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastSuccessAt     time.Time `json:"last_success_at,omitempty"`
	LastFailureAt     time.Time `json:"last_failure_at,omitempty"`
	// Pinned holds Score at 0 after reconnect exhaustion until Unpin or Reset.
	Pinned bool `json:"pinned"`
}

// Config tunes scoring and the level thresholds.
type Config struct {
	SuccessIncrement float64 `yaml:"success_increment"`
	FailureDecrement float64 `yaml:"failure_decrement"`
	ExcellentAt      float64 `yaml:"excellent_at"`
	GoodAt           float64 `yaml:"good_at"`
	PoorAt           float64 `yaml:"poor_at"`
}

// DefaultConfig returns +0.1 / -0.2 scoring with 0.8 / 0.5 / 0.2 thresholds.
func DefaultConfig() Config {
	return Config{
		SuccessIncrement: 0.1,
		FailureDecrement: 0.2,
		ExcellentAt:      0.8,
		GoodAt:           0.5,
		PoorAt:           0.2,
	}
}

// Observer is notified after every score change, outside the lock.
type Observer func(rec Record)

// Assessor owns the health records of all configured transports.
type Assessor struct {
	mu       sync.RWMutex
	cfg      Config
	records  map[Kind]*Record
	now      func() time.Time
	observer Observer
}

// Option customises an Assessor.
type Option func(*Assessor)

// WithClock replaces the time source for last success/failure stamps.
func WithClock(now func() time.Time) Option {
	return func(a *Assessor) { a.now = now }
}

// WithObserver registers a callback for score changes, e.g. a metrics gauge.
func WithObserver(o Observer) Option {
	return func(a *Assessor) { a.observer = o }
}

// NewAssessor creates records for kinds, each starting at score 1.0.
func NewAssessor(cfg Config, kinds []Kind, opts ...Option) *Assessor {
	a := &Assessor{
		cfg:     cfg,
		records: make(map[Kind]*Record, len(kinds)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, k := range kinds {
		a.records[k] = &Record{Kind: k, Score: 1.0}
	}
	return a
}

// Kinds returns the configured transports in sorted order.
func (a *Assessor) Kinds() []Kind {
	a.mu.RLock()
	defer a.mu.RUnlock()
	kinds := make([]Kind, 0, len(a.records))
	for k := range a.records {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// update applies fn to the record for k and notifies the observer.
func (a *Assessor) update(k Kind, fn func(r *Record)) {
	a.mu.Lock()
	r, ok := a.records[k]
	if !ok {
		a.mu.Unlock()
		return
	}
	fn(r)
	if r.Pinned {
		r.Score = 0
	}
	r.Score = clamp(r.Score)
	snapshot := *r
	a.mu.Unlock()

	if a.observer != nil {
		a.observer(snapshot)
	}
}

// RecordSuccess raises k's score by the success increment, capped at 1.0.
// Pinned transports stay at 0.
func (a *Assessor) RecordSuccess(k Kind) {
	a.update(k, func(r *Record) {
		r.Score += a.cfg.SuccessIncrement
		r.LastSuccessAt = a.now()
	})
}

// RecordFailure lowers k's score by the failure decrement, floored at 0.
func (a *Assessor) RecordFailure(k Kind) {
	a.update(k, func(r *Record) {
		r.Score -= a.cfg.FailureDecrement
		r.LastFailureAt = a.now()
	})
}

// SetConnected copies the transport's connection state into its record.
func (a *Assessor) SetConnected(k Kind, connected bool) {
	a.update(k, func(r *Record) { r.Connected = connected })
}

// SetReconnectAttempts records the current consecutive reconnect attempt count.
func (a *Assessor) SetReconnectAttempts(k Kind, n int) {
	a.update(k, func(r *Record) { r.ReconnectAttempts = n })
}

// Pin forces k's score to 0 until Unpin or Reset.
func (a *Assessor) Pin(k Kind) {
	a.update(k, func(r *Record) {
		r.Pinned = true
		r.Score = 0
	})
}

// Unpin releases a pin after an operator-initiated reconnect succeeded.
// The score restarts from 0 and recovers through successes.
func (a *Assessor) Unpin(k Kind) {
	a.update(k, func(r *Record) {
		r.Pinned = false
		r.ReconnectAttempts = 0
	})
}

// Reset restores k to a fresh record with score 1.0.
func (a *Assessor) Reset(k Kind) {
	a.update(k, func(r *Record) {
		connected := r.Connected
		*r = Record{Kind: k, Score: 1.0, Connected: connected}
	})
}

// Record returns a copy of k's record.
func (a *Assessor) Record(k Kind) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.records[k]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Score returns k's score, or 0 for an unconfigured kind.
func (a *Assessor) Score(k Kind) float64 {
	r, _ := a.Record(k)
	return r.Score
}

// Snapshot returns copies of every record keyed by kind.
func (a *Assessor) Snapshot() map[Kind]Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[Kind]Record, len(a.records))
	for k, r := range a.records {
		out[k] = *r
	}
	return out
}

// Assess derives the connectivity level from the current records.
func (a *Assessor) Assess() Level {
	return a.cfg.Classify(a.Snapshot())
}

// Mean averages score over records, counting disconnected transports as 0.
func Mean(records map[Kind]Record) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range records {
		if r.Connected {
			sum += r.Score
		}
	}
	return sum / float64(len(records))
}

// Classify maps the mean reachable score of records onto a Level.
func (c Config) Classify(records map[Kind]Record) Level {
	mean := Mean(records)
	switch {
	case mean >= c.ExcellentAt:
		return LevelExcellent
	case mean >= c.GoodAt:
		return LevelGood
	case mean >= c.PoorAt:
		return LevelPoor
	}
	return LevelOffline
}
