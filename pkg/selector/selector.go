// Package selector chooses the transport the dispatcher tries first, from
// the connectivity level and per-transport health, and records every switch.
package selector

import (
	"sync"
	"time"

	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
)

// Transport kinds known to the policy table.
const (
	Socket  health.Kind = "socket"
	Request health.Kind = "request"
	Broker  health.Kind = "broker"
)

// Reason explains why the current transport changed.
type Reason string

const (
	ReasonFallbackSuccess          Reason = "fallback_success"
	ReasonConnectivityOptimization Reason = "connectivity_optimization"
	ReasonManual                   Reason = "manual"
)

// SwitchRecord is one entry of the append-only switch log.
type SwitchRecord struct {
	From   health.Kind `json:"from"`
	To     health.Kind `json:"to"`
	Reason Reason      `json:"reason"`
	At     time.Time   `json:"at"`
}

// Rule is one row of a level's preference list. A zero MinScore with
// Unconditional set accepts the kind whatever its score.
type Rule struct {
	Kind          health.Kind
	MinScore      float64
	Unconditional bool
}

// Policy maps each connectivity level to its ordered preference list.
type Policy map[health.Level][]Rule

// DefaultPolicy is the preference table used by the edge service.
func DefaultPolicy() Policy {
	return Policy{
		health.LevelExcellent: {
			{Kind: Socket, MinScore: 0.8},
			{Kind: Request, MinScore: 0.8},
			{Kind: Broker, Unconditional: true},
		},
		health.LevelGood: {
			{Kind: Request, MinScore: 0.6},
			{Kind: Socket, MinScore: 0.7},
			{Kind: Broker, Unconditional: true},
		},
		health.LevelPoor: {
			{Kind: Broker, MinScore: 0.5},
			{Kind: Request, MinScore: 0.6},
			{Kind: Socket, Unconditional: true},
		},
		health.LevelOffline: {
			{Kind: Broker, Unconditional: true},
		},
	}
}

// DefaultFallbackOrder is the cascade order after the current transport fails.
var DefaultFallbackOrder = []health.Kind{Broker, Request, Socket}

// Selector holds the current transport and the switch log.
type Selector struct {
	mu       sync.RWMutex
	policy   Policy
	order    []health.Kind
	enabled  map[health.Kind]bool
	current  health.Kind
	switches []SwitchRecord
	now      func() time.Time
}

// Option customises a Selector.
type Option func(*Selector)

// WithPolicy replaces the default preference table.
func WithPolicy(p Policy) Option {
	return func(s *Selector) { s.policy = p }
}

// WithClock replaces the time source for switch records.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// New creates a selector over the configured kinds. order is the fallback
// order; only its configured members are kept. The initial current transport
// is the first configured kind of the excellent row, matching the all-healthy
// start state of the health records.
func New(configured []health.Kind, order []health.Kind, opts ...Option) *Selector {
	s := &Selector{
		policy:  DefaultPolicy(),
		enabled: make(map[health.Kind]bool, len(configured)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, k := range configured {
		s.enabled[k] = true
	}
	if len(order) == 0 {
		order = DefaultFallbackOrder
	}
	for _, k := range order {
		if s.enabled[k] {
			s.order = append(s.order, k)
		}
	}
	for _, k := range configured {
		if !contains(s.order, k) {
			s.order = append(s.order, k)
		}
	}
	s.current = s.pick(health.LevelExcellent, nil)
	return s
}

func contains(kinds []health.Kind, k health.Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// pick walks the level's rules. records may be nil, in which case every
// configured kind is treated as scoring 1.0.
func (s *Selector) pick(level health.Level, records map[health.Kind]health.Record) health.Kind {
	for _, rule := range s.policy[level] {
		if !s.enabled[rule.Kind] {
			continue
		}
		if rule.Unconditional {
			return rule.Kind
		}
		score := 1.0
		if records != nil {
			score = records[rule.Kind].Score
		}
		if score >= rule.MinScore {
			return rule.Kind
		}
	}
	if len(s.order) > 0 {
		return s.order[0]
	}
	return ""
}

// SelectOptimal returns the kind the policy prefers for level. It does not
// change the current transport.
func (s *Selector) SelectOptimal(level health.Level, records map[health.Kind]health.Record) health.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pick(level, records)
}

// Current returns the transport the dispatcher tries first.
func (s *Selector) Current() health.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// FallbackOrder returns the configured cascade order.
func (s *Selector) FallbackOrder() []health.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]health.Kind(nil), s.order...)
}

// Configured reports whether k is one of the selector's transports.
func (s *Selector) Configured(k health.Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[k]
}

// SwitchTo makes k current and logs the change. It returns false, and logs
// nothing, when k is already current or not configured.
func (s *Selector) SwitchTo(k health.Kind, reason Reason) (SwitchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled[k] || k == s.current {
		return SwitchRecord{}, false
	}
	rec := SwitchRecord{From: s.current, To: k, Reason: reason, At: s.now()}
	s.current = k
	s.switches = append(s.switches, rec)
	return rec, true
}

// Switches returns a copy of the switch log.
func (s *Selector) Switches() []SwitchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SwitchRecord(nil), s.switches...)
}
