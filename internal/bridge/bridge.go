// Package bridge filters hub state-change events and fans them out to
// a handler, typically the MQTT publisher. Filtering is by entity-id
// glob; a per-entity sliding-window rate limiter keeps chatty sensors
// from flooding downstream consumers.
package bridge

import (
	"encoding/json"
	"log/slog"
	"path"
	"sync"
	"time"
)

// StateChange is one entity state transition.
type StateChange struct {
	EntityID string `json:"entity_id"`
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// Handler receives state changes that pass the filter and limiter.
type Handler func(change StateChange)

// EntityFilter selects which entity IDs to process using glob patterns.
// An empty filter matches all entities.
type EntityFilter struct {
	patterns []string
	logger   *slog.Logger
}

// NewEntityFilter creates an entity filter from glob patterns. Patterns
// use [path.Match] syntax (e.g., "light.*", "binary_sensor.*door*").
// An empty pattern list means all entities match.
func NewEntityFilter(globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityFilter{patterns: globs, logger: logger}
}

// Match reports whether the entity ID matches at least one pattern.
// If no patterns are configured, Match always returns true.
func (f *EntityFilter) Match(entityID string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		matched, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("glob match error", "pattern", pat, "entity_id", entityID, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// EntityRateLimiter enforces a per-entity sliding window rate limit.
// A limit of zero disables rate limiting entirely.
type EntityRateLimiter struct {
	limit    int
	window   time.Duration
	mu       sync.Mutex
	counters map[string][]time.Time
}

// NewEntityRateLimiter creates a rate limiter that allows at most
// perMinute events per entity within a one-minute sliding window.
// A perMinute value of zero disables rate limiting.
func NewEntityRateLimiter(perMinute int) *EntityRateLimiter {
	return &EntityRateLimiter{
		limit:    perMinute,
		window:   time.Minute,
		counters: make(map[string][]time.Time),
	}
}

// Allow reports whether a state change for the given entity should be
// processed.
func (r *EntityRateLimiter) Allow(entityID string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Prune expired entries.
	timestamps := r.counters[entityID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= r.limit {
		r.counters[entityID] = valid
		return false
	}

	r.counters[entityID] = append(valid, now)
	return true
}

// Cleanup removes counters whose timestamps have all expired, keeping
// the map bounded when entity IDs churn.
func (r *EntityRateLimiter) Cleanup() {
	if r.limit <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	for entityID, timestamps := range r.counters {
		if len(timestamps) == 0 {
			delete(r.counters, entityID)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(r.counters, entityID)
		}
	}
}

// Bridge parses state_changed events, applies the filter and limiter,
// and hands surviving changes to the handler. Its HandleEvent method
// is the hub subscription callback.
type Bridge struct {
	filter  *EntityFilter
	limiter *EntityRateLimiter
	handler Handler
	logger  *slog.Logger
}

// New creates a bridge. A nil filter or limiter disables that stage.
func New(filter *EntityFilter, limiter *EntityRateLimiter, handler Handler, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = NewEntityFilter(nil, logger)
	}
	if limiter == nil {
		limiter = NewEntityRateLimiter(0)
	}
	return &Bridge{filter: filter, limiter: limiter, handler: handler, logger: logger}
}

// event is the hub's state_changed event payload shape.
type event struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string `json:"entity_id"`
		OldState *struct {
			State string `json:"state"`
		} `json:"old_state"`
		NewState *struct {
			State string `json:"state"`
		} `json:"new_state"`
	} `json:"data"`
}

// HandleEvent processes one subscription event payload. Non-state
// events and entity removals (nil new state) are ignored.
func (b *Bridge) HandleEvent(raw json.RawMessage) error {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		b.logger.Debug("failed to unmarshal event", "error", err)
		return nil
	}
	if ev.EventType != "state_changed" {
		return nil
	}
	if ev.Data.NewState == nil {
		return nil
	}

	if !b.filter.Match(ev.Data.EntityID) {
		return nil
	}
	if !b.limiter.Allow(ev.Data.EntityID) {
		b.logger.Debug("rate limited state change", "entity_id", ev.Data.EntityID)
		return nil
	}

	change := StateChange{
		EntityID: ev.Data.EntityID,
		NewState: ev.Data.NewState.State,
	}
	if ev.Data.OldState != nil {
		change.OldState = ev.Data.OldState.State
	}

	b.handler(change)
	return nil
}
