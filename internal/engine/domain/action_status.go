package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// StatusKey identifies one action status entry.
type StatusKey struct {
	RuleID     string `json:"rule_id"`
	BoardID    string `json:"board_id"`
	SensorType string `json:"sensor_type"`
}

// FireLog persists successful firings so rate limiting survives restarts.
type FireLog interface {
	LastFireTime(ctx context.Context, ruleID, boardID, sensorType string) (time.Time, bool, error)
	RecordFire(ctx context.Context, ruleID, boardID, sensorType string, at time.Time) error
}

// ActionStatus is the bookkeeping for one rule, board and sensor type.
type ActionStatus struct {
	Key            StatusKey   `json:"key"`
	LastFired      time.Time   `json:"last_fired"`
	RecentFailures []time.Time `json:"recent_failures"`
	History        []string    `json:"history,omitempty"`
}

// ActionStatusStore tracks firing and suppression state per rule, board and sensor type.
type ActionStatusStore struct {
	mu      sync.Mutex
	entries map[StatusKey]*ActionStatus
	fireLog FireLog
	logger  *slog.Logger
}

// StoreOption configures ActionStatusStore.
type StoreOption func(*ActionStatusStore)

// WithFireLog enables write-through of firings.
func WithFireLog(log FireLog) StoreOption {
	return func(s *ActionStatusStore) {
		s.fireLog = log
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *ActionStatusStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewActionStatusStore constructs an empty store.
func NewActionStatusStore(opts ...StoreOption) *ActionStatusStore {
	s := &ActionStatusStore{
		entries: make(map[StatusKey]*ActionStatus),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// EnsureEntry creates the entry if missing. New entries are seeded from the
// fire log when one is configured.
func (s *ActionStatusStore) EnsureEntry(ctx context.Context, key StatusKey) {
	s.mu.Lock()
	_, ok := s.entries[key]
	s.mu.Unlock()
	if ok {
		return
	}

	var lastFired time.Time
	if s.fireLog != nil {
		at, found, err := s.fireLog.LastFireTime(ctx, key.RuleID, key.BoardID, key.SensorType)
		switch {
		case err != nil:
			s.logger.Warn("fire log lookup failed", "rule_id", key.RuleID, "board_id", key.BoardID, "sensor_type", key.SensorType, "error", err)
		case found:
			lastFired = at
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		s.entries[key] = &ActionStatus{Key: key, LastFired: lastFired}
	}
}

// PruneFailures drops failures older than now-failInterval and returns the window size.
func (s *ActionStatusStore) PruneFailures(key StatusKey, failInterval time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entry(key)
	cutoff := now.Add(-failInterval)
	idx := sort.Search(len(entry.RecentFailures), func(i int) bool {
		return !entry.RecentFailures[i].Before(cutoff)
	})
	if idx > 0 {
		entry.RecentFailures = append(entry.RecentFailures[:0:0], entry.RecentFailures[idx:]...)
	}
	return len(entry.RecentFailures)
}

// RegisterFailure records a suppressed observation and returns the new window size.
func (s *ActionStatusStore) RegisterFailure(key StatusKey, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entry(key)
	failures := entry.RecentFailures
	idx := sort.Search(len(failures), func(i int) bool { return failures[i].After(now) })
	failures = append(failures, time.Time{})
	copy(failures[idx+1:], failures[idx:])
	failures[idx] = now
	entry.RecentFailures = failures
	return len(failures)
}

// HasExceededFailThreshold reports whether the window holds at least failCount failures.
func (s *ActionStatusStore) HasExceededFailThreshold(key StatusKey, failCount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entry(key).RecentFailures) >= failCount
}

// TimeSinceLastFire returns the time elapsed since the last successful firing.
// An entry that never fired reports the time since the Unix epoch.
func (s *ActionStatusStore) TimeSinceLastFire(key StatusKey, now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.entry(key).LastFired
	if last.IsZero() {
		last = time.Unix(0, 0)
	}
	return now.Sub(last)
}

// RecordFire stores a successful firing and writes it through to the fire log.
func (s *ActionStatusStore) RecordFire(ctx context.Context, key StatusKey, now time.Time) error {
	s.mu.Lock()
	s.entry(key).LastFired = now
	s.mu.Unlock()

	if s.fireLog == nil {
		return nil
	}
	return s.fireLog.RecordFire(ctx, key.RuleID, key.BoardID, key.SensorType, now)
}

// History returns the buffered threshold values, oldest first.
func (s *ActionStatusStore) History(key StatusKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.entry(key).History
	out := make([]string, len(history))
	copy(out, history)
	return out
}

// AppendHistory buffers a value, keeping at most limit entries.
func (s *ActionStatusStore) AppendHistory(key StatusKey, value string, limit int) {
	if limit <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entry(key)
	entry.History = append(entry.History, value)
	if over := len(entry.History) - limit; over > 0 {
		entry.History = append(entry.History[:0:0], entry.History[over:]...)
	}
}

// Len returns the number of entries.
func (s *ActionStatusStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns copies of every entry ordered by key.
func (s *ActionStatusStore) Snapshot() []ActionStatus {
	s.mu.Lock()
	out := make([]ActionStatus, 0, len(s.entries))
	for _, entry := range s.entries {
		cp := *entry
		cp.RecentFailures = append([]time.Time(nil), entry.RecentFailures...)
		cp.History = append([]string(nil), entry.History...)
		out = append(out, cp)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.SensorType != b.SensorType {
			return a.SensorType < b.SensorType
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.BoardID < b.BoardID
	})
	return out
}

// entry returns the entry for key, creating it lazily. Caller holds mu.
func (s *ActionStatusStore) entry(key StatusKey) *ActionStatus {
	entry, ok := s.entries[key]
	if !ok {
		entry = &ActionStatus{Key: key}
		s.entries[key] = entry
	}
	return entry
}
