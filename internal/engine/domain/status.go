package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// KeyExecutorEnabled gates whether the scheduler processes events.
const KeyExecutorEnabled = "executor_enabled"

// SystemStatus is the shared map of named flags consulted by status checks.
type SystemStatus struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSystemStatus constructs a status map seeded with initial values.
func NewSystemStatus(initial map[string]any) *SystemStatus {
	s := &SystemStatus{values: make(map[string]any, len(initial)+1)}
	s.values[KeyExecutorEnabled] = true
	for k, v := range initial {
		s.values[k] = v
	}
	return s
}

// Get returns a raw status value.
func (s *SystemStatus) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Value returns a status value formatted for predicate evaluation.
func (s *SystemStatus) Value(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	return FormatStatusValue(v), true
}

// Merge applies updates and returns the keys that changed, sorted.
func (s *SystemStatus) Merge(updates map[string]any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make([]string, 0, len(updates))
	for k, v := range updates {
		if old, ok := s.values[k]; ok && FormatStatusValue(old) == FormatStatusValue(v) {
			continue
		}
		s.values[k] = v
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}

// Snapshot returns a copy of the map.
func (s *SystemStatus) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Enabled reports the executor_enabled flag. A missing flag counts as enabled.
func (s *SystemStatus) Enabled() bool {
	v, ok := s.Get(KeyExecutorEnabled)
	if !ok {
		return true
	}
	return Truthy(v)
}

// FormatStatusValue renders a status value as a predicate operand.
func FormatStatusValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}

// Truthy interprets bools, numbers and common strings as a flag.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on", "enabled":
			return true
		}
		return false
	default:
		n, err := strconv.ParseFloat(FormatStatusValue(t), 64)
		return err == nil && n != 0
	}
}
