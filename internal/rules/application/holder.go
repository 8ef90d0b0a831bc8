package application

import (
	"sync/atomic"
	"time"

	rules "meact/internal/rules/domain"
)

// Holder publishes the active rule set. Readers get either the old or the
// new set in full; there is no partially swapped state.
type Holder struct {
	current atomic.Pointer[rules.RuleSet]
}

// NewHolder constructs a Holder. A nil initial set is replaced by an empty one.
func NewHolder(initial *rules.RuleSet) *Holder {
	h := &Holder{}
	if initial == nil {
		initial = rules.NewRuleSet(nil, time.Time{})
	}
	h.current.Store(initial)
	return h
}

// Current returns the active rule set.
func (h *Holder) Current() *rules.RuleSet {
	if h == nil {
		return nil
	}
	return h.current.Load()
}

// Swap installs next and returns the previous set. Nil is ignored.
func (h *Holder) Swap(next *rules.RuleSet) *rules.RuleSet {
	if h == nil || next == nil {
		return h.Current()
	}
	return h.current.Swap(next)
}
