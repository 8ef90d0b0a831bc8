package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	engine "meact/internal/engine/domain"
)

// DefaultTimeout bounds actions registered without a timeout.
const DefaultTimeout = 10 * time.Second

// Exit codes reported for failures that carry no code of their own.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitPanic   = 254
	ExitTimeout = 255
)

var (
	// ErrDisabled is returned by actions whose config sets enabled=false.
	ErrDisabled = errors.New("actions: disabled")
	// ErrUnknownAction is returned when no action is registered under a name.
	ErrUnknownAction = errors.New("actions: unknown action")
)

// ExitError carries a process style exit status.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an action result to an exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExitTimeout
	}
	return ExitFailure
}

// Action runs one reaction for an event with its merged config.
type Action interface {
	Run(ctx context.Context, event engine.SensorEvent, config map[string]any) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, event engine.SensorEvent, config map[string]any) error

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context, event engine.SensorEvent, config map[string]any) error {
	return f(ctx, event, config)
}

// Entry is a registered action with its timeout.
type Entry struct {
	Name    string
	Action  Action
	Timeout time.Duration
}

// Registry maps action names to implementations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces an action. A non-positive timeout uses DefaultTimeout.
func (r *Registry) Register(name string, action Action, timeout time.Duration) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("actions: empty name")
	}
	if action == nil {
		return fmt.Errorf("actions: nil action %q", name)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = Entry{Name: name, Action: action, Timeout: timeout}
	return nil
}

// SetTimeout overrides the timeout of a registered action.
func (r *Registry) SetTimeout(name string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	if timeout > 0 {
		entry.Timeout = timeout
		r.entries[name] = entry
	}
	return nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled reports the "enabled" flag of a config. Missing means enabled.
func Enabled(config map[string]any) bool {
	v, ok := config["enabled"]
	if !ok {
		return true
	}
	return engine.Truthy(v)
}

func configString(config map[string]any, key string) string {
	v, ok := config[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(engine.FormatStatusValue(v))
}

func configStrings(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(engine.FormatStatusValue(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{engine.FormatStatusValue(v)}
	}
}
