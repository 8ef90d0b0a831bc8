package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	boards "meact/internal/boards/domain"
)

const (
	defaultMissRefreshInterval = 30 * time.Second
	defaultRefreshTimeout      = 5 * time.Second
)

// Registry caches the board map and refreshes it from a Source.
type Registry struct {
	source boards.Source
	sink   boards.Sink
	logger *slog.Logger

	current atomic.Pointer[map[string]string]

	missMu              sync.Mutex
	lastMissRefresh     time.Time
	missRefreshInterval time.Duration
	refreshTimeout      time.Duration
	now                 func() time.Time
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSink mirrors every refreshed board list into sink.
func WithSink(sink boards.Sink) Option {
	return func(r *Registry) {
		r.sink = sink
	}
}

// WithMissRefreshInterval limits how often an unknown board triggers a refresh.
// Zero disables refresh on miss.
func WithMissRefreshInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval >= 0 {
			r.missRefreshInterval = interval
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs a Registry. Call Refresh before use.
func NewRegistry(source boards.Source, opts ...Option) (*Registry, error) {
	if source == nil {
		return nil, errors.New("boards: nil source")
	}
	r := &Registry{
		source:              source,
		logger:              slog.Default(),
		missRefreshInterval: defaultMissRefreshInterval,
		refreshTimeout:      defaultRefreshTimeout,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := map[string]string{}
	r.current.Store(&empty)
	return r, nil
}

// Refresh reloads the board map and swaps it in. On error the previous map stays.
func (r *Registry) Refresh(ctx context.Context) error {
	if r == nil {
		return errors.New("boards: nil registry")
	}
	list, err := r.source.ListBoards(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]string, len(list))
	for _, board := range list {
		next[board.ID] = board.Description
	}
	r.current.Store(&next)
	r.logger.Info("board map refreshed", "boards", len(next))
	if r.sink != nil {
		if err := r.sink.Sync(ctx, list); err != nil {
			r.logger.Warn("board sync failed", "error", err)
		}
	}
	return nil
}

// Lookup returns the description of a board. An unknown id triggers a
// rate-limited refresh.
func (r *Registry) Lookup(boardID string) (string, bool) {
	if r == nil {
		return "", false
	}
	if desc, ok := (*r.current.Load())[boardID]; ok {
		return desc, true
	}
	if !r.shouldRefreshOnMiss() {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.refreshTimeout)
	defer cancel()
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("board refresh on miss failed", "board_id", boardID, "error", err)
		return "", false
	}
	desc, ok := (*r.current.Load())[boardID]
	return desc, ok
}

// Snapshot returns a copy of the board map.
func (r *Registry) Snapshot() map[string]string {
	if r == nil {
		return map[string]string{}
	}
	current := *r.current.Load()
	out := make(map[string]string, len(current))
	for id, desc := range current {
		out[id] = desc
	}
	return out
}

func (r *Registry) shouldRefreshOnMiss() bool {
	if r.missRefreshInterval <= 0 {
		return false
	}
	r.missMu.Lock()
	defer r.missMu.Unlock()
	now := r.now()
	if !r.lastMissRefresh.IsZero() && now.Sub(r.lastMissRefresh) < r.missRefreshInterval {
		return false
	}
	r.lastMissRefresh = now
	return true
}
