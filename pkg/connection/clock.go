package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TokenGuard hands out connection epochs. A token is valid only while it is
// the newest one issued, so any newer connect or disconnect invalidates every
// attempt in flight.
type TokenGuard struct {
	epoch atomic.Uint64
}

// NextToken advances the epoch and returns it.
func (g *TokenGuard) NextToken() uint64 {
	return g.epoch.Add(1)
}

// IsValid reports whether token is the current epoch.
func (g *TokenGuard) IsValid(token uint64) bool {
	return g.epoch.Load() == token
}

// Current returns the current epoch.
func (g *TokenGuard) Current() uint64 {
	return g.epoch.Load()
}

// History is the connection history shared across processes.
type History struct {
	LastDisconnect time.Time
	LastQuotaError time.Time
}

// HistoryStore persists History outside the process.
type HistoryStore interface {
	Load(ctx context.Context) (History, error)
	RecordDisconnect(ctx context.Context, at time.Time) error
	RecordQuotaError(ctx context.Context, at time.Time) error
	ClearQuotaError(ctx context.Context) error
}

// ClockDeps are the optional collaborators of a Clock.
type ClockDeps struct {
	Now    func() time.Time
	Store  HistoryStore
	Logger *slog.Logger
	// StoreTimeout bounds each store call. Default: 500ms
	StoreTimeout time.Duration
}

// Clock is the connection history every session in a process shares: the
// epoch, the last disconnect and quota error timestamps, and the tracker of
// open sockets. Pass one Clock to every lifecycle that must not overlap.
type Clock struct {
	TokenGuard

	now          func() time.Time
	store        HistoryStore
	logger       *slog.Logger
	storeTimeout time.Duration
	sockets      *Tracker

	mu             sync.Mutex
	lastDisconnect time.Time
	lastQuotaError time.Time
}

// NewClock creates an independent connection clock.
func NewClock(deps ClockDeps) *Clock {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = 500 * time.Millisecond
	}
	return &Clock{
		now:          deps.Now,
		store:        deps.Store,
		logger:       deps.Logger,
		storeTimeout: deps.StoreTimeout,
		sockets:      NewTracker(deps.Logger),
	}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	return c.now()
}

// Sockets returns the process-wide socket tracker.
func (c *Clock) Sockets() *Tracker {
	return c.sockets
}

// LastDisconnect returns when the last socket was released.
func (c *Clock) LastDisconnect() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDisconnect
}

// LastQuotaError returns when the provider last rejected a session for
// quota, or zero.
func (c *Clock) LastQuotaError() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuotaError
}

// RecordDisconnect stamps the last-disconnect time with Now.
func (c *Clock) RecordDisconnect() {
	at := c.now()
	c.mu.Lock()
	if at.After(c.lastDisconnect) {
		c.lastDisconnect = at
	}
	c.mu.Unlock()
	c.withStore("record_disconnect", func(ctx context.Context) error {
		return c.store.RecordDisconnect(ctx, at)
	})
}

// RecordQuotaError stamps the last-quota-error time with Now.
func (c *Clock) RecordQuotaError() {
	at := c.now()
	c.mu.Lock()
	if at.After(c.lastQuotaError) {
		c.lastQuotaError = at
	}
	c.mu.Unlock()
	c.withStore("record_quota_error", func(ctx context.Context) error {
		return c.store.RecordQuotaError(ctx, at)
	})
}

// ClearQuotaError forgets the last quota error.
func (c *Clock) ClearQuotaError() {
	c.mu.Lock()
	c.lastQuotaError = time.Time{}
	c.mu.Unlock()
	c.withStore("clear_quota_error", func(ctx context.Context) error {
		return c.store.ClearQuotaError(ctx)
	})
}

// Refresh merges the store's history into the clock, newest timestamp
// winning. Store failures are logged and ignored.
func (c *Clock) Refresh(ctx context.Context) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	h, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("connection history refresh failed", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.LastDisconnect.After(c.lastDisconnect) {
		c.lastDisconnect = h.LastDisconnect
	}
	if h.LastQuotaError.After(c.lastQuotaError) {
		c.lastQuotaError = h.LastQuotaError
	}
}

func (c *Clock) withStore(op string, fn func(ctx context.Context) error) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.logger.Warn("connection history store failed", "op", op, "error", err)
	}
}
