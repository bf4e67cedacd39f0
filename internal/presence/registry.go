// Package presence tracks which users hold a live hub connection.
//
// The in-process map is authoritative for routing. Presence persisted through
// the store, and the optional Redis mirror, are best-effort side effects.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

// Conn is a live, authenticated connection the hub can push frames to.
type Conn interface {
	ID() string
	Send(v any) error
}

// Mirror receives every presence transition. Failures are logged only.
type Mirror interface {
	SetOnline(ctx context.Context, userID, connID string, at time.Time) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
	Touch(ctx context.Context, userID string) error
}

type Config struct {
	Store   store.PresenceStore
	Mirror  Mirror
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	// StoreTimeout bounds each presence write. Defaults to 2s.
	StoreTimeout time.Duration
}

type Registry struct {
	store        store.PresenceStore
	mirror       Mirror
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	storeTimeout time.Duration

	// transMu orders transitions so presence writes land in registry order.
	transMu sync.Mutex

	mu     sync.RWMutex
	conns  map[string]Conn
	closed bool
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		store:        cfg.Store,
		mirror:       cfg.Mirror,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		storeTimeout: cfg.StoreTimeout,
		conns:        make(map[string]Conn),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.storeTimeout <= 0 {
		r.storeTimeout = 2 * time.Second
	}
	return r
}

// Register makes conn the live connection for userID. A previous connection
// is replaced but not closed; it is returned so the caller can log or close
// it.
func (r *Registry) Register(ctx context.Context, userID string, conn Conn) (evicted Conn) {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	prev, had := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if had && prev != conn {
		evicted = prev
		r.metrics.Inc(metrics.RegistryEvicted)
		r.logger.Info("presence: replaced live connection",
			"user_id", userID, "old_conn_id", prev.ID(), "new_conn_id", conn.ID())
	}

	r.markOnline(ctx, userID, conn.ID())
	return evicted
}

// Unregister removes userID only if conn is still the registered connection.
// A late disconnect from a replaced connection leaves the newer one in place.
func (r *Registry) Unregister(ctx context.Context, userID string, conn Conn) bool {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	r.mu.Lock()
	cur, ok := r.conns[userID]
	if !ok || cur != conn {
		r.mu.Unlock()
		if ok {
			r.metrics.Inc(metrics.RegistryStaleUnregister)
			r.logger.Debug("presence: ignoring stale unregister",
				"user_id", userID, "conn_id", conn.ID(), "live_conn_id", cur.ID())
		}
		return false
	}
	delete(r.conns, userID)
	r.mu.Unlock()

	r.markOffline(ctx, userID)
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// ListOnline returns a sorted snapshot of connected user IDs.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Touch refreshes the mirror's TTL for a live user.
func (r *Registry) Touch(ctx context.Context, userID string) {
	if r.mirror == nil {
		return
	}
	if _, ok := r.Lookup(userID); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	if err := r.mirror.Touch(ctx, userID); err != nil {
		r.metrics.Inc(metrics.PresenceMirrorFailed)
		r.logger.Warn("presence: mirror touch failed", "user_id", userID, "err", err)
	}
}

// Close marks every registered user offline and empties the registry. Later
// Register calls are ignored.
func (r *Registry) Close(ctx context.Context) {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	r.mu.Lock()
	users := make([]string, 0, len(r.conns))
	for id := range r.conns {
		users = append(users, id)
	}
	r.conns = make(map[string]Conn)
	r.closed = true
	r.mu.Unlock()

	sort.Strings(users)
	for _, id := range users {
		r.markOffline(ctx, id)
	}
}

func (r *Registry) markOnline(ctx context.Context, userID, connID string) {
	at := r.now()
	r.writeStore(ctx, userID, store.StatusOnline, at)
	if r.mirror == nil {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()
	if err := r.mirror.SetOnline(mctx, userID, connID, at); err != nil {
		r.metrics.Inc(metrics.PresenceMirrorFailed)
		r.logger.Warn("presence: mirror online failed", "user_id", userID, "err", err)
	}
}

func (r *Registry) markOffline(ctx context.Context, userID string) {
	at := r.now()
	r.writeStore(ctx, userID, store.StatusOffline, at)
	if r.mirror == nil {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()
	if err := r.mirror.SetOffline(mctx, userID, at); err != nil {
		r.metrics.Inc(metrics.PresenceMirrorFailed)
		r.logger.Warn("presence: mirror offline failed", "user_id", userID, "err", err)
	}
}

// writeStore detaches from ctx cancellation: a disconnect usually arrives with
// the connection's context already done, and the offline write must still run.
func (r *Registry) writeStore(ctx context.Context, userID string, status store.PresenceStatus, at time.Time) {
	if r.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()
	err := r.store.SetPresence(sctx, userID, status, at)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		// Unauthenticated modes accept user IDs the store has never seen.
		r.logger.Debug("presence: user not in store", "user_id", userID)
	default:
		r.metrics.Inc(metrics.PresenceStoreFailed)
		r.logger.Warn("presence: store update failed",
			"user_id", userID, "status", string(status), "err", err)
	}
}
