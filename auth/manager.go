// Package auth centralizes OAuth access-token lifecycle for source
// connectors: proactive refresh on a fixed interval, reactive refresh
// after an unauthorized response, and coalescing of concurrent refresh
// attempts so that a pool of workers never stampedes a token endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// refreshInterval is how long a refreshed token is trusted before the
// next Token call refreshes proactively. Tokens commonly live an hour;
// refreshing well inside that window keeps long-running syncs from ever
// presenting an expired token.
const refreshInterval = 25 * time.Minute

// expirySafety is subtracted from a JWT exp claim when deciding
// freshness, so a token is replaced before the wire sees it expire.
const expirySafety = 5 * time.Minute

// ErrNotRefreshable reports a refresh attempt against a directly
// injected token, which the engine has no means of renewing.
var ErrNotRefreshable = errors.New("access token is not refreshable")

// RefreshError wraps any failure to obtain a fresh access token. The
// manager's current token is left unchanged when one is returned.
type RefreshError struct {
	Cause error
}

func (e *RefreshError) Error() string { return fmt.Sprintf("refreshing access token: %v", e.Cause) }
func (e *RefreshError) Unwrap() error { return e.Cause }

// Refresher obtains a new access token. Implementations cover the auth
// provider delegation, OAuth refresh-token grant, and client-credentials
// grant paths; a nil Refresher marks a directly injected token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Manager guards a single connection's access token.
//
// Reads take the read lock and return immediately while the token is
// fresh. A stale read upgrades to the write lock, re-checks freshness
// (another goroutine may have refreshed first), and performs at most one
// refresh. A zero lastRefresh means the initial token's age is unknown,
// so the first refreshable access always refreshes.
type Manager struct {
	mu          sync.RWMutex
	token       string
	lastRefresh time.Time

	refresher Refresher
	interval  time.Duration
	persist   func(ctx context.Context, token string) error
	logger    *log.Entry
}

// Option customizes a Manager.
type Option func(*Manager)

// WithInterval overrides the proactive refresh interval.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithPersist registers a callback invoked with each newly obtained
// token. The callback must capture its own store handle rather than a
// per-worker one, since refreshes run on whichever worker noticed
// staleness. Persistence errors are logged and do not fail the refresh.
func WithPersist(fn func(ctx context.Context, token string) error) Option {
	return func(m *Manager) { m.persist = fn }
}

// WithLogger scopes the manager's log output.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a Manager over an initial token. A nil refresher
// marks the token as directly injected: it is served as-is and a 401
// against it is terminal for the run.
func NewManager(initial string, refresher Refresher, opts ...Option) *Manager {
	var m = &Manager{
		token:     initial,
		refresher: refresher,
		interval:  refreshInterval,
		logger:    log.NewEntry(log.StandardLogger()),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Token returns a valid access token, refreshing first if the current
// one is stale. Concurrent calls during a refresh coalesce onto the
// single in-flight attempt and all observe its outcome.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	var token, fresh = m.token, m.freshLocked(time.Now())
	m.mu.RUnlock()

	if fresh || m.refresher == nil {
		return token, nil
	}
	return m.refreshLocked(ctx, "")
}

// RefreshOnUnauthorized forces a refresh after the caller received an
// unauthorized response using |stale|. If another goroutine already
// replaced that token, the replacement is returned without a second
// round trip to the token endpoint.
func (m *Manager) RefreshOnUnauthorized(ctx context.Context, stale string) (string, error) {
	return m.refreshLocked(ctx, stale)
}

// refreshLocked performs a single refresh under the write lock. A
// non-empty |stale| makes the refresh conditional on the current token
// still being that value; an empty one re-checks freshness instead.
func (m *Manager) refreshLocked(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refresher == nil {
		return "", &RefreshError{Cause: ErrNotRefreshable}
	}
	if stale != "" && m.token != stale {
		// Another worker already rotated past the failing token.
		return m.token, nil
	}
	if stale == "" && m.freshLocked(time.Now()) {
		return m.token, nil
	}

	var token, err = m.refresher.Refresh(ctx)
	if err != nil {
		tokenRefreshes.WithLabelValues("error").Inc()
		return "", &RefreshError{Cause: err}
	}
	m.token = token
	m.lastRefresh = time.Now()
	tokenRefreshes.WithLabelValues("ok").Inc()

	if m.persist != nil {
		if err = m.persist(ctx, token); err != nil {
			m.logger.WithField("err", err).Warn("failed to persist refreshed token")
		}
	}
	m.logger.Debug("refreshed access token")

	return m.token, nil
}

// freshLocked reports whether the current token may still be served.
// Callers hold at least the read lock.
func (m *Manager) freshLocked(now time.Time) bool {
	if m.lastRefresh.IsZero() {
		return false
	}
	if now.Sub(m.lastRefresh) >= m.interval {
		return false
	}
	if exp, ok := jwtExpiry(m.token); ok && !now.Before(exp.Add(-expirySafety)) {
		return false
	}
	return true
}

// jwtExpiry extracts the exp claim from a JWT-shaped token without
// verifying its signature. Opaque tokens simply report no expiry.
func jwtExpiry(token string) (time.Time, bool) {
	var claims = jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	var exp, err = claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
