// Package refresh coordinates access-token refreshes so that any number of
// requests failing with 401 at the same time share a single refresh call.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-authgate/session-cli/apierr"
	"github.com/go-authgate/session-cli/logx"
	"github.com/go-authgate/session-cli/session"
)

// State is the coordinator's refresh state.
type State int

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

// DefaultTimeout bounds a refresh call when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

var (
	// ErrEmptyToken is the cause reported when the refresh endpoint answers
	// successfully but without an access token.
	ErrEmptyToken = errors.New("refresh returned no access token")

	errAborted = errors.New("refresh aborted")
)

// Result is what a successful refresh yields.
type Result struct {
	AccessToken string
	User        *session.User // nil keeps the stored user
}

// Refresher performs the refresh network call.
type Refresher interface {
	Refresh(ctx context.Context) (*Result, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (*Result, error)

func (f RefresherFunc) Refresh(ctx context.Context) (*Result, error) {
	return f(ctx)
}

// SessionStore is the part of session.TokenStore the coordinator writes to.
type SessionStore interface {
	Renew(ctx context.Context, token string, user *session.User) error
	ClearSession(ctx context.Context)
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds each refresh call.
	Timeout time.Duration

	// OnExpired runs once per failed refresh cycle, after the session has been
	// cleared and every waiter released. The error is an
	// apierr.KindAuthenticationExpired error.
	OnExpired func(err error)

	Logger *slog.Logger
}

type outcome struct {
	token string
	err   error
}

// Coordinator runs at most one refresh at a time. Callers that hit 401 while
// a refresh is running queue behind it and receive its outcome in FIFO order.
type Coordinator struct {
	refresher Refresher
	store     SessionStore
	timeout   time.Duration
	onExpired func(error)
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	waiters []chan outcome
	cycles  int
}

// NewCoordinator returns an idle Coordinator.
func NewCoordinator(refresher Refresher, store SessionStore, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logx.Discard()
	}
	return &Coordinator{
		refresher: refresher,
		store:     store,
		timeout:   cfg.Timeout,
		onExpired: cfg.OnExpired,
		logger:    cfg.Logger,
	}
}

// Handle is called by a request that received 401 and has not been retried
// yet. It returns the token to retry with, or an AuthenticationExpired error
// when the refresh failed.
//
// The first caller while Idle runs the refresh; callers arriving while it
// runs wait for its outcome. If ctx ends while waiting, Handle returns
// ctx.Err() and the refresh carries on for everyone else.
func (c *Coordinator) Handle(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state == Refreshing {
		w := make(chan outcome, 1)
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()

		select {
		case o := <-w:
			return o.token, o.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.state = Refreshing
	c.mu.Unlock()

	return c.run(ctx)
}

// run performs the refresh for the triggering caller. The call is detached
// from the caller's cancellation so that it always settles.
func (c *Coordinator) run(ctx context.Context) (string, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	settled := false
	defer func() {
		if !settled {
			c.settle(outcome{err: apierr.Expired(errAborted)})
		}
	}()

	start := time.Now()
	c.logger.Debug("refreshing access token")

	res, err := c.refresher.Refresh(rctx)
	if err == nil && (res == nil || res.AccessToken == "") {
		err = ErrEmptyToken
	}

	// The refresh call may have used up rctx; session writes get their own.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer scancel()

	if err == nil {
		err = c.store.Renew(sctx, res.AccessToken, res.User)
	}

	if err != nil {
		c.logger.Warn("access token refresh failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		c.store.ClearSession(sctx)
		expired := apierr.Expired(err)
		n := c.settle(outcome{err: expired})
		settled = true
		c.logger.Debug("released waiters", "count", n)
		if c.onExpired != nil {
			c.onExpired(expired)
		}
		return "", expired
	}

	n := c.settle(outcome{token: res.AccessToken})
	settled = true
	c.logger.Info("access token refreshed",
		"waiters", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res.AccessToken, nil
}

// settle hands o to every queued waiter in arrival order and returns to Idle
// in the same critical section, so no caller can see Idle while a waiter of
// the finished cycle is still unresolved.
func (c *Coordinator) settle(o outcome) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		w <- o
	}
	c.state = Idle
	c.cycles++
	return len(waiters)
}

// State reports whether a refresh is running.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Waiting reports how many callers are queued behind the running refresh.
func (c *Coordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Cycles reports how many refresh cycles have completed.
func (c *Coordinator) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}
