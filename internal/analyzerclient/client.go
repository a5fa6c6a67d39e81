// Package analyzerclient implements the dispatcher-side half of the
// transport to one analyzer service kind: a pooled, health-checked,
// circuit-broken analyze(request, deadline) -> response operation.
package analyzerclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grabowmar/analysis-orchestrator/internal/breaker"
	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/transport"
	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
	"golang.org/x/time/rate"
)

// DefaultDeadlines are the spec's per-service analyze deadlines.
var DefaultDeadlines = map[task.ServiceKind]time.Duration{
	task.ServiceStatic:      300 * time.Second,
	task.ServiceDynamic:     900 * time.Second,
	task.ServicePerformance: 900 * time.Second,
	task.ServiceAI:          600 * time.Second,
}

// HealthState is the coarse health classification reported by Health().
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// Health is the result of a (possibly cached) health probe.
type Health struct {
	State       HealthState
	LastProbeAt time.Time
}

// Config configures one Client.
type Config struct {
	Kind        task.ServiceKind
	Dialer      transport.Dialer
	MaxPoolSize int           // default 4
	Deadline    time.Duration // default from DefaultDeadlines[Kind]
	HealthTTL   time.Duration // default 10s
	Breaker     breaker.Config
	// RateLimit caps steady-state request starts per second against this
	// service, smoothing bursts immediately after a half-open recovery.
	// Zero disables rate limiting.
	RateLimit rate.Limit
	RateBurst int
	Log       *logger.Logger
}

// Client is the per-service-kind analyzer client: a pool of framed
// connections, bounded concurrency, a deadline, and a circuit breaker.
type Client struct {
	kind     task.ServiceKind
	pool     *pool
	deadline time.Duration
	breaker  *breaker.Breaker
	limiter  *rate.Limiter
	log      *logger.Logger

	healthTTL time.Duration
	healthMu  sync.Mutex
	health    Health
	probing   int32
}

// New constructs a Client. Zero-value Config fields receive the spec's
// defaults.
func New(cfg Config) *Client {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 4
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadlines[cfg.Kind]
		if cfg.Deadline <= 0 {
			cfg.Deadline = 5 * time.Minute
		}
	}
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("analyzerclient-" + string(cfg.Kind))
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return &Client{
		kind:      cfg.Kind,
		pool:      newPool(cfg.Dialer, cfg.MaxPoolSize),
		deadline:  cfg.Deadline,
		breaker:   breaker.New(cfg.Breaker),
		limiter:   limiter,
		log:       cfg.Log,
		healthTTL: cfg.HealthTTL,
		health:    Health{State: HealthOK},
	}
}

// Kind returns the service kind this client talks to.
func (c *Client) Kind() task.ServiceKind { return c.kind }

// Analyze sends one AnalyzerRequest and awaits its matching response. The
// returned error, when non-nil, is always a *task.Error whose Kind is one
// of the taxonomy in spec.md §4.3: unreachable, handshake_failed, timeout,
// protocol_error, remote_error, cancelled, or unavailable (breaker-open).
func (c *Client) Analyze(ctx context.Context, req task.AnalyzerRequest) (*task.AnalyzerResponse, *task.Error) {
	if !c.breaker.Allow() {
		return nil, task.NewError(task.ErrUnavailable, "circuit breaker open for "+string(c.kind))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.classifyContextErr(err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	conn, err := c.pool.acquire(callCtx)
	if err != nil {
		terr := c.classifyDialErr(err, callCtx)
		c.recordOutcome(terr)
		return nil, terr
	}

	resp, terr := c.roundTrip(callCtx, conn, req)
	reuse := terr == nil
	c.pool.release(conn, reuse)
	c.recordOutcome(terr)
	if terr != nil {
		return nil, terr
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, conn transport.Conn, req task.AnalyzerRequest) (*task.AnalyzerResponse, *task.Error) {
	if err := conn.Send(ctx, req); err != nil {
		return nil, c.classifySendErr(err, ctx)
	}

	var resp task.AnalyzerResponse
	if err := conn.Receive(ctx, &resp); err != nil {
		return nil, c.classifyReceiveErr(err, ctx)
	}
	if resp.RequestID != req.RequestID {
		return nil, task.NewError(task.ErrProtocolError, "response request_id mismatch")
	}
	if resp.Status == task.ResponseError {
		return &resp, task.NewError(task.ErrRemoteError, resp.Error)
	}
	return &resp, nil
}

func (c *Client) recordOutcome(terr *task.Error) {
	if terr == nil {
		c.breaker.RecordSuccess()
		return
	}
	if terr.Kind.TripsBreaker() {
		c.breaker.RecordFailure()
	} else if terr.Kind != task.ErrUnavailable {
		// remote_error, cancelled, protocol_error: the transport is live,
		// the outcome just wasn't a clean success.
		c.breaker.RecordSuccess()
	}
}

func (c *Client) classifyContextErr(err error) *task.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return task.Wrap(task.ErrTimeout, "deadline exceeded", err)
	}
	return task.Wrap(task.ErrCancelled, "cancelled", err)
}

func (c *Client) classifyDialErr(err error, ctx context.Context) *task.Error {
	if ctx.Err() != nil {
		return c.classifyContextErr(ctx.Err())
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return task.Wrap(task.ErrHandshakeFailed, "handshake with "+string(c.kind)+" failed", err)
	}
	return task.Wrap(task.ErrUnreachable, "failed to open connection to "+string(c.kind), err)
}

func (c *Client) classifySendErr(err error, ctx context.Context) *task.Error {
	if ctx.Err() != nil {
		return c.classifyContextErr(ctx.Err())
	}
	return task.Wrap(task.ErrUnreachable, "failed to send request", err)
}

func (c *Client) classifyReceiveErr(err error, ctx context.Context) *task.Error {
	if ctx.Err() != nil {
		return c.classifyContextErr(ctx.Err())
	}
	return task.Wrap(task.ErrProtocolError, "failed to receive response", err)
}

// Health returns the client's cached health, probing at most once per
// HealthTTL; a cache miss triggers at most one concurrent in-flight probe
// (subsequent callers observe the stale cached value until it resolves).
func (c *Client) Health(ctx context.Context) Health {
	c.healthMu.Lock()
	cached := c.health
	fresh := time.Since(cached.LastProbeAt) < c.healthTTL
	c.healthMu.Unlock()
	if fresh {
		return cached
	}

	if !atomic.CompareAndSwapInt32(&c.probing, 0, 1) {
		return cached
	}
	defer atomic.StoreInt32(&c.probing, 0)

	state := c.probe(ctx)
	result := Health{State: state, LastProbeAt: time.Now()}
	c.healthMu.Lock()
	c.health = result
	c.healthMu.Unlock()
	return result
}

func (c *Client) probe(ctx context.Context) HealthState {
	switch c.breaker.State() {
	case breaker.StateOpen:
		return HealthDown
	case breaker.StateHalfOpen:
		return HealthDegraded
	default:
		return HealthOK
	}
}
