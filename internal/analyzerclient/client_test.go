package analyzerclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grabowmar/analysis-orchestrator/internal/breaker"
	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn simulates a worker-side connection for tests without a real
// socket: Send stores the request, Receive returns a pre-programmed
// response after an optional delay, honoring ctx cancellation/deadline.
type fakeConn struct {
	delay    time.Duration
	response task.AnalyzerResponse
	sendErr  error
	recvErr  error
	closed   int32
}

func (f *fakeConn) Send(ctx context.Context, v any) error {
	return f.sendErr
}

func (f *fakeConn) Receive(ctx context.Context, v any) error {
	if f.recvErr != nil {
		return f.recvErr
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	resp := v.(*task.AnalyzerResponse)
	*resp = f.response
	return nil
}

func (f *fakeConn) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	make    func() transport.Conn
	dialErr error
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.make(), nil
}

func successDialer(requestID string) *fakeDialer {
	return &fakeDialer{make: func() transport.Conn {
		return &fakeConn{response: task.AnalyzerResponse{
			Type: "analyze_result", RequestID: requestID, Status: task.ResponseSuccess,
		}}
	}}
}

func TestAnalyzeSuccess(t *testing.T) {
	d := successDialer("req-1")
	c := New(Config{Kind: task.ServiceStatic, Dialer: d, Deadline: time.Second})
	resp, err := c.Analyze(context.Background(), task.AnalyzerRequest{RequestID: "req-1"})
	require.Nil(t, err)
	assert.Equal(t, task.ResponseSuccess, resp.Status)
}

func TestAnalyzeTimeoutDropsConnection(t *testing.T) {
	var conn *fakeConn
	d := &fakeDialer{make: func() transport.Conn {
		conn = &fakeConn{delay: 100 * time.Millisecond, response: task.AnalyzerResponse{RequestID: "req-2", Status: task.ResponseSuccess}}
		return conn
	}}
	c := New(Config{Kind: task.ServiceStatic, Dialer: d, Deadline: 10 * time.Millisecond})
	_, err := c.Analyze(context.Background(), task.AnalyzerRequest{RequestID: "req-2"})
	require.NotNil(t, err)
	assert.Equal(t, task.ErrTimeout, err.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&conn.closed), "timed-out connection must not be reused")
}

func TestAnalyzeUnreachableOnDialFailure(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("connection refused")}
	c := New(Config{Kind: task.ServiceStatic, Dialer: d, Deadline: time.Second})
	_, err := c.Analyze(context.Background(), task.AnalyzerRequest{RequestID: "req-3"})
	require.NotNil(t, err)
	assert.Equal(t, task.ErrUnreachable, err.Kind)
}

func TestAnalyzeRemoteErrorDoesNotTripBreaker(t *testing.T) {
	d := &fakeDialer{make: func() transport.Conn {
		return &fakeConn{response: task.AnalyzerResponse{RequestID: "req-4", Status: task.ResponseError, Error: "tool crashed"}}
	}}
	c := New(Config{Kind: task.ServiceStatic, Dialer: d, Deadline: time.Second, Breaker: breaker.Config{FailureThreshold: 1}})
	for i := 0; i < 5; i++ {
		_, err := c.Analyze(context.Background(), task.AnalyzerRequest{RequestID: "req-4"})
		require.NotNil(t, err)
		assert.Equal(t, task.ErrRemoteError, err.Kind)
	}
	assert.Equal(t, breaker.StateClosed, c.breaker.State(), "remote_error must never open the breaker")
}

func TestAnalyzeBreakerOpensAfterConsecutiveUnreachable(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("refused")}
	c := New(Config{Kind: task.ServiceStatic, Dialer: d, Deadline: time.Second, Breaker: breaker.Config{FailureThreshold: 3, Cooldown: time.Minute}})

	var lastErr *task.Error
	for i := 0; i < 3; i++ {
		_, lastErr = c.Analyze(context.Background(), task.AnalyzerRequest{RequestID: "req-5"})
		assert.Equal(t, task.ErrUnreachable, lastErr.Kind)
	}

	_, err := c.Analyze(context.Background(), task.AnalyzerRequest{RequestID: "req-5"})
	require.NotNil(t, err)
	assert.Equal(t, task.ErrUnavailable, err.Kind)
	assert.Equal(t, 3, d.dials, "breaker-open calls must not dial a connection")
}

func TestAnalyzeBoundedConcurrency(t *testing.T) {
	d := &fakeDialer{make: func() transport.Conn {
		return &fakeConn{delay: 30 * time.Millisecond, response: task.AnalyzerResponse{RequestID: "req-6", Status: task.ResponseSuccess}}
	}}
	c := New(Config{Kind: task.ServiceStatic, Dialer: d, Deadline: time.Second, MaxPoolSize: 2})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Analyze(context.Background(), task.AnalyzerRequest{RequestID: "req-6"})
			assert.Nil(t, err)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	// 4 calls, pool of 2, 30ms each: at least two waves, but well under
	// the naive serial sum of 120ms.
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestHealthCachesWithinTTL(t *testing.T) {
	d := successDialer("req-7")
	c := New(Config{Kind: task.ServiceStatic, Dialer: d, Deadline: time.Second, HealthTTL: time.Hour})
	h1 := c.Health(context.Background())
	h2 := c.Health(context.Background())
	assert.Equal(t, h1.LastProbeAt, h2.LastProbeAt, "second call within TTL must reuse cached probe")
}
