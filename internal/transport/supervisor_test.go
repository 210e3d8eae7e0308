package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentbridge/internal/logger"
)

// fakeConn is an in-memory handle whose sends can be forced to fail and
// whose receives are fed from a channel.
type fakeConn struct {
	mu       sync.Mutex
	broken   bool
	sent     [][]byte
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) breakNow() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case p := <-c.incoming:
		return p, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer fails a configured number of attempts before succeeding.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failures {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestSupervisorConnectAndSend(t *testing.T) {
	d := &fakeDialer{}
	s := NewSupervisor(d, nil, logger.Nop())
	defer s.Stop()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if err := s.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conn := d.latest()
	if len(conn.sent) != 1 || string(conn.sent[0]) != "ping" {
		t.Fatalf("sent = %q", conn.sent)
	}
}

func TestSupervisorSendWithoutConnect(t *testing.T) {
	s := NewSupervisor(&fakeDialer{failures: 1000}, nil, logger.Nop(),
		WithAutoReconnect(false))
	defer s.Stop()

	if err := s.Send([]byte("ping")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSupervisorReconnectsAfterSendFailures(t *testing.T) {
	d := &fakeDialer{}
	s := NewSupervisor(d, nil, logger.Nop(),
		WithRetryInterval(20*time.Millisecond))
	defer s.Stop()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.latest()
	first.breakNow()

	// Three consecutive send failures against the broken handle must not
	// spawn three retry loops; the supervisor keeps exactly one.
	for i := 0; i < 3; i++ {
		s.Send([]byte("ping"))
	}

	waitForState(t, s, StateConnected)

	if got := d.attemptCount(); got != 2 {
		t.Fatalf("dial attempts = %d, want 2", got)
	}
	if err := s.Send([]byte("after")); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	second := d.latest()
	if second == first {
		t.Fatal("expected a fresh handle after reconnect")
	}
	if len(second.sent) != 1 || string(second.sent[0]) != "after" {
		t.Fatalf("sent = %q", second.sent)
	}
}

func TestSupervisorRetriesUntilDialSucceeds(t *testing.T) {
	d := &fakeDialer{failures: 3}
	s := NewSupervisor(d, nil, logger.Nop(),
		WithRetryInterval(15*time.Millisecond))
	defer s.Stop()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected first Connect to fail")
	}
	if got := s.State(); got != StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", got)
	}

	waitForState(t, s, StateConnected)
	if got := d.attemptCount(); got != 4 {
		t.Fatalf("dial attempts = %d, want 4", got)
	}
}

func TestSupervisorNoReconnectWhenDisabled(t *testing.T) {
	d := &fakeDialer{failures: 1}
	s := NewSupervisor(d, nil, logger.Nop(),
		WithRetryInterval(10*time.Millisecond),
		WithAutoReconnect(false))
	defer s.Stop()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail")
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
	if got := d.attemptCount(); got != 1 {
		t.Fatalf("dial attempts = %d, want 1", got)
	}
}

func TestSupervisorDeliversPayloadsInOrder(t *testing.T) {
	d := &fakeDialer{}
	var mu sync.Mutex
	var got []string
	s := NewSupervisor(d, func(p []byte) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	}, logger.Nop())
	defer s.Stop()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.latest()
	conn.incoming <- []byte("one")
	conn.incoming <- []byte("two")
	conn.incoming <- []byte("three")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("payloads = %q", got)
	}
}

func TestSupervisorStaleReceiveLoopExits(t *testing.T) {
	d := &fakeDialer{}
	var delivered atomic.Int32
	s := NewSupervisor(d, func([]byte) { delivered.Add(1) }, logger.Nop(),
		WithRetryInterval(15*time.Millisecond))
	defer s.Stop()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.latest()

	// Sever the first handle; the receive loop's error must trigger one
	// reconnect, and the stale loop must never deliver again.
	first.Close()
	waitForState(t, s, StateConnected)

	second := d.latest()
	if second == first {
		t.Fatal("expected a fresh handle")
	}
	second.incoming <- []byte("live")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && delivered.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := delivered.Load(); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
}

func TestSupervisorStopEndsRetryLoop(t *testing.T) {
	d := &fakeDialer{failures: 1000}
	s := NewSupervisor(d, nil, logger.Nop(),
		WithRetryInterval(10*time.Millisecond))

	s.Connect(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
	n := d.attemptCount()
	time.Sleep(50 * time.Millisecond)
	if d.attemptCount() != n {
		t.Fatal("retry loop survived Stop")
	}
}
