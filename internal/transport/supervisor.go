package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentbridge/internal/logger"
)

// ErrNotConnected is returned by Send when no live handle exists.
var ErrNotConnected = errors.New("transport: not connected")

// State of a supervised link. "Reconnecting" is the single source of truth
// for whether a retry loop is active; there is no separate flag to drift out
// of sync.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// DefaultRetryInterval between reconnection attempts.
const DefaultRetryInterval = 5 * time.Second

// Supervisor keeps one outbound link alive. Every send/receive failure while
// the component is running enters a single retry loop that redials on a fixed
// interval until it succeeds or the supervisor is stopped. Each successful
// connect binds a receive loop to that specific handle; a generation counter
// guarantees a stale handle's loop can never touch state after replacement.
type Supervisor struct {
	dialer        Dialer
	retryInterval time.Duration
	autoReconnect bool
	onPayload     func([]byte)
	log           *logger.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	generation uint64
	stopped    bool
	stop       chan struct{}
	wg         sync.WaitGroup
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithRetryInterval overrides the fixed reconnection interval.
func WithRetryInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.retryInterval = d }
}

// WithAutoReconnect controls whether failures start the retry loop.
func WithAutoReconnect(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.autoReconnect = enabled }
}

// NewSupervisor creates a supervisor over the given dialer. onPayload is
// invoked, in receive order, for every payload read from the live handle; it
// may be nil for send-only links.
func NewSupervisor(d Dialer, onPayload func([]byte), log *logger.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		dialer:        d,
		retryInterval: DefaultRetryInterval,
		autoReconnect: true,
		onPayload:     onPayload,
		log:           log,
		state:         StateDisconnected,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current link state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect attempts to establish the link. With auto-reconnect enabled, a
// failed attempt starts the same retry loop a mid-session failure would; the
// returned error still reports the immediate outcome.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("transport: supervisor stopped")
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateReconnecting {
		s.mu.Unlock()
		return errors.New("transport: reconnection already in progress")
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		if conn != nil {
			conn.Close()
		}
		s.state = StateDisconnected
		return errors.New("transport: supervisor stopped")
	}
	if err != nil {
		s.log.Warn("connect failed", "error", err)
		if s.autoReconnect {
			s.startRetryLoopLocked()
		} else {
			s.state = StateDisconnected
		}
		return err
	}
	s.installLocked(conn)
	return nil
}

// Send writes a payload over the live handle. A broken or absent handle
// reports the failure and, when the supervisor is still running, kicks the
// retry loop.
func (s *Supervisor) Send(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.handleBroken(conn)
		return ErrNotConnected
	}
	if err := conn.Send(payload); err != nil {
		s.log.Warn("send failed", "error", err)
		s.handleBroken(conn)
		return err
	}
	return nil
}

// Stop shuts the link down. The retry loop and receive loop both exit; the
// final state is Disconnected.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	s.wg.Wait()
}

// installLocked adopts a new handle and binds its receive loop. Caller holds
// s.mu.
func (s *Supervisor) installLocked(conn Conn) {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.generation++
	s.state = StateConnected
	s.log.Info("link connected")

	gen := s.generation
	s.wg.Add(1)
	go s.receiveLoop(conn, gen)
}

// handleBroken tears down a broken handle and starts the retry loop, unless
// a newer handle has already replaced it or the supervisor is stopping.
func (s *Supervisor) handleBroken(broken Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.autoReconnect {
		return
	}
	if broken == nil {
		if s.conn != nil {
			// A handle appeared between the failed send and now.
			return
		}
	} else if s.conn != broken {
		// A reconnect already replaced this handle.
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.startRetryLoopLocked()
}

// startRetryLoopLocked transitions to Reconnecting and spawns the single
// retry loop. A no-op when one is already active. Caller holds s.mu.
func (s *Supervisor) startRetryLoopLocked() {
	if s.state == StateReconnecting {
		return
	}
	s.state = StateReconnecting
	s.wg.Add(1)
	go s.retryLoop()
}

func (s *Supervisor) retryLoop() {
	defer s.wg.Done()
	attempt := 0
	for {
		select {
		case <-s.stop:
			s.setStateIfRunning(StateDisconnected)
			return
		case <-time.After(s.retryInterval):
		}

		attempt++
		s.log.Info("attempting to reconnect", "attempt", attempt)

		ctx, cancel := context.WithTimeout(context.Background(), s.retryInterval)
		conn, err := s.dialer.Dial(ctx)
		cancel()

		s.mu.Lock()
		if s.stopped {
			if conn != nil {
				conn.Close()
			}
			s.state = StateDisconnected
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.log.Warn("reconnection attempt failed", "attempt", attempt, "error", err)
			s.mu.Unlock()
			continue
		}
		s.installLocked(conn)
		s.mu.Unlock()
		return
	}
}

func (s *Supervisor) setStateIfRunning(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.state = st
	}
}

// receiveLoop reads payloads from one specific handle. It exits as soon as
// the handle breaks or a newer generation replaces it.
func (s *Supervisor) receiveLoop(conn Conn, gen uint64) {
	defer s.wg.Done()
	for {
		payload, err := conn.Receive()
		if err != nil {
			s.mu.Lock()
			stale := s.generation != gen || s.stopped
			s.mu.Unlock()
			if stale {
				return
			}
			s.log.Warn("receive failed", "error", err)
			s.handleBroken(conn)
			return
		}

		s.mu.Lock()
		stale := s.generation != gen || s.stopped
		s.mu.Unlock()
		if stale {
			return
		}
		if s.onPayload != nil {
			s.onPayload(payload)
		}
	}
}
