// Package session owns reader lifecycle: each session runs one transport,
// stamps its raw reads into TagEvents on the shared ingestion channel, and
// drives the reconnect state machine when the transport fails.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/trackside-data/lapline/internal/monitoring"
	"github.com/trackside-data/lapline/internal/rfid"
	"github.com/trackside-data/lapline/internal/timeutil"
	"github.com/trackside-data/lapline/internal/transport"
)

// Status is the reader connection state machine.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	// Failed is terminal: the retry ceiling was exhausted and operator action
	// is required. It is never auto-cleared.
	Failed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of a reader's connection state for monitoring.
type State struct {
	ReaderID  string `json:"reader_id"`
	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// BackoffPolicy controls reconnect pacing. MaxRetries of zero means retry
// forever with the delay capped at Max.
type BackoffPolicy struct {
	Initial    time.Duration `json:"initial"`
	Max        time.Duration `json:"max"`
	Multiplier float64       `json:"multiplier"`
	MaxRetries int           `json:"max_retries"`
}

// DefaultBackoff is 1s doubling to a 30s cap, unlimited retries.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2.0}
}

// Delay returns the backoff delay for the given attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

func (p BackoffPolicy) normalize() BackoffPolicy {
	out := p
	if out.Initial <= 0 {
		out.Initial = time.Second
	}
	if out.Max <= 0 {
		out.Max = 30 * time.Second
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2.0
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	return out
}

// Session runs one transport. All mutation of the transport happens on the
// session's own goroutine; Stop is safe from any goroutine and releases the
// transport regardless of which state the session is in.
type Session struct {
	readerID  string
	transport transport.Transport
	events    chan<- rfid.TagEvent
	backoff   BackoffPolicy
	clock     timeutil.Clock

	mu       sync.Mutex
	status   Status
	lastErr  error
	attempts int

	cancel    context.CancelFunc
	stopped   bool
	done      chan struct{}
	closeDone sync.Once
}

// New builds a session for the given transport. The session does not run
// until Start is called.
func New(readerID string, tr transport.Transport, events chan<- rfid.TagEvent, backoff BackoffPolicy, clock timeutil.Clock) *Session {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Session{
		readerID:  readerID,
		transport: tr,
		events:    events,
		backoff:   backoff.normalize(),
		clock:     clock,
		status:    Disconnected,
		done:      make(chan struct{}),
	}
}

// ReaderID returns the session's reader identifier.
func (s *Session) ReaderID() string { return s.readerID }

// State returns a snapshot of the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{ReaderID: s.readerID, Status: s.status, Attempts: s.attempts}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Start launches the session goroutine. It is a no-op on a session that is
// already running or was already stopped.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(runCtx)
}

// Stop cancels the session and blocks until the transport is released. Safe
// to call in any state, including Failed, never started, and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.done
		return
	}
	// Never started: there is no goroutine to wait for, but Done waiters
	// still need the channel closed.
	s.closeDone.Do(func() { close(s.done) })
}

// Done is closed once the session goroutine has exited and the transport is
// released.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(ctx context.Context) {
	defer s.closeDone.Do(func() { close(s.done) })
	// The transport is released exactly once, on the way out, no matter which
	// state the session stopped in.
	defer func() {
		if err := s.transport.Close(); err != nil {
			monitoring.Log.Warn().Str("reader", s.readerID).Err(err).Msg("transport close failed")
		}
	}()

	for {
		s.setStatus(statusForAttempt(s.attemptCount()))

		if err := s.transport.Connect(ctx); err != nil {
			if !s.handleFailure(ctx, err) {
				return
			}
			continue
		}

		s.setConnected()
		monitoring.Log.Info().Str("reader", s.readerID).Msg("reader connected")

		err := s.transport.ReadLoop(ctx, func(r transport.RawRead) { s.emit(ctx, r) })
		if ctx.Err() != nil {
			s.setStatus(Disconnected)
			return
		}

		// The read loop never returns nil while the context is live; treat a
		// bare return as a stream end either way.
		monitoring.Log.Warn().Str("reader", s.readerID).Err(err).Msg("reader stream ended")
		s.transport.Close()
		if !s.handleFailure(ctx, err) {
			return
		}
	}
}

// emit stamps a raw read into a TagEvent and pushes it onto the shared
// ingestion channel. A cancelled context unblocks the send so a stopped
// consumer can never wedge the session.
func (s *Session) emit(ctx context.Context, r transport.RawRead) {
	ev := rfid.TagEvent{
		ReaderID:    s.readerID,
		EPC:         r.EPC,
		Timestamp:   s.clock.Now(),
		AntennaPort: r.AntennaPort,
		RSSI:        r.RSSI,
	}

	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// handleFailure records the error, applies backoff, and reports whether the
// session should try again. A false return means the retry ceiling was hit
// and the session is now Failed.
func (s *Session) handleFailure(ctx context.Context, err error) bool {
	s.mu.Lock()
	s.lastErr = err
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	// A config rejection can never succeed on retry.
	if transport.IsKind(err, transport.ConfigInvalid) {
		s.setStatus(Failed)
		monitoring.Log.Error().Str("reader", s.readerID).Err(err).Msg("reader failed: invalid configuration")
		return false
	}

	if s.backoff.MaxRetries > 0 && attempts > s.backoff.MaxRetries {
		s.setStatus(Failed)
		monitoring.Log.Error().Str("reader", s.readerID).Int("attempts", attempts-1).Err(err).
			Msg("reader failed: retry ceiling exhausted, operator action required")
		return false
	}

	delay := s.backoff.Delay(attempts - 1)
	s.setStatus(Reconnecting)
	monitoring.Log.Info().Str("reader", s.readerID).Dur("delay", delay).Int("attempt", attempts).Err(err).
		Msg("reader reconnecting")

	select {
	case <-s.clock.After(delay):
		return true
	case <-ctx.Done():
		s.setStatus(Disconnected)
		return false
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) setConnected() {
	s.mu.Lock()
	s.status = Connected
	s.attempts = 0
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Session) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func statusForAttempt(attempts int) Status {
	if attempts == 0 {
		return Connecting
	}
	return Reconnecting
}
