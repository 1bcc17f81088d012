package transport

import (
	"context"
	"sync"
	"time"
)

// ReplayPulseSource plays pre-encoded Wiegand frames onto the pulse channel,
// pausing between frames so the idle timeout can close each one. It stands in
// for GPIO hardware in dev mode and integration tests, the same way the
// serial transport substitutes a fake port.
type ReplayPulseSource struct {
	frames [][]Bit
	gap    time.Duration
	loop   bool

	mu     sync.Mutex
	ch     chan Bit
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReplayPulseSource builds a source replaying the given frames with the
// given inter-frame gap. With loop set, the sequence repeats until closed.
func NewReplayPulseSource(frames [][]Bit, gap time.Duration, loop bool) *ReplayPulseSource {
	return &ReplayPulseSource{frames: frames, gap: gap, loop: loop}
}

// Open starts the replay goroutine.
func (s *ReplayPulseSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		return Errf(IOFailure, "replay pulse source already open")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.ch = make(chan Bit)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, s.ch, s.done)
	return nil
}

func (s *ReplayPulseSource) run(ctx context.Context, ch chan Bit, done chan struct{}) {
	defer close(done)
	defer close(ch)

	for {
		for _, frame := range s.frames {
			for _, b := range frame {
				select {
				case ch <- b:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-time.After(s.gap):
			case <-ctx.Done():
				return
			}
		}
		if !s.loop {
			return
		}
	}
}

// Pulses returns the bit channel. Closed when the replay ends or the source
// is closed.
func (s *ReplayPulseSource) Pulses() <-chan Bit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Close stops the replay and waits for the channel to close.
func (s *ReplayPulseSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.mu.Lock()
	s.ch = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	return nil
}
