package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/trackside-data/lapline/internal/monitoring"
	"github.com/trackside-data/lapline/internal/rfid"
	"github.com/trackside-data/lapline/internal/transport"
)

func TestMain(m *testing.M) {
	monitoring.Mute()
	os.Exit(m.Run())
}

// fakeTransport scripts connect results and read loop behavior.
type fakeTransport struct {
	mu           sync.Mutex
	connectErrs  []error // consumed per attempt; nil entry means success
	connectCalls int
	closeCalls   int

	reads    []transport.RawRead // emitted on each successful ReadLoop entry
	loopErr  error               // returned after reads are emitted
	holdOpen bool                // when set, ReadLoop blocks until ctx cancel after emitting
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.connectCalls < len(f.connectErrs) {
		err = f.connectErrs[f.connectCalls]
	}
	f.connectCalls++
	return err
}

func (f *fakeTransport) ReadLoop(ctx context.Context, emit func(transport.RawRead)) error {
	f.mu.Lock()
	reads := f.reads
	f.reads = nil // one-shot: reconnected loops emit nothing further
	loopErr := f.loopErr
	hold := f.holdOpen
	f.mu.Unlock()

	for _, r := range reads {
		emit(r)
	}
	if hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return loopErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func fastBackoff(maxRetries int) BackoffPolicy {
	return BackoffPolicy{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2.0, MaxRetries: maxRetries}
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State().Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session stuck in %v, want %v", s.State().Status, want)
}

func TestSessionEmitsStampedEvents(t *testing.T) {
	rssi := -60.0
	tr := &fakeTransport{
		reads:    []transport.RawRead{{EPC: "E200123456789012", RSSI: &rssi}},
		holdOpen: true,
	}
	events := make(chan rfid.TagEvent, 4)

	s := New("gate-1", tr, events, fastBackoff(0), nil)
	s.Start(context.Background())
	defer s.Stop()

	select {
	case ev := <-events:
		if ev.ReaderID != "gate-1" {
			t.Errorf("ReaderID = %q, want gate-1", ev.ReaderID)
		}
		if ev.EPC != "E200123456789012" {
			t.Errorf("EPC = %q", ev.EPC)
		}
		if ev.Timestamp.IsZero() {
			t.Error("ingestion timestamp not stamped")
		}
		if ev.RSSI == nil || *ev.RSSI != -60.0 {
			t.Errorf("RSSI = %v, want -60", ev.RSSI)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}

	waitStatus(t, s, Connected)
}

func TestSessionReconnectsAfterStreamEnd(t *testing.T) {
	tr := &fakeTransport{
		// First loop ends with an I/O error; reconnect succeeds and the
		// second loop holds open.
		loopErr: transport.Errf(transport.IOFailure, "stream ended"),
	}
	events := make(chan rfid.TagEvent, 4)

	s := New("gate-1", tr, events, fastBackoff(0), nil)
	s.Start(context.Background())
	defer s.Stop()

	// After the first stream end, the session should cycle Reconnecting and
	// connect again.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tr.connects() < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if tr.connects() < 2 {
		t.Fatalf("connect attempts = %d, want >= 2", tr.connects())
	}
	if tr.closes() < 1 {
		t.Errorf("transport not closed between attempts")
	}
}

func TestSessionFailsAfterRetryCeiling(t *testing.T) {
	connectErr := transport.Errf(transport.IOFailure, "no route to host")
	tr := &fakeTransport{
		connectErrs: []error{connectErr, connectErr, connectErr, connectErr},
	}
	events := make(chan rfid.TagEvent)

	s := New("gate-1", tr, events, fastBackoff(3), nil)
	s.Start(context.Background())

	waitStatus(t, s, Failed)
	<-s.Done()

	st := s.State()
	if st.LastError == "" {
		t.Error("Failed state should surface the last error")
	}
	if tr.connects() != 4 {
		t.Errorf("connect attempts = %d, want 4 (initial + 3 retries)", tr.connects())
	}
	if tr.closes() == 0 {
		t.Error("transport must be released on failure")
	}

	// Failed is terminal; Stop must still be safe.
	s.Stop()
}

func TestSessionConfigErrorIsTerminal(t *testing.T) {
	tr := &fakeTransport{
		connectErrs: []error{transport.Errf(transport.ConfigInvalid, "bad pins")},
	}
	s := New("gate-1", tr, make(chan rfid.TagEvent), fastBackoff(0), nil)
	s.Start(context.Background())

	waitStatus(t, s, Failed)
	if tr.connects() != 1 {
		t.Errorf("config errors must not be retried; connects = %d", tr.connects())
	}
}

func TestSessionStopReleasesFromAnyState(t *testing.T) {
	t.Run("while connected", func(t *testing.T) {
		tr := &fakeTransport{holdOpen: true}
		s := New("gate-1", tr, make(chan rfid.TagEvent), fastBackoff(0), nil)
		s.Start(context.Background())
		waitStatus(t, s, Connected)

		s.Stop()
		if tr.closes() == 0 {
			t.Error("transport not released")
		}
		if got := s.State().Status; got != Disconnected {
			t.Errorf("status after stop = %v, want Disconnected", got)
		}
	})

	t.Run("before start", func(t *testing.T) {
		tr := &fakeTransport{holdOpen: true}
		s := New("gate-1", tr, make(chan rfid.TagEvent), fastBackoff(0), nil)

		s.Stop()
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("Done not closed after stopping an unstarted session")
		}

		// A late Start must not resurrect a stopped session.
		s.Start(context.Background())
		time.Sleep(20 * time.Millisecond)
		if tr.connects() != 0 {
			t.Error("stopped session connected after Start")
		}
	})

	t.Run("while reconnecting", func(t *testing.T) {
		connectErr := transport.Errf(transport.IOFailure, "refused")
		tr := &fakeTransport{connectErrs: []error{connectErr, connectErr, connectErr}}
		// Long backoff keeps the session parked in Reconnecting.
		s := New("gate-1", tr, make(chan rfid.TagEvent), BackoffPolicy{Initial: time.Hour, Max: time.Hour, Multiplier: 2}, nil)
		s.Start(context.Background())
		waitStatus(t, s, Reconnecting)

		done := make(chan struct{})
		go func() {
			s.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop blocked during backoff wait")
		}
	})
}

func TestSessionStopUnblocksStalledEmit(t *testing.T) {
	tr := &fakeTransport{
		reads: []transport.RawRead{{EPC: "E200123456789012"}, {EPC: "E200AABBCCDD0011"}},
	}
	// Unbuffered channel with no consumer: the first emit blocks.
	events := make(chan rfid.TagEvent)

	s := New("gate-1", tr, events, fastBackoff(0), nil)
	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a stalled ingestion send")
	}
}

func TestBackoffDelay(t *testing.T) {
	p := BackoffPolicy{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSessionDistinguishesKeepAliveTimeout(t *testing.T) {
	tr := &fakeTransport{
		loopErr: &transport.TransportError{Kind: transport.IOFailure, Err: transport.ErrKeepAliveTimeout},
	}
	s := New("gate-1", tr, make(chan rfid.TagEvent, 1), fastBackoff(0), nil)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tr.connects() < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if tr.connects() < 2 {
		t.Fatal("keep-alive timeout should trigger the reconnect path")
	}

	st := s.State()
	_ = st // state may already be Connected again; the reconnect itself is the assertion
	if !errors.Is(tr.loopErr, transport.ErrKeepAliveTimeout) {
		t.Fatal("sanity: loopErr should wrap ErrKeepAliveTimeout")
	}
}
