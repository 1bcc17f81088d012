package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trackside-data/lapline/internal/rfid"
	"github.com/trackside-data/lapline/internal/transport"
)

func testRegistry(t *testing.T) (*Registry, chan rfid.TagEvent) {
	t.Helper()
	events := make(chan rfid.TagEvent, 16)
	pulses := func(cfg transport.WiegandConfig) (transport.PulseSource, error) {
		return transport.NewReplayPulseSource(nil, time.Millisecond, false), nil
	}
	r := NewRegistry(events, fastBackoff(0), nil, pulses)
	t.Cleanup(r.StopAll)
	return r, events
}

func TestRegisterReaderGeneratesID(t *testing.T) {
	r, _ := testRegistry(t)

	id, err := r.RegisterReader(context.Background(), ReaderConfig{
		Type:    TypeWiegand,
		Wiegand: &transport.WiegandConfig{D0Pin: 17, D1Pin: 18},
	})
	if err != nil {
		t.Fatalf("RegisterReader: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated reader id")
	}

	states := r.States()
	if len(states) != 1 || states[0].ReaderID != id {
		t.Errorf("States() = %+v, want one entry for %s", states, id)
	}
}

func TestRegisterReaderConfigInvalid(t *testing.T) {
	r, _ := testRegistry(t)

	tests := []struct {
		name string
		cfg  ReaderConfig
	}{
		{"unknown type", ReaderConfig{Type: "bluetooth"}},
		{"missing section", ReaderConfig{Type: TypeSerial}},
		{"bad serial config", ReaderConfig{Type: TypeSerial, Serial: &transport.SerialConfig{}}},
		{"bad tcp config", ReaderConfig{Type: TypeTCPIP, TCPIP: &transport.TCPConfig{}}},
		{"bad wiegand config", ReaderConfig{Type: TypeWiegand, Wiegand: &transport.WiegandConfig{D0Pin: 4, D1Pin: 4}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.RegisterReader(context.Background(), tt.cfg)
			if !transport.IsKind(err, transport.ConfigInvalid) {
				t.Errorf("RegisterReader error = %v, want ConfigInvalid", err)
			}
		})
	}

	if got := len(r.States()); got != 0 {
		t.Errorf("rejected registrations must not leave sessions behind, got %d", got)
	}
}

func TestRegisterReaderDuplicateID(t *testing.T) {
	r, _ := testRegistry(t)

	cfg := ReaderConfig{
		ReaderID: "finish-line",
		Type:     TypeWiegand,
		Wiegand:  &transport.WiegandConfig{D0Pin: 17, D1Pin: 18},
	}
	if _, err := r.RegisterReader(context.Background(), cfg); err != nil {
		t.Fatalf("first RegisterReader: %v", err)
	}
	if _, err := r.RegisterReader(context.Background(), cfg); !transport.IsKind(err, transport.ConfigInvalid) {
		t.Errorf("duplicate registration error = %v, want ConfigInvalid", err)
	}
}

func TestStopReader(t *testing.T) {
	r, _ := testRegistry(t)

	id, err := r.RegisterReader(context.Background(), ReaderConfig{
		Type:    TypeWiegand,
		Wiegand: &transport.WiegandConfig{D0Pin: 17, D1Pin: 18},
	})
	if err != nil {
		t.Fatalf("RegisterReader: %v", err)
	}

	if err := r.StopReader(id); err != nil {
		t.Fatalf("StopReader: %v", err)
	}
	if got := len(r.States()); got != 0 {
		t.Errorf("States() after stop = %d entries, want 0", got)
	}

	if err := r.StopReader(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second StopReader error = %v, want ErrNotFound", err)
	}
	if err := r.StopReader("never-registered"); !errors.Is(err, ErrNotFound) {
		t.Errorf("StopReader(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryStateLookup(t *testing.T) {
	r, _ := testRegistry(t)

	id, err := r.RegisterReader(context.Background(), ReaderConfig{
		ReaderID: "pit-lane",
		Type:     TypeWiegand,
		Wiegand:  &transport.WiegandConfig{D0Pin: 5, D1Pin: 6},
	})
	if err != nil {
		t.Fatalf("RegisterReader: %v", err)
	}

	st, err := r.State(id)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.ReaderID != "pit-lane" {
		t.Errorf("State.ReaderID = %q", st.ReaderID)
	}

	if _, err := r.State("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("State(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestWiegandWithoutPulseSourceFactory(t *testing.T) {
	events := make(chan rfid.TagEvent, 1)
	r := NewRegistry(events, fastBackoff(0), nil, nil)
	defer r.StopAll()

	_, err := r.RegisterReader(context.Background(), ReaderConfig{
		Type:    TypeWiegand,
		Wiegand: &transport.WiegandConfig{D0Pin: 17, D1Pin: 18},
	})
	if !transport.IsKind(err, transport.ConfigInvalid) {
		t.Errorf("RegisterReader error = %v, want ConfigInvalid", err)
	}
}

func TestReaderConfigAntiBounceTime(t *testing.T) {
	cfg := ReaderConfig{Type: TypeTCPIP, TCPIP: &transport.TCPConfig{Host: "h", AntiBounceTime: 1.5}}
	if got := cfg.AntiBounceTime(); got != 1.5 {
		t.Errorf("AntiBounceTime = %v, want 1.5", got)
	}
	if got := (ReaderConfig{}).AntiBounceTime(); got != 0 {
		t.Errorf("AntiBounceTime on empty config = %v, want 0", got)
	}
}
