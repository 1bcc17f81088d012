package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/trackside-data/lapline/internal/monitoring"
	"github.com/trackside-data/lapline/internal/rfid"
	"github.com/trackside-data/lapline/internal/timeutil"
	"github.com/trackside-data/lapline/internal/transport"
)

// ErrNotFound is returned when a reader ID is not registered.
var ErrNotFound = errors.New("reader not found")

// Reader transport type tokens used in configuration documents.
const (
	TypeSerial  = "serial"
	TypeTCPIP   = "tcpip"
	TypeWiegand = "wiegand"
)

// ReaderConfig is the registration document for one reader. Exactly one of
// the transport sections must be populated, selected by Type.
type ReaderConfig struct {
	ReaderID string                   `json:"reader_id,omitempty"`
	Type     string                   `json:"type"`
	Serial   *transport.SerialConfig  `json:"serial,omitempty"`
	TCPIP    *transport.TCPConfig     `json:"tcpip,omitempty"`
	Wiegand  *transport.WiegandConfig `json:"wiegand,omitempty"`
	Backoff  *BackoffPolicy           `json:"backoff,omitempty"`
}

// AntiBounceTime returns the configured debounce window in seconds for the
// selected transport, or zero when unset.
func (c ReaderConfig) AntiBounceTime() float64 {
	switch {
	case c.Serial != nil:
		return c.Serial.AntiBounceTime
	case c.TCPIP != nil:
		return c.TCPIP.AntiBounceTime
	case c.Wiegand != nil:
		return c.Wiegand.AntiBounceTime
	}
	return 0
}

// PulseSourceFactory builds the GPIO capability for a Wiegand reader. The
// registry takes it as a dependency because pin bring-up is platform code
// that lives outside this package.
type PulseSourceFactory func(cfg transport.WiegandConfig) (transport.PulseSource, error)

// Registry owns all reader sessions and fans their events into one shared
// ingestion channel.
type Registry struct {
	events      chan<- rfid.TagEvent
	clock       timeutil.Clock
	backoff     BackoffPolicy
	pulseSource PulseSourceFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds a registry emitting onto events. pulseSource may be nil
// when no Wiegand readers will be registered.
func NewRegistry(events chan<- rfid.TagEvent, backoff BackoffPolicy, clock timeutil.Clock, pulseSource PulseSourceFactory) *Registry {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Registry{
		events:      events,
		clock:       clock,
		backoff:     backoff.normalize(),
		pulseSource: pulseSource,
		sessions:    make(map[string]*Session),
	}
}

// RegisterReader validates the config, builds the transport, and starts a
// session for it. It returns the reader ID (generated when the config leaves
// it blank) or a ConfigInvalid error; nothing is started on failure.
func (r *Registry) RegisterReader(ctx context.Context, cfg ReaderConfig) (string, error) {
	tr, err := r.buildTransport(cfg)
	if err != nil {
		return "", err
	}

	readerID := strings.TrimSpace(cfg.ReaderID)
	if readerID == "" {
		readerID = uuid.NewString()
	}

	backoff := r.backoff
	if cfg.Backoff != nil {
		backoff = cfg.Backoff.normalize()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[readerID]; exists {
		return "", transport.Errf(transport.ConfigInvalid, "reader %q already registered", readerID)
	}

	sess := New(readerID, tr, r.events, backoff, r.clock)
	r.sessions[readerID] = sess
	sess.Start(ctx)

	monitoring.Log.Info().Str("reader", readerID).Str("type", cfg.Type).Msg("reader registered")
	return readerID, nil
}

func (r *Registry) buildTransport(cfg ReaderConfig) (transport.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case TypeSerial:
		if cfg.Serial == nil {
			return nil, transport.Errf(transport.ConfigInvalid, "serial reader requires a serial section")
		}
		return transport.NewSerialTransport(*cfg.Serial)

	case TypeTCPIP:
		if cfg.TCPIP == nil {
			return nil, transport.Errf(transport.ConfigInvalid, "tcpip reader requires a tcpip section")
		}
		return transport.NewTCPTransport(*cfg.TCPIP)

	case TypeWiegand:
		if cfg.Wiegand == nil {
			return nil, transport.Errf(transport.ConfigInvalid, "wiegand reader requires a wiegand section")
		}
		if r.pulseSource == nil {
			return nil, transport.Errf(transport.ConfigInvalid, "no pulse source available for wiegand readers")
		}
		normalized, err := cfg.Wiegand.Normalize()
		if err != nil {
			return nil, err
		}
		source, err := r.pulseSource(normalized)
		if err != nil {
			return nil, transport.Errf(transport.ConfigInvalid, "pulse source for d0=%d d1=%d: %w", normalized.D0Pin, normalized.D1Pin, err)
		}
		return transport.NewWiegandTransport(normalized, source)

	default:
		return nil, transport.Errf(transport.ConfigInvalid, "unknown reader type %q", cfg.Type)
	}
}

// StopReader stops and removes one session. Returns ErrNotFound for unknown
// IDs.
func (r *Registry) StopReader(readerID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[readerID]
	if ok {
		delete(r.sessions, readerID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("stop reader %q: %w", readerID, ErrNotFound)
	}
	sess.Stop()
	monitoring.Log.Info().Str("reader", readerID).Msg("reader stopped")
	return nil
}

// States snapshots the connection state of every registered reader.
func (r *Registry) States() []State {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	states := make([]State, 0, len(sessions))
	for _, s := range sessions {
		states = append(states, s.State())
	}
	return states
}

// State returns the connection state for one reader.
func (r *Registry) State(readerID string) (State, error) {
	r.mu.Lock()
	sess, ok := r.sessions[readerID]
	r.mu.Unlock()
	if !ok {
		return State{}, fmt.Errorf("reader %q: %w", readerID, ErrNotFound)
	}
	return sess.State(), nil
}

// StopAll stops every session and waits for their transports to be released.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
