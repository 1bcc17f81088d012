package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/trackside-data/lapline/internal/monitoring"
	"github.com/trackside-data/lapline/internal/timeutil"
)

// Bit is one Wiegand pulse: a D0 pulse decodes to 0, a D1 pulse to 1.
type Bit uint8

// PulseSource is the capability contract hiding GPIO bring-up. An
// implementation watches the two data lines and delivers one Bit per falling
// edge, in wire order. Closing the source closes the Pulses channel.
type PulseSource interface {
	Open(ctx context.Context) error
	Pulses() <-chan Bit
	Close() error
}

// Wiegand frame geometry. Both supported formats bracket their payload with
// a leading even-parity bit and a trailing odd-parity bit, each covering half
// of the data bits.
const (
	Wiegand26 = 26 // 8-bit facility code + 16-bit card number
	Wiegand34 = 34 // 32-bit card number
)

// WiegandConfig describes a two-wire pulse reader.
type WiegandConfig struct {
	D0Pin          int     `json:"d0_pin"`
	D1Pin          int     `json:"d1_pin"`
	FormatLength   int     `json:"format_length"`
	AntiBounceTime float64 `json:"anti_bounce_time"` // seconds

	// BitTimeout is the maximum inter-pulse gap within one frame. A longer
	// gap abandons the partial frame as FrameIncomplete.
	BitTimeout time.Duration `json:"bit_timeout,omitempty"`
}

// Normalize validates the config and applies defaults for unset values.
func (c WiegandConfig) Normalize() (WiegandConfig, error) {
	cfg := c

	if cfg.D0Pin < 0 || cfg.D1Pin < 0 {
		return cfg, Errf(ConfigInvalid, "gpio pins must not be negative")
	}
	if cfg.D0Pin == cfg.D1Pin {
		return cfg, Errf(ConfigInvalid, "d0_pin and d1_pin must differ (both %d)", cfg.D0Pin)
	}

	if cfg.FormatLength == 0 {
		cfg.FormatLength = Wiegand26
	}
	if cfg.FormatLength != Wiegand26 && cfg.FormatLength != Wiegand34 {
		return cfg, Errf(ConfigInvalid, "format_length %d: supported formats are 26 and 34", cfg.FormatLength)
	}

	if cfg.BitTimeout == 0 {
		cfg.BitTimeout = 50 * time.Millisecond
	}
	if cfg.BitTimeout < 0 {
		return cfg, Errf(ConfigInvalid, "bit_timeout must not be negative")
	}

	if cfg.AntiBounceTime == 0 {
		cfg.AntiBounceTime = 2.0
	}
	if cfg.AntiBounceTime < 0 {
		return cfg, Errf(ConfigInvalid, "anti_bounce_time must not be negative")
	}

	return cfg, nil
}

// WiegandTransport assembles pulses from a PulseSource into frames and
// decodes them into EPCs.
type WiegandTransport struct {
	cfg    WiegandConfig
	source PulseSource
	clock  timeutil.Clock

	Stats DecodeStats
}

// NewWiegandTransport validates the config and binds it to a pulse source.
func NewWiegandTransport(cfg WiegandConfig, source PulseSource) (*WiegandTransport, error) {
	return newWiegandTransport(cfg, source, timeutil.RealClock{})
}

func newWiegandTransport(cfg WiegandConfig, source PulseSource, clock timeutil.Clock) (*WiegandTransport, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, Errf(ConfigInvalid, "wiegand reader requires a pulse source")
	}
	return &WiegandTransport{cfg: normalized, source: source, clock: clock}, nil
}

// Config returns the normalized configuration.
func (t *WiegandTransport) Config() WiegandConfig { return t.cfg }

// Connect opens the pulse source.
func (t *WiegandTransport) Connect(ctx context.Context) error {
	if err := t.source.Open(ctx); err != nil {
		if _, ok := KindOf(err); ok {
			return err
		}
		return Errf(IOFailure, "open pulse source (d0=%d d1=%d): %w", t.cfg.D0Pin, t.cfg.D1Pin, err)
	}
	return nil
}

// ReadLoop collects bits until the configured frame length is reached or the
// inter-pulse idle timeout elapses. Complete frames are parity-checked and
// decoded; partial frames and parity failures are counted and dropped.
func (t *WiegandTransport) ReadLoop(ctx context.Context, emit func(RawRead)) error {
	bits := make([]Bit, 0, t.cfg.FormatLength)

	var idle timeutil.Timer
	var idleC <-chan time.Time // nil until the first bit of a frame arrives

	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	flush := func(reason error) {
		t.Stats.Record(reason)
		monitoring.Log.Warn().Int("bits", len(bits)).Int("format", t.cfg.FormatLength).Err(reason).Msg("discarding wiegand frame")
		bits = bits[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case b, ok := <-t.source.Pulses():
			if !ok {
				return Errf(IOFailure, "wiegand pulse stream (d0=%d d1=%d) ended", t.cfg.D0Pin, t.cfg.D1Pin)
			}
			if b > 1 {
				continue // not a valid line state
			}

			bits = append(bits, b)
			if idle == nil {
				idle = t.clock.NewTimer(t.cfg.BitTimeout)
				idleC = idle.C()
			} else {
				idle.Stop()
				idle.Reset(t.cfg.BitTimeout)
			}

			if len(bits) < t.cfg.FormatLength {
				continue
			}

			idle.Stop()
			epc, err := DecodeFrame(bits)
			if err != nil {
				flush(err)
				continue
			}
			bits = bits[:0]
			t.Stats.FramesDecoded.Add(1)
			emit(RawRead{EPC: epc})

		case <-idleC:
			if len(bits) > 0 {
				flush(Errf(FrameIncomplete, "idle timeout after %d of %d bits", len(bits), t.cfg.FormatLength))
			}
		}
	}
}

// Close releases the pulse source and unblocks a running ReadLoop.
func (t *WiegandTransport) Close() error {
	return t.source.Close()
}

// DecodeFrame parity-checks a complete Wiegand frame and renders its payload
// as a fixed-width upper-hex EPC. The frame length selects the format.
func DecodeFrame(bits []Bit) (string, error) {
	var value uint32
	var err error
	switch len(bits) {
	case Wiegand26:
		value, err = decode26(bits)
	case Wiegand34:
		value, err = decode34(bits)
	default:
		return "", Errf(FrameIncomplete, "unsupported frame length %d", len(bits))
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08X", value), nil
}

// decode26 handles W26: [P_even][facility 8][card 16][P_odd]. The leading bit
// is even parity over the first 12 data bits, the trailing bit odd parity
// over the last 12.
func decode26(bits []Bit) (uint32, error) {
	data := bits[1:25]

	if bitSum(data[:12])%2 != uint(bits[0]) {
		return 0, Errf(ParityError, "w26 even parity check failed")
	}
	if bitSum(data[12:])%2 != 1-uint(bits[25]) {
		return 0, Errf(ParityError, "w26 odd parity check failed")
	}

	facility := bitsToUint(data[:8])
	card := bitsToUint(data[8:])
	return facility<<16 | card, nil
}

// decode34 handles W34: [P_even][card 32][P_odd] with a 16/16 parity split.
func decode34(bits []Bit) (uint32, error) {
	data := bits[1:33]

	if bitSum(data[:16])%2 != uint(bits[0]) {
		return 0, Errf(ParityError, "w34 even parity check failed")
	}
	if bitSum(data[16:])%2 != 1-uint(bits[33]) {
		return 0, Errf(ParityError, "w34 odd parity check failed")
	}

	return bitsToUint(data), nil
}

// EncodeFrame builds a validly parity-encoded frame for the given payload.
// W26 payloads use the low 24 bits (facility<<16 | card); W34 payloads the
// full 32 bits. Used by replay sources and round-trip tests.
func EncodeFrame(value uint32, formatLength int) ([]Bit, error) {
	switch formatLength {
	case Wiegand26:
		if value > 0xFFFFFF {
			return nil, Errf(ConfigInvalid, "value %#x exceeds 24-bit w26 payload", value)
		}
		data := uintToBits(value, 24)
		frame := make([]Bit, 0, Wiegand26)
		frame = append(frame, Bit(bitSum(data[:12])%2))
		frame = append(frame, data...)
		frame = append(frame, Bit(1-bitSum(data[12:])%2))
		return frame, nil
	case Wiegand34:
		data := uintToBits(value, 32)
		frame := make([]Bit, 0, Wiegand34)
		frame = append(frame, Bit(bitSum(data[:16])%2))
		frame = append(frame, data...)
		frame = append(frame, Bit(1-bitSum(data[16:])%2))
		return frame, nil
	default:
		return nil, Errf(ConfigInvalid, "format_length %d: supported formats are 26 and 34", formatLength)
	}
}

func bitSum(bits []Bit) uint {
	var sum uint
	for _, b := range bits {
		sum += uint(b)
	}
	return sum
}

func bitsToUint(bits []Bit) uint32 {
	var v uint32
	for _, b := range bits {
		v = v<<1 | uint32(b)
	}
	return v
}

func uintToBits(v uint32, width int) []Bit {
	bits := make([]Bit, width)
	for i := width - 1; i >= 0; i-- {
		bits[i] = Bit(v & 1)
		v >>= 1
	}
	return bits
}
