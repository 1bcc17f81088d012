package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/trackside-data/lapline/internal/monitoring"
)

// Porter is the minimal interface the serial transport needs from a port.
// It lets tests run the full read loop without serial hardware.
type Porter interface {
	io.ReadWriteCloser
}

// PortOpener opens a serial port at path with the given mode. Production code
// uses OpenSerialPort; tests substitute a fake.
type PortOpener func(path string, mode *serial.Mode) (Porter, error)

// OpenSerialPort opens a real port via go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (Porter, error) {
	return serial.Open(path, mode)
}

// SerialConfig describes an RS232/RS485 reader connection. The JSON field
// names match the reader configuration documents accepted at registration.
type SerialConfig struct {
	Port           string  `json:"port"`
	BaudRate       int     `json:"baudrate"`
	Parity         string  `json:"parity"`
	StopBits       int     `json:"stopbits"`
	AntiBounceTime float64 `json:"anti_bounce_time"` // seconds
}

// Normalize validates the config and applies defaults for unset values.
func (c SerialConfig) Normalize() (SerialConfig, error) {
	cfg := c

	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, Errf(ConfigInvalid, "serial port path is required")
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.BaudRate < 0 {
		return cfg, Errf(ConfigInvalid, "invalid baud rate %d", cfg.BaudRate)
	}

	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.StopBits != 1 && cfg.StopBits != 2 {
		return cfg, Errf(ConfigInvalid, "invalid stop bits %d: supported values are 1 or 2", cfg.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(cfg.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return cfg, Errf(ConfigInvalid, "unsupported parity %q: expected N, E, or O", cfg.Parity)
	}
	cfg.Parity = parity

	if cfg.AntiBounceTime == 0 {
		cfg.AntiBounceTime = 2.0
	}
	if cfg.AntiBounceTime < 0 {
		return cfg, Errf(ConfigInvalid, "anti_bounce_time must not be negative")
	}

	return cfg, nil
}

// mode converts the normalized config into the serial.Mode required by
// go.bug.st/serial when opening a port.
func (c SerialConfig) mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: 8,
		StopBits: serial.StopBits(c.StopBits),
	}
	switch c.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, Errf(ConfigInvalid, "unsupported parity %q", c.Parity)
	}
	return mode, nil
}

// SerialTransport reads line-framed tag detections from a serial port.
type SerialTransport struct {
	cfg  SerialConfig
	open PortOpener

	mu   sync.Mutex
	port Porter

	Stats DecodeStats
}

// NewSerialTransport validates the config and returns an unconnected
// transport.
func NewSerialTransport(cfg SerialConfig) (*SerialTransport, error) {
	return newSerialTransport(cfg, OpenSerialPort)
}

func newSerialTransport(cfg SerialConfig, open PortOpener) (*SerialTransport, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return &SerialTransport{cfg: normalized, open: open}, nil
}

// Config returns the normalized configuration.
func (t *SerialTransport) Config() SerialConfig { return t.cfg }

// Connect opens the serial port.
func (t *SerialTransport) Connect(ctx context.Context) error {
	mode, err := t.cfg.mode()
	if err != nil {
		return err
	}

	port, err := t.open(t.cfg.Port, mode)
	if err != nil {
		return Errf(IOFailure, "open %s: %w", t.cfg.Port, err)
	}

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()
	return nil
}

// ReadLoop scans frames off the port until the stream ends, an I/O error
// occurs, or ctx is cancelled. Corrupt frames are counted and skipped.
func (t *SerialTransport) ReadLoop(ctx context.Context, emit func(RawRead)) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return Errf(IOFailure, "serial port %s not connected", t.cfg.Port)
	}

	scan := bufio.NewScanner(port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the outer loop can
	// honor context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return Errf(IOFailure, "serial read on %s: %w", t.cfg.Port, err)

		case line, ok := <-lineChan:
			if !ok {
				// Stream ended. The session decides whether to reconnect.
				return Errf(IOFailure, "serial stream on %s ended", t.cfg.Port)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			read, err := parseLine(line)
			if err != nil {
				t.Stats.Record(err)
				monitoring.Log.Warn().Str("port", t.cfg.Port).Str("frame", line).Err(err).Msg("discarding corrupt serial frame")
				continue
			}
			t.Stats.FramesDecoded.Add(1)
			emit(read)
		}
	}
}

// Close releases the port and unblocks a running ReadLoop.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	port := t.port
	t.port = nil
	t.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("close serial port %s: %w", t.cfg.Port, err)
	}
	return nil
}
