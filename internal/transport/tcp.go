package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/trackside-data/lapline/internal/monitoring"
	"github.com/trackside-data/lapline/internal/timeutil"
)

// Dialer opens the TCP connection. Tests substitute a net.Pipe-backed fake.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func netDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// TCPConfig describes a network reader connection.
type TCPConfig struct {
	Host           string  `json:"host"`
	TCPPort        int     `json:"tcp_port"`
	AntiBounceTime float64 `json:"anti_bounce_time"` // seconds

	// KeepAliveInterval is how often an application-level heartbeat is
	// written to the reader. ReadTimeout must exceed it; a silent peer past
	// the read timeout ends the loop with ErrKeepAliveTimeout.
	KeepAliveInterval time.Duration `json:"keepalive_interval,omitempty"`
	ReadTimeout       time.Duration `json:"read_timeout,omitempty"`
}

// Normalize validates the config and applies defaults for unset values.
func (c TCPConfig) Normalize() (TCPConfig, error) {
	cfg := c

	if strings.TrimSpace(cfg.Host) == "" {
		return cfg, Errf(ConfigInvalid, "host is required")
	}

	if cfg.TCPPort == 0 {
		cfg.TCPPort = 6000
	}
	if cfg.TCPPort < 1 || cfg.TCPPort > 65535 {
		return cfg, Errf(ConfigInvalid, "invalid tcp_port %d", cfg.TCPPort)
	}

	if cfg.AntiBounceTime == 0 {
		cfg.AntiBounceTime = 2.0
	}
	if cfg.AntiBounceTime < 0 {
		return cfg, Errf(ConfigInvalid, "anti_bounce_time must not be negative")
	}

	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout <= cfg.KeepAliveInterval {
		return cfg, Errf(ConfigInvalid, "read_timeout %v must exceed keepalive_interval %v", cfg.ReadTimeout, cfg.KeepAliveInterval)
	}

	return cfg, nil
}

func (c TCPConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.TCPPort)
}

// TCPTransport reads line-framed tag detections from a persistent socket.
// It never reconnects on its own: a dead or silent peer surfaces as a read
// loop error for the session to handle.
type TCPTransport struct {
	cfg   TCPConfig
	dial  Dialer
	clock timeutil.Clock

	mu   sync.Mutex
	conn net.Conn

	Stats DecodeStats
}

// NewTCPTransport validates the config and returns an unconnected transport.
func NewTCPTransport(cfg TCPConfig) (*TCPTransport, error) {
	return newTCPTransport(cfg, netDialer, timeutil.RealClock{})
}

func newTCPTransport(cfg TCPConfig, dial Dialer, clock timeutil.Clock) (*TCPTransport, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return &TCPTransport{cfg: normalized, dial: dial, clock: clock}, nil
}

// Config returns the normalized configuration.
func (t *TCPTransport) Config() TCPConfig { return t.cfg }

// Connect opens the socket.
func (t *TCPTransport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx, t.cfg.addr())
	if err != nil {
		return Errf(IOFailure, "dial %s: %w", t.cfg.addr(), err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// ReadLoop consumes frames from the socket. A heartbeat is written every
// KeepAliveInterval; if no data arrives within ReadTimeout the loop returns
// ErrKeepAliveTimeout.
func (t *TCPTransport) ReadLoop(ctx context.Context, emit func(RawRead)) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return Errf(IOFailure, "tcp reader %s not connected", t.cfg.addr())
	}

	// Heartbeat writer. A bare newline is ignored by the reader firmware but
	// keeps intermediate NAT/firewall state alive.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := t.clock.NewTicker(t.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C():
				if _, err := conn.Write([]byte("\n")); err != nil {
					monitoring.Log.Debug().Str("addr", t.cfg.addr()).Err(err).Msg("keep-alive write failed")
					return
				}
			}
		}
	}()

	// Unblock the blocking read when ctx is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Unix(1, 0)) // force pending reads to fail
		case <-watchDone:
		}
	}()

	r := bufio.NewReader(conn)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout)); err != nil {
			return Errf(IOFailure, "set read deadline on %s: %w", t.cfg.addr(), err)
		}

		line, err := r.ReadString('\n')
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return &TransportError{Kind: IOFailure, Err: ErrKeepAliveTimeout}
			}
			if errors.Is(err, io.EOF) {
				return Errf(IOFailure, "stream from %s ended", t.cfg.addr())
			}
			return Errf(IOFailure, "tcp read from %s: %w", t.cfg.addr(), err)
		}

		if strings.TrimSpace(line) == "" {
			continue // peer heartbeat
		}

		read, perr := parseLine(line)
		if perr != nil {
			t.Stats.Record(perr)
			monitoring.Log.Warn().Str("addr", t.cfg.addr()).Str("frame", strings.TrimSpace(line)).Err(perr).Msg("discarding corrupt tcp frame")
			continue
		}
		t.Stats.FramesDecoded.Add(1)
		emit(read)
	}
}

// Close shuts the socket down and unblocks a running ReadLoop.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close tcp reader %s: %w", t.cfg.addr(), err)
	}
	return nil
}
