// Package voice is a minimal TCP proxy for a local speech synthesizer.
// The wire format is a 4-byte little-endian length prefix followed by
// the UTF-8 text; the synthesizer streams raw audio back and closes the
// connection when done.
package voice

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// DefaultTimeout bounds one whole synthesize round trip.
const DefaultTimeout = 30 * time.Second

// Proxy synthesizes text over a TCP connection per call. It holds no
// connection state, so it is safe for concurrent use.
type Proxy struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Proxy for the synthesizer at host:port.
func New(logger *slog.Logger, host string, port int) *Proxy {
	return &Proxy{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// Synthesize sends text and returns the audio bytes the synthesizer
// streams back.
func (p *Proxy) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.logger.Error("voice proxy connect failed", "addr", p.addr, "error", err)
		return nil, fmt.Errorf("voice connect: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	payload := []byte(text)
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := conn.Write(frame); err != nil {
		p.logger.Error("voice proxy write failed", "addr", p.addr, "error", err)
		return nil, fmt.Errorf("voice write: %w", err)
	}

	audio, err := io.ReadAll(conn)
	if err != nil {
		p.logger.Error("voice proxy read failed", "addr", p.addr, "error", err)
		return nil, fmt.Errorf("voice read: %w", err)
	}

	p.logger.Debug("voice synthesized", "bytes", len(audio), "addr", p.addr)
	return audio, nil
}
