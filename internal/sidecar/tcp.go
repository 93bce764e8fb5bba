package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/zsiec/picamcore/internal/mpegts"
	"github.com/zsiec/picamcore/internal/packet"
)

// TCPPusher streams the live packets as a raw MPEG-TS transport stream to
// a single TCP consumer, writing the PAT/PMT header once per connection and
// then one access unit per packet — the same shape as handing packets to a
// libavformat output context opened once and written with av_write_frame.
type TCPPusher struct {
	log  *slog.Logger
	addr string

	mu      sync.Mutex
	conn    net.Conn
	mux     *mpegts.Muxer
	started bool
}

// NewTCPPusher creates a pusher targeting addr (host:port). Dialing is
// deferred to Connect.
func NewTCPPusher(addr string, log *slog.Logger) *TCPPusher {
	return &TCPPusher{log: log.With("component", "sidecar-tcp"), addr: addr}
}

// Connect dials the TCP endpoint and writes the stream header.
func (p *TCPPusher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("sidecar: tcp dial %s: %w", p.addr, err)
	}

	p.conn = conn
	p.mux = mpegts.NewMuxer(conn)
	if err := p.mux.WriteHeader(); err != nil {
		conn.Close()
		return fmt.Errorf("sidecar: tcp write header: %w", err)
	}
	p.started = true
	return nil
}

// Close tears down the TCP connection.
func (p *TCPPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Write implements muxer.Sink.
func (p *TCPPusher) Write(pkt packet.EncodedPacket) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return fmt.Errorf("sidecar: tcp pusher not connected")
	}

	pid := mpegts.PIDAudio
	if pkt.Stream == packet.StreamVideo {
		pid = mpegts.PIDVideo
	}
	if err := p.mux.WriteAccessUnit(pid, pkt.PTS, pkt.DTS, pkt.Payload, pkt.Keyframe); err != nil {
		return fmt.Errorf("sidecar: tcp write access unit: %w", err)
	}
	return nil
}
