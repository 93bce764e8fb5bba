// Package sidecar pushes the live stream to two external processes over
// plain sockets: an RTSP packager reachable over four UNIX-domain
// SOCK_STREAM endpoints, and a plain MPEG-TS consumer reachable over TCP.
// Both pushers are best-effort sinks: a write failure is logged and the
// next packet is retried, it never blocks or aborts the pipeline.
package sidecar

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zsiec/picamcore/internal/packet"
)

const (
	rtspPacketTypeVideo byte = 0x02
	rtspPacketTypeAudio byte = 0x03

	videoControlMsg = "live/picam"
)

// RTSPSockets names the four UNIX-domain endpoint paths the RTSP packager
// listens on.
type RTSPSockets struct {
	VideoControl string
	AudioControl string
	VideoData    string
	AudioData    string
}

// RTSPPusher maintains the four sidecar sockets and streams encoded
// packets to them in the fixed-width framing the packager expects.
type RTSPPusher struct {
	log     *slog.Logger
	sockets RTSPSockets
	dialer  net.Dialer

	mu           sync.Mutex
	videoCtrl    net.Conn
	audioCtrl    net.Conn
	videoData    net.Conn
	audioData    net.Conn
	sentControls bool

	startMonotonicNs int64
	videoStarted     bool
	audioStarted     bool
}

// NewRTSPPusher creates a pusher targeting the given socket paths. Dialing
// is deferred to Connect.
func NewRTSPPusher(sockets RTSPSockets, log *slog.Logger) *RTSPPusher {
	return &RTSPPusher{log: log.With("component", "sidecar-rtsp"), sockets: sockets}
}

// Connect dials all four endpoints. It is safe to call repeatedly; a
// connection error leaves the pusher in a degraded state where Write
// calls return an error instead of panicking.
func (p *RTSPPusher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.videoCtrl, err = p.dialUnix(ctx, p.sockets.VideoControl); err != nil {
		return err
	}
	if p.audioCtrl, err = p.dialUnix(ctx, p.sockets.AudioControl); err != nil {
		return err
	}
	if p.videoData, err = p.dialUnix(ctx, p.sockets.VideoData); err != nil {
		return err
	}
	if p.audioData, err = p.dialUnix(ctx, p.sockets.AudioData); err != nil {
		return err
	}

	if err := tuneDataSocket(p.videoData); err != nil {
		p.log.Warn("failed to tune video data socket send buffer", "error", err)
	}
	if err := tuneDataSocket(p.audioData); err != nil {
		p.log.Warn("failed to tune audio data socket send buffer", "error", err)
	}
	return nil
}

func (p *RTSPPusher) dialUnix(ctx context.Context, path string) (net.Conn, error) {
	conn, err := p.dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("sidecar: dial %s: %w", path, err)
	}
	return conn, nil
}

// Close tears down all four sockets.
func (p *RTSPPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, c := range []net.Conn{p.videoCtrl, p.audioCtrl, p.videoData, p.audioData} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkStreamStarted records that a stream has begun producing packets. Once
// both have, the one-time control-socket handshake is sent. nowMonotonicNs
// is an opaque CLOCK_MONOTONIC-origin value; the sidecar consumer must treat
// it as an arbitrary origin, not a wall-clock timestamp.
func (p *RTSPPusher) MarkStreamStarted(videoStream bool, nowMonotonicNs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if videoStream {
		p.videoStarted = true
	} else {
		p.audioStarted = true
	}
	if p.startMonotonicNs == 0 {
		p.startMonotonicNs = nowMonotonicNs
	}

	if p.sentControls || !p.videoStarted || !p.audioStarted {
		return nil
	}
	p.sentControls = true

	videoMsg := buildControlMessage(0x00, []byte(videoControlMsg))
	if err := writeFull(p.videoCtrl, videoMsg); err != nil {
		return fmt.Errorf("sidecar: video control write: %w", err)
	}

	audioPayload := make([]byte, 8)
	binary.BigEndian.PutUint64(audioPayload, uint64(p.startMonotonicNs))
	audioMsg := buildControlMessage(0x01, audioPayload)
	if err := writeFull(p.audioCtrl, audioMsg); err != nil {
		return fmt.Errorf("sidecar: audio control write: %w", err)
	}
	return nil
}

// buildControlMessage frames a control message as {3-byte BE size}{type}{payload},
// where size counts the type byte plus the payload.
func buildControlMessage(msgType byte, payload []byte) []byte {
	size := 1 + len(payload)
	buf := make([]byte, 3+size)
	put24(buf, uint32(size))
	buf[3] = msgType
	copy(buf[4:], payload)
	return buf
}

// Write implements muxer.Sink, framing and forwarding one encoded packet to
// the matching data socket.
func (p *RTSPPusher) Write(pkt packet.EncodedPacket) error {
	p.mu.Lock()
	conn := p.videoData
	msgType := rtspPacketTypeVideo
	if pkt.Stream == packet.StreamAudio {
		conn = p.audioData
		msgType = rtspPacketTypeAudio
	}
	p.mu.Unlock()

	if conn == nil {
		return errors.New("sidecar: data socket not connected")
	}

	frame := buildDataFrame(msgType, pkt.PTS, pkt.Payload)
	if err := writeFull(conn, frame); err != nil {
		return fmt.Errorf("sidecar: data write: %w", err)
	}
	return nil
}

// buildDataFrame frames a data packet as
// {payload_size as 3-byte BE}{type}{pts as 6-byte BE}{payload}.
func buildDataFrame(msgType byte, pts int64, payload []byte) []byte {
	frame := make([]byte, 3+1+6+len(payload))
	put24(frame, uint32(len(payload)))
	frame[3] = msgType
	put48(frame[4:10], uint64(pts)&packet.PTSMask)
	copy(frame[10:], payload)
	return frame
}

func put24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func put48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func writeFull(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

// MonotonicNowNs returns a CLOCK_MONOTONIC-style origin-relative nanosecond
// value derived from the process's monotonic clock reading. Callers must
// treat the result as opaque; it has no relationship to wall time.
func MonotonicNowNs(ref time.Time) int64 {
	return time.Since(ref).Nanoseconds()
}
