// Package muxer implements the fan-out stage: one incoming encoded packet
// is serialized to every enabled sink (recording, TCP, RTSP, HLS) without
// letting a slow or failing sink block, drop, or desynchronize the others.
package muxer

import (
	"log/slog"
	"sync"

	"github.com/zsiec/picamcore/internal/packet"
)

// Sink receives packets from the fan-out. Implementations serialize their
// own writes and must not block indefinitely; a sink that errors is logged
// and left live for the next packet, per the pipeline's error policy.
type Sink interface {
	Write(p packet.EncodedPacket) error
}

// RecordingSignal is notified on every packet so the recording worker can
// wake from its condition wait; it never itself performs I/O.
type RecordingSignal interface {
	NotifyPacket()
}

// HLSSink additionally receives the fan-out's decision on whether a packet
// should trigger a segment split, since that decision depends on fan-out-level
// bookkeeping (the keyframe counter), not the HLS segmenter's own state.
type HLSSink interface {
	Sink
	WritePacket(p packet.EncodedPacket, split bool) error
}

// Fanout dispatches packets to a fixed set of named sinks under per-sink
// mutexes, mirroring the muxer/fan-out order described for this pipeline:
// recording signal first, then TCP, then RTSP, then HLS.
type Fanout struct {
	log *slog.Logger

	recMu  sync.Mutex
	rec    RecordingSignal
	recSet bool

	tcpMu  sync.Mutex
	tcp    Sink
	tcpSet bool

	rtspMu  sync.Mutex
	rtsp    Sink
	rtspSet bool

	hlsMu                  sync.Mutex
	hls                    HLSSink
	hlsSet                 bool
	hlsKeyframesPerSegment int
	videoSendKeyframeCount int
}

// New creates a Fanout with all sinks initially disabled.
func New(log *slog.Logger, hlsKeyframesPerSegment int) *Fanout {
	if hlsKeyframesPerSegment < 1 {
		hlsKeyframesPerSegment = 1
	}
	return &Fanout{log: log, hlsKeyframesPerSegment: hlsKeyframesPerSegment}
}

// SetRecordingSignal enables or disables the recording wake-up sink.
func (f *Fanout) SetRecordingSignal(r RecordingSignal) {
	f.recMu.Lock()
	defer f.recMu.Unlock()
	f.rec = r
	f.recSet = r != nil
}

// SetTCPSink enables or disables the TCP pusher.
func (f *Fanout) SetTCPSink(s Sink) {
	f.tcpMu.Lock()
	defer f.tcpMu.Unlock()
	f.tcp = s
	f.tcpSet = s != nil
}

// SetRTSPSink enables or disables the RTSP sidecar pusher.
func (f *Fanout) SetRTSPSink(s Sink) {
	f.rtspMu.Lock()
	defer f.rtspMu.Unlock()
	f.rtsp = s
	f.rtspSet = s != nil
}

// SetHLSSink enables or disables the HLS segmenter.
func (f *Fanout) SetHLSSink(s HLSSink) {
	f.hlsMu.Lock()
	defer f.hlsMu.Unlock()
	f.hls = s
	f.hlsSet = s != nil
}

// Dispatch sends one packet to every enabled sink. It never returns an
// error: per-sink failures are logged and the sink is kept live, matching
// the error policy that assumes a downstream writer absorbs transient
// errors on its own.
func (f *Fanout) Dispatch(p packet.EncodedPacket) {
	f.recMu.Lock()
	if f.recSet {
		f.rec.NotifyPacket()
	}
	f.recMu.Unlock()

	f.tcpMu.Lock()
	if f.tcpSet {
		if err := f.tcp.Write(p); err != nil {
			f.log.Error("tcp sink write failed", "error", err)
		}
	}
	f.tcpMu.Unlock()

	f.rtspMu.Lock()
	if f.rtspSet {
		if err := f.rtsp.Write(p); err != nil {
			f.log.Error("rtsp sink write failed", "error", err)
		}
	}
	f.rtspMu.Unlock()

	f.hlsMu.Lock()
	if f.hlsSet {
		split := f.shouldSplitLocked(p)
		if err := f.hls.WritePacket(p, split); err != nil {
			f.log.Error("hls sink write failed", "error", err)
		}
	}
	f.hlsMu.Unlock()
}

// shouldSplitLocked implements the HLS split predicate: every Nth video
// keyframe triggers a split, counting from the second keyframe seen (the
// first keyframe only opens the initial segment). Audio and non-keyframe
// video packets never split. Must be called with hlsMu held.
func (f *Fanout) shouldSplitLocked(p packet.EncodedPacket) bool {
	if p.Stream != packet.StreamVideo || !p.Keyframe {
		return false
	}
	f.videoSendKeyframeCount++
	if f.videoSendKeyframeCount <= 1 {
		return false
	}
	if (f.videoSendKeyframeCount-1)%f.hlsKeyframesPerSegment == 0 {
		return true
	}
	return false
}
