package muxer

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/zsiec/picamcore/internal/packet"
)

type fakeSink struct {
	writes   atomic.Int64
	failNext atomic.Bool
	lastPTS  atomic.Int64
}

func (s *fakeSink) Write(p packet.EncodedPacket) error {
	s.writes.Add(1)
	s.lastPTS.Store(p.PTS)
	if s.failNext.Swap(false) {
		return errors.New("injected sink failure")
	}
	return nil
}

type fakeHLSSink struct {
	fakeSink
	splits atomic.Int64
}

func (s *fakeHLSSink) WritePacket(p packet.EncodedPacket, split bool) error {
	if split {
		s.splits.Add(1)
	}
	return s.Write(p)
}

type fakeRecSignal struct {
	notifications atomic.Int64
}

func (s *fakeRecSignal) NotifyPacket() { s.notifications.Add(1) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func videoPkt(pts int64, keyframe bool) packet.EncodedPacket {
	return packet.EncodedPacket{Stream: packet.StreamVideo, PTS: pts, Keyframe: keyframe}
}

func TestDispatch_AllSinksReceiveEveryPacket(t *testing.T) {
	f := New(testLogger(), 1)
	tcp := &fakeSink{}
	rtsp := &fakeSink{}
	hls := &fakeHLSSink{}
	rec := &fakeRecSignal{}

	f.SetTCPSink(tcp)
	f.SetRTSPSink(rtsp)
	f.SetHLSSink(hls)
	f.SetRecordingSignal(rec)

	f.Dispatch(videoPkt(1000, true))
	f.Dispatch(videoPkt(2000, false))

	if tcp.writes.Load() != 2 {
		t.Errorf("tcp writes = %d, want 2", tcp.writes.Load())
	}
	if rtsp.writes.Load() != 2 {
		t.Errorf("rtsp writes = %d, want 2", rtsp.writes.Load())
	}
	if hls.writes.Load() != 2 {
		t.Errorf("hls writes = %d, want 2", hls.writes.Load())
	}
	if rec.notifications.Load() != 2 {
		t.Errorf("recording notifications = %d, want 2", rec.notifications.Load())
	}
}

func TestDispatch_SinkFailureDoesNotAbortOthers(t *testing.T) {
	f := New(testLogger(), 1)
	tcp := &fakeSink{}
	hls := &fakeHLSSink{}

	f.SetTCPSink(tcp)
	f.SetHLSSink(hls)
	tcp.failNext.Store(true)

	f.Dispatch(videoPkt(1000, true))
	f.Dispatch(videoPkt(2000, true))

	if tcp.writes.Load() != 2 {
		t.Errorf("tcp should still be attempted on the next packet after a failure, writes = %d", tcp.writes.Load())
	}
	if hls.writes.Load() != 2 {
		t.Errorf("a tcp failure must not prevent hls from receiving its packet, writes = %d", hls.writes.Load())
	}
}

func TestShouldSplit_EveryNthKeyframeExcludingFirst(t *testing.T) {
	f := New(testLogger(), 1)
	hls := &fakeHLSSink{}
	f.SetHLSSink(hls)

	// N=1: every keyframe is its own segment, starting from the second.
	f.Dispatch(videoPkt(1000, true))  // 1st keyframe: opens initial segment, no split
	f.Dispatch(videoPkt(2000, true))  // 2nd keyframe: split
	f.Dispatch(videoPkt(3000, false)) // never splits
	f.Dispatch(videoPkt(4000, true))  // 3rd keyframe: split

	if got := hls.splits.Load(); got != 2 {
		t.Errorf("splits = %d, want 2 (keyframes 2 and 3, not the first)", got)
	}
}

func TestShouldSplit_EveryNthWithNGreaterThanOne(t *testing.T) {
	f := New(testLogger(), 3)
	hls := &fakeHLSSink{}
	f.SetHLSSink(hls)

	for i := 0; i < 7; i++ {
		f.Dispatch(videoPkt(int64(i)*1000, true))
	}
	// keyframes: 1(open) 2 3 4(split@3rd-after-first) 5 6 7(split@6th-after-first)
	if got := hls.splits.Load(); got != 2 {
		t.Errorf("splits = %d, want 2", got)
	}
}

func TestShouldSplit_AudioAndNonKeyframeNeverSplit(t *testing.T) {
	f := New(testLogger(), 1)
	hls := &fakeHLSSink{}
	f.SetHLSSink(hls)

	f.Dispatch(videoPkt(1000, true)) // opens segment
	for i := 0; i < 10; i++ {
		f.Dispatch(packet.EncodedPacket{Stream: packet.StreamAudio, PTS: int64(i) * 500})
	}
	if got := hls.splits.Load(); got != 0 {
		t.Errorf("splits = %d, want 0 (only non-keyframe/audio packets followed the opening keyframe)", got)
	}
}

func TestDispatch_DisabledSinksAreSkipped(t *testing.T) {
	f := New(testLogger(), 1)
	// No sinks configured; Dispatch must not panic.
	f.Dispatch(videoPkt(1000, true))
}
