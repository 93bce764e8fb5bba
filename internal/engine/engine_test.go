package engine

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/zsiec/picamcore/internal/config"
	"github.com/zsiec/picamcore/internal/control"
	"github.com/zsiec/picamcore/internal/h264util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.EngineConfig {
	t.Helper()
	dir := t.TempDir()
	return config.EngineConfig{
		Video: config.VideoConfig{Width: 1280, Height: 720, FPS: 30, GOPSize: 30},
		Audio: config.AudioConfig{Channels: 1, SampleRate: 48000},
		HLS: config.HLSConfig{
			OutputDir:           filepath.Join(dir, "hls"),
			NumRecentFiles:      3,
			NumRetainedOldFiles: 0,
			KeyframesPerSegment: 1,
		},
		RecordBuf: 4,
		StateDir:  filepath.Join(dir, "state"),
		HooksDir:  filepath.Join(dir, "hooks"),
	}
}

func TestNew_BuildsEngineWithoutSidecars(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.rtsp != nil {
		t.Error("rtsp pusher should be nil when RTSP.Enabled is false")
	}
	if e.tcp != nil {
		t.Error("tcp pusher should be nil when TCP.Enabled is false")
	}
	if e.ring.Cap() == 0 {
		t.Error("ring should have nonzero capacity")
	}
}

func TestNew_RejectsBadEncryptionHex(t *testing.T) {
	cfg := testConfig(t)
	cfg.HLS.Encrypt = true
	cfg.HLS.EncryptKeyHex = "zz"
	cfg.HLS.EncryptIVHex = "zz"
	if _, err := New(cfg, testLogger()); err == nil {
		t.Error("expected an error for non-hex key/IV")
	}
}

func sliceNAL() h264util.NALUnit {
	return h264util.NALUnit{Type: h264util.NALTypeSlice, Data: []byte{h264util.NALTypeSlice, 0xAA, 0xBB}}
}

func idrNAL() h264util.NALUnit {
	return h264util.NALUnit{Type: h264util.NALTypeIDR, Data: []byte{h264util.NALTypeIDR, 0x01, 0x02}}
}

func TestOnEncodedVideo_AppendsToRingAndAdvancesClock(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.OnEncodedAudio([]byte{0x01, 0x02})
	e.OnEncodedVideo([]h264util.NALUnit{idrNAL()}, true)
	e.OnEncodedVideo([]h264util.NALUnit{sliceNAL()}, false)

	// The audio packet is buffered in the ring alongside the two video packets.
	if got := e.ring.Len(); got != 3 {
		t.Errorf("ring.Len() = %d, want 3", got)
	}
	if e.clock.VideoPTS == 0 {
		t.Error("video PTS should have advanced past zero")
	}
}

func TestOnEncodedVideo_MarksBothStreamsStartedOnce(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.OnEncodedVideo([]h264util.NALUnit{idrNAL()}, true)
	if e.clock.WallStartNs != 0 {
		t.Error("WallStartNs should still be zero after only video has started")
	}
	e.OnEncodedAudio([]byte{0x01})
	if e.clock.WallStartNs == 0 {
		t.Error("WallStartNs should be set once both streams have started")
	}
}

func TestSetMuted_RoundTrips(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.IsMuted() {
		t.Fatal("should start unmuted")
	}
	e.SetMuted(true)
	if !e.IsMuted() {
		t.Error("SetMuted(true) should make IsMuted true")
	}
}

func TestSetSubtitle_RoundTripsThroughDispatcher(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := e.Subtitle(); ok {
		t.Fatal("should start with no subtitle set")
	}

	if err := e.disp.Dispatch(control.HookEvent{Kind: control.HookSetSubtitle, Body: "text=hello"}); err != nil {
		t.Fatalf("Dispatch(subtitle): %v", err)
	}
	req, ok := e.Subtitle()
	if !ok || req.Text != "hello" {
		t.Errorf("Subtitle() = %+v, %v; want hello, true", req, ok)
	}

	if err := e.disp.Dispatch(control.HookEvent{Kind: control.HookSetSubtitle, Body: ""}); err != nil {
		t.Fatalf("Dispatch(subtitle, empty body): %v", err)
	}
	if _, ok := e.Subtitle(); ok {
		t.Error("empty-body subtitle dispatch should have cleared the subtitle")
	}
}

func TestSetParameter_StoresLatestValue(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.SetParameter("awb", "auto"); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	v, ok := e.Parameter("awb")
	if !ok || v != "auto" {
		t.Errorf("Parameter(awb) = %q, %v; want auto, true", v, ok)
	}
}
