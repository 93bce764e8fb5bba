// Package engine wires the ring, clock, fan-out, HLS segmenter, recorder,
// sidecar pushers, and control surface into the single owning value that
// replaces the source's process-wide globals: every substructure here is
// reached only through this Engine, never through a package-level variable.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/picamcore/internal/clock"
	"github.com/zsiec/picamcore/internal/config"
	"github.com/zsiec/picamcore/internal/control"
	"github.com/zsiec/picamcore/internal/h264util"
	"github.com/zsiec/picamcore/internal/hls"
	"github.com/zsiec/picamcore/internal/hookwatch"
	"github.com/zsiec/picamcore/internal/muxer"
	"github.com/zsiec/picamcore/internal/packet"
	"github.com/zsiec/picamcore/internal/recorder"
	"github.com/zsiec/picamcore/internal/ring"
	"github.com/zsiec/picamcore/internal/sidecar"
)

// ringKeyframeMargin multiplies the recordbuf keyframe count K into a
// packet-slot capacity with margin for both streams' packets between
// keyframes, the same shape as the source's "N keyframe intervals of both
// streams plus margin" sizing note.
const ringKeyframeMargin = 64

// Engine owns every pipeline substructure for one capture session. Capture
// and encoder hardware access is out of scope; callers feed encoded access
// units in through OnEncodedVideo/OnEncodedAudio the way the source's V4L2
// encoder output thread and ALSA capture thread invoke their callbacks.
type Engine struct {
	log *slog.Logger
	cfg config.EngineConfig

	ring     *ring.Ring
	clock    *clock.State
	fanout   *muxer.Fanout
	prefixer *h264util.KeyframePrefixer
	hlsSeg   *hls.Segmenter
	recMgr   *recorder.Manager
	state    *control.StateStore
	disp     *control.Dispatcher
	watcher  *hookwatch.Watcher

	rtsp *sidecar.RTSPPusher
	tcp  *sidecar.TCPPusher

	mu       sync.Mutex
	muted    bool
	params   map[string]string
	subtitle *control.SubtitleRequest

	processStart time.Time
}

// New builds an Engine from a resolved configuration. It creates the state
// and hooks directories if missing, but defers all network dialing and
// filesystem-watch setup to Run.
func New(cfg config.EngineConfig, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	keyframeCap := cfg.RecordBuf
	if keyframeCap < cfg.HLS.NumRecentFiles+cfg.HLS.NumRetainedOldFiles {
		keyframeCap = cfg.HLS.NumRecentFiles + cfg.HLS.NumRetainedOldFiles
	}
	r := ring.New(keyframeCap*ringKeyframeMargin, keyframeCap)

	videoStep := clock.VideoStepForFPS(cfg.Video.FPS)
	audioStep := clock.AudioStepForRate(cfg.Audio.SampleRate, audioPeriodFrames)
	cs := clock.NewState(videoStep, audioStep)

	fanout := muxer.New(log, cfg.HLS.KeyframesPerSegment)

	st, err := control.NewStateStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("engine: state store: %w", err)
	}

	if err := os.MkdirAll(cfg.HLS.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: hls output dir: %w", err)
	}
	if err := os.MkdirAll(cfg.HooksDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: hooks dir: %w", err)
	}

	hlsCfg := hls.Config{
		Dir:                 cfg.HLS.OutputDir,
		NumRecentFiles:      cfg.HLS.NumRecentFiles,
		NumRetainedOldFiles: cfg.HLS.NumRetainedOldFiles,
	}
	if cfg.HLS.Encrypt {
		key, iv, err := decodeHexKeyIV(cfg.HLS.EncryptKeyHex, cfg.HLS.EncryptIVHex)
		if err != nil {
			return nil, fmt.Errorf("engine: hls encryption: %w", err)
		}
		hlsCfg.UseEncryption = true
		hlsCfg.Key = key
		hlsCfg.IV = iv
		hlsCfg.KeyURI = "key.bin"
	}
	hlsSeg := hls.New(hlsCfg, log)

	diskUsage := diskUsageFraction
	recMgr := recorder.NewManager(r, st, diskUsage, cfg.HLS.OutputDir, cfg.RecordBuf, log)

	disp := control.NewDispatcher(log, cfg.RecordBuf)
	disp.SetRecorder(recMgr)
	disp.SetRing(r)

	e := &Engine{
		log:          log,
		cfg:          cfg,
		ring:         r,
		clock:        cs,
		fanout:       fanout,
		prefixer:     &h264util.KeyframePrefixer{},
		hlsSeg:       hlsSeg,
		recMgr:       recMgr,
		state:        st,
		disp:         disp,
		params:       make(map[string]string),
		processStart: time.Now(),
	}

	disp.SetAudioMuter(e)
	disp.SetParameterSetter(e)
	disp.SetSubtitleSink(e)

	fanout.SetRecordingSignal(recMgr)
	fanout.SetHLSSink(hlsSeg)

	if cfg.RTSP.Enabled {
		e.rtsp = sidecar.NewRTSPPusher(sidecar.RTSPSockets{
			VideoControl: cfg.RTSP.VideoControl,
			AudioControl: cfg.RTSP.AudioControl,
			VideoData:    cfg.RTSP.VideoData,
			AudioData:    cfg.RTSP.AudioData,
		}, log)
		fanout.SetRTSPSink(e.rtsp)
	}
	if cfg.TCP.Enabled {
		e.tcp = sidecar.NewTCPPusher(cfg.TCP.Addr, log)
		fanout.SetTCPSink(e.tcp)
	}

	return e, nil
}

// audioPeriodFrames is the ALSA capture period size, in frames, assumed for
// the audio clock step. Hardware capture is out of scope; a real ALSA
// collaborator would report its actual period size instead.
const audioPeriodFrames = 1024

// Run connects the sidecar pushers (if enabled), starts the hook watcher,
// and blocks supervising all of it as one unit until ctx is cancelled or a
// component fails. On return every component has been torn down in order.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.rtsp != nil {
		if err := e.rtsp.Connect(ctx); err != nil {
			return fmt.Errorf("engine: rtsp connect: %w", err)
		}
	}
	if e.tcp != nil {
		if err := e.tcp.Connect(ctx); err != nil {
			return fmt.Errorf("engine: tcp connect: %w", err)
		}
	}

	watcher, err := hookwatch.New(e.cfg.HooksDir, e.log)
	if err != nil {
		return fmt.Errorf("engine: hook watcher: %w", err)
	}
	e.watcher = watcher

	g.Go(func() error {
		watcher.Run()
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-watcher.Events():
				if !ok {
					return nil
				}
				if err := e.disp.Dispatch(ev); err != nil {
					e.log.Error("hook dispatch failed", "kind", ev.Kind, "error", err)
				}
			case err, ok := <-watcher.Errors():
				if !ok {
					return nil
				}
				e.log.Warn("hook watch error", "error", err)
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		return e.shutdown()
	})

	return g.Wait()
}

func (e *Engine) shutdown() error {
	e.log.Info("engine shutting down")

	if e.recMgr.IsRecording() {
		if err := e.recMgr.StopRecord(); err != nil {
			e.log.Error("finalize recording on shutdown failed", "error", err)
		}
	}

	if err := e.hlsSeg.Stop(); err != nil {
		e.log.Error("hls stop failed", "error", err)
	}

	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			e.log.Error("hook watcher close failed", "error", err)
		}
	}

	if e.rtsp != nil {
		if err := e.rtsp.Close(); err != nil {
			e.log.Error("rtsp pusher close failed", "error", err)
		}
	}
	if e.tcp != nil {
		if err := e.tcp.Close(); err != nil {
			e.log.Error("tcp pusher close failed", "error", err)
		}
	}
	return nil
}

// OnEncodedVideo is the video encoder output callback: it assigns a PTS via
// the shared clock, harvests/prefixes SPS+PPS ahead of keyframes, appends
// the access unit to the ring, and dispatches it to every enabled sink.
// Runs synchronously on whichever thread the encoder output loop calls it
// from; it must never block on a sink.
func (e *Engine) OnEncodedVideo(units []h264util.NALUnit, keyframe bool) {
	e.prefixer.Observe(units)
	payload := e.prefixer.Prefix(units)

	e.mu.Lock()
	var pts int64
	if e.cfg.Video.VFR {
		pts = e.clock.NextVideoPTSVFR(time.Now())
	} else {
		pts = e.clock.NextVideoPTSCFR()
	}
	bothStarted := e.clock.MarkStarted(true, time.Since(e.processStart).Nanoseconds())
	e.mu.Unlock()

	pts = clock.WrapPTS(pts)

	if bothStarted && e.rtsp != nil {
		for _, video := range []bool{true, false} {
			if err := e.rtsp.MarkStreamStarted(video, e.clock.WallStartNs); err != nil {
				e.log.Error("rtsp control handshake failed", "error", err)
			}
		}
	}

	p := packet.EncodedPacket{Stream: packet.StreamVideo, PTS: pts, DTS: pts, Keyframe: keyframe, Payload: payload}
	slot, starving := e.ring.Append(p)
	if starving {
		e.log.Warn("record buffer starving: writer lapped oldest pre-roll keyframe", "slot", slot)
	}

	e.fanout.Dispatch(p)
}

// OnEncodedAudio is the audio encoder output callback. Audio is the
// reference clock: its PTS never drifts.
func (e *Engine) OnEncodedAudio(payload []byte) {
	e.mu.Lock()
	pts := e.clock.NextAudioPTS()
	bothStarted := e.clock.MarkStarted(false, time.Since(e.processStart).Nanoseconds())
	e.mu.Unlock()

	pts = clock.WrapPTS(pts)

	if bothStarted && e.rtsp != nil {
		for _, video := range []bool{true, false} {
			if err := e.rtsp.MarkStreamStarted(video, e.clock.WallStartNs); err != nil {
				e.log.Error("rtsp control handshake failed", "error", err)
			}
		}
	}

	p := packet.EncodedPacket{Stream: packet.StreamAudio, PTS: pts, DTS: pts, Payload: payload}
	e.ring.Append(p)
	e.fanout.Dispatch(p)
}

// SetMuted implements control.AudioMuter. The actual PCM zero-fill happens
// in the audio capture collaborator (out of scope); this flag is what that
// collaborator is expected to consult before encoding each period.
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

// IsMuted reports the current mute flag.
func (e *Engine) IsMuted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// SetParameter implements control.ParameterSetter, recording the most
// recent value forwarded for a camera parameter. The camera collaborator
// itself (AWB/exposure/white-balance) is out of scope; this is the surface
// such a collaborator would poll.
func (e *Engine) SetParameter(name, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params[name] = value
	return nil
}

// Parameter returns the most recently set value for a camera parameter.
func (e *Engine) Parameter(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.params[name]
	return v, ok
}

// SetSubtitle implements control.SubtitleSink, recording the most recent
// subtitle request. The overlay renderer itself (out of scope) is expected
// to poll this surface via Subtitle.
func (e *Engine) SetSubtitle(req control.SubtitleRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subtitle = &req
}

// ClearSubtitle implements control.SubtitleSink.
func (e *Engine) ClearSubtitle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subtitle = nil
}

// Subtitle returns the currently active subtitle request, if any.
func (e *Engine) Subtitle() (control.SubtitleRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subtitle == nil {
		return control.SubtitleRequest{}, false
	}
	return *e.subtitle, true
}

// decodeHexKeyIV decodes the hex-encoded AES-128 key and IV flags into raw
// bytes, matching the HLS segmenter's Config.Key/Config.IV expectations.
func decodeHexKeyIV(keyHex, ivHex string) (key, iv []byte, err error) {
	key, err = hex.DecodeString(keyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode hlsenckey: %w", err)
	}
	iv, err = hex.DecodeString(ivHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode hlsenciv: %w", err)
	}
	return key, iv, nil
}
