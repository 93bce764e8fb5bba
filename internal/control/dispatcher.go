package control

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zsiec/picamcore/internal/recorder"
	"github.com/zsiec/picamcore/internal/ring"
)

// AudioMuter toggles zero-filling the PCM period buffer before encoding.
type AudioMuter interface {
	SetMuted(muted bool)
}

// ParameterSetter forwards camera parameters (AWB gains, exposure mode,
// white-balance preset, etc).
type ParameterSetter interface {
	SetParameter(name, value string) error
}

// SubtitleSink forwards subtitle requests to the overlay renderer.
type SubtitleSink interface {
	SetSubtitle(req SubtitleRequest)
	ClearSubtitle()
}

// Dispatcher routes HookEvents to the pipeline components they affect.
// Any collaborator left nil is treated as absent: Dispatch returns an error
// for events targeting it rather than panicking.
type Dispatcher struct {
	log *slog.Logger

	rec   *recorder.Manager
	ring  *ring.Ring
	audio AudioMuter
	cam   ParameterSetter
	subs  SubtitleSink

	recordBufK int // keyframe lookback ceiling a start_record's own recordbuf= is clamped to
}

// NewDispatcher creates a Dispatcher. recordBufK is the global keyframe
// index capacity K that any per-hook recordbuf override is clamped to.
func NewDispatcher(log *slog.Logger, recordBufK int) *Dispatcher {
	return &Dispatcher{log: log.With("component", "control"), recordBufK: recordBufK}
}

func (d *Dispatcher) SetRecorder(r *recorder.Manager)      { d.rec = r }
func (d *Dispatcher) SetRing(r *ring.Ring)                 { d.ring = r }
func (d *Dispatcher) SetAudioMuter(a AudioMuter)           { d.audio = a }
func (d *Dispatcher) SetParameterSetter(p ParameterSetter) { d.cam = p }
func (d *Dispatcher) SetSubtitleSink(s SubtitleSink)       { d.subs = s }

// Dispatch parses and applies one hook event. Errors are the caller's to
// log or surface; Dispatch itself never panics on a malformed or
// unsupported event.
func (d *Dispatcher) Dispatch(ev HookEvent) error {
	switch ev.Kind {
	case HookStartRecord:
		return d.handleStartRecord(ev.Body)
	case HookStopRecord:
		if d.rec == nil {
			return fmt.Errorf("control: no recorder wired for stop_record")
		}
		return d.rec.StopRecord()
	case HookSetRecordBuf:
		return d.handleSetRecordBuf(ev.Body)
	case HookMute:
		if d.audio == nil {
			return fmt.Errorf("control: no audio collaborator wired for mute")
		}
		d.audio.SetMuted(true)
		return nil
	case HookUnmute:
		if d.audio == nil {
			return fmt.Errorf("control: no audio collaborator wired for unmute")
		}
		d.audio.SetMuted(false)
		return nil
	case HookWBRed:
		return d.handleDecimalGain("wbred", ev.Body)
	case HookWBBlue:
		return d.handleDecimalGain("wbblue", ev.Body)
	case HookWBMode:
		return d.handleCameraMode("wb", ev.Param)
	case HookExposureMode:
		return d.handleCameraMode("ex", ev.Param)
	case HookSetSubtitle:
		return d.handleSetSubtitle(ev.Body)
	default:
		return fmt.Errorf("control: unrecognized hook kind %q", ev.Kind)
	}
}

func (d *Dispatcher) handleStartRecord(body string) error {
	if d.rec == nil {
		return fmt.Errorf("control: no recorder wired for start_record")
	}
	params, err := ParseStartRecord(body)
	if err != nil {
		return err
	}
	lookback := params.RecordBuf
	if lookback > d.recordBufK {
		lookback = d.recordBufK
	}
	return d.rec.StartRecord(recorder.Settings{
		Basename: params.Filename,
		Dir:      params.Dir,
		Lookback: lookback,
	})
}

func (d *Dispatcher) handleSetRecordBuf(body string) error {
	if d.ring == nil {
		return fmt.Errorf("control: no ring wired for set_recordbuf")
	}
	n, err := ParseSetRecordBuf(body)
	if err != nil {
		return err
	}
	if err := d.ring.Resize(n*4, n); err != nil {
		return fmt.Errorf("control: set_recordbuf rejected: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleDecimalGain(name, body string) error {
	if d.cam == nil {
		return fmt.Errorf("control: no camera collaborator wired for %s", name)
	}
	gain, err := ParseDecimalGain(body)
	if err != nil {
		return err
	}
	return d.cam.SetParameter(name, strconv.FormatFloat(gain, 'f', -1, 64))
}

func (d *Dispatcher) handleCameraMode(name, mode string) error {
	if d.cam == nil {
		return fmt.Errorf("control: no camera collaborator wired for %s_%s", name, mode)
	}
	if mode == "" {
		return fmt.Errorf("control: %s_ hook filename carried no mode suffix", name)
	}
	return d.cam.SetParameter(name, mode)
}

// handleSetSubtitle parses a subtitle hook body. An empty (or
// whitespace-only) body clears the current subtitle instead of setting one.
func (d *Dispatcher) handleSetSubtitle(body string) error {
	if d.subs == nil {
		return fmt.Errorf("control: no subtitle collaborator wired for subtitle")
	}
	if strings.TrimSpace(body) == "" {
		d.subs.ClearSubtitle()
		return nil
	}
	req, err := ParseSubtitle(body)
	if err != nil {
		return err
	}
	d.subs.SetSubtitle(req)
	return nil
}
