// Package clock reconciles the independent audio and video encoder
// timestamp streams into one monotonic 90kHz timeline. Audio is the
// reference clock; video is nudged toward it a fixed number of ticks per
// frame so the two converge without an audible/visible jump.
package clock

import "time"

// Mode reports which correction regime the video clock is currently in.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSpeedUp
	ModeSpeedDown
	ModeReset
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSpeedUp:
		return "speed_up"
	case ModeSpeedDown:
		return "speed_down"
	case ModeReset:
		return "reset"
	default:
		return "unknown"
	}
}

const (
	// PTSDiffTooLarge is the drift threshold, in 90kHz ticks, past which the
	// video clock is reset to the audio clock rather than nudged toward it.
	// 45000 ticks ≡ 0.5s at 90kHz.
	PTSDiffTooLarge = 45000

	// nudge is the fixed correction applied per frame while speeding up or
	// down; it must stay constant so convergence time is predictable.
	nudge = 150

	// residualThreshold is the drift magnitude below which no nudge is
	// applied at all even in NORMAL mode.
	residualThreshold = 2000

	// MaxVideoStep is the cap VideoStepForFPS applies to a CFR stream's
	// step, and the step it returns for a non-positive fps.
	MaxVideoStep = 68480

	// nsToTicks converts elapsed monotonic nanoseconds to 90kHz ticks.
	nsToTicks = 0.00009
)

// State is the shared clock state the pipeline's two producer callbacks
// (on_encoded_video, on_encoded_audio) mutate as packets arrive.
type State struct {
	AudioPTS int64
	VideoPTS int64

	AudioStep int64
	VideoStep int64

	Mode Mode

	SpeedUpCount   int64
	SpeedDownCount int64

	// VFR bookkeeping.
	lastPTS        int64
	timeForLastPTS time.Time
	havePrior      bool

	videoStarted bool
	audioStarted bool
	WallStartNs  int64
}

// VideoStepForFPS returns round(90000/fps) capped at MaxVideoStep, the
// formula used to derive a CFR stream's fixed step.
func VideoStepForFPS(fps float64) int64 {
	if fps <= 0 {
		return MaxVideoStep
	}
	step := int64(90000/fps + 0.5)
	if step > MaxVideoStep {
		return MaxVideoStep
	}
	return step
}

// NewState builds clock state for a stream pair with the given per-frame
// step sizes (see VideoStepForFPS and AudioStepForRate).
func NewState(videoStep, audioStep int64) *State {
	return &State{VideoStep: videoStep, AudioStep: audioStep}
}

// AudioStepForRate returns the per-period tick count for a sample rate and
// period size in frames.
func AudioStepForRate(sampleRate int, periodFrames int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(float64(periodFrames) * 90000 / float64(sampleRate))
}

// NextAudioPTS advances and returns the audio clock. Audio never drifts; it
// is the timeline everything else is measured against.
func (s *State) NextAudioPTS() int64 {
	s.AudioPTS += s.AudioStep
	return s.AudioPTS
}

// NextVideoPTSCFR advances and returns the video clock for a constant
// frame-rate stream, nudging it toward the audio clock.
func (s *State) NextVideoPTSCFR() int64 {
	diff := s.AudioPTS - s.VideoPTS - s.VideoStep
	sumSteps := s.VideoStep + s.AudioStep

	switch {
	case diff >= PTSDiffTooLarge:
		s.VideoPTS = s.AudioPTS
		s.Mode = ModeReset
	case diff >= 2*sumSteps:
		s.Mode = ModeSpeedUp
		s.SpeedUpCount++
		s.VideoPTS += s.VideoStep + nudge
	case diff <= -2*sumSteps:
		s.Mode = ModeSpeedDown
		s.SpeedDownCount++
		s.VideoPTS += s.VideoStep - nudge
	default:
		s.Mode = ModeNormal
		switch {
		case diff >= residualThreshold:
			s.VideoPTS += s.VideoStep + nudge
		case diff <= -residualThreshold:
			s.VideoPTS += s.VideoStep - nudge
		default:
			s.VideoPTS += s.VideoStep
		}
	}

	return s.VideoPTS
}

// NextVideoPTSVFR advances and returns the video clock for a variable
// frame-rate stream, scaling elapsed wall time into 90kHz ticks.
func (s *State) NextVideoPTSVFR(now time.Time) int64 {
	if !s.havePrior {
		s.VideoPTS = s.AudioPTS
		s.lastPTS = s.VideoPTS
		s.timeForLastPTS = now
		s.havePrior = true
		return s.VideoPTS
	}

	elapsedNs := now.Sub(s.timeForLastPTS).Nanoseconds()
	s.VideoPTS = s.lastPTS + int64(float64(elapsedNs)*nsToTicks)
	s.lastPTS = s.VideoPTS
	s.timeForLastPTS = now
	return s.VideoPTS
}

// MarkStarted records that a stream has produced its first packet. It
// reports whether this call caused both streams to transition to started,
// in which case WallStartNs is latched and callers should emit the
// "capture started" signal to pushers.
func (s *State) MarkStarted(videoStream bool, nowMonotonicNs int64) (bothStarted bool) {
	if videoStream {
		s.videoStarted = true
	} else {
		s.audioStarted = true
	}
	if s.videoStarted && s.audioStarted && s.WallStartNs == 0 {
		s.WallStartNs = nowMonotonicNs
		return true
	}
	return false
}

// WrapPTS masks a 64-bit tick count to the 33-bit range MPEG-TS requires.
func WrapPTS(pts int64) int64 {
	const mask = 1<<33 - 1
	return pts & mask
}
