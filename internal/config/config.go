// Package config resolves the engine's configuration from pflag-bound CLI
// flags, environment variables, and built-in defaults, the way
// jmylchreest-tvarr's internal/config package layers viper over cobra
// flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// VideoConfig holds the camera/encoder geometry and rate-control flags.
type VideoConfig struct {
	Width   int     `mapstructure:"width"`
	Height  int     `mapstructure:"height"`
	FPS     float64 `mapstructure:"fps"`
	Bitrate int     `mapstructure:"bitrate"`
	GOPSize int     `mapstructure:"gop_size"`
	VFR     bool    `mapstructure:"vfr"`
	MinFPS  float64 `mapstructure:"min_fps"`
	MaxFPS  float64 `mapstructure:"max_fps"`
}

// AudioConfig holds the ALSA capture and AAC encode flags.
type AudioConfig struct {
	Channels   int     `mapstructure:"channels"`
	SampleRate int     `mapstructure:"sample_rate"`
	Bitrate    int     `mapstructure:"bitrate"`
	Volume     float64 `mapstructure:"volume"`
	Disabled   bool    `mapstructure:"disabled"`
}

// HLSConfig holds the segmenter and encryption flags.
type HLSConfig struct {
	OutputDir           string `mapstructure:"output_dir"`
	NumRecentFiles      int    `mapstructure:"num_recent_files"`
	NumRetainedOldFiles int    `mapstructure:"num_retained_old_files"`
	KeyframesPerSegment int    `mapstructure:"keyframes_per_segment"`
	Encrypt             bool   `mapstructure:"encrypt"`
	EncryptKeyHex       string `mapstructure:"encrypt_key_hex"`
	EncryptIVHex        string `mapstructure:"encrypt_iv_hex"`
}

// RTSPConfig holds the four sidecar socket paths.
type RTSPConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	VideoControl string `mapstructure:"video_control"`
	AudioControl string `mapstructure:"audio_control"`
	VideoData    string `mapstructure:"video_data"`
	AudioData    string `mapstructure:"audio_data"`
}

// TCPConfig holds the MPEG-TS TCP push target.
type TCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// EngineConfig is the fully resolved configuration for one engine run.
type EngineConfig struct {
	Video VideoConfig `mapstructure:"video"`
	Audio AudioConfig `mapstructure:"audio"`
	HLS   HLSConfig   `mapstructure:"hls"`
	RTSP  RTSPConfig  `mapstructure:"rtsp"`
	TCP   TCPConfig   `mapstructure:"tcp"`

	RecordBuf int    `mapstructure:"record_buf"`
	StateDir  string `mapstructure:"state_dir"`
	HooksDir  string `mapstructure:"hooks_dir"`
	Verbose   bool   `mapstructure:"verbose"`
}

// BindFlags registers the §6 CLI surface on fs and binds each flag into v,
// so flag > environment > default precedence falls out of viper's own
// resolution order.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.Int("w", 1280, "video width")
	fs.Int("h", 720, "video height")
	fs.Float64("f", 30, "video frame rate")
	fs.Int("v", 4_000_000, "video bitrate in bits/sec")
	fs.Int("g", 30, "GOP size in frames")
	fs.Bool("vfr", false, "enable variable frame rate PTS mode")
	fs.Float64("minfps", 0, "minimum fps when --vfr is set")
	fs.Float64("maxfps", 0, "maximum fps when --vfr is set")

	fs.Int("c", 1, "audio channel count")
	fs.Int("r", 48000, "audio sample rate")
	fs.Int("a", 64000, "audio bitrate in bits/sec")
	fs.Float64("volume", 1.0, "audio volume multiplier")
	fs.Bool("noaudio", false, "disable audio capture entirely")

	fs.String("o", "./hls", "HLS output directory")
	fs.Int("hlsnumberofsegments", 3, "number of segments listed in the playlist")
	fs.Int("hlsretainedsegments", 0, "additional old segments kept on disk but unlisted")
	fs.Int("hlskeyframespersegment", 1, "keyframes per HLS segment")
	fs.Bool("hlsenc", false, "enable AES-128-CBC HLS segment encryption")
	fs.String("hlsenckey", "", "HLS encryption key, 32 hex characters")
	fs.String("hlsenciv", "", "HLS encryption IV, 32 hex characters")

	fs.Bool("rtspout", false, "enable the RTSP sidecar pusher")
	fs.String("rtsp-video-control", "/tmp/rtsp/video-control.sock", "RTSP video control socket path")
	fs.String("rtsp-audio-control", "/tmp/rtsp/audio-control.sock", "RTSP audio control socket path")
	fs.String("rtsp-video-data", "/tmp/rtsp/video-data.sock", "RTSP video data socket path")
	fs.String("rtsp-audio-data", "/tmp/rtsp/audio-data.sock", "RTSP audio data socket path")

	fs.String("tcpout", "", "TCP MPEG-TS push target, e.g. tcp://host:port")

	fs.Int("recordbuf", 5, "pre-roll keyframe look-back for recordings")
	fs.String("statedir", "./state", "state-directory key/value sidecar path")
	fs.String("hooksdir", "./hooks", "hook-file watch directory")
	fs.Bool("verbose", false, "enable debug-level logging")

	return v.BindPFlags(fs)
}

// Load resolves an EngineConfig from v after BindFlags has bound a flag
// set into it. Environment variables use a PICAMCORE_ prefix with
// underscores in place of dots, matching the teacher's TVARR_ convention.
func Load(v *viper.Viper) (EngineConfig, error) {
	v.SetEnvPrefix("PICAMCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := EngineConfig{
		Video: VideoConfig{
			Width:   v.GetInt("w"),
			Height:  v.GetInt("h"),
			FPS:     v.GetFloat64("f"),
			Bitrate: v.GetInt("v"),
			GOPSize: v.GetInt("g"),
			VFR:     v.GetBool("vfr"),
			MinFPS:  v.GetFloat64("minfps"),
			MaxFPS:  v.GetFloat64("maxfps"),
		},
		Audio: AudioConfig{
			Channels:   v.GetInt("c"),
			SampleRate: v.GetInt("r"),
			Bitrate:    v.GetInt("a"),
			Volume:     v.GetFloat64("volume"),
			Disabled:   v.GetBool("noaudio"),
		},
		HLS: HLSConfig{
			OutputDir:           v.GetString("o"),
			NumRecentFiles:      v.GetInt("hlsnumberofsegments"),
			NumRetainedOldFiles: v.GetInt("hlsretainedsegments"),
			KeyframesPerSegment: v.GetInt("hlskeyframespersegment"),
			Encrypt:             v.GetBool("hlsenc"),
			EncryptKeyHex:       v.GetString("hlsenckey"),
			EncryptIVHex:        v.GetString("hlsenciv"),
		},
		RTSP: RTSPConfig{
			Enabled:      v.GetBool("rtspout"),
			VideoControl: v.GetString("rtsp-video-control"),
			AudioControl: v.GetString("rtsp-audio-control"),
			VideoData:    v.GetString("rtsp-video-data"),
			AudioData:    v.GetString("rtsp-audio-data"),
		},
		TCP: TCPConfig{
			Enabled: v.GetString("tcpout") != "",
			Addr:    strings.TrimPrefix(v.GetString("tcpout"), "tcp://"),
		},
		RecordBuf: v.GetInt("recordbuf"),
		StateDir:  v.GetString("statedir"),
		HooksDir:  v.GetString("hooksdir"),
		Verbose:   v.GetBool("verbose"),
	}

	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configuration errors that would otherwise surface as a
// confusing runtime failure deep inside the engine.
func (c EngineConfig) Validate() error {
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("config: video dimensions must be positive, got %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.Video.FPS <= 0 {
		return fmt.Errorf("config: video fps must be positive, got %v", c.Video.FPS)
	}
	if c.HLS.NumRecentFiles < 1 {
		return fmt.Errorf("config: hlsnumberofsegments must be at least 1, got %d", c.HLS.NumRecentFiles)
	}
	if c.HLS.KeyframesPerSegment < 1 {
		return fmt.Errorf("config: hlskeyframespersegment must be at least 1, got %d", c.HLS.KeyframesPerSegment)
	}
	if c.HLS.Encrypt && (len(c.HLS.EncryptKeyHex) != 32 || len(c.HLS.EncryptIVHex) != 32) {
		return fmt.Errorf("config: hlsenckey and hlsenciv must each be 32 hex characters when hlsenc is set")
	}
	if c.RecordBuf < 1 {
		return fmt.Errorf("config: recordbuf must be at least 1, got %d", c.RecordBuf)
	}
	return nil
}
