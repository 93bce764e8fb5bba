package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newBoundViper(t *testing.T, args []string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	if err := BindFlags(fs, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return v
}

func TestLoad_Defaults(t *testing.T) {
	v := newBoundViper(t, nil)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Video.Width != 1280 || cfg.Video.Height != 720 {
		t.Errorf("default geometry = %dx%d", cfg.Video.Width, cfg.Video.Height)
	}
	if cfg.HLS.NumRecentFiles != 3 {
		t.Errorf("default hlsnumberofsegments = %d, want 3", cfg.HLS.NumRecentFiles)
	}
	if cfg.RecordBuf != 5 {
		t.Errorf("default recordbuf = %d, want 5", cfg.RecordBuf)
	}
}

func TestLoad_FlagsOverrideDefaults(t *testing.T) {
	v := newBoundViper(t, []string{"--w=1920", "--h=1080", "--recordbuf=10"})
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Video.Width != 1920 || cfg.Video.Height != 1080 {
		t.Errorf("got %dx%d, want 1920x1080", cfg.Video.Width, cfg.Video.Height)
	}
	if cfg.RecordBuf != 10 {
		t.Errorf("recordbuf = %d, want 10", cfg.RecordBuf)
	}
}

func TestLoad_TCPOutDerivesAddrAndEnabled(t *testing.T) {
	v := newBoundViper(t, []string{"--tcpout=tcp://example.com:9000"})
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.TCP.Enabled {
		t.Error("TCP.Enabled should be true when --tcpout is set")
	}
	if cfg.TCP.Addr != "example.com:9000" {
		t.Errorf("TCP.Addr = %q, want example.com:9000", cfg.TCP.Addr)
	}
}

func TestValidate_RejectsNonPositiveGeometry(t *testing.T) {
	cfg := EngineConfig{Video: VideoConfig{Width: 0, Height: 720, FPS: 30}, HLS: HLSConfig{NumRecentFiles: 1, KeyframesPerSegment: 1}, RecordBuf: 1}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for zero width")
	}
}

func TestValidate_RejectsEncryptionWithoutKeyAndIV(t *testing.T) {
	cfg := EngineConfig{
		Video:     VideoConfig{Width: 1, Height: 1, FPS: 1},
		HLS:       HLSConfig{NumRecentFiles: 1, KeyframesPerSegment: 1, Encrypt: true},
		RecordBuf: 1,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error when hlsenc is set without a key/IV")
	}
}
