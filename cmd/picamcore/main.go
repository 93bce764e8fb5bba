// Command picamcore runs the capture and fan-out engine as a standalone
// process: encoded access units are fed in through the Engine's callbacks
// (capture/encoder hardware is out of scope), HLS segments and optional
// RTSP/TCP pushes flow out, and a watched hook directory drives recording,
// mute, and camera-parameter control.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/picamcore/internal/config"
	"github.com/zsiec/picamcore/internal/engine"
)

var v = viper.New()

func main() {
	root := &cobra.Command{
		Use:   "picamcore",
		Short: "Real-time camera capture, recording, and stream fan-out engine",
		RunE:  run,
	}
	if err := config.BindFlags(root.Flags(), v); err != nil {
		slog.Error("failed to bind flags", "error", err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	log.Info("picamcore starting",
		"video", fmt.Sprintf("%dx%d@%v", cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS),
		"hls_dir", cfg.HLS.OutputDir,
		"rtsp_enabled", cfg.RTSP.Enabled,
		"tcp_enabled", cfg.TCP.Enabled,
	)

	e, err := engine.New(cfg, log)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(ctx)
	})

	// Logs a panic raised on this goroutine instead of crashing with it. It
	// does not cover the errgroup goroutine running e.Run: a panic there is
	// not recovered here.
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic in engine", "panic", r)
		}
	}()

	if err := g.Wait(); err != nil {
		log.Error("engine error", "error", err)
		return err
	}
	return nil
}
