package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/app"
	"github.com/rpicam/camserver/internal/config"
	"github.com/rpicam/camserver/internal/core"
	"github.com/rpicam/camserver/internal/httpd"
	"github.com/rpicam/camserver/internal/media"
	"github.com/rpicam/camserver/internal/media/gst"
	"github.com/rpicam/camserver/internal/rtc"
	signaling "github.com/rpicam/camserver/internal/signal"
)

// Exit codes tell the service supervisor why the process died.
const (
	exitDevice  = 2
	exitEncoder = 3
	exitConfig  = 4
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(exitConfig)
	}

	pipeline, err := buildPipeline(cfg)
	if err != nil {
		log.Error().Err(err).Msg("camera pipeline unusable")
		switch {
		case errors.Is(err, core.ErrEncoderUnavailable):
			os.Exit(exitEncoder)
		case errors.Is(err, core.ErrConfigInvalid):
			os.Exit(exitConfig)
		default:
			os.Exit(exitDevice)
		}
	}

	reg := app.NewRegistry()
	sender := app.NewSender(pipeline)
	orch := app.NewOrchestrator(reg, pipeline, sender)

	ctl := signaling.NewController(orch, signaling.Options{
		RTC:                rtc.Config{STUNServer: cfg.STUNServer},
		NegotiationTimeout: cfg.NegotiationTimeout,
		DisconnectGrace:    cfg.DisconnectGrace,
	}, cfg.ReadLimit, cfg.PingPeriod)

	r := httpd.SetupRouter(ctx, cfg, orch, ctl)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("camera server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-orch.Fatal():
		log.Error().Err(err).Msg("pipeline failed, shutting down")
		exitCode = exitDevice
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	orch.Shutdown(shutdownCtx)
	log.Info().Msg("server exited gracefully")
	os.Exit(exitCode)
}

// buildPipeline probes the camera once at startup so a dead device is
// reported immediately instead of on the first viewer. When the hardware
// encoder is missing it falls back to x264 unless the operator already
// forced software encoding.
func buildPipeline(cfg *config.Config) (*media.Pipeline, error) {
	mediaCfg := media.Config{
		Width:      cfg.Width,
		Height:     cfg.Height,
		FPS:        cfg.FPS,
		BitrateBps: cfg.BitrateBps,
	}
	encoder := gst.EncoderHardware
	if cfg.ForceSW {
		encoder = gst.EncoderSoftware
	}

	pipeline, err := startWith(cfg, mediaCfg, encoder)
	if errors.Is(err, core.ErrEncoderUnavailable) && encoder == gst.EncoderHardware {
		log.Warn().Err(err).Msg("hardware encoder unavailable, retrying with x264")
		pipeline, err = startWith(cfg, mediaCfg, gst.EncoderSoftware)
	}
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

func startWith(cfg *config.Config, mediaCfg media.Config, encoder gst.EncoderKind) (*media.Pipeline, error) {
	capture := gst.NewCapture(mediaCfg, gst.Options{
		Source:     cfg.Source,
		V4L2Device: cfg.V4L2Device,
		Encoder:    encoder,
	})
	pipeline, err := media.NewPipeline(mediaCfg, capture, cfg.Linger)
	if err != nil {
		return nil, err
	}
	if err := pipeline.Start(); err != nil {
		return nil, err
	}
	// Startup probe only. Park the camera again until the first viewer
	// attaches; Attach restarts the chain.
	pipeline.Stop()
	return pipeline, nil
}
