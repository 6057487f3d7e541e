package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"broadcast-uploader/internal/api"
	"broadcast-uploader/internal/broadcast"
	"broadcast-uploader/internal/capture"
	"broadcast-uploader/internal/catalog"
	"broadcast-uploader/internal/control"
	"broadcast-uploader/internal/ledger"
	"broadcast-uploader/internal/platform/config"
	"broadcast-uploader/internal/platform/logger"
	"broadcast-uploader/internal/platform/metrics"
	"broadcast-uploader/internal/quality"
	"broadcast-uploader/internal/queue"
	"broadcast-uploader/internal/uploader"
)

const (
	shutdownTimeout = 10 * time.Second
	// uploadGrace bounds how long in-flight transfers may finish on exit.
	uploadGrace  = 30 * time.Second
	startTimeout = 15 * time.Second
)

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error("broadcaster failed", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config) (queue.Store, func(), error) {
	switch cfg.QueueBackend {
	case "redis":
		s, err := queue.NewRedisStore(ctx, queue.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		return queue.NewMemoryStore(), func() {}, nil
	default:
		s, err := queue.NewFileStore(cfg.QueueDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	preset, err := quality.ParsePreset(cfg.QualityPreset)
	if err != nil {
		return err
	}
	conn, err := quality.ParseConnectionClass(cfg.ConnectionClass)
	if err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	met := metrics.New()

	startCtx, cancelStart := context.WithTimeout(baseCtx, startTimeout)
	defer cancelStart()

	store, closeStore, err := openStore(startCtx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	q := queue.New(store, queue.Options{
		Policy: queue.Policy{
			BaseDelay:  cfg.UploadBackoffBase,
			MaxDelay:   cfg.UploadBackoffMax,
			MaxRetries: cfg.UploadMaxRetries,
		},
		Logger:  logger.Component(log, "queue"),
		Metrics: met,
	})
	if err := q.Load(startCtx); err != nil {
		return err
	}

	client, err := api.New(api.Config{BaseURL: cfg.APIBaseURL, Logger: logger.Component(log, "api")})
	if err != nil {
		return err
	}
	if cfg.AppID != "" {
		app, err := client.RegisterApp(startCtx, cfg.AppID, cfg.AppSecret)
		if err != nil {
			return err
		}
		log.Info("application registered", "app_id", app.ID, "author_id", app.AuthorID)
	}

	up, err := uploader.New(uploader.Config{
		Queue:           q,
		Dispatcher:      &uploader.APIDispatcher{API: client, Store: client},
		Workers:         cfg.UploadWorkers,
		InFlightTimeout: cfg.UploadInFlightTimeout,
		Logger:          logger.Component(log, "uploader"),
		Metrics:         met,
	})
	if err != nil {
		return err
	}

	led := ledger.New(func(streamID string, seq uint64) string {
		return client.ObjectURL(uploader.SegmentKey(streamID, seq))
	}, logger.Component(log, "ledger"))

	bus := broadcast.NewBus(0)
	var current func() *broadcast.Session
	cam := capture.New(capture.Config{
		Binary:      cfg.FFmpegPath,
		Input:       cfg.CaptureInput,
		AltInput:    cfg.CaptureAltInput,
		InputFormat: cfg.CaptureInputFormat,
		WorkDir:     filepath.Clean(cfg.SegmentWorkDir),
		Logger:      logger.Component(log, "capture"),
		OnFault: func(err error) {
			if current != nil {
				current().CaptureFailed(err)
			}
		},
	})

	newSession := func() (*broadcast.Session, error) {
		s, err := broadcast.New(broadcast.Config{
			Capture:    cam,
			Queue:      q,
			Uploader:   up,
			Bus:        bus,
			Preset:     preset,
			Connection: conn,
			Title:      cfg.BroadcastTitle,
			Logger:     logger.Component(log, "session"),
			Metrics:    met,
		})
		if err != nil {
			return nil, err
		}
		up.SetReporter(uploader.Reporters(s, led))
		return s, nil
	}

	h, err := control.NewHandler(control.Config{
		Context:    baseCtx,
		NewSession: newSession,
		Queue:      q,
		Uploader:   up,
		Catalog:    catalog.NewReader(client, client.PlaybackBase, logger.Component(log, "catalog")),
		Ledger:     led,
		Bus:        bus,
		Logger:     log,
		Metrics:    met,
	})
	if err != nil {
		return err
	}
	current = h.Session

	if cfg.ResumeUploads {
		n := up.Resume(baseCtx)
		log.Info("resuming uploads from previous run", "jobs", n)
	}

	srv := &http.Server{Addr: cfg.ControlAddr, Handler: h.Router(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Info("broadcaster starting",
		"addr", cfg.ControlAddr,
		"queue_backend", cfg.QueueBackend,
		"queued_jobs", q.Len(),
		"preset", preset.String(),
		"connection", conn.String(),
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case err := <-serveErr:
		log.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	// Stop recording first so the final segment is queued before uploads stop.
	s := h.Session()
	if err := s.StopBroadcasting(); err != nil {
		log.Warn("broadcast not stopped cleanly", "error", err)
	}
	_ = s.StopPreview()
	if err := s.Wait(ctx); err != nil {
		log.Warn("session still busy at exit", "state", string(s.State()), "error", err)
	}

	upCtx, cancelUp := context.WithTimeout(context.Background(), uploadGrace)
	defer cancelUp()
	if err := up.Stop(upCtx); err != nil {
		log.Warn("in-flight uploads cancelled", "error", err)
	}
	if err := q.Flush(context.Background()); err != nil {
		log.Error("queue flush failed", "error", err)
		return err
	}

	log.Info("broadcaster stopped", "queued_jobs", q.Len())
	return nil
}
