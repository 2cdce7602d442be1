package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"labcap/internal/capture"
	"labcap/internal/config"
	"labcap/internal/engine"
	"labcap/internal/handlers"
	applog "labcap/internal/log"
	"labcap/internal/notify"
	"labcap/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture API server",
	Long: `Run the capture API server.

Examples:
  labcap serve                      # defaults and LABCAP_* environment
  labcap serve -c config.yaml
  LABCAP_NATS_ENABLED=true labcap serve -c config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := applog.Init(cfg.Log); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		DataDir:           cfg.Capture.DataDir,
		Interfaces:        cfg.Capture.Interfaces,
		DefaultInterface:  cfg.Capture.DefaultInterface,
		WirelessInterface: cfg.Capture.WirelessInterface,
		Live: capture.LiveOptions{
			SnapLen:     cfg.Capture.SnapLen,
			Promiscuous: cfg.Capture.Promiscuous,
			Timeout:     cfg.Capture.ReadTimeout,
		},
		ProgressInterval: cfg.Capture.ProgressInterval,
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	eng, err := engine.New(engineConfig(cfg), engine.OpenLive)
	if err != nil {
		return err
	}
	defer eng.Close()

	mgr := session.NewManager(eng, eng, session.Options{PageSize: cfg.Capture.PageSize})
	hub := handlers.NewHub(mgr, cfg.Server.AllowedOrigins)
	mgr.AddListener(hub.Broadcast)

	var notifier engine.Notifier = mgr
	if cfg.NATS.Enabled {
		nc, err := notify.Connect(cfg.NATS)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				slog.Warn("drain nats connection", "error", err)
			}
		}()
		mgr.AddListener(notify.NewPublisher(nc, cfg.NATS.SubjectPrefix).Publish)
		if cfg.NATS.RelayLimits {
			sub := notify.NewSubscriber(nc, cfg.NATS.SubjectPrefix, mgr)
			if err := sub.Start(); err != nil {
				return fmt.Errorf("subscribe to limit notices: %w", err)
			}
			defer sub.Close()
			notifier = notify.NewRelay(nc, cfg.NATS.SubjectPrefix, mgr)
		}
	}
	eng.SetNotifier(notifier)

	r := mux.NewRouter()
	handlers.RegisterRoutes(r, mgr, eng, hub)
	server := &http.Server{Addr: cfg.Server.Listen, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "listen", server.Addr, "data_dir", cfg.Capture.DataDir)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", server.Addr, err)
		}
	case <-ctx.Done():
	}
	slog.Info("API server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := mgr.StopAll(shutdownCtx); err != nil {
		slog.Warn("stop captures on shutdown", "error", err)
	}
	slog.Info("API server exited")
	return nil
}
