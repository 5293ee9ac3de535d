package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fpv-tools/racetimer/app"
	"github.com/fpv-tools/racetimer/config"
	"github.com/fpv-tools/racetimer/logging"
	"github.com/fpv-tools/racetimer/router"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config YAML (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		base := logging.Base()
		base.Error().Err(err).Msg("config")
		os.Exit(1)
	}

	logging.Configure(logging.Config{Level: cfg.LogLevel})
	log := logging.WithComponent("main")
	log.Info().Str("version", version).Msg("racetimer starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: router.New(router.Deps{
			Users:      application.UserStore(),
			Races:      application.RaceStore(),
			Manager:    application.RaceManager(),
			Bus:        application.EventBus(),
			Clock:      application.Clock(),
			Hasher:     application.Hasher(),
			JWTSecret:  []byte(cfg.JWTSecret),
			SessionTTL: cfg.SessionTTL(),
			Log:        logging.WithComponent("router"),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			application.Shutdown()
			os.Exit(1)
		}
	case <-sigCh:
		log.Info().Msg("shutting down")
	}
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	application.Shutdown()
}
