package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devdamo/Shortcut-launcher/pkg/settings"
	sig "github.com/devdamo/Shortcut-launcher/pkg/signal"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg, err := settings.Load()
	if err != nil {
		log.Warn().Err(err).Msg("load settings, using defaults")
	}

	addr := flag.String("addr", cfg.ListenAddr, "listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	server := sig.NewServer()

	srv := &http.Server{
		Addr:    *addr,
		Handler: server.Router(),
	}

	go func() {
		log.Info().Str("addr", *addr).Msg("signal server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}
