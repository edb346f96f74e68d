package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"proctord/internal/backend"
	"proctord/internal/config"
	"proctord/internal/metrics"
	"proctord/internal/report"
	"proctord/internal/store"
)

func cmdBackend(args []string) {
	fs := flag.NewFlagSet("backend", flag.ExitOnError)
	listen := fs.String("listen", "", "listen address (overrides server.listen)")
	noWatch := fs.Bool("no-watch", false, "do not reload the config file on change")
	fs.Parse(args)

	loader := config.NewLoader(configFile())
	cfg, err := loader.Load()
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatalf("Error: %v", err)
	}

	logger, closeLog := newLogger(cfg, "backend")
	defer closeLog()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fatalf("Error opening database: %v", err)
	}
	defer st.Close()

	validator, err := report.NewValidator()
	if err != nil {
		fatalf("Error loading schemas: %v", err)
	}

	srv, err := backend.New(backend.Config{
		RatePerSec: cfg.Server.RatePerSec,
		Burst:      cfg.Server.Burst,
	}, backend.Deps{
		Store:     st,
		Validator: validator,
		Registry:  metrics.NewRegistry("proctord"),
		Logger:    logger,
	})
	if err != nil {
		fatalf("Error: %v", err)
	}

	if !*noWatch {
		if err := loader.Watch(); err != nil {
			logger.Warn("config reload disabled", "error", err)
		} else {
			defer loader.Close()
			loader.OnChange(func(old, new *config.Config) {
				if old.Server.RatePerSec != new.Server.RatePerSec || old.Server.Burst != new.Server.Burst {
					srv.SetRate(new.Server.RatePerSec, new.Server.Burst)
					logger.Info("rate limit updated", "rate_per_sec", new.Server.RatePerSec, "burst", new.Server.Burst)
				}
				if old.Server.Listen != new.Server.Listen {
					logger.Warn("listen address change needs a restart", "listen", new.Server.Listen)
				}
			})
			go func() {
				for err := range loader.Errors() {
					logger.Warn("config reload rejected", "error", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("proctord backend listening on %s (database %s)\n", cfg.Server.Listen, cfg.DatabasePath())
	if err := srv.ListenAndServe(ctx, cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("backend stopped", "error", err)
		stop()
		closeLog()
		st.Close()
		os.Exit(1)
	}
}
