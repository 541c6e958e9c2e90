package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"paircode/internal/config"
	"paircode/internal/discovery"
	"paircode/internal/hub"
	"paircode/internal/observability"
	"paircode/internal/relay"
	"paircode/internal/server"
	"paircode/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "paircode-server:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("paircode-server", pflag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	flagged := config.Default()
	config.BindServerFlags(fs, flagged)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.ApplyFlags(fs, flagged)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	observability.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var publisher hub.Publisher
	var rl *relay.Redis
	if cfg.Server.RedisAddr != "" {
		rl, err = relay.Dial(ctx, cfg.Server.RedisAddr, logger)
		if err != nil {
			return err
		}
		defer rl.Close()
		publisher = rl
	}

	h := hub.New(hub.Options{Store: st, Publisher: publisher, Logger: logger})
	go h.Run(ctx)
	if rl != nil {
		go func() {
			if err := rl.Run(ctx, h.Deliver); err != nil {
				logger.Error("relay stopped", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	if cfg.Server.MDNS {
		_, portStr, _ := net.SplitHostPort(ln.Addr().String())
		port, _ := strconv.Atoi(portStr)
		adv, err := discovery.Advertise(cfg.Server.InstanceName, port, server.Version, logger)
		if err != nil {
			logger.Warn("mdns advertise failed", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	srv := &http.Server{Handler: server.New(st, h, logger)}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("paircode server listening", "addr", ln.Addr().String(), "store", cfg.Server.Store)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
