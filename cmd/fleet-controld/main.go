package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fleetcontrol/control-plane/internal/broker"
	"github.com/fleetcontrol/control-plane/internal/broker/localbroker"
	"github.com/fleetcontrol/control-plane/internal/broker/redisbroker"
	"github.com/fleetcontrol/control-plane/internal/control"
	"github.com/fleetcontrol/control-plane/internal/external"
	"github.com/fleetcontrol/control-plane/internal/headerauth"
	"github.com/fleetcontrol/control-plane/internal/logging"
	"github.com/fleetcontrol/control-plane/internal/notify"
	"github.com/fleetcontrol/control-plane/internal/randcode"
	"github.com/fleetcontrol/control-plane/internal/ratelimit"
	"github.com/fleetcontrol/control-plane/internal/registration"
	"github.com/fleetcontrol/control-plane/internal/store/sqlstore"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fleet-controld",
		Short: "Fleet control plane — agent ingress, client fan-out, registration",
		Long: `fleet-controld is the control plane server: it accepts agent
WebSocket connections, relays state changes to subscribed clients over
SSE, and runs the agent registration flow.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), loadAppConfig())
		},
	}
}

func run(ctx context.Context, cfg *appConfig) error {
	log := logging.New(logging.Format(cfg.LogFormat), cfg.LogLevel)
	log.Info().Str("version", version).Str("addr", cfg.control.ListenAddr).
		Str("broker_mode", cfg.BrokerMode).Msg("starting fleet-controld")

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var b broker.Broker
	switch cfg.BrokerMode {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis broker: ping %s: %w", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		b = redisbroker.New(rdb, log)
	case "local":
		b = localbroker.New(log)
	default:
		return fmt.Errorf("unknown FLEETCTL_BROKER_MODE %q (want local or redis)", cfg.BrokerMode)
	}

	push := external.NopNotify{}
	notifier := notify.New(b, push, log)

	st, err := sqlstore.Open(cfg.DatabaseDSN, sqlstore.Options{
		Notifier: notifier,
		Clock:    external.SystemClock,
		UUIDs:    external.SystemUUID,
		Digits:   randcode.System,
	}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("store close error")
		}
	}()

	rl := ratelimit.New(registration.DefaultRules, external.SystemClock)
	reg := registration.New(st, b, rl)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sweeper := registration.NewSweeper(st, log)
	if err := sweeper.Start(sched); err != nil {
		return fmt.Errorf("start registration sweeper: %w", err)
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("scheduler shutdown error")
		}
	}()

	auth := headerauth.New()
	srv := control.New(&cfg.control, st, b, auth, reg, log)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}

	log.Info().Msg("fleet-controld stopped")
	return nil
}
