// fleet-agent-sim is a reference agent implementation exercising the
// protocol of spec.md §4.4/§4.7 end to end: it registers itself against a
// running control plane, waits for an operator to claim it with the
// printed code, finalizes, then holds a WebSocket connection reporting a
// small synthetic service roster with periodic status changes. It plays
// the role the teacher's cmd/nixfleet-agent binary plays, generalized
// from a single hardcoded token/URL pair to the full claim flow.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/agentsim"
	"github.com/fleetcontrol/control-plane/internal/domain"
)

func main() {
	httpURL := flag.String("http-url", envOrDefault("FLEETSIM_HTTP_URL", "http://localhost:8080"), "control plane HTTP base URL")
	wsURL := flag.String("ws-url", envOrDefault("FLEETSIM_WS_URL", "ws://localhost:8080"), "control plane WebSocket base URL")
	services := flag.Int("services", 3, "number of synthetic services to report")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log, *httpURL, *wsURL, *services); err != nil {
		log.Fatal().Err(err).Msg("fleet-agent-sim failed")
	}
}

func run(ctx context.Context, log zerolog.Logger, httpURL, wsURL string, numServices int) error {
	reg := agentsim.NewRegistrar(httpURL)

	regID, code, err := reg.Initiate(ctx)
	if err != nil {
		return fmt.Errorf("initiate registration: %w", err)
	}
	log.Info().Str("reg_id", regID.String()).Str("code", code).
		Msg("registration initiated — enter this code as an authenticated user to claim this agent")

	key, err := reg.WaitForCompletion(ctx, regID, 2*time.Second)
	if err != nil {
		return fmt.Errorf("wait for claim: %w", err)
	}
	log.Info().Str("agent_key", key.String()).Msg("claimed by user")

	if err := reg.Finalize(ctx, key); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	log.Info().Msg("registration finalized, connecting")

	svcs := make([]agentsim.Service, numServices)
	for i := range svcs {
		svcs[i] = agentsim.Service{
			ID:     fmt.Sprintf("svc-%d", i+1),
			Name:   fmt.Sprintf("service-%d", i+1),
			Status: domain.StatusOK,
		}
	}

	client := agentsim.New(wsURL, log)
	if err := client.Connect(ctx, key, svcs); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	go simulateStatusChurn(ctx, client, svcs, log)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("connection ended")
	}
	return nil
}

// simulateStatusChurn periodically flips a random service's status, the
// way a real agent would report a supervised process's health changing.
func simulateStatusChurn(ctx context.Context, client *agentsim.Client, svcs []agentsim.Service, log zerolog.Logger) {
	statuses := []domain.ServiceStatus{domain.StatusOK, domain.StatusWarning, domain.StatusError}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc := svcs[rand.Intn(len(svcs))]
			status := statuses[rand.Intn(len(statuses))]
			if err := client.UpdateServiceStatus(svc.ID, status, "simulated status change"); err != nil {
				log.Warn().Err(err).Str("service", svc.ID).Msg("failed to send status update")
				return
			}
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
