// Command termgatewayd runs the gateway: the viewer, agent, and admin
// HTTP surfaces backed by C1-C6.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gastown-labs/termgateway/internal/adminrpc"
	"github.com/gastown-labs/termgateway/internal/agentproto"
	"github.com/gastown-labs/termgateway/internal/agents"
	"github.com/gastown-labs/termgateway/internal/config"
	"github.com/gastown-labs/termgateway/internal/gateway"
	"github.com/gastown-labs/termgateway/internal/location"
	"github.com/gastown-labs/termgateway/internal/viewerproto"
)

var rootCmd = &cobra.Command{
	Use:   "termgatewayd",
	Short: "Distributed terminal gateway server",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the viewer, agent, and admin HTTP surfaces",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration as JSON",
	RunE:  runPrintConfig,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPrintConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	locations, err := location.New(cfg.LocationStorePath)
	if err != nil {
		return fmt.Errorf("open location store: %w", err)
	}
	agentsReg := agents.New()
	agentProto := agentproto.NewHandler(agentsReg, locations, cfg, logger)
	router := gateway.New(cfg, locations, agentsReg, agentProto, logger)
	router.Start()
	defer router.Stop()

	viewerProto := viewerproto.NewHandler(router, cfg.ViewerHighWaterMark, logger)
	admin := adminrpc.NewHandler(router, agentsReg, logger)

	viewerMux := http.NewServeMux()
	viewerMux.Handle("/viewer/v1/connect", viewerProto)

	agentMux := http.NewServeMux()
	agentMux.Handle("/agent/v1/connect", agentProto)

	adminMux := http.NewServeMux()
	admin.Register(adminMux)

	servers := []*http.Server{
		{Addr: cfg.ViewerAddr, Handler: viewerMux},
		{Addr: cfg.AgentAddr, Handler: agentMux},
		{Addr: cfg.AdminAddr, Handler: adminMux},
	}
	names := []string{"viewer", "agent", "admin"}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		i, srv := i, srv
		go func() {
			logger.Info("listening", "surface", names[i], "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", names[i], err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shut down in reverse of C1-C6's startup order: the HTTP surfaces
	// (C4/C5/admin) first, then the router (C6) via the deferred Stop.
	for i := len(servers) - 1; i >= 0; i-- {
		if err := servers[i].Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "surface", names[i], "error", err)
		}
	}
	return nil
}
