package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalvoice/dependency"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the device gateway",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-header-timeout", 10*time.Second, "HTTP read header timeout")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown bound")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	readHeaderTimeout, _ := cmd.Flags().GetDuration("read-header-timeout")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := setupTelemetry(ctx, cfg.Telemetry, dependency.Version)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	container, err := dependency.New(cfg, logger)
	if err != nil {
		return exitError(exitConfig, "wiring services: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           container.Gateway().Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := container.Pool().Start(groupCtx); err != nil {
			return fmt.Errorf("starting capability servers: %w", err)
		}
		for _, status := range container.Pool().Status() {
			logger.Info("capability server", "server", status.Name, "ready", status.Ready, "tools", status.Tools)
		}
		return nil
	})
	group.Go(func() error {
		fmt.Fprintf(cmd.OutOrStdout(), "petalvoice listening on %s%s\n", cfg.Server.Addr, cfg.Server.Path)
		var err error
		if tlsCert != "" && tlsKey != "" {
			err = httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		_ = container.Gateway().Close()
		err := httpServer.Shutdown(shutdownCtx)
		if cerr := container.Close(shutdownCtx); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
		return err
	})

	if err := group.Wait(); err != nil {
		return exitError(exitRuntime, "server error: %v", err)
	}
	return nil
}
