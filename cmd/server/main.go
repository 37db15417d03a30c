package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/minasoft/ipms-mock/internal/app"
	"github.com/minasoft/ipms-mock/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ipms-mock",
		Short: "MLLP HL7 test double that behaves like a hospital information system",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(listenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mock (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to initialise", "error", err)
		return err
	}

	if err := a.Start(ctx); err != nil {
		slog.Error("Failed to start MLLP server", "error", err)
		return err
	}

	printStartupInfo(cfg, a.Addr())

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping")

	return a.Stop()
}

func printStartupInfo(cfg *config.Config, listen string) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                        IPMS Mock Started                      ║
╠═══════════════════════════════════════════════════════════════╣
║ MLLP Listener        : %-39s ║
║ Follow-up Target     : %-39s ║
║ Response Delay       : %-39s ║
║ Patient Store        : %-39s ║
║ Admin API            : %-39s ║
╚═══════════════════════════════════════════════════════════════╝
`
	admin := "disabled"
	if cfg.WebPort > 0 {
		admin = fmt.Sprintf("http://localhost:%d/api", cfg.WebPort)
	}

	fmt.Printf(info,
		listen,
		cfg.Destination(),
		cfg.ResponseDelay.String(),
		cfg.DataFile,
		admin,
	)
}
