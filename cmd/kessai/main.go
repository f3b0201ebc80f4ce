package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Treynis/ejbca/common/environment"
	"github.com/Treynis/ejbca/common/version"
	"github.com/Treynis/ejbca/internal/kessai/app"
	"github.com/Treynis/ejbca/internal/kessai/observability"
)

func main() {
	observability.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
	)
	slog.Info("Kessai approval service",
		"version", version.Version, "commit", version.GitCommit, "build_time", version.BuildTime)

	config, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kessai, err := app.New(ctx, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kessai: %v\n", err)
		os.Exit(1)
	}
	defer kessai.Stop()

	if err := kessai.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kessai: %v\n", err)
		kessai.Stop()
		os.Exit(1)
	}
}
