// Package main runs the ecfr query service as a daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/ecfr-mirror/internal/config"
	"github.com/JakeFAU/ecfr-mirror/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "ecfrd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	runErr := app.Run(ctx)
	if err := app.Close(ctx); err != nil && runErr == nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return runErr
}
