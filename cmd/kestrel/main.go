package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"kestrel-eim/config"
	"kestrel-eim/core/appbootstrap"
	"kestrel-eim/core/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := utils.NewLogger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := appbootstrap.Compose(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("bootstrap: %v", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.Run(ctx); err != nil {
		logger.Errorf("serve: %v", err)
		os.Exit(1)
	}
}
