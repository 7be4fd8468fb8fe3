package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/caiqy/vrcguard/internal/app"
	"github.com/caiqy/vrcguard/internal/config"
	"github.com/caiqy/vrcguard/internal/logging"
)

// main runs the bot and exits non-zero on unrecoverable errors.
func main() {
	if errRun := run(os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("bot exited with error")
		os.Exit(1)
	}
}

// run parses flags, loads config and serves until a signal arrives.
func run(args []string) error {
	fs := flag.NewFlagSet("vrcguard", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	cfg, errLoad := config.Load(config.ResolveConfigPath(*cfgPath))
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	a, errNew := app.New(cfg)
	if errNew != nil {
		return errNew
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
