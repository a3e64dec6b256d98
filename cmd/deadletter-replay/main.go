// Command deadletter-replay re-dispatches dead-lettered messages through the
// configured mail transports and removes the ones that are delivered.
//
// Usage:
//
//	deadletter-replay --limit 50
//	deadletter-replay --dry-run
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ceotr/form-relay/internal/config"
	"github.com/ceotr/form-relay/internal/deadletter"
	"github.com/ceotr/form-relay/internal/delivery"
	"github.com/ceotr/form-relay/internal/logger"
	"github.com/ceotr/form-relay/internal/mail"
)

func main() {
	var (
		configPath  string
		limit       int
		concurrency int
		dryRun      bool
	)
	flag.StringVar(&configPath, "config", "config", "Directory containing config.yaml")
	flag.IntVar(&limit, "limit", 100, "Maximum number of dead letters to replay (0 = no limit)")
	flag.IntVar(&concurrency, "concurrency", 2, "Messages re-dispatched at once")
	flag.BoolVar(&dryRun, "dry-run", false, "List dead letters without sending or removing them")
	flag.Parse()

	if err := run(configPath, deadletter.ReplayOptions{
		Limit:       limit,
		Concurrency: concurrency,
		DryRun:      dryRun,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "deadletter-replay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, opts deadletter.ReplayOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := deadletter.New(ctx, cfg.DeadLetter, log)
	if err != nil {
		return fmt.Errorf("open dead-letter store: %w", err)
	}
	defer store.Close()

	replayer, ok := store.(deadletter.Replayer)
	if !ok {
		return fmt.Errorf("dead-letter store %q cannot be replayed", store.Name())
	}

	var dispatcher deadletter.Redispatcher
	if !opts.DryRun {
		if problems := cfg.Mail.Problems(); len(problems) > 0 {
			return errors.New("mail delivery is not configured: " + strings.Join(problems, "; "))
		}
		transports, err := mail.NewChain(ctx, cfg.Mail, log)
		if err != nil {
			return fmt.Errorf("build mail transports: %w", err)
		}
		dispatcher = delivery.NewDispatcher(transports, delivery.PolicyFromConfig(cfg.Delivery), log)
	}

	res, err := deadletter.Replay(ctx, replayer, dispatcher, opts, log)
	log.Info().
		Str("store", store.Name()).
		Int("listed", res.Listed).
		Int("delivered", res.Delivered).
		Int("failed", res.Failed).
		Bool("dry_run", opts.DryRun).
		Msg("replay finished")
	return err
}
