package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ceotr/form-relay/internal/api"
	"github.com/ceotr/form-relay/internal/config"
	"github.com/ceotr/form-relay/internal/deadletter"
	"github.com/ceotr/form-relay/internal/delivery"
	"github.com/ceotr/form-relay/internal/form"
	"github.com/ceotr/form-relay/internal/logger"
	"github.com/ceotr/form-relay/internal/mail"
	"github.com/ceotr/form-relay/internal/relay"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewFromConfig(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	log.Info().Msg("starting relay server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mail transports, in fallback order
	problems := cfg.Mail.Problems()
	for _, p := range problems {
		log.Warn().Str("problem", p).Msg("mail delivery is not configured")
	}
	transports, err := mail.NewChain(context.WithoutCancel(ctx), cfg.Mail, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build mail transports")
	}
	dispatcher := delivery.NewDispatcher(transports, delivery.PolicyFromConfig(cfg.Delivery), log)

	// Dead-letter sink
	store, err := deadletter.New(ctx, cfg.DeadLetter, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open dead-letter store")
	}
	log.Info().Str("store", store.Name()).Msg("dead-letter store ready")

	composer, err := form.NewComposer(cfg.Mail)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load message templates")
	}

	// Background relay. Workers outlive the signal context so Stop can
	// drain the queue after the server stops accepting requests.
	rl := relay.New(dispatcher, store, relay.Options{
		Workers:   cfg.Delivery.Workers,
		QueueSize: cfg.Delivery.QueueSize,
		Problems:  problems,
	}, log)
	rl.Start(context.WithoutCancel(ctx))

	router := api.NewRouter(api.Deps{
		Relay:          rl,
		Composer:       composer,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Log:            log,
	})

	// Configure HTTP server
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("relay server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down relay server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := rl.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("relay stop: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if cerr := store.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("failed to close dead-letter store")
	}
	if err != nil {
		log.Error().Err(err).Msg("relay server stopped with error")
		os.Exit(1)
	}

	log.Info().Msg("relay server stopped")
}
