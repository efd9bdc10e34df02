// Command server runs the payment reconciler: live and backfilled transfer
// ingestion, reconciliation with confirmation watchers, and the HTTP API.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"token-payment-reconciler/internal/api"
	"token-payment-reconciler/internal/auth"
	"token-payment-reconciler/internal/config"
	"token-payment-reconciler/internal/evm"
	"token-payment-reconciler/internal/ingestion"
	"token-payment-reconciler/internal/notify"
	"token-payment-reconciler/internal/observability"
	"token-payment-reconciler/internal/reconciliation"
	"token-payment-reconciler/internal/verification"
	"token-payment-reconciler/internal/withdrawal"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	zl, err := zcfg.Build()
	if err != nil {
		return errors.Wrap(err, "creating logger")
	}
	defer zl.Sync()
	logger := zl.Sugar()

	if err := config.LoadEnvFile(".env"); err != nil {
		return err
	}

	var cfg config.Config
	cfg.Version.SVN = "1.0.0"
	cfg.Version.Desc = "token payment reconciler"
	if err := config.Parse(os.Args[1:], &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(config.EnvPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(config.EnvPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	logger.Infof("main: Config :\n%v\n", out)

	chain, err := cfg.SelectChain()
	if err != nil {
		return errors.Wrap(err, "selecting chain")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := openStores(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	rpc := evm.NewHTTPClient(chain.RPCEndpoint)

	var (
		executor      api.WithdrawalExecutor
		systemAddress string
	)
	if cfg.Wallet.SystemPrivateKey != "" {
		wallet, err := evm.NewWallet(rpc, cfg.Wallet.SystemPrivateKey, chain.ChainID)
		if err != nil {
			return errors.Wrap(err, "creating system wallet")
		}
		wallet.SetReceiptPollInterval(cfg.Wallet.ReceiptPollInterval)
		systemAddress = wallet.Address()
		executor = withdrawal.NewExecutor(withdrawal.Options{
			Gateway:       rpc,
			Submitter:     wallet,
			Chain:         chain,
			SystemAddress: systemAddress,
			Logger:        logger.Named("withdrawal"),
		})
		logger.Infow("withdrawals enabled", "systemWallet", systemAddress)
	} else {
		logger.Warn("main: no system private key configured, withdrawals disabled")
	}

	var publisher reconciliation.Publisher = notify.Nop{}
	if len(cfg.Broker.BootstrapServers) > 0 {
		kcl, err := notify.NewClient(notify.ClientConfig{
			Brokers:          cfg.Broker.BootstrapServers,
			Topic:            cfg.Broker.ProduceTopic,
			MetricsNamespace: cfg.Broker.MetricsNamespace,
		}, logger.Named("kafka"))
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		publisher = notify.NewKafkaPublisher(kcl, cfg.Broker.ProduceTopic)
	}

	checkpoint := ingestion.NewCheckpoint(stores.cursor, logger.Named("checkpoint"))

	engine := reconciliation.NewEngine(reconciliation.Options{
		Wallet:    cfg.Wallet.ReceivingAddress,
		Chain:     chain,
		Policy:    cfg.ConfirmationPolicy(),
		Store:     stores.payments,
		Gateway:   rpc,
		Journal:   stores.journal,
		Publisher: publisher,
		Acker:     checkpoint,
		Logger:    logger.Named("reconciliation"),
	})

	if _, err := engine.Resume(ctx); err != nil {
		return errors.Wrap(err, "resuming watchers")
	}

	wsCfg := evm.DefaultWSConfig()
	wsCfg.Logger = logger.Named("ws")
	ws, err := evm.NewWSClient(ctx, chain.WSEndpoint, &wsCfg)
	if err != nil {
		return errors.Wrap(err, "connecting websocket")
	}
	defer ws.Close()

	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		Source: ingestion.NewWSTransferSource(ws, chain.TokenContractAddress, cfg.Wallet.ReceivingAddress, logger.Named("ingestion")),
		Backfiller: ingestion.NewBackfiller(ingestion.BackfillOptions{
			Reader:     rpc,
			Cursor:     stores.cursor,
			Checkpoint: checkpoint,
			Token:      chain.TokenContractAddress,
			Wallet:     cfg.Wallet.ReceivingAddress,
			StartBlock: cfg.Ingestion.StartBlock,
			BatchSize:  cfg.Ingestion.BatchBlocks,
			Logger:     logger.Named("backfill"),
		}),
		Checkpoint: checkpoint,
		Logger:     logger.Named("ingestion"),
	})
	events, err := runner.Start(ctx)
	if err != nil {
		return errors.Wrap(err, "starting ingestion")
	}

	engineErr := make(chan error, 1)
	go func() { engineErr <- engine.Run(ctx, events) }()

	trustedProxies, err := api.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return errors.Wrap(err, "parsing trusted proxies")
	}
	limiter := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow, logger.Named("ratelimit"),
		api.WithTrustedProxies(trustedProxies))
	defer limiter.Stop()

	srv := api.NewServer(api.Options{
		Guard: auth.NewGuard(auth.Config{
			PublicKey: cfg.Auth.APIPublicKey,
			Secret:    cfg.Auth.APISecret,
			AppToken:  cfg.Auth.AppVerificationToken,
			MaxSkew:   cfg.Auth.MaxSkew,
		}, auth.WithLogger(logger.Named("auth"))),
		Verifier:        verification.NewVerifier(rpc, chain, logger.Named("verification")),
		Executor:        executor,
		Payments:        stores.payments,
		Journal:         stores.journal,
		Chain:           chain,
		Reader:          rpc,
		Limiter:         limiter,
		Logger:          logger.Named("api"),
		BodyLimit:       cfg.Server.BodyLimit,
		SystemAddress:   systemAddress,
		StatusCacheTTL:  cfg.Server.StatusCacheTTL,
		WithdrawTimeout: cfg.Server.WithdrawTimeout,
	})

	apiServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	apiError := make(chan error, 1)
	go func() {
		logger.Infof("main: Starting server on [%s].", cfg.Server.ListenAddress)
		apiError <- apiServer.ListenAndServe()
	}()

	metricsError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		logger.Infof("main: Starting metrics server on [%s].", cfg.Server.MetricsAddress)
		metricsError <- http.ListenAndServe(cfg.Server.MetricsAddress, mux)
	}()

	shutdown := make(chan os.Signal, 2)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	logger.Info("main: Service started.")

	var runErr error
	select {
	case sig := <-shutdown:
		logger.Infow("main: Received shutdown signal, shutting down...", "signal", sig)
	case err := <-engineErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = errors.Wrap(err, "reconciliation engine")
		}
	case err := <-apiError:
		runErr = errors.Wrap(err, "api server")
	case err := <-metricsError:
		runErr = errors.Wrap(err, "metrics server")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("api server shutdown", "error", err)
		}
		engine.Wait()
		close(done)
	}()

	select {
	case <-done:
	case sig := <-shutdown:
		logger.Warnw("main: Received second signal, forcing exit", "signal", sig)
		os.Exit(1)
	case <-time.After(shutdownTimeout):
		logger.Warn("main: Graceful shutdown timed out, forcing exit")
		os.Exit(1)
	}

	logger.Info("main: Shutdown complete")
	return runErr
}
