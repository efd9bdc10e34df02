package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"token-payment-reconciler/internal/config"
	"token-payment-reconciler/internal/storage"
	chstore "token-payment-reconciler/internal/storage/clickhouse"
	"token-payment-reconciler/internal/storage/memory"
	"token-payment-reconciler/internal/storage/migrations"
	pgstore "token-payment-reconciler/internal/storage/postgres"
)

type stores struct {
	payments storage.PaymentStore
	cursor   storage.IngestionCursorStore
	journal  storage.TransferJournalStore
	closers  []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores wires in-memory storage, or Postgres for payments and the
// cursor plus ClickHouse for the transfer journal when a DSN is given.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*stores, error) {
	if cfg.Storage.UseMemory {
		logger.Warn("main: using in-memory storage, state is lost on restart")
		return &stores{
			payments: memory.NewPaymentStore(),
			cursor:   memory.NewIngestionCursorStore(),
			journal:  memory.NewTransferJournalStore(),
		}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}
	s := &stores{
		payments: pgstore.NewPaymentStore(pool),
		cursor:   pgstore.NewIngestionCursorStore(pool),
		closers:  []func(){pool.Close},
	}

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "running postgres migrations")
	}

	if cfg.Storage.ClickhouseDSN == "" {
		logger.Info("main: no clickhouse dsn, transfer journal disabled")
		return s, nil
	}

	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "running clickhouse migrations")
	}
	s.journal = chstore.NewTransferJournalStore(conn)
	s.closers = append(s.closers, func() { _ = conn.Close() })
	return s, nil
}
