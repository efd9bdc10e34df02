package migrations

import (
	"context"

	"github.com/pkg/errors"

	"token-payment-reconciler/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded Postgres schema.
// pgx runs each file as a single multi-statement exec.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	names, contents, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, name := range names {
		if _, err := pool.Exec(ctx, contents[name]); err != nil {
			return errors.Wrapf(err, "apply migration %s", name)
		}
	}
	return nil
}
