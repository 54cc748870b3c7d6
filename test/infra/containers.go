package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	containerImage = "postgres:16"
	containerUser  = "deposit"
	containerPass  = "deposit"
	containerDB    = "deposit_engine"
)

// PGContainer wraps the throwaway Postgres container; a zero value stands in
// when the run reuses an external database.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 brings up a disposable Postgres 16 for the stress run.
// overrideDSN or STRESS_TEST_PG_DSN short-circuits to an existing database.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		containerImage,
		postgres.WithDatabase(containerDB),
		postgres.WithUsername(containerUser),
		postgres.WithPassword(containerPass),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// Terminate tears the container down; a nil or external-DSN receiver is a
// no-op.
func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
