package database

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

var (
	dbName = "testdb"
	dbUser = "testuser"
	dbPass = "testpass"
)

// SetupTestDB creates a Postgres container using testcontainers and runs
// migrations. The returned handle uses the same pgx stdlib driver the store
// opens in production.
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	// Start Postgres container
	postgresContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	require.NoError(t, err)

	// Get connection string
	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)

	// Run migrations
	err = MigrateUp(ctx, conn)
	require.NoError(t, err)

	// Test full migration rollback
	err = MigrateDown(ctx, conn)
	require.NoError(t, err)

	// Reapply migrations
	err = MigrateUp(ctx, conn)
	require.NoError(t, err)

	require.NoError(t, conn.Close(ctx))

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)

	cleanupFunc := func() {
		_ = db.Close()
		tc.CleanupContainer(t, postgresContainer)
	}

	return db, cleanupFunc
}
