package postgres

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Load .env from project root
	if err := godotenv.Load("../../../../.env"); err != nil {
		log.Println("warning: .env not loaded:", err)
	}

	code := m.Run()
	os.Exit(code)
}

// testPool connects to POSTGRES_TEST_DSN, applies migrations and truncates the
// settlement tables. Tests are skipped when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	require.NoError(t, Migrate(dsn), "migrate failed")

	pool, err := NewPoolFromDSN(dsn, 8)
	require.NoError(t, err, "NewPoolFromDSN failed")
	t.Cleanup(pool.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = pool.Exec(ctx, `TRUNCATE order_items, orders, cart_items, products;`)
	require.NoError(t, err, "truncate failed")

	return pool
}
