package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentWallet/internal/errors"
)

func openTestStore(t *testing.T, path string) *SQLStore {
	t.Helper()
	store, err := Open(context.Background(), Config{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	return store
}

func usdc(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

func TestSQLiteStoreRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer store.Close()

	for i, svc := range []string{"weather", "stock", "news"} {
		id, err := store.RecordTransaction(ctx, NewTransaction{
			Service:    svc,
			Params:     Params{"n": i, "city": "Tokyo"},
			Cost:       usdc("0.001"),
			PaymentRef: "0xabc",
			Result:     map[string]any{"ok": true},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}

	records, err := store.RecentTransactions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "news", records[0].Service)
	assert.Equal(t, "stock", records[1].Service)
	assert.Greater(t, records[0].ID, records[1].ID)
	assert.Equal(t, "Tokyo", records[0].Params["city"])
	assert.True(t, records[0].Cost.Equal(usdc("0.001")))
	assert.JSONEq(t, `{"ok":true}`, string(records[0].Result))
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestSQLiteStoreParamsSerializedWithSortedKeys(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer store.Close()

	_, err := store.RecordTransaction(ctx, NewTransaction{
		Service: "weather",
		Params:  Params{"zeta": "z", "alpha": "a"},
		Cost:    usdc("0.001"),
	})
	require.NoError(t, err)

	var raw string
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT params FROM transactions`).Scan(&raw))
	assert.Equal(t, `{"alpha":"a","zeta":"z"}`, raw)
}

func TestSQLiteStoreTotalSpent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer store.Close()

	total, err := store.TotalSpent(ctx)
	require.NoError(t, err)
	assert.True(t, total.IsZero(), "empty store must report zero")

	costs := []string{"0.001", "0.002", "0.003", "0.005", "0.001"}
	expected := decimal.Zero
	for _, c := range costs {
		_, err := store.RecordTransaction(ctx, NewTransaction{Service: "svc", Cost: usdc(c)})
		require.NoError(t, err)
		expected = expected.Add(usdc(c))
	}

	total, err = store.TotalSpent(ctx)
	require.NoError(t, err)
	assert.True(t, expected.Equal(total), "want %s got %s", expected, total)

	count, err := store.TransactionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(costs)), count)
}

func TestSQLiteStoreReopenKeepsTotals(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store := openTestStore(t, path)
	_, err := store.RecordTransaction(ctx, NewTransaction{Service: "weather", Cost: usdc("1.0")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()

	total, err := reopened.TotalSpent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", total.String())

	count, err := reopened.TransactionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	var migrations int
	require.NoError(t, reopened.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&migrations))
	assert.Equal(t, 1, migrations)
}

func TestSQLiteStoreState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer store.Close()

	value, err := store.GetState(ctx, StateWalletID, "none")
	require.NoError(t, err)
	assert.Equal(t, "none", value)

	require.NoError(t, store.SetState(ctx, StateWalletID, "w-1"))
	require.NoError(t, store.SetState(ctx, StateWalletID, "w-2"))

	value, err = store.GetState(ctx, StateWalletID, "none")
	require.NoError(t, err)
	assert.Equal(t, "w-2", value)

	err = store.SetState(ctx, " ", "x")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestSQLiteStoreRejectsInvalidTransactions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer store.Close()

	_, err := store.RecordTransaction(ctx, NewTransaction{Service: "", Cost: usdc("0.001")})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = store.RecordTransaction(ctx, NewTransaction{Service: "weather", Cost: usdc("-1")})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = store.RecordTransaction(ctx, NewTransaction{Service: "weather", Cost: usdc("0.0000001")})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	count, err := store.TransactionCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteStoreUsesInjectedClock(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	store, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.RecordTransaction(ctx, NewTransaction{Service: "weather", Cost: usdc("0.001")})
	require.NoError(t, err)

	records, err := store.RecentTransactions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, fixed.Equal(records[0].CreatedAt))
}

func TestSQLiteStoreClosedReturnsStorageFailure(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, store.Close())

	_, err := store.RecordTransaction(ctx, NewTransaction{Service: "weather", Cost: usdc("0.001")})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.True(t, xerrors.ShouldAlert(err))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestMySQLDialectRunMigrations(t *testing.T) {
	files, err := loadMigrationFiles(DialectMySQL)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Len(t, files[0].statements, 2)

	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(files[0].statements[0], mockResult{}),
		execOp(files[0].statements[1], mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newSQLStore(db, DialectMySQL)
	require.NoError(t, store.runMigrations(context.Background()))
}

func TestMySQLDialectSkipsAppliedMigrations(t *testing.T) {
	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newSQLStore(db, DialectMySQL)
	require.NoError(t, store.runMigrations(context.Background()))
}

func TestMySQLDialectRecordTransaction(t *testing.T) {
	ops := []mockOperation{
		beginOp(),
		execOp(insertTransactionSQL, mockResult{lastInsertID: 42, rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newSQLStore(db, DialectMySQL)
	id, err := store.RecordTransaction(context.Background(), NewTransaction{
		Service:    "stock",
		Params:     Params{"symbol": "AAPL"},
		Cost:       usdc("0.002"),
		PaymentRef: "0xdef",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestMySQLDialectInsertFailureRollsBack(t *testing.T) {
	insertFailure := execOp(insertTransactionSQL, mockResult{})
	insertFailure.err = errors.New("disk full")
	ops := []mockOperation{
		beginOp(),
		insertFailure,
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newSQLStore(db, DialectMySQL)
	_, err := store.RecordTransaction(context.Background(), NewTransaction{Service: "news", Cost: usdc("0.003")})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.ErrorContains(t, err, "disk full")
}

func TestMySQLDialectUpsertState(t *testing.T) {
	ops := []mockOperation{
		beginOp(),
		execOp(`INSERT INTO wallet_state (state_key, state_value) VALUES (?, ?)
    ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newSQLStore(db, DialectMySQL)
	require.NoError(t, store.SetState(context.Background(), StateWalletNetwork, "ARC-TESTNET"))
}

func TestMySQLDialectTotalSpent(t *testing.T) {
	ops := []mockOperation{
		queryOp(`SELECT SUM(cost_micros) FROM transactions`, mockRowsData{
			columns: []string{"SUM(cost_micros)"},
			values:  [][]driver.Value{{int64(6_000)}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newSQLStore(db, DialectMySQL)
	total, err := store.TotalSpent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.006", total.String())
}
