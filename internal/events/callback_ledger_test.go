package events

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLedger(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewPostgresLedger(mock)
	ctx := context.Background()

	mock.ExpectQuery("SELECT EXISTS").WithArgs("vnpay", "txn-1:00").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	seen, err := ledger.Seen(ctx, "vnpay", "txn-1:00")
	require.NoError(t, err)
	assert.True(t, seen)

	mock.ExpectQuery("SELECT EXISTS").WithArgs("vnpay", "txn-2:00").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	seen, err = ledger.Seen(ctx, "vnpay", "txn-2:00")
	require.NoError(t, err)
	assert.False(t, seen)

	mock.ExpectQuery("SELECT EXISTS").WithArgs("vnpay", "txn-3:00").WillReturnError(errors.New("timeout"))
	_, err = ledger.Seen(ctx, "vnpay", "txn-3:00")
	assert.ErrorContains(t, err, "vnpay/txn-3:00")

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("vnpay", "txn-2:00").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	inserted, err := ledger.Record(ctx, "vnpay", "txn-2:00")
	require.NoError(t, err)
	assert.True(t, inserted)

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("vnpay", "txn-2:00").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	inserted, err = ledger.Record(ctx, "vnpay", "txn-2:00")
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLedger(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	seen, err := ledger.Seen(ctx, "vnpay", "txn-1:00")
	require.NoError(t, err)
	assert.False(t, seen)

	first, _ := ledger.Record(ctx, "vnpay", "txn-1:00")
	again, _ := ledger.Record(ctx, "vnpay", "txn-1:00")
	assert.True(t, first)
	assert.False(t, again)

	seen, _ = ledger.Seen(ctx, "vnpay", "txn-1:00")
	assert.True(t, seen)
	seen, _ = ledger.Seen(ctx, "fake", "txn-1:00")
	assert.False(t, seen, "providers keep separate keys")
}
