package services

import (
	"context"
	"testing"

	testdb "github.com/cirisai/ciris-engine/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCreditFixture(t *testing.T, initialBalance int64) (*CreditService, context.Context) {
	t.Helper()
	client := testdb.NewTestClient(t)
	return NewCreditService(client, initialBalance), context.Background()
}

func TestCreditService_GetAccount(t *testing.T) {
	service, ctx := newCreditFixture(t, 100)

	account, err := service.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.Balance)

	// Second sight does not reset the balance
	require.NoError(t, service.Debit(ctx, "alice", "task-1", 10, "interaction"))
	account, err = service.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(90), account.Balance)

	_, err = service.GetAccount(ctx, "")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCreditService_Debit(t *testing.T) {
	service, ctx := newCreditFixture(t, 2)

	t.Run("debits and records the ledger entry atomically", func(t *testing.T) {
		require.NoError(t, service.Debit(ctx, "alice", "task-1", 1, "interaction"))

		balance, err := service.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1), balance)

		ledger, err := service.Ledger(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, ledger, 1)
		assert.Equal(t, int64(-1), ledger[0].Delta)
		assert.Equal(t, "task-1", ledger[0].TaskID)
	})

	t.Run("insufficient balance leaves everything untouched", func(t *testing.T) {
		err := service.Debit(ctx, "alice", "task-2", 5, "interaction")
		assert.ErrorIs(t, err, ErrInsufficientCredit)

		balance, err := service.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1), balance)

		// No ledger entry for the refused debit
		ledger, err := service.Ledger(ctx, "alice", 10)
		require.NoError(t, err)
		assert.Len(t, ledger, 1)
	})

	t.Run("can spend down to exactly zero", func(t *testing.T) {
		require.NoError(t, service.Debit(ctx, "alice", "task-3", 1, "interaction"))

		balance, err := service.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Zero(t, balance)

		// And then nothing more
		err = service.Debit(ctx, "alice", "task-4", 1, "interaction")
		assert.ErrorIs(t, err, ErrInsufficientCredit)
	})

	t.Run("zero debit is a no-op", func(t *testing.T) {
		require.NoError(t, service.Debit(ctx, "bob", "task-5", 0, "free"))

		// No account was even created
		_, err := service.Balance(ctx, "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("negative amounts are rejected", func(t *testing.T) {
		err := service.Debit(ctx, "alice", "task-6", -5, "refund disguised as debit")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestCreditService_Grant(t *testing.T) {
	service, ctx := newCreditFixture(t, 0)

	require.NoError(t, service.Grant(ctx, "alice", 50, "admin top-up"))

	balance, err := service.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	ledger, err := service.Ledger(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, int64(50), ledger[0].Delta)
	assert.Equal(t, "admin top-up", ledger[0].Reason)

	err = service.Grant(ctx, "alice", 0, "nothing")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCreditService_DeleteAccount(t *testing.T) {
	service, ctx := newCreditFixture(t, 10)

	_, err := service.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, service.Debit(ctx, "alice", "task-1", 1, "interaction"))

	require.NoError(t, service.DeleteAccount(ctx, "alice"))

	_, err = service.Balance(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	ledger, err := service.Ledger(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, ledger)
}
