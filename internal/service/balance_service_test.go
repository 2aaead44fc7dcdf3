package service

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithdrawNeverOverdraws(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var expected int64
	for i := 0; i < 200; i++ {
		amount := rng.Int63n(5000) + 1
		if rng.Intn(2) == 0 {
			_, err := env.balance.Deposit(ctx, alice.UserID, amount, "top-up")
			require.NoError(t, err)
			expected += amount
			continue
		}

		_, err := env.balance.Withdraw(ctx, alice.UserID, amount, "purchase", nil)
		if amount > expected {
			require.True(t, errors.Is(err, ErrInsufficientFunds), "step %d", i)
			continue
		}
		require.NoError(t, err, "step %d", i)
		expected -= amount
	}

	assert.Equal(t, expected, env.balanceOf(t, alice.UserID))
	env.requireLedgerConsistent(t, alice.UserID)
}

func TestWithdrawInsufficientFundsLeavesNoRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, alice.UserID, 1000)

	_, err := env.balance.Withdraw(ctx, alice.UserID, 1001, "too much", nil)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	history, err := env.balance.History(ctx, alice.UserID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, int64(1000), env.balanceOf(t, alice.UserID))
}

func TestZeroAmountsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.balance.Deposit(ctx, alice.UserID, 0, "nothing")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	_, err = env.balance.Deposit(ctx, alice.UserID, -50, "negative clamps to zero")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestDepositIsClamped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	row, err := env.balance.Deposit(ctx, alice.UserID, 1_000_000_000, "huge")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), row.Amount)
	assert.Equal(t, int64(100_000_000), env.balanceOf(t, alice.UserID))
}

func TestAdminMutations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, alice.UserID, 500)

	t.Run("non-admins are refused", func(t *testing.T) {
		_, err := env.balance.SetAbsolute(ctx, alice, alice.UserID, 99999, "self service")
		assert.True(t, errors.Is(err, ErrUnauthorized))
		_, err = env.balance.Bonus(ctx, bob, alice.UserID, 100, "gift")
		assert.True(t, errors.Is(err, ErrUnauthorized))
		_, err = env.balance.Adjust(ctx, bob, alice.UserID, 100, "fix")
		assert.True(t, errors.Is(err, ErrUnauthorized))
		_, err = env.balance.VerifyLedger(ctx, bob, alice.UserID)
		assert.True(t, errors.Is(err, ErrUnauthorized))
		assert.Equal(t, int64(500), env.balanceOf(t, alice.UserID))
	})

	t.Run("bonus", func(t *testing.T) {
		row, err := env.balance.Bonus(ctx, admin, alice.UserID, 250, "welcome")
		require.NoError(t, err)
		assert.Equal(t, models.TxKindBonus, row.Kind)
		assert.Equal(t, int64(750), row.BalanceAfter)
	})

	t.Run("negative adjust cannot go below zero", func(t *testing.T) {
		_, err := env.balance.Adjust(ctx, admin, alice.UserID, -1000, "chargeback")
		assert.True(t, errors.Is(err, ErrInsufficientFunds))

		row, err := env.balance.Adjust(ctx, admin, alice.UserID, -150, "chargeback")
		require.NoError(t, err)
		assert.Equal(t, int64(-150), row.Amount)
		assert.Equal(t, int64(600), row.BalanceAfter)
	})

	t.Run("set absolute records the difference", func(t *testing.T) {
		row, err := env.balance.SetAbsolute(ctx, admin, alice.UserID, 200, "reset")
		require.NoError(t, err)
		assert.Equal(t, int64(-400), row.Amount)
		assert.Equal(t, int64(200), row.BalanceAfter)
		assert.Equal(t, models.TxKindAdjustment, row.Kind)
	})

	env.requireLedgerConsistent(t, alice.UserID)
}

func TestHistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, alice.UserID, 100)
	env.fund(t, alice.UserID, 200)
	_, err := env.balance.Withdraw(ctx, alice.UserID, 50, "purchase", nil)
	require.NoError(t, err)

	history, err := env.balance.History(ctx, alice.UserID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.TxKindPurchase, history[0].Kind)
	assert.Equal(t, int64(-50), history[0].Amount)
	assert.Equal(t, int64(200), history[1].Amount)
}

func TestParseAmount(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "12.345", want: 1235},
		{raw: "0.01", want: 1},
		{raw: "7", want: 700},
		{raw: "-3", want: 0},
		{raw: "99999999", want: 100_000_000},
		{raw: "ten", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := env.balance.ParseAmount(tt.raw)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
