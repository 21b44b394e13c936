package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"github.com/zjoart/go-payment-ledger/pkg/id"
)

func newTxn(ref string) *payment.Transaction {
	return &payment.Transaction{
		ID:                id.Generate(),
		UserID:            "user-1",
		Gateway:           gateway.MobileMoney,
		ExternalReference: ref,
		MerchantReference: id.Reference("PAY"),
		Amount:            50000,
		Currency:          "KES",
		Status:            payment.StatusPending,
	}
}

func TestMemoryRejectsDuplicateGatewayReference(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Payments().Create(ctx, newTxn("ws_CO_1")))
	err := m.Payments().Create(ctx, newTxn("ws_CO_1"))
	assert.ErrorIs(t, err, payment.ErrDuplicateTransaction)

	history, err := m.Payments().FindByReference(ctx, gateway.MobileMoney, "ws_CO_1")
	require.NoError(t, err)
	transitions, err := m.Payments().Transitions(ctx, history.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, payment.StatusPending, transitions[0].ToStatus)
}

func TestMemoryAtomicRollsBack(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	txn := newTxn("ws_CO_2")
	require.NoError(t, m.Payments().Create(ctx, txn))

	boom := errors.New("boom")
	err := m.Atomic(ctx, func(s Store) error {
		ok, err := s.Payments().UpdateStatus(ctx, txn.ID, payment.StatusPending, payment.StatusCompleted, payment.Change{Source: payment.SourceWebhook})
		require.NoError(t, err)
		require.True(t, ok)

		w, err := s.Wallets().GetOrCreate(ctx, txn.UserID, txn.Currency)
		require.NoError(t, err)
		require.NoError(t, s.Wallets().Apply(ctx, w, &wallet.LedgerEntry{
			ID:            id.Generate(),
			WalletID:      w.ID,
			TransactionID: &txn.ID,
			Direction:     wallet.DirectionCredit,
			Amount:        txn.Amount,
			BalanceAfter:  txn.Amount,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	current, err := m.Payments().FindByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, current.Status)

	_, err = m.Wallets().FindByUserID(ctx, txn.UserID)
	assert.ErrorIs(t, err, wallet.ErrWalletNotFound)
}

func TestMemoryApplyEnforcesEntryUniquenessAndVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	txID := id.Generate()

	w, err := m.Wallets().GetOrCreate(ctx, "user-1", "USD")
	require.NoError(t, err)
	stale := *w

	entry := func() *wallet.LedgerEntry {
		return &wallet.LedgerEntry{
			ID:            id.Generate(),
			WalletID:      w.ID,
			TransactionID: &txID,
			Direction:     wallet.DirectionCredit,
			Amount:        2000,
			BalanceBefore: w.Balance,
			BalanceAfter:  w.Balance + 2000,
		}
	}

	require.NoError(t, m.Wallets().Apply(ctx, w, entry()))
	assert.Equal(t, int64(2000), w.Balance)
	assert.Equal(t, int64(1), w.Version)

	assert.ErrorIs(t, m.Wallets().Apply(ctx, w, entry()), wallet.ErrDuplicateEntry)

	other := id.Generate()
	e := entry()
	e.TransactionID = &other
	assert.ErrorIs(t, m.Wallets().Apply(ctx, &stale, e), wallet.ErrVersionConflict)

	sum, err := m.Wallets().SumEntries(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), sum)
}

func TestMemoryFlagIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	txID := id.Generate()

	created, err := m.Payments().Flag(ctx, &payment.Review{ID: id.Generate(), TransactionID: txID, Reason: payment.ReviewAmountMismatch})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.Payments().Flag(ctx, &payment.Review{ID: id.Generate(), TransactionID: txID, Reason: payment.ReviewAmountMismatch})
	require.NoError(t, err)
	assert.False(t, created)

	reviews, err := m.Payments().Reviews(ctx, txID)
	require.NoError(t, err)
	assert.Len(t, reviews, 1)
}
