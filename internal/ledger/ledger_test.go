package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	testMint    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore(), testProgram, testMint)
}

func openVault(t *testing.T, l *Ledger, address string) {
	t.Helper()
	err := l.Store().Atomic(context.Background(), func(tx Tx) error {
		return tx.Open(context.Background(), &Account{
			Address:   address,
			Kind:      KindVault,
			Owner:     "0x00000000000000000000000000000000000000ee",
			Mint:      l.Mint(),
			CreatedAt: time.Now(),
		})
	})
	require.NoError(t, err)
}

func TestDeposit_OpensHolding(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	acct, err := l.Deposit(ctx, alice, 1000, "seed")
	require.NoError(t, err)
	assert.Equal(t, l.HoldingAddress(alice), acct.Address)
	assert.Equal(t, KindHolding, acct.Kind)
	assert.Equal(t, uint64(1000), acct.Balance)

	acct, err = l.Deposit(ctx, alice, 500, "seed")
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), acct.Balance)

	history, err := l.History(ctx, alice, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, EntryDeposit, history[0].Kind)
}

func TestDeposit_RejectsBadAmounts(t *testing.T) {
	l := newTestLedger()

	_, err := l.Deposit(context.Background(), alice, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Deposit(context.Background(), alice, MaxAmount+1, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeposit_OverflowRejected(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice, MaxAmount, "")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, alice, 1, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	h, err := l.Holding(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(MaxAmount), h.Balance)
}

func TestHolding_UnopenedReportsZero(t *testing.T) {
	l := newTestLedger()

	acct, err := l.Holding(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), acct.Balance)
	assert.Equal(t, l.HoldingAddress(bob), acct.Address)

	_, err = l.Account(context.Background(), acct.Address)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestHoldingAddress_CaseInsensitive(t *testing.T) {
	l := newTestLedger()
	assert.Equal(t, l.HoldingAddress("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"),
		l.HoldingAddress("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"))
}

func TestTransfer_MovesBalance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	vault := "0x00000000000000000000000000000000000000f1"

	_, err := l.Deposit(ctx, alice, 1000, "")
	require.NoError(t, err)
	openVault(t, l, vault)

	err = l.Store().Atomic(ctx, func(tx Tx) error {
		return tx.Transfer(ctx, Transfer{From: l.HoldingAddress(alice), To: vault, Amount: 400, Kind: EntryLock, Reference: "t1"})
	})
	require.NoError(t, err)

	h, _ := l.Holding(ctx, alice)
	v, _ := l.Account(ctx, vault)
	assert.Equal(t, uint64(600), h.Balance)
	assert.Equal(t, uint64(400), v.Balance)
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	vault := "0x00000000000000000000000000000000000000f1"

	_, err := l.Deposit(ctx, alice, 100, "")
	require.NoError(t, err)
	openVault(t, l, vault)

	err = l.Store().Atomic(ctx, func(tx Tx) error {
		return tx.Transfer(ctx, Transfer{From: l.HoldingAddress(alice), To: vault, Amount: 101, Kind: EntryLock})
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestTransfer_MintMismatch(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	other := "0x00000000000000000000000000000000000000f2"

	_, err := l.Deposit(ctx, alice, 100, "")
	require.NoError(t, err)
	err = l.Store().Atomic(ctx, func(tx Tx) error {
		return tx.Open(ctx, &Account{Address: other, Kind: KindVault, Mint: "0x00000000000000000000000000000000000000bb"})
	})
	require.NoError(t, err)

	err = l.Store().Atomic(ctx, func(tx Tx) error {
		return tx.Transfer(ctx, Transfer{From: l.HoldingAddress(alice), To: other, Amount: 1, Kind: EntryLock})
	})
	assert.ErrorIs(t, err, ErrMintMismatch)
}

func TestTransfer_SameAccountRejected(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 100, "")
	require.NoError(t, err)

	addr := l.HoldingAddress(alice)
	err = l.Store().Atomic(ctx, func(tx Tx) error {
		return tx.Transfer(ctx, Transfer{From: addr, To: addr, Amount: 1, Kind: EntryLock})
	})
	assert.Error(t, err)
}

func TestAtomic_RollsBackOnError(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	vault := "0x00000000000000000000000000000000000000f1"

	_, err := l.Deposit(ctx, alice, 1000, "")
	require.NoError(t, err)
	openVault(t, l, vault)

	boom := errors.New("boom")
	err = l.Store().Atomic(ctx, func(tx Tx) error {
		if err := tx.Transfer(ctx, Transfer{From: l.HoldingAddress(alice), To: vault, Amount: 700, Kind: EntryLock}); err != nil {
			return err
		}
		if _, err := l.EnsureHolding(ctx, tx, bob); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	h, _ := l.Holding(ctx, alice)
	v, _ := l.Account(ctx, vault)
	assert.Equal(t, uint64(1000), h.Balance)
	assert.Equal(t, uint64(0), v.Balance)

	_, err = l.Account(ctx, l.HoldingAddress(bob))
	assert.ErrorIs(t, err, ErrAccountNotFound, "account opened in a failed transaction must not persist")

	history, _ := l.History(ctx, alice, 10)
	assert.Len(t, history, 1, "only the deposit is journaled")
}

func TestAtomic_CanceledContext(t *testing.T) {
	l := newTestLedger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := l.Store().Atomic(ctx, func(tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestClose_RequiresEmptyAccount(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	vault := "0x00000000000000000000000000000000000000f1"

	_, err := l.Deposit(ctx, alice, 10, "")
	require.NoError(t, err)
	openVault(t, l, vault)

	err = l.Store().Atomic(ctx, func(tx Tx) error {
		if err := tx.Transfer(ctx, Transfer{From: l.HoldingAddress(alice), To: vault, Amount: 10, Kind: EntryLock}); err != nil {
			return err
		}
		return tx.Close(ctx, vault)
	})
	assert.ErrorIs(t, err, ErrAccountNotEmpty)

	err = l.Store().Atomic(ctx, func(tx Tx) error {
		return tx.Close(ctx, vault)
	})
	require.NoError(t, err)

	v, err := l.Account(ctx, vault)
	require.NoError(t, err)
	assert.True(t, v.Closed)

	err = l.Store().Atomic(ctx, func(tx Tx) error {
		return tx.Transfer(ctx, Transfer{From: l.HoldingAddress(alice), To: vault, Amount: 1, Kind: EntryLock})
	})
	assert.ErrorIs(t, err, ErrAccountClosed)
}

func TestOpen_Duplicate(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	vault := "0x00000000000000000000000000000000000000f1"
	openVault(t, l, vault)

	err := l.Store().Atomic(ctx, func(tx Tx) error {
		return tx.Open(ctx, &Account{Address: vault, Kind: KindVault, Mint: l.Mint()})
	})
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestHistory_NewestFirstAndLimited(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Deposit(ctx, alice, uint64(i+1), "")
		require.NoError(t, err)
	}

	history, err := l.History(ctx, alice, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(5), history[0].Amount)
	assert.Equal(t, uint64(3), history[2].Amount)
}
