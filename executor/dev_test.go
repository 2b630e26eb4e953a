package executor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/rollup-labs/op-rollup/rollup"
)

var (
	alice = common.Address{0x0a}
	bob   = common.Address{0x0b}
)

func TestExecuteBatch(t *testing.T) {
	e := NewDevExecutor()
	emptyRoot := e.StateRoot()

	txs := []*rollup.Transaction{
		rollup.NewDepositTx(alice, big.NewInt(100), common.Hash{0x01}, 0, 10),
		{Kind: rollup.TxTransfer, From: alice, To: bob, Value: big.NewInt(30)},
		{Kind: rollup.TxTransfer, From: bob, To: alice, Value: big.NewInt(500)}, // bob cannot cover this
		{Kind: rollup.TxWithdrawal, From: alice, Value: big.NewInt(70)},
	}
	res, err := e.ExecuteBatch(context.Background(), txs)
	require.NoError(t, err)

	require.Len(t, res.Included, 3)
	require.Len(t, res.Receipts, 4)
	require.False(t, res.Receipts[2].Success)
	require.Contains(t, res.Receipts[2].Reason, "insufficient balance")
	require.Empty(t, res.Unprocessed)

	require.Zero(t, e.Balance(alice).Sign())
	require.EqualValues(t, 30, e.Balance(bob).Int64())
	require.NotEqual(t, emptyRoot, res.StateRoot)
	require.Equal(t, e.StateRoot(), res.StateRoot)
}

func TestExecuteBatchHonorsContext(t *testing.T) {
	e := NewDevExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	txs := []*rollup.Transaction{
		rollup.NewDepositTx(alice, big.NewInt(1), common.Hash{0x01}, 0, 10),
		rollup.NewDepositTx(bob, big.NewInt(2), common.Hash{0x01}, 1, 10),
	}
	res, err := e.ExecuteBatch(ctx, txs)
	require.NoError(t, err)
	require.Empty(t, res.Included)
	require.Len(t, res.Unprocessed, 2)
}

func TestRootIgnoresZeroBalances(t *testing.T) {
	e := NewDevExecutor()
	emptyRoot := e.StateRoot()

	_, err := e.ExecuteBatch(context.Background(), []*rollup.Transaction{
		rollup.NewDepositTx(alice, big.NewInt(5), common.Hash{0x01}, 0, 10),
		{Kind: rollup.TxWithdrawal, From: alice, Value: big.NewInt(5)},
	})
	require.NoError(t, err)

	// Touched-but-empty accounts do not change the root.
	require.Equal(t, emptyRoot, e.StateRoot())
}

func TestReplayRebuildsState(t *testing.T) {
	e := NewDevExecutor()
	txs := []*rollup.Transaction{
		rollup.NewDepositTx(alice, big.NewInt(100), common.Hash{0x01}, 0, 10),
		{Kind: rollup.TxTransfer, From: alice, To: bob, Value: big.NewInt(40)},
	}
	res, err := e.ExecuteBatch(context.Background(), txs)
	require.NoError(t, err)

	block := &rollup.Block{Number: 1, StateRoot: res.StateRoot, Transactions: res.Included}

	fresh := NewDevExecutor()
	require.NoError(t, fresh.Replay(block))
	require.Equal(t, e.StateRoot(), fresh.StateRoot())
	require.EqualValues(t, 40, fresh.Balance(bob).Int64())

	// A tampered state root must be detected.
	bad := &rollup.Block{Number: 1, StateRoot: common.Hash{0xff}, Transactions: res.Included}
	require.Error(t, NewDevExecutor().Replay(bad))
}
