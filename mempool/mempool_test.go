package mempool

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/rollup-labs/op-rollup/rollup"
)

func transfer(nonce uint64) *rollup.Transaction {
	return &rollup.Transaction{
		Kind:  rollup.TxTransfer,
		From:  common.Address{0x01},
		To:    common.Address{0x02},
		Value: big.NewInt(1),
		Nonce: nonce,
	}
}

func deposit(logIndex uint64) *rollup.Transaction {
	return rollup.NewDepositTx(common.Address{0x03}, big.NewInt(10), common.Hash{0xde}, logIndex, 100)
}

func TestAddDeduplicates(t *testing.T) {
	p := New()
	tx := transfer(0)
	require.True(t, p.Add(tx))
	require.False(t, p.Add(tx))
	require.Equal(t, 1, p.Len())

	dep := deposit(1)
	require.True(t, p.Add(dep))
	require.False(t, p.Add(dep))
	require.Equal(t, 1, p.PendingDeposits())
}

func TestTakeBatchDepositsFirst(t *testing.T) {
	p := New()
	require.True(t, p.Add(transfer(0)))
	require.True(t, p.Add(deposit(1)))
	require.True(t, p.Add(transfer(1)))
	require.True(t, p.Add(deposit(2)))

	batch := p.TakeBatch(3)
	require.Len(t, batch, 3)
	require.Equal(t, rollup.TxDeposit, batch[0].Kind)
	require.Equal(t, uint64(1), batch[0].L1LogIndex)
	require.Equal(t, rollup.TxDeposit, batch[1].Kind)
	require.Equal(t, uint64(2), batch[1].L1LogIndex)
	require.Equal(t, rollup.TxTransfer, batch[2].Kind)
	require.Equal(t, uint64(0), batch[2].Nonce)

	require.Equal(t, 1, p.Len())
}

func TestTakenTransactionsCanBeResubmitted(t *testing.T) {
	p := New()
	tx := transfer(0)
	require.True(t, p.Add(tx))
	require.Len(t, p.TakeBatch(10), 1)
	// Back into the pool, e.g. after an execution engine failure.
	require.True(t, p.Add(tx))
}

func TestRequeuePreservesOrder(t *testing.T) {
	p := New()
	first, second := transfer(0), transfer(1)
	require.True(t, p.Add(first))
	require.True(t, p.Add(second))

	batch := p.TakeBatch(10)
	require.Len(t, batch, 2)
	require.True(t, p.Add(transfer(2)))

	p.Requeue(batch)
	out := p.TakeBatch(10)
	require.Len(t, out, 3)
	require.Equal(t, uint64(0), out[0].Nonce)
	require.Equal(t, uint64(1), out[1].Nonce)
	require.Equal(t, uint64(2), out[2].Nonce)
}
