package txsender

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/rollup-labs/op-rollup/metrics"
	"github.com/rollup-labs/op-rollup/rollup"
	"github.com/rollup-labs/op-rollup/store"
)

type fakeL1 struct {
	mu       sync.Mutex
	head     uint64
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	// dropSends leaves the first n sent transactions unmined, forcing the
	// resubmission path.
	dropSends int
	// revert mines transactions with a failed receipt status.
	revert bool
}

func newFakeL1() *fakeL1 {
	return &fakeL1{head: 100, receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeL1) BlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeL1) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{
		Number:     new(big.Int).SetUint64(f.head),
		Difficulty: common.Big0,
		BaseFee:    big.NewInt(1_000_000_000),
	}, nil
}

func (f *fakeL1) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}

func (f *fakeL1) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeL1) NonceAt(_ context.Context, _ common.Address, _ *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeL1) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.dropSends > 0 {
		f.dropSends--
		return nil
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		TxHash:      tx.Hash(),
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(f.head - 10),
	}
	f.nonce = tx.Nonce() + 1
	return nil
}

func (f *fakeL1) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

type senderHarness struct {
	sender *Sender
	l1     *fakeL1
	store  *store.Store
	fatal  []error
}

func setupSender(t *testing.T) *senderHarness {
	t.Helper()
	lgr := testlog.Logger(t, log.LevelDebug)
	st, err := store.Open(lgr, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &senderHarness{l1: newFakeL1(), store: st}
	h.sender, err = NewSender(DriverSetup{
		Log:  lgr,
		Metr: metrics.NoopMetrics,
		Cfg: Config{
			ChainID:                   big.NewInt(900),
			BridgeAddr:                common.Address{0xbb, 0x01},
			PrivateKey:                key,
			From:                      crypto.PubkeyToAddress(key.PublicKey),
			NumConfirmations:          1,
			ResubmissionTimeout:       50 * time.Millisecond,
			ReceiptQueryInterval:      5 * time.Millisecond,
			MaxFeeBumps:               3,
			FeeLimitMultiplier:        5,
			SafeAbortNonceTooLowCount: 3,
			PollInterval:              time.Second,
			NetworkTimeout:            time.Second,
		},
		Store:   st,
		L1:      h.l1,
		OnFatal: func(err error) { h.fatal = append(h.fatal, err) },
	})
	require.NoError(t, err)
	require.NoError(t, h.sender.ReconcileNonce(context.Background()))
	return h
}

func (h *senderHarness) appendBlock(t *testing.T, n uint64) *rollup.Block {
	t.Helper()
	parent := common.Hash{}
	if n > 1 {
		prev, err := h.store.Block(n - 1)
		require.NoError(t, err)
		parent = prev.Hash()
	}
	b := &rollup.Block{
		Number:     n,
		ParentHash: parent,
		StateRoot:  common.BytesToHash([]byte{0x10, byte(n)}),
		Time:       1700000000 + n,
	}
	require.NoError(t, h.store.PutBlock(b))
	return b
}

func (h *senderHarness) verifyProof(t *testing.T, n uint64) {
	t.Helper()
	for _, status := range []rollup.ProofStatus{rollup.ProofRequested, rollup.ProofReceived, rollup.ProofVerified} {
		require.NoError(t, h.store.UpdateProof(n, func(rec *rollup.ProofRecord) (bool, error) {
			rec.Status = status
			rec.Proof = []byte("proof")
			return true, nil
		}))
	}
}

func TestCommitBlocksInOrder(t *testing.T) {
	h := setupSender(t)
	h.appendBlock(t, 1)
	h.appendBlock(t, 2)

	require.NoError(t, h.sender.commitRound(context.Background()))
	require.NoError(t, h.sender.commitRound(context.Background()))
	// No third block yet, the round is a no-op.
	require.NoError(t, h.sender.commitRound(context.Background()))

	for n := uint64(1); n <= 2; n++ {
		rec, ok, err := h.store.Outbound(rollup.CommitTx, n)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, rollup.OutboundConfirmed, rec.Status)
		require.Equal(t, n-1, rec.Nonce)
	}
	require.Len(t, h.l1.sent, 2)
	require.Empty(t, h.fatal)
}

func TestVerifyGatedOnProofAndCommit(t *testing.T) {
	h := setupSender(t)
	h.appendBlock(t, 1)

	// No verified proof yet.
	require.NoError(t, h.sender.verifyRound(context.Background()))
	_, ok, err := h.store.Outbound(rollup.VerifyTx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	// Proof verified, but the commit has not been published yet.
	h.verifyProof(t, 1)
	require.NoError(t, h.sender.verifyRound(context.Background()))
	_, ok, err = h.store.Outbound(rollup.VerifyTx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, h.sender.commitRound(context.Background()))
	require.NoError(t, h.sender.verifyRound(context.Background()))

	rec, ok, err := h.store.Outbound(rollup.VerifyTx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rollup.OutboundConfirmed, rec.Status)
}

func TestVerifyHeldOnFailedCommit(t *testing.T) {
	h := setupSender(t)
	h.appendBlock(t, 1)
	h.verifyProof(t, 1)

	// A commit that failed before any attempt was published never reached
	// the bridge, so its verify must not go out either.
	require.NoError(t, h.store.PutOutbound(&rollup.OutboundTx{
		Kind:        rollup.CommitTx,
		BlockNumber: 1,
		Nonce:       0,
		Status:      rollup.OutboundFailed,
	}))

	require.NoError(t, h.sender.verifyRound(context.Background()))

	_, ok, err := h.store.Outbound(rollup.VerifyTx, 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, h.l1.sent)
}

func TestStuckTransactionFeeBumped(t *testing.T) {
	h := setupSender(t)
	h.appendBlock(t, 1)
	h.l1.dropSends = 1

	require.NoError(t, h.sender.commitRound(context.Background()))

	rec, ok, err := h.store.Outbound(rollup.CommitTx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rollup.OutboundConfirmed, rec.Status)
	require.EqualValues(t, 2, rec.Attempts)

	require.Len(t, h.l1.sent, 2)
	first, second := h.l1.sent[0], h.l1.sent[1]
	require.Equal(t, first.Nonce(), second.Nonce())

	// The replacement must carry at least the node's replacement threshold.
	minTip := new(big.Int).Mul(first.GasTipCap(), big.NewInt(110))
	minTip.Div(minTip, big.NewInt(100))
	require.True(t, second.GasTipCap().Cmp(minTip) >= 0,
		"tip %s below replacement threshold %s", second.GasTipCap(), minTip)
	require.True(t, second.GasFeeCap().Cmp(first.GasFeeCap()) > 0)
}

func TestRevertedTransactionIsFatal(t *testing.T) {
	h := setupSender(t)
	h.appendBlock(t, 1)
	h.l1.revert = true

	require.Error(t, h.sender.commitRound(context.Background()))
	require.NotEmpty(t, h.fatal)

	rec, ok, err := h.store.Outbound(rollup.CommitTx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rollup.OutboundFailed, rec.Status)

	// The queue stays wedged on the failed record.
	h.appendBlock(t, 2)
	require.Error(t, h.sender.commitRound(context.Background()))
	_, ok, err = h.store.Outbound(rollup.CommitTx, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReconcileNonce(t *testing.T) {
	h := setupSender(t)

	// setupSender reconciled a fresh store against on-chain nonce 0.
	next, ok, err := h.store.NextNonce()
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, next)

	// Reserved but never published, with nothing in flight: rewinds.
	_, err = h.store.ReserveNonce()
	require.NoError(t, err)
	require.NoError(t, h.sender.ReconcileNonce(context.Background()))
	next, _, err = h.store.NextNonce()
	require.NoError(t, err)
	require.Zero(t, next)

	// The chain being ahead of the store means the key was used elsewhere.
	h.l1.nonce = 7
	require.Error(t, h.sender.ReconcileNonce(context.Background()))
}
