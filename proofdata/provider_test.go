package proofdata

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/rollup-labs/op-rollup/metrics"
	"github.com/rollup-labs/op-rollup/rollup"
	"github.com/rollup-labs/op-rollup/store"
)

var genesisRoot = common.Hash{0x99}

func setupProvider(t *testing.T) (*Provider, *store.Store) {
	t.Helper()
	lgr := testlog.Logger(t, log.LevelDebug)
	st, err := store.Open(lgr, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p, err := NewProvider(ProviderSetup{
		Log:  lgr,
		Metr: metrics.NoopMetrics,
		Cfg: ProviderConfig{
			RequestTimeout:   time.Minute,
			SweepInterval:    time.Second,
			GenesisStateRoot: genesisRoot,
		},
		Store: st,
	})
	require.NoError(t, err)
	return p, st
}

func appendBlocks(t *testing.T, st *store.Store, n int) []*rollup.Block {
	t.Helper()
	var blocks []*rollup.Block
	parent := common.Hash{}
	for i := 1; i <= n; i++ {
		b := &rollup.Block{
			Number:     uint64(i),
			ParentHash: parent,
			StateRoot:  common.BytesToHash([]byte{0x10, byte(i)}),
			Time:       1700000000 + uint64(i),
		}
		require.NoError(t, st.PutBlock(b))
		parent = b.Hash()
		blocks = append(blocks, b)
	}
	return blocks
}

func proveValid(t *testing.T, data *BlockData) []byte {
	t.Helper()
	proof, err := MockProver{}.Prove(context.Background(), data)
	require.NoError(t, err)
	return proof
}

func TestGetNextBlockServesLowestPending(t *testing.T) {
	p, st := setupProvider(t)
	blocks := appendBlocks(t, st, 2)

	data, err := p.GetNextBlock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Equal(t, uint64(1), data.BlockNumber)
	require.Equal(t, blocks[0].Hash(), data.BlockHash)
	require.Equal(t, genesisRoot, data.PreStateRoot)
	require.Equal(t, blocks[0].StateRoot, data.PostStateRoot)

	rec, err := st.ProofRecord(1)
	require.NoError(t, err)
	require.Equal(t, rollup.ProofRequested, rec.Status)
	require.NotZero(t, rec.RequestedAt)

	// Block 1 is requested, so the next poll serves block 2 with block 1's
	// state root as pre-state.
	data, err = p.GetNextBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), data.BlockNumber)
	require.Equal(t, blocks[0].StateRoot, data.PreStateRoot)

	// Nothing pending left.
	data, err = p.GetNextBlock(context.Background())
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestSubmitValidProofVerifies(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 1)

	data, err := p.GetNextBlock(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.SubmitProof(context.Background(), 1, proveValid(t, data)))

	rec, err := st.ProofRecord(1)
	require.NoError(t, err)
	require.Equal(t, rollup.ProofVerified, rec.Status)
	require.NotEmpty(t, rec.Proof)
}

func TestSubmitMismatchedProofRecycles(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 1)

	data, err := p.GetNextBlock(context.Background())
	require.NoError(t, err)

	bad := &rollup.Proof{
		BlockHash:     data.BlockHash,
		PreStateRoot:  data.PreStateRoot,
		PostStateRoot: common.Hash{0xde, 0xad}, // prover disagrees with the block
		Data:          []byte("trace"),
	}
	badBytes, err := bad.MarshalBinary()
	require.NoError(t, err)

	require.ErrorIs(t, p.SubmitProof(context.Background(), 1, badBytes), ErrProofMismatch)

	// The rejection recycles the block so another prover can pick it up.
	rec, err := st.ProofRecord(1)
	require.NoError(t, err)
	require.Equal(t, rollup.ProofPending, rec.Status)

	data, err = p.GetNextBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), data.BlockNumber)
	require.NoError(t, p.SubmitProof(context.Background(), 1, proveValid(t, data)))
}

func TestSubmitUnknownOrUnrequestedBlock(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 1)

	proof := &rollup.Proof{Data: []byte("trace")}
	raw, err := proof.MarshalBinary()
	require.NoError(t, err)

	require.ErrorIs(t, p.SubmitProof(context.Background(), 7, raw), ErrUnknownBlock)
	// Block 1 exists but was never handed out.
	require.ErrorIs(t, p.SubmitProof(context.Background(), 1, raw), ErrNotRequested)
}

func TestDuplicateSubmission(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 1)

	data, err := p.GetNextBlock(context.Background())
	require.NoError(t, err)
	proof := proveValid(t, data)
	require.NoError(t, p.SubmitProof(context.Background(), 1, proof))

	// A second prover confirming the same result is an idempotent ack.
	require.NoError(t, p.SubmitProof(context.Background(), 1, proof))

	// One claiming a different result for a verified block is a fault.
	other := &rollup.Proof{
		BlockHash:     data.BlockHash,
		PreStateRoot:  data.PreStateRoot,
		PostStateRoot: data.PostStateRoot,
		Data:          []byte("different-trace"),
	}
	otherBytes, err := other.MarshalBinary()
	require.NoError(t, err)
	require.ErrorIs(t, p.SubmitProof(context.Background(), 1, otherBytes), ErrProofDisagreement)

	rec, err := st.ProofRecord(1)
	require.NoError(t, err)
	require.Equal(t, rollup.ProofVerified, rec.Status)
}

// racingStore lets another submission win the record race just before the
// wrapped update runs.
type racingStore struct {
	ProofStore
	provider *Provider
	block    uint64
	winner   []byte
	injected bool
}

func (r *racingStore) UpdateProof(n uint64, fn func(rec *rollup.ProofRecord) (bool, error)) error {
	if !r.injected && n == r.block {
		r.injected = true
		if err := r.provider.accept(n, r.winner); err != nil {
			return err
		}
	}
	return r.ProofStore.UpdateProof(n, fn)
}

func TestLosingSubmissionComparedAgainstWinner(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 1)

	data, err := p.GetNextBlock(context.Background())
	require.NoError(t, err)
	winner := proveValid(t, data)

	// Valid public inputs but a different trace than the winner's.
	loser := &rollup.Proof{
		BlockHash:     data.BlockHash,
		PreStateRoot:  data.PreStateRoot,
		PostStateRoot: data.PostStateRoot,
		Data:          []byte("alternate-trace"),
	}
	loserBytes, err := loser.MarshalBinary()
	require.NoError(t, err)

	p.Store = &racingStore{ProofStore: st, provider: p, block: 1, winner: winner}
	require.ErrorIs(t, p.SubmitProof(context.Background(), 1, loserBytes), ErrProofDisagreement)

	// The winner's proof stands.
	rec, err := st.ProofRecord(1)
	require.NoError(t, err)
	require.Equal(t, rollup.ProofVerified, rec.Status)
	require.Equal(t, winner, rec.Proof)
}

func TestLosingSubmissionAgreeingWithWinner(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 1)

	data, err := p.GetNextBlock(context.Background())
	require.NoError(t, err)
	winner := proveValid(t, data)

	// The racing submission carries the identical proof: an idempotent ack.
	p.Store = &racingStore{ProofStore: st, provider: p, block: 1, winner: winner}
	require.NoError(t, p.SubmitProof(context.Background(), 1, winner))

	rec, err := st.ProofRecord(1)
	require.NoError(t, err)
	require.Equal(t, rollup.ProofVerified, rec.Status)
}

func TestStaleRequestRecycled(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 1)

	_, err := p.GetNextBlock(context.Background())
	require.NoError(t, err)

	// Backdate the request beyond the timeout and run one sweep.
	require.NoError(t, st.UpdateProof(1, func(rec *rollup.ProofRecord) (bool, error) {
		rec.RequestedAt = uint64(time.Now().Add(-2 * p.Cfg.RequestTimeout).Unix())
		return true, nil
	}))
	require.NoError(t, p.recycleStale())

	rec, err := st.ProofRecord(1)
	require.NoError(t, err)
	require.Equal(t, rollup.ProofPending, rec.Status)

	data, err := p.GetNextBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), data.BlockNumber)
}

func TestMockProverDrivesBlockToVerified(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 3)

	client, err := NewClient(ClientSetup{
		Log:    testlog.Logger(t, log.LevelDebug),
		Cfg:    ClientConfig{PollInterval: time.Second},
		Source: p,
		Prover: MockProver{},
	})
	require.NoError(t, err)

	// One round drains every pending block.
	require.NoError(t, client.proveNext(context.Background()))

	for n := uint64(1); n <= 3; n++ {
		rec, err := st.ProofRecord(n)
		require.NoError(t, err)
		require.Equal(t, rollup.ProofVerified, rec.Status)
	}
}
