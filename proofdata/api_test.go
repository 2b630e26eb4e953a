package proofdata

import (
	"context"
	"testing"
	"time"

	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/rollup-labs/op-rollup/rollup"
)

func serveProvider(t *testing.T, p *Provider) *RPCSource {
	t.Helper()
	lgr := testlog.Logger(t, log.LevelDebug)
	server := oprpc.NewServer("127.0.0.1", 0, "test", oprpc.WithLogger(lgr))
	for _, api := range APIs(p) {
		server.AddAPI(api)
	}
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	src, err := DialSource(context.Background(), "http://"+server.Endpoint())
	require.NoError(t, err)
	t.Cleanup(src.Close)
	return src
}

func TestRPCSourceRoundTrip(t *testing.T) {
	p, st := setupProvider(t)
	blocks := appendBlocks(t, st, 2)
	src := serveProvider(t, p)

	data, err := src.GetNextBlock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Equal(t, uint64(1), data.BlockNumber)
	require.Equal(t, blocks[0].Hash(), data.BlockHash)
	require.Equal(t, genesisRoot, data.PreStateRoot)
	require.Equal(t, blocks[0].StateRoot, data.PostStateRoot)

	// The block payload survives the hexutil JSON round trip intact.
	decoded, err := rollup.DecodeBlock(data.Block)
	require.NoError(t, err)
	require.Equal(t, blocks[0].Hash(), decoded.Hash())

	require.NoError(t, src.SubmitProof(context.Background(), 1, proveValid(t, data)))
	rec, err := st.ProofRecord(1)
	require.NoError(t, err)
	require.Equal(t, rollup.ProofVerified, rec.Status)

	// Provider-side rejections surface as call errors on the client.
	data, err = src.GetNextBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), data.BlockNumber)
	bad := &rollup.Proof{Data: []byte("trace")}
	badBytes, err := bad.MarshalBinary()
	require.NoError(t, err)
	require.ErrorContains(t, src.SubmitProof(context.Background(), 2, badBytes), "mismatch")
}

func TestGetNextBlockOverRPCWhenDrained(t *testing.T) {
	p, _ := setupProvider(t)
	src := serveProvider(t, p)

	data, err := src.GetNextBlock(context.Background())
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestMockProverOverRPCSource(t *testing.T) {
	p, st := setupProvider(t)
	appendBlocks(t, st, 2)
	src := serveProvider(t, p)

	client, err := NewClient(ClientSetup{
		Log:    testlog.Logger(t, log.LevelDebug),
		Cfg:    ClientConfig{PollInterval: time.Second},
		Source: src,
		Prover: MockProver{},
	})
	require.NoError(t, err)

	require.NoError(t, client.proveNext(context.Background()))

	for n := uint64(1); n <= 2; n++ {
		rec, err := st.ProofRecord(n)
		require.NoError(t, err)
		require.Equal(t, rollup.ProofVerified, rec.Status)
	}
}
