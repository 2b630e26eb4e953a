package proofdata

import (
	"context"

	"github.com/rollup-labs/op-rollup/rollup"
)

// MockProver produces structurally valid proofs without doing any proving
// work. It exists so development networks can exercise the full
// request/submit/verify cycle.
type MockProver struct{}

func (MockProver) Prove(_ context.Context, data *BlockData) ([]byte, error) {
	proof := &rollup.Proof{
		BlockHash:     data.BlockHash,
		PreStateRoot:  data.PreStateRoot,
		PostStateRoot: data.PostStateRoot,
		Data:          []byte("execution-trace-accepted"),
	}
	return proof.MarshalBinary()
}
