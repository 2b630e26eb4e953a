// Package executor defines the pipeline's view of the external VM: a black
// box that runs a batch of transactions against current state and returns the
// post-state root. The real zk-provable VM lives outside this repository; the
// DevExecutor in this package implements the same contract with a plain
// balance ledger so the full pipeline can run and be tested without it.
package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rollup-labs/op-rollup/rollup"
)

// Result is the outcome of executing one batch.
type Result struct {
	// StateRoot is the post-state root after applying Included.
	StateRoot common.Hash
	// Included are the transactions that executed successfully, in order.
	Included []*rollup.Transaction
	// Receipts cover every attempted transaction, including failures.
	Receipts []*rollup.Receipt
	// Unprocessed are transactions that were not attempted because the
	// execution budget ran out. The sequencer requeues them.
	Unprocessed []*rollup.Transaction
}

// Executor executes transaction batches. Implementations stop executing when
// the context is done and report the remainder as Unprocessed; a failing
// individual transaction never aborts the batch.
type Executor interface {
	ExecuteBatch(ctx context.Context, txs []*rollup.Transaction) (*Result, error)
	// StateRoot returns the root of the current (post-head) state.
	StateRoot() common.Hash
}
