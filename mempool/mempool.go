// Package mempool holds the ordered pool of pending L2 transactions.
//
// Deposits are kept in a separate queue that always drains ahead of regular
// transactions, so deposit finality tracks the L1 confirmation rate rather
// than L2 congestion.
package mempool

import (
	"sync"

	"github.com/ethereum-optimism/optimism/op-service/queue"
	"github.com/ethereum/go-ethereum/common"

	"github.com/rollup-labs/op-rollup/rollup"
)

type Mempool struct {
	mu       sync.Mutex
	deposits queue.Queue[*rollup.Transaction]
	regular  queue.Queue[*rollup.Transaction]
	known    map[common.Hash]struct{}
}

func New() *Mempool {
	return &Mempool{known: make(map[common.Hash]struct{})}
}

// Add submits a transaction to the pool. Duplicates (by transaction hash) are
// dropped, which makes the watcher's at-least-once resubmission of deposit
// transactions harmless within a single process lifetime. Returns whether the
// transaction was accepted.
func (p *Mempool) Add(tx *rollup.Transaction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := tx.Hash()
	if _, ok := p.known[hash]; ok {
		return false
	}
	p.known[hash] = struct{}{}
	if tx.Kind == rollup.TxDeposit {
		p.deposits.Enqueue(tx)
	} else {
		p.regular.Enqueue(tx)
	}
	return true
}

// TakeBatch removes and returns up to maxN transactions in sequencing order,
// deposits first.
func (p *Mempool) TakeBatch(maxN int) []*rollup.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var batch []*rollup.Transaction
	take := func(q *queue.Queue[*rollup.Transaction]) {
		n := min(maxN-len(batch), q.Len())
		if n <= 0 {
			return
		}
		batch = append(batch, (*q)[:n]...)
		*q = (*q)[n:]
	}
	take(&p.deposits)
	take(&p.regular)

	for _, tx := range batch {
		delete(p.known, tx.Hash())
	}
	return batch
}

// Requeue returns transactions the sequencer could not fit into its execution
// budget. They are placed at the front of their queues, preserving their
// original order ahead of anything submitted since.
func (p *Mempool) Requeue(txs []*rollup.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var deposits, regular queue.Queue[*rollup.Transaction]
	for _, tx := range txs {
		hash := tx.Hash()
		if _, ok := p.known[hash]; ok {
			continue
		}
		p.known[hash] = struct{}{}
		if tx.Kind == rollup.TxDeposit {
			deposits.Enqueue(tx)
		} else {
			regular.Enqueue(tx)
		}
	}
	p.deposits = append(deposits, p.deposits...)
	p.regular = append(regular, p.regular...)
}

// Len returns the number of pending transactions.
func (p *Mempool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deposits.Len() + p.regular.Len()
}

// PendingDeposits returns the number of pending deposit transactions.
func (p *Mempool) PendingDeposits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deposits.Len()
}
