package executor

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/rollup-labs/op-rollup/rollup"
)

// DevExecutor is a minimal balance-ledger VM. Deposits mint, withdrawals
// burn, transfers move funds; a transaction whose sender cannot cover the
// value fails and is dropped from the batch. Roots are the keccak hash of the
// RLP encoded, address-sorted ledger, so equal states always produce equal
// roots.
type DevExecutor struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func NewDevExecutor() *DevExecutor {
	return &DevExecutor{balances: make(map[common.Address]*big.Int)}
}

var _ Executor = (*DevExecutor)(nil)

func (e *DevExecutor) ExecuteBatch(ctx context.Context, txs []*rollup.Transaction) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &Result{}
	for i, tx := range txs {
		if ctx.Err() != nil {
			res.Unprocessed = txs[i:]
			break
		}
		if err := e.apply(tx); err != nil {
			res.Receipts = append(res.Receipts, &rollup.Receipt{
				TxHash:  tx.Hash(),
				Success: false,
				Reason:  err.Error(),
			})
			continue
		}
		res.Included = append(res.Included, tx)
		res.Receipts = append(res.Receipts, &rollup.Receipt{
			TxHash:  tx.Hash(),
			Success: true,
		})
	}
	res.StateRoot = e.root()
	return res, nil
}

func (e *DevExecutor) apply(tx *rollup.Transaction) error {
	switch tx.Kind {
	case rollup.TxDeposit:
		e.credit(tx.To, tx.Value)
	case rollup.TxWithdrawal:
		if err := e.debit(tx.From, tx.Value); err != nil {
			return err
		}
	case rollup.TxTransfer:
		if err := e.debit(tx.From, tx.Value); err != nil {
			return err
		}
		e.credit(tx.To, tx.Value)
	default:
		return fmt.Errorf("unknown transaction kind %s", tx.Kind)
	}
	return nil
}

func (e *DevExecutor) credit(addr common.Address, amount *big.Int) {
	bal, ok := e.balances[addr]
	if !ok {
		bal = new(big.Int)
		e.balances[addr] = bal
	}
	bal.Add(bal, amount)
}

func (e *DevExecutor) debit(addr common.Address, amount *big.Int) error {
	bal, ok := e.balances[addr]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance for %s", addr)
	}
	bal.Sub(bal, amount)
	return nil
}

// Balance returns the current balance of an account.
func (e *DevExecutor) Balance(addr common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	bal, ok := e.balances[addr]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

func (e *DevExecutor) StateRoot() common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root()
}

type ledgerEntry struct {
	Addr    common.Address
	Balance *big.Int
}

func (e *DevExecutor) root() common.Hash {
	entries := make([]ledgerEntry, 0, len(e.balances))
	for addr, bal := range e.balances {
		if bal.Sign() == 0 {
			continue
		}
		entries = append(entries, ledgerEntry{Addr: addr, Balance: bal})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Addr.Cmp(entries[j].Addr) < 0
	})
	data, err := rlp.EncodeToBytes(entries)
	if err != nil {
		panic(fmt.Errorf("rlp encoding ledger: %w", err))
	}
	return crypto.Keccak256Hash(data)
}

// Replay re-applies the transactions of an already-produced block, rebuilding
// in-memory state from the durable chain on startup. Execution failures are
// ignored: failed transactions were never included in stored blocks.
func (e *DevExecutor) Replay(block *rollup.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tx := range block.Transactions {
		if err := e.apply(tx); err != nil {
			return fmt.Errorf("replaying block %d tx %s: %w", block.Number, tx.Hash().TerminalString(), err)
		}
	}
	if got := e.root(); got != block.StateRoot {
		return fmt.Errorf("replaying block %d: state root %s, want %s",
			block.Number, got.TerminalString(), block.StateRoot.TerminalString())
	}
	return nil
}
