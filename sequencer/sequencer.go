// Package sequencer produces the L2 chain: on each production tick it drains
// a batch from the mempool, executes it through the external VM and appends
// an immutable block to the shared store.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rollup-labs/op-rollup/executor"
	"github.com/rollup-labs/op-rollup/metrics"
	"github.com/rollup-labs/op-rollup/rollup"
)

var ErrSequencerNotRunning = errors.New("sequencer is not running")

type Config struct {
	// BlockTime is the production tick interval.
	BlockTime time.Duration
	// MaxBatchSize bounds the number of transactions drained per tick.
	MaxBatchSize int
	// ExecutionBudget bounds the wall clock spent executing one batch. On
	// expiry the block is flushed with whatever completed and the rest is
	// requeued.
	ExecutionBudget time.Duration
	// EmptyBlocks keeps a fixed block cadence: with it set, an empty mempool
	// still advances an empty block. Without it, the tick is skipped.
	EmptyBlocks bool
}

func (c *Config) Check() error {
	if c.BlockTime <= 0 {
		return errors.New("block time must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return errors.New("max batch size must be positive")
	}
	if c.ExecutionBudget <= 0 {
		return errors.New("execution budget must be positive")
	}
	return nil
}

// Pool is the mempool surface the sequencer needs.
type Pool interface {
	TakeBatch(maxN int) []*rollup.Transaction
	Requeue(txs []*rollup.Transaction)
}

// ChainStore is the store surface the sequencer needs.
type ChainStore interface {
	HeadNumber() (uint64, bool)
	Block(n uint64) (*rollup.Block, error)
	PutBlock(b *rollup.Block) error
	PutReceipts(n uint64, receipts []*rollup.Receipt) error
	SeenDeposit(id rollup.DepositID) (bool, error)
}

type DriverSetup struct {
	Log      log.Logger
	Metr     metrics.Metricer
	Cfg      Config
	Pool     Pool
	Store    ChainStore
	Executor executor.Executor
}

type Sequencer struct {
	DriverSetup

	wg   sync.WaitGroup
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	running bool
}

func NewSequencer(setup DriverSetup) (*Sequencer, error) {
	if err := setup.Cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid sequencer config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		DriverSetup: setup,
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (s *Sequencer) Start() error {
	s.Log.Info("starting sequencer", "block_time", s.Cfg.BlockTime, "max_batch", s.Cfg.MaxBatchSize)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return errors.New("sequencer is already running")
	}
	s.running = true

	s.wg.Add(1)
	go s.loop()

	s.Log.Info("started sequencer")
	return nil
}

func (s *Sequencer) Stop() error {
	s.Log.Info("stopping sequencer")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return ErrSequencerNotRunning
	}
	s.running = false

	s.cancel()
	close(s.done)
	s.wg.Wait()

	s.Log.Info("stopped sequencer")
	return nil
}

func (s *Sequencer) loop() {
	defer s.wg.Done()
	defer s.Log.Info("sequencer loop returning")

	ticker := time.NewTicker(s.Cfg.BlockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// prioritize quit signal
			select {
			case <-s.done:
				return
			default:
			}

			if _, err := s.ProduceBlock(s.ctx); err != nil {
				s.Log.Warn("block production failed", "err", err)
			}
		case <-s.done:
			return
		}
	}
}

// ProduceBlock runs a single production tick. It returns the produced block,
// or nil if the tick was skipped (empty mempool without fixed cadence).
func (s *Sequencer) ProduceBlock(ctx context.Context) (*rollup.Block, error) {
	batch := s.Pool.TakeBatch(s.Cfg.MaxBatchSize)
	batch, err := s.dropMintedDeposits(batch)
	if err != nil {
		s.Pool.Requeue(batch)
		return nil, err
	}
	if len(batch) == 0 && !s.Cfg.EmptyBlocks {
		return nil, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, s.Cfg.ExecutionBudget)
	defer cancel()
	res, err := s.Executor.ExecuteBatch(execCtx, batch)
	if err != nil {
		// Execution engine failure, not a transaction failure. Nothing was
		// committed, so the batch goes back into the pool.
		s.Pool.Requeue(batch)
		return nil, fmt.Errorf("executing batch: %w", err)
	}
	if len(res.Unprocessed) > 0 {
		s.Log.Warn("execution budget exceeded, requeueing remainder",
			"executed", len(res.Included), "requeued", len(res.Unprocessed))
		s.Pool.Requeue(res.Unprocessed)
	}

	number, parent := s.nextBlockRef()
	block := &rollup.Block{
		Number:       number,
		ParentHash:   parent,
		StateRoot:    res.StateRoot,
		Time:         uint64(time.Now().Unix()),
		Transactions: res.Included,
	}
	if err := s.Store.PutBlock(block); err != nil {
		return nil, fmt.Errorf("storing block %d: %w", number, err)
	}
	for i := range res.Receipts {
		res.Receipts[i].BlockNumber = number
	}
	if err := s.Store.PutReceipts(number, res.Receipts); err != nil {
		return nil, fmt.Errorf("storing receipts for block %d: %w", number, err)
	}

	for _, r := range res.Receipts {
		if !r.Success {
			s.Log.Warn("transaction dropped from block", "block", number,
				"tx", r.TxHash.TerminalString(), "reason", r.Reason)
		}
	}
	s.Log.Info("produced block", "number", number, "hash", block.Hash().TerminalString(),
		"txs", len(block.Transactions), "dropped", len(res.Receipts)-len(res.Included))
	s.Metr.RecordBlockProduced(number, len(block.Transactions))
	return block, nil
}

// dropMintedDeposits filters out deposits that are already part of the chain.
// The watcher resubmits deposits at least once across restarts; this is the
// point that makes the mint exactly-once.
func (s *Sequencer) dropMintedDeposits(batch []*rollup.Transaction) ([]*rollup.Transaction, error) {
	out := make([]*rollup.Transaction, 0, len(batch))
	for _, tx := range batch {
		if tx.Kind == rollup.TxDeposit {
			seen, err := s.Store.SeenDeposit(tx.DepositID())
			if err != nil {
				// The caller requeues the whole batch untouched and the next
				// tick filters again.
				return batch, err
			}
			if seen {
				s.Log.Debug("skipping already minted deposit", "deposit", tx.DepositID())
				continue
			}
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Sequencer) nextBlockRef() (uint64, common.Hash) {
	head, ok := s.Store.HeadNumber()
	if !ok {
		return 1, common.Hash{} // genesis parent
	}
	block, err := s.Store.Block(head)
	if err != nil {
		// The head cache and the block column are written atomically; a
		// missing head block means the store is corrupt.
		panic(fmt.Errorf("head block %d missing: %w", head, err))
	}
	return head + 1, block.Hash()
}
