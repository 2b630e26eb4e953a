// Package watcher ingests deposits from L1. It polls the bridge contract's
// logs over a confirmed scanning window, converts each unseen deposit event
// into a synthetic mint transaction for the mempool, and persists a cursor so
// restarts never skip an event. Duplicate submission across restarts is
// allowed; the deposit uniqueness key makes the mint itself exactly-once.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rollup-labs/op-rollup/bindings"
	"github.com/rollup-labs/op-rollup/metrics"
	"github.com/rollup-labs/op-rollup/rollup"
)

var (
	ErrWatcherNotRunning = errors.New("watcher is not running")
	// ErrReorgDetected means a previously processed L1 block changed below
	// the confirmation depth. The confirmation-depth assumption is broken, so
	// ingestion halts rather than risk double-minting deposits.
	ErrReorgDetected = errors.New("L1 reorg below confirmation depth")
)

const rpcAttempts = 5

type Config struct {
	BridgeAddr        common.Address
	PollInterval      time.Duration
	ConfirmationDepth uint64
	// StartBlock is the first L1 block to scan when no cursor exists yet,
	// typically the bridge deployment height.
	StartBlock uint64
	// MaxBlockRange caps the scanning window of a single poll.
	MaxBlockRange  uint64
	NetworkTimeout time.Duration
}

func (c *Config) Check() error {
	if c.BridgeAddr == (common.Address{}) {
		return errors.New("bridge address is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.MaxBlockRange == 0 {
		return errors.New("max block range must be positive")
	}
	return nil
}

type L1Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type Pool interface {
	Add(tx *rollup.Transaction) bool
}

// CursorStore is the store surface the watcher needs.
type CursorStore interface {
	Cursor() (*rollup.WatcherCursor, bool, error)
	SetCursor(c *rollup.WatcherCursor) error
	SeenDeposit(id rollup.DepositID) (bool, error)
}

type DriverSetup struct {
	Log   log.Logger
	Metr  metrics.Metricer
	Cfg   Config
	L1    L1Client
	Pool  Pool
	Store CursorStore
	// OnFatal is invoked when ingestion cannot safely continue; the watcher
	// loop has already halted when it fires.
	OnFatal func(err error)
}

type Watcher struct {
	DriverSetup

	wg   sync.WaitGroup
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	running bool
}

func NewWatcher(setup DriverSetup) (*Watcher, error) {
	if err := setup.Cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid watcher config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		DriverSetup: setup,
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (w *Watcher) Start() error {
	w.Log.Info("starting l1 watcher", "bridge", w.Cfg.BridgeAddr,
		"confirmation_depth", w.Cfg.ConfirmationDepth)

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.running {
		return errors.New("watcher is already running")
	}
	w.running = true

	w.wg.Add(1)
	go w.loop()

	w.Log.Info("started l1 watcher")
	return nil
}

func (w *Watcher) Stop() error {
	w.Log.Info("stopping l1 watcher")

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.running {
		return ErrWatcherNotRunning
	}
	w.running = false

	w.cancel()
	close(w.done)
	w.wg.Wait()

	w.Log.Info("stopped l1 watcher")
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer w.Log.Info("watcher loop returning")

	ticker := time.NewTicker(w.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// prioritize quit signal
			select {
			case <-w.done:
				return
			default:
			}

			if err := w.ScanOnce(w.ctx); errors.Is(err, ErrReorgDetected) {
				w.Log.Error("halting deposit ingestion", "err", err)
				if w.OnFatal != nil {
					w.OnFatal(err)
				}
				return
			} else if err != nil && !errors.Is(err, context.Canceled) {
				// Transient: the next tick retries, the cursor has not moved
				// past anything unprocessed.
				w.Log.Warn("deposit scan failed", "err", err)
			}
		case <-w.done:
			return
		}
	}
}

// ScanOnce runs a single scan of the confirmed window. It is exported for
// tests and for the same-process dev wiring; the poll loop calls it on every
// tick.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	cursor, hasCursor, err := w.Store.Cursor()
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}

	head, err := retry.Do(ctx, rpcAttempts, retry.Exponential(), func() (uint64, error) {
		cCtx, cancel := context.WithTimeout(ctx, w.Cfg.NetworkTimeout)
		defer cancel()
		return w.L1.BlockNumber(cCtx)
	})
	if err != nil {
		return fmt.Errorf("fetching L1 head: %w", err)
	}

	if hasCursor {
		if err := w.checkReorg(ctx, cursor); err != nil {
			return err
		}
	}

	if head < w.Cfg.ConfirmationDepth {
		return nil
	}
	to := head - w.Cfg.ConfirmationDepth
	from := w.Cfg.StartBlock
	if hasCursor {
		from = cursor.LastProcessed + 1
	}
	if from > to {
		w.Log.Debug("no new confirmed L1 blocks", "from", from, "head", head)
		return nil
	}
	if to-from+1 > w.Cfg.MaxBlockRange {
		to = from + w.Cfg.MaxBlockRange - 1
	}

	logs, err := retry.Do(ctx, rpcAttempts, retry.Exponential(), func() ([]types.Log, error) {
		cCtx, cancel := context.WithTimeout(ctx, w.Cfg.NetworkTimeout)
		defer cancel()
		return w.L1.FilterLogs(cCtx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.Cfg.BridgeAddr},
			Topics:    [][]common.Hash{{bindings.DepositInitiatedID()}},
		})
	})
	if err != nil {
		return fmt.Errorf("filtering deposit logs [%d, %d]: %w", from, to, err)
	}

	// Process events in (l1_block_number, l1_log_index) order.
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for i, l := range logs {
		if err := w.submitDeposit(l); err != nil {
			// The cursor has not advanced past this event; the next scan
			// picks it up again. Deposits are never silently dropped.
			return err
		}
		// Advance the cursor once every event of a block is submitted, so a
		// crash mid-scan resumes on the first unprocessed block.
		if i+1 == len(logs) || logs[i+1].BlockNumber > l.BlockNumber {
			if err := w.Store.SetCursor(&rollup.WatcherCursor{
				LastProcessed: l.BlockNumber,
				LastHash:      l.BlockHash,
			}); err != nil {
				return fmt.Errorf("persisting cursor: %w", err)
			}
		}
	}

	// Mark the whole window processed.
	header, err := retry.Do(ctx, rpcAttempts, retry.Exponential(), func() (*types.Header, error) {
		cCtx, cancel := context.WithTimeout(ctx, w.Cfg.NetworkTimeout)
		defer cancel()
		return w.L1.HeaderByNumber(cCtx, new(big.Int).SetUint64(to))
	})
	if err != nil {
		return fmt.Errorf("fetching header %d: %w", to, err)
	}
	if err := w.Store.SetCursor(&rollup.WatcherCursor{LastProcessed: to, LastHash: header.Hash()}); err != nil {
		return fmt.Errorf("persisting cursor: %w", err)
	}
	w.Metr.RecordWatcherCursor(to)
	if len(logs) > 0 {
		w.Log.Info("ingested deposit events", "count", len(logs), "from", from, "to", to)
	}
	return nil
}

// checkReorg verifies that the block the cursor points at still has the hash
// we processed it with. The window only covers blocks at least the
// confirmation depth behind the head, so a mismatch here means the depth
// assumption itself failed.
func (w *Watcher) checkReorg(ctx context.Context, cursor *rollup.WatcherCursor) error {
	if cursor.LastHash == (common.Hash{}) {
		return nil
	}
	header, err := retry.Do(ctx, rpcAttempts, retry.Exponential(), func() (*types.Header, error) {
		cCtx, cancel := context.WithTimeout(ctx, w.Cfg.NetworkTimeout)
		defer cancel()
		return w.L1.HeaderByNumber(cCtx, new(big.Int).SetUint64(cursor.LastProcessed))
	})
	if err != nil {
		return fmt.Errorf("fetching cursor header %d: %w", cursor.LastProcessed, err)
	}
	if got := header.Hash(); got != cursor.LastHash {
		return fmt.Errorf("%w: block %d hash %s, processed as %s",
			ErrReorgDetected, cursor.LastProcessed, got.TerminalString(), cursor.LastHash.TerminalString())
	}
	return nil
}

func (w *Watcher) submitDeposit(l types.Log) error {
	ev, err := bindings.ParseDepositInitiated(l)
	if err != nil {
		return fmt.Errorf("decoding deposit event %s:%d: %w", l.TxHash, l.Index, err)
	}
	id := rollup.DepositID{L1TxHash: l.TxHash, L1LogIndex: uint64(l.Index)}
	seen, err := w.Store.SeenDeposit(id)
	if err != nil {
		return err
	}
	if seen {
		w.Log.Debug("deposit already minted", "deposit", id)
		return nil
	}
	tx := rollup.NewDepositTx(ev.Recipient, ev.Amount, l.TxHash, uint64(l.Index), l.BlockNumber)
	if w.Pool.Add(tx) {
		w.Log.Info("queued deposit", "deposit", id, "recipient", ev.Recipient, "amount", ev.Amount)
		w.Metr.RecordDepositQueued()
	}
	return nil
}
