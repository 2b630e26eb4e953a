// Package txsender publishes commit and verify transactions to the L1 bridge
// contract. It owns the signing key's nonce space: nonces are reserved
// durably before any transaction is signed, every logical transaction is
// tracked in the store across restarts, and a stuck transaction is fee
// bumped under its original nonce rather than abandoned.
package txsender

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rollup-labs/op-rollup/bindings"
	"github.com/rollup-labs/op-rollup/metrics"
	"github.com/rollup-labs/op-rollup/rollup"
	"github.com/rollup-labs/op-rollup/store"
)

var ErrSenderNotRunning = errors.New("tx sender is not running")

// L1Client is the subset of the L1 RPC surface the sender uses.
type L1Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SenderStore is the store surface the sender needs.
type SenderStore interface {
	Block(n uint64) (*rollup.Block, error)
	ProofRecord(n uint64) (*rollup.ProofRecord, error)
	NextNonce() (uint64, bool, error)
	SetNextNonce(n uint64) error
	ReserveNonce() (uint64, error)
	PutOutbound(rec *rollup.OutboundTx) error
	Outbound(kind rollup.OutboundKind, n uint64) (*rollup.OutboundTx, bool, error)
	HighestOutbound(kind rollup.OutboundKind) (uint64, bool, error)
	InFlightOutbound() ([]*rollup.OutboundTx, error)
}

type DriverSetup struct {
	Log   log.Logger
	Metr  metrics.Metricer
	Cfg   Config
	Store SenderStore
	L1    L1Client
	// OnFatal halts the whole operator. The sender calls it when the nonce
	// space is inconsistent, a transaction reverts, or fee bumping is
	// exhausted: continuing past any of those would fork the L1 view.
	OnFatal func(err error)
}

// Sender runs two serial queues, one per transaction kind. Within a queue
// each transaction is driven to a terminal state before the next one is
// built, which keeps nonces and block numbers strictly ordered. The queues
// are independent except that verify(N) waits for commit(N) to be sent.
type Sender struct {
	DriverSetup

	wg   sync.WaitGroup
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	running bool
}

func NewSender(setup DriverSetup) (*Sender, error) {
	if err := setup.Cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid sender config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		DriverSetup: setup,
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ReconcileNonce aligns the durable nonce record with the chain before the
// queues start. A fresh store adopts the on-chain nonce. A store that is
// behind the chain means another signer used the key, which is fatal. A
// store ahead of the chain with no in-flight records means nonces were
// reserved but never published; those would wedge the account, so the
// counter rewinds to the chain.
func (s *Sender) ReconcileNonce(ctx context.Context) error {
	cCtx, cancel := context.WithTimeout(ctx, s.Cfg.NetworkTimeout)
	defer cancel()
	onchain, err := s.L1.NonceAt(cCtx, s.Cfg.From, nil)
	if err != nil {
		return fmt.Errorf("querying on-chain nonce: %w", err)
	}

	stored, ok, err := s.Store.NextNonce()
	if err != nil {
		return err
	}
	if !ok {
		s.Log.Info("initializing nonce from chain", "nonce", onchain)
		return s.Store.SetNextNonce(onchain)
	}
	if onchain > stored {
		return fmt.Errorf("on-chain nonce %d is ahead of durable nonce %d, signing key used elsewhere", onchain, stored)
	}
	if stored > onchain {
		inflight, err := s.Store.InFlightOutbound()
		if err != nil {
			return err
		}
		if len(inflight) == 0 {
			s.Log.Warn("rewinding reserved but unpublished nonces", "stored", stored, "onchain", onchain)
			return s.Store.SetNextNonce(onchain)
		}
	}
	return nil
}

func (s *Sender) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return errors.New("tx sender is already running")
	}
	s.running = true

	s.wg.Add(2)
	go s.queueLoop(rollup.CommitTx, s.commitRound)
	go s.queueLoop(rollup.VerifyTx, s.verifyRound)

	s.Log.Info("started tx sender", "from", s.Cfg.From, "bridge", s.Cfg.BridgeAddr)
	return nil
}

func (s *Sender) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.running {
		return ErrSenderNotRunning
	}
	s.running = false

	s.cancel()
	close(s.done)
	s.wg.Wait()

	s.Log.Info("stopped tx sender")
	return nil
}

func (s *Sender) queueLoop(kind rollup.OutboundKind, round func(ctx context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case <-s.done: // prioritize quit signal
				return
			default:
			}
			if err := round(s.ctx); errors.Is(err, context.Canceled) {
				return
			} else if err != nil {
				s.Log.Warn("queue round failed", "kind", kind, "err", err)
			}
		case <-s.done:
			return
		}
	}
}

// nextInQueue resumes the highest record of the queue when it is still in
// flight, and otherwise reports the next block number to publish. A Failed
// record at the head of a queue is fatal: nothing behind it may be sent.
func (s *Sender) nextInQueue(kind rollup.OutboundKind) (next uint64, resume *rollup.OutboundTx, err error) {
	highest, ok, err := s.Store.HighestOutbound(kind)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 1, nil, nil
	}
	rec, ok, err := s.Store.Outbound(kind, highest)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, fmt.Errorf("missing outbound record %s/%d", kind, highest)
	}
	switch rec.Status {
	case rollup.OutboundConfirmed:
		return highest + 1, nil, nil
	case rollup.OutboundFailed:
		return 0, nil, fmt.Errorf("queue %s is halted on failed transaction for block %d", kind, highest)
	default:
		return highest, rec, nil
	}
}

func (s *Sender) commitRound(ctx context.Context) error {
	next, rec, err := s.nextInQueue(rollup.CommitTx)
	if err != nil {
		s.fatal(err)
		return err
	}

	block, err := s.Store.Block(next)
	if errors.Is(err, store.ErrNotFound) {
		return nil // sequencer has not produced this block yet
	} else if err != nil {
		return err
	}
	raw, err := block.MarshalBinary()
	if err != nil {
		return err
	}
	payload, err := bindings.PackCommitBlock(block.Number, block.StateRoot, raw)
	if err != nil {
		return err
	}

	if rec == nil {
		rec, err = s.newOutbound(rollup.CommitTx, next)
		if err != nil {
			return err
		}
	}
	return s.publish(ctx, rec, payload)
}

func (s *Sender) verifyRound(ctx context.Context) error {
	next, rec, err := s.nextInQueue(rollup.VerifyTx)
	if err != nil {
		s.fatal(err)
		return err
	}

	proofRec, err := s.Store.ProofRecord(next)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if proofRec.Status != rollup.ProofVerified {
		return nil
	}
	// The bridge rejects a verify for a block it has not seen, so hold the
	// verify until the matching commit has at least been published. A Failed
	// commit also holds it: that commit never reached the bridge and its
	// queue is wedged until an operator intervenes.
	commitRec, ok, err := s.Store.Outbound(rollup.CommitTx, next)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	switch commitRec.Status {
	case rollup.OutboundSent, rollup.OutboundStuck, rollup.OutboundConfirmed:
	default:
		return nil
	}

	payload, err := bindings.PackVerifyBlock(next, proofRec.Proof)
	if err != nil {
		return err
	}

	if rec == nil {
		rec, err = s.newOutbound(rollup.VerifyTx, next)
		if err != nil {
			return err
		}
	}
	return s.publish(ctx, rec, payload)
}

// newOutbound reserves a nonce and persists the Built record before anything
// is signed, so a crash between reservation and send is visible on restart.
func (s *Sender) newOutbound(kind rollup.OutboundKind, blockNumber uint64) (*rollup.OutboundTx, error) {
	nonce, err := s.Store.ReserveNonce()
	if err != nil {
		return nil, err
	}
	rec := &rollup.OutboundTx{
		Kind:        kind,
		BlockNumber: blockNumber,
		Nonce:       nonce,
		Status:      rollup.OutboundBuilt,
	}
	if err := s.Store.PutOutbound(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// publish drives one logical transaction to a terminal state: sign, send,
// wait for confirmations, and bump fees under the same nonce on timeout.
func (s *Sender) publish(ctx context.Context, rec *rollup.OutboundTx, payload []byte) error {
	nonceTooLow := uint64(0)
	// Any attempt of this nonce may be the one that lands, so receipt
	// polling covers every hash published in this call.
	var hashes []common.Hash
	if rec.TxHash != (common.Hash{}) {
		hashes = append(hashes, rec.TxHash)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Attempts >= s.Cfg.MaxFeeBumps {
			return s.abort(rec, fmt.Errorf("exhausted %d publication attempts for %s/%d",
				rec.Attempts, rec.Kind, rec.BlockNumber))
		}

		tx, err := s.sign(ctx, rec, payload)
		if errors.Is(err, ErrFeeLimit) {
			return s.abort(rec, err)
		} else if err != nil {
			return err
		}

		sCtx, cancel := context.WithTimeout(ctx, s.Cfg.NetworkTimeout)
		err = s.L1.SendTransaction(sCtx, tx)
		cancel()
		switch {
		case err == nil:
			nonceTooLow = 0
		case strings.Contains(err.Error(), "nonce too low"):
			// Likely an earlier attempt was mined; the receipt wait below
			// resolves it. Repeated occurrences with no receipt mean the
			// nonce was consumed by something else.
			nonceTooLow++
			if nonceTooLow >= s.Cfg.SafeAbortNonceTooLowCount {
				return s.abort(rec, fmt.Errorf("nonce %d consumed outside the sender", rec.Nonce))
			}
			s.Log.Warn("nonce too low on send", "kind", rec.Kind, "block", rec.BlockNumber, "nonce", rec.Nonce)
		case strings.Contains(err.Error(), "already known"):
			// The previous attempt is still in the pool.
		default:
			return fmt.Errorf("sending %s/%d: %w", rec.Kind, rec.BlockNumber, err)
		}

		rec.TxHash = tx.Hash()
		hashes = append(hashes, tx.Hash())
		rec.Status = rollup.OutboundSent
		rec.Attempts++
		if err := s.Store.PutOutbound(rec); err != nil {
			return err
		}
		s.Log.Info("published transaction", "kind", rec.Kind, "block", rec.BlockNumber,
			"nonce", rec.Nonce, "tx", rec.TxHash, "attempt", rec.Attempts)
		s.Metr.RecordL1TxSent(rec.Kind.String(), rec.Nonce)

		receipt, err := s.waitMined(ctx, hashes)
		if err != nil {
			return err
		}
		if receipt == nil {
			// No receipt within the resubmission window, bump and retry.
			rec.Status = rollup.OutboundStuck
			if err := s.Store.PutOutbound(rec); err != nil {
				return err
			}
			s.Log.Warn("transaction stuck, bumping fees", "kind", rec.Kind,
				"block", rec.BlockNumber, "nonce", rec.Nonce, "tx", rec.TxHash)
			s.Metr.RecordL1TxFeeBump(rec.Kind.String())
			continue
		}
		rec.TxHash = receipt.TxHash // an earlier attempt may be the one that landed
		if receipt.Status == types.ReceiptStatusFailed {
			return s.abort(rec, fmt.Errorf("%s/%d reverted on L1 in tx %s",
				rec.Kind, rec.BlockNumber, rec.TxHash))
		}

		rec.Status = rollup.OutboundConfirmed
		if err := s.Store.PutOutbound(rec); err != nil {
			return err
		}
		s.Log.Info("transaction confirmed", "kind", rec.Kind, "block", rec.BlockNumber,
			"tx", rec.TxHash, "l1_block", receipt.BlockNumber)
		s.Metr.RecordL1TxConfirmed(rec.Kind.String(), rec.BlockNumber)
		return nil
	}
}

// sign estimates fees and gas for the current attempt and signs the payload
// under the record's nonce. Fee fields on the record carry across attempts
// so each bump builds on the last.
func (s *Sender) sign(ctx context.Context, rec *rollup.OutboundTx, payload []byte) (*types.Transaction, error) {
	cCtx, cancel := context.WithTimeout(ctx, s.Cfg.NetworkTimeout)
	defer cancel()

	var tip, feeCap *big.Int
	var err error
	if rec.GasTipCap == nil {
		tip, feeCap, err = s.suggestFees(cCtx)
	} else {
		tip, feeCap, err = s.bumpFees(cCtx, rec.GasTipCap, rec.GasFeeCap)
	}
	if err != nil {
		return nil, err
	}
	rec.GasTipCap, rec.GasFeeCap = tip, feeCap

	gas, err := s.L1.EstimateGas(cCtx, ethereum.CallMsg{
		From:      s.Cfg.From,
		To:        &s.Cfg.BridgeAddr,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("estimating gas for %s/%d: %w", rec.Kind, rec.BlockNumber, err)
	}

	return types.SignNewTx(s.Cfg.PrivateKey, types.LatestSignerForChainID(s.Cfg.ChainID), &types.DynamicFeeTx{
		ChainID:   s.Cfg.ChainID,
		Nonce:     rec.Nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &s.Cfg.BridgeAddr,
		Data:      payload,
	})
}

// waitMined polls for the receipt until the resubmission timeout, then keeps
// waiting for the configured confirmation depth once mined. A nil receipt
// with nil error means the timeout elapsed with the transaction unmined.
func (s *Sender) waitMined(ctx context.Context, hashes []common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(s.Cfg.ResubmissionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.Cfg.ReceiptQueryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, h := range hashes {
				receipt, err := s.queryReceipt(ctx, h)
				if err != nil {
					return nil, err
				}
				if receipt != nil {
					return receipt, s.waitConfirmations(ctx, receipt)
				}
			}
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Sender) queryReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	cCtx, cancel := context.WithTimeout(ctx, s.Cfg.NetworkTimeout)
	defer cancel()
	receipt, err := s.L1.TransactionReceipt(cCtx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	} else if err != nil {
		s.Log.Debug("receipt query failed", "tx", txHash, "err", err)
		return nil, nil
	}
	return receipt, nil
}

func (s *Sender) waitConfirmations(ctx context.Context, receipt *types.Receipt) error {
	target := receipt.BlockNumber.Uint64() + s.Cfg.NumConfirmations - 1
	ticker := time.NewTicker(s.Cfg.ReceiptQueryInterval)
	defer ticker.Stop()

	for {
		cCtx, cancel := context.WithTimeout(ctx, s.Cfg.NetworkTimeout)
		head, err := s.L1.BlockNumber(cCtx)
		cancel()
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abort marks the record Failed and halts the operator. Failed is terminal:
// the queue stays wedged on it even across restarts until an operator
// intervenes.
func (s *Sender) abort(rec *rollup.OutboundTx, cause error) error {
	rec.Status = rollup.OutboundFailed
	if err := s.Store.PutOutbound(rec); err != nil {
		return errors.Join(cause, err)
	}
	s.Metr.RecordL1TxFailed(rec.Kind.String())
	s.fatal(cause)
	return cause
}

func (s *Sender) fatal(err error) {
	s.Log.Error("fatal tx sender error", "err", err)
	if s.OnFatal != nil {
		s.OnFatal(err)
	}
}
