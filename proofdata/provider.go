// Package proofdata implements the pull-based protocol that decouples block
// production from prover throughput. The provider serves the lowest-numbered
// unproven block to whichever prover asks for it and validates submitted
// proofs against the recorded chain; the client side drives an external (or
// mock) prover against the same protocol.
package proofdata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rollup-labs/op-rollup/metrics"
	"github.com/rollup-labs/op-rollup/rollup"
)

var (
	ErrProviderNotRunning = errors.New("proof provider is not running")
	// ErrUnknownBlock is returned for submissions against blocks that were
	// never produced.
	ErrUnknownBlock = errors.New("unknown block")
	// ErrNotRequested is returned when a proof arrives for a block that has
	// no outstanding request.
	ErrNotRequested = errors.New("block has no outstanding proof request")
	// ErrProofMismatch is returned when a proof's claimed public inputs do
	// not match the recorded block. The record recycles to Pending.
	ErrProofMismatch = errors.New("proof public inputs mismatch")
	// ErrProofDisagreement is returned when a block already has an accepted
	// proof and a later submission disagrees with it. This is a protocol
	// fault: two provers claimed different results for the same block.
	ErrProofDisagreement = errors.New("conflicting proof for verified block")

	errRecordConflict = errors.New("proof record changed concurrently")
)

type ProviderConfig struct {
	// RequestTimeout recycles a Requested record back to Pending when no
	// proof arrived in time, so one stalled prover cannot starve a block.
	RequestTimeout time.Duration
	// SweepInterval is how often stalled requests are recycled.
	SweepInterval time.Duration
	// GenesisStateRoot is the pre-state root of block 1.
	GenesisStateRoot common.Hash
}

func (c *ProviderConfig) Check() error {
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}

// ProofStore is the store surface the provider needs.
type ProofStore interface {
	Block(n uint64) (*rollup.Block, error)
	ProofRecord(n uint64) (*rollup.ProofRecord, error)
	UpdateProof(n uint64, fn func(rec *rollup.ProofRecord) (bool, error)) error
	NextProofByStatus(status rollup.ProofStatus) (*rollup.ProofRecord, bool, error)
	StaleRequests(cutoff uint64) ([]uint64, error)
}

type ProviderSetup struct {
	Log   log.Logger
	Metr  metrics.Metricer
	Cfg   ProviderConfig
	Store ProofStore
}

// Provider owns the queue of blocks awaiting proof. Its only background
// activity is the sweep loop recycling stalled requests; serving is driven
// entirely by client calls.
type Provider struct {
	ProviderSetup

	wg   sync.WaitGroup
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	running bool
}

func NewProvider(setup ProviderSetup) (*Provider, error) {
	if err := setup.Cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		ProviderSetup: setup,
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func (p *Provider) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.running {
		return errors.New("proof provider is already running")
	}
	p.running = true

	p.wg.Add(1)
	go p.sweepLoop()

	p.Log.Info("started proof provider", "request_timeout", p.Cfg.RequestTimeout)
	return nil
}

func (p *Provider) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.running {
		return ErrProviderNotRunning
	}
	p.running = false

	p.cancel()
	close(p.done)
	p.wg.Wait()

	p.Log.Info("stopped proof provider")
	return nil
}

func (p *Provider) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.Cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.recycleStale(); err != nil {
				p.Log.Warn("recycling stale proof requests failed", "err", err)
			}
		case <-p.done:
			return
		}
	}
}

func (p *Provider) recycleStale() error {
	cutoff := uint64(time.Now().Add(-p.Cfg.RequestTimeout).Unix())
	stale, err := p.Store.StaleRequests(cutoff)
	if err != nil {
		return err
	}
	for _, n := range stale {
		err := p.Store.UpdateProof(n, func(rec *rollup.ProofRecord) (bool, error) {
			if rec.Status != rollup.ProofRequested || rec.RequestedAt >= cutoff {
				return false, nil // completed or re-requested since the scan
			}
			rec.Status = rollup.ProofPending
			rec.RequestedAt = 0
			return true, nil
		})
		if err != nil {
			return err
		}
		p.Log.Warn("proof request timed out, recycling", "block", n)
		p.Metr.RecordProofRecycled(n)
	}
	return nil
}

// GetNextBlock returns the executable data of the lowest-numbered block
// whose proof is pending, transitioning its record to Requested. Returns nil
// when nothing is pending; clients poll with backoff.
func (p *Provider) GetNextBlock(ctx context.Context) (*BlockData, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok, err := p.Store.NextProofByStatus(rollup.ProofPending)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		err = p.Store.UpdateProof(rec.BlockNumber, func(r *rollup.ProofRecord) (bool, error) {
			if r.Status != rollup.ProofPending {
				return false, errRecordConflict
			}
			r.Status = rollup.ProofRequested
			r.RequestedAt = uint64(time.Now().Unix())
			return true, nil
		})
		if errors.Is(err, errRecordConflict) {
			continue // another client claimed it, look for the next one
		} else if err != nil {
			return nil, err
		}

		data, err := p.blockData(rec.BlockNumber)
		if err != nil {
			return nil, err
		}
		p.Log.Info("proof requested", "block", rec.BlockNumber)
		p.Metr.RecordProofRequested(rec.BlockNumber)
		return data, nil
	}
}

func (p *Provider) blockData(n uint64) (*BlockData, error) {
	block, err := p.Store.Block(n)
	if err != nil {
		return nil, fmt.Errorf("loading block %d: %w", n, err)
	}
	pre, err := p.preStateRoot(block)
	if err != nil {
		return nil, err
	}
	raw, err := block.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &BlockData{
		BlockNumber:   n,
		BlockHash:     block.Hash(),
		PreStateRoot:  pre,
		PostStateRoot: block.StateRoot,
		Block:         raw,
	}, nil
}

func (p *Provider) preStateRoot(block *rollup.Block) (common.Hash, error) {
	if block.Number == 1 {
		return p.Cfg.GenesisStateRoot, nil
	}
	parent, err := p.Store.Block(block.Number - 1)
	if err != nil {
		return common.Hash{}, fmt.Errorf("loading parent of block %d: %w", block.Number, err)
	}
	return parent.StateRoot, nil
}

// SubmitProof validates and records a proof for the given block. A valid
// proof moves the record through Received to Verified; a public-input
// mismatch records the rejection and recycles the block to Pending. Repeat
// submissions that agree with an accepted proof are idempotent
// confirmations; ones that disagree are surfaced as a protocol fault.
func (p *Provider) SubmitProof(ctx context.Context, n uint64, proofBytes []byte) error {
	proof, err := rollup.DecodeProof(proofBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}

	data, err := p.blockData(n)
	if err != nil {
		return fmt.Errorf("%w: block %d", ErrUnknownBlock, n)
	}

	rec, err := p.Store.ProofRecord(n)
	if err != nil {
		return fmt.Errorf("%w: block %d", ErrUnknownBlock, n)
	}

	switch rec.Status {
	case rollup.ProofReceived, rollup.ProofVerified:
		return p.checkAgainstAccepted(n, proof)
	case rollup.ProofRequested:
		// fall through to validation below
	default:
		return fmt.Errorf("%w: block %d is %s", ErrNotRequested, n, rec.Status)
	}

	if !p.validPublicInputs(proof, data) {
		if err := p.reject(n); err != nil {
			return err
		}
		p.Log.Warn("rejected proof with mismatched public inputs", "block", n,
			"claimed_block_hash", proof.BlockHash, "block_hash", data.BlockHash)
		p.Metr.RecordProofRejected(n)
		return fmt.Errorf("%w: block %d", ErrProofMismatch, n)
	}

	err = p.accept(n, proofBytes)
	if errors.Is(err, errRecordConflict) {
		// Another submission resolved the record first; this one still has
		// to agree with whatever was accepted.
		return p.checkAgainstAccepted(n, proof)
	} else if err != nil {
		return err
	}
	p.Log.Info("proof verified", "block", n)
	p.Metr.RecordProofVerified(n)
	return nil
}

// checkAgainstAccepted compares a submission against the proof already
// recorded for the block. Agreement is an idempotent confirmation;
// disagreement means two provers claimed different results.
func (p *Provider) checkAgainstAccepted(n uint64, proof *rollup.Proof) error {
	rec, err := p.Store.ProofRecord(n)
	if err != nil {
		return fmt.Errorf("%w: block %d", ErrUnknownBlock, n)
	}
	switch rec.Status {
	case rollup.ProofReceived, rollup.ProofVerified:
	default:
		return fmt.Errorf("%w: block %d is %s", ErrNotRequested, n, rec.Status)
	}
	prev, err := rollup.DecodeProof(rec.Proof)
	if err != nil {
		return err
	}
	if prev.Matches(proof) {
		p.Log.Debug("duplicate proof accepted", "block", n)
		return nil
	}
	p.Log.Error("conflicting proof submitted for proven block", "block", n,
		"have_state_root", prev.PostStateRoot, "got_state_root", proof.PostStateRoot)
	return fmt.Errorf("%w: block %d", ErrProofDisagreement, n)
}

func (p *Provider) validPublicInputs(proof *rollup.Proof, data *BlockData) bool {
	return proof.BlockHash == data.BlockHash &&
		proof.PreStateRoot == data.PreStateRoot &&
		proof.PostStateRoot == data.PostStateRoot &&
		len(proof.Data) > 0
}

func (p *Provider) accept(n uint64, proofBytes []byte) error {
	err := p.Store.UpdateProof(n, func(rec *rollup.ProofRecord) (bool, error) {
		if rec.Status != rollup.ProofRequested {
			return false, errRecordConflict
		}
		rec.Status = rollup.ProofReceived
		rec.Proof = bytes.Clone(proofBytes)
		return true, nil
	})
	if err != nil {
		return err
	}
	return p.Store.UpdateProof(n, func(rec *rollup.ProofRecord) (bool, error) {
		rec.Status = rollup.ProofVerified
		return true, nil
	})
}

func (p *Provider) reject(n uint64) error {
	err := p.Store.UpdateProof(n, func(rec *rollup.ProofRecord) (bool, error) {
		if rec.Status != rollup.ProofRequested {
			return false, errRecordConflict
		}
		rec.Status = rollup.ProofRejected
		return true, nil
	})
	if errors.Is(err, errRecordConflict) {
		return nil
	} else if err != nil {
		return err
	}
	// Recycle immediately so the block can be re-requested.
	return p.Store.UpdateProof(n, func(rec *rollup.ProofRecord) (bool, error) {
		rec.Status = rollup.ProofPending
		rec.RequestedAt = 0
		return true, nil
	})
}
