// Package store is the single consistent home of all shared pipeline state:
// the L2 block history, proof records, the watcher cursor, the deposit
// uniqueness index and the sender's nonce/in-flight ledger. It is the only
// synchronization point between the concurrent operator loops.
//
// Writes are durable (pebble with sync WAL) so the process may be killed
// between any two operations without losing the cursor, nonce sequence or
// block history. Proof records are guarded by per-block-number locks, so
// appending a new block never blocks serving or mutating an older record.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum-optimism/optimism/op-service/locks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/rollup-labs/op-rollup/rollup"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrBlockGap is returned when an appended block does not extend the
	// current head by exactly one.
	ErrBlockGap = errors.New("block number gap")
	// ErrParentMismatch is returned when an appended block does not link to
	// the stored head hash.
	ErrParentMismatch = errors.New("parent hash mismatch")
	// ErrBadTransition is returned for a proof status move that the forward
	// only lifecycle does not allow.
	ErrBadTransition = errors.New("invalid proof status transition")
	// ErrNonceUninitialized is returned when a nonce is reserved before the
	// startup reconciliation has seeded the ledger.
	ErrNonceUninitialized = errors.New("nonce ledger not initialized")
)

type Store struct {
	log log.Logger
	db  *pebble.DB

	// appendMu serializes head extension. Everything else locks per record.
	appendMu sync.Mutex
	headNum  uint64
	headHash common.Hash
	hasHead  bool

	proofLocks locks.RWMap[uint64, *sync.Mutex]

	nonceMu sync.Mutex
}

// Open opens (or creates) the store at dir and loads the head cache.
func Open(lgr log.Logger, dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble store at %s: %w", dir, err)
	}
	s := &Store{log: lgr, db: db}
	if err := s.loadHead(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadHead() error {
	num, err := s.get(headKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	s.headNum = decodeU64(num)
	block, err := s.Block(s.headNum)
	if err != nil {
		return fmt.Errorf("loading head block %d: %w", s.headNum, err)
	}
	s.headHash = block.Hash()
	s.hasHead = true
	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	out := append([]byte{}, val...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) getRLP(key []byte, out any) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	return rlp.DecodeBytes(data, out)
}

func (s *Store) putRLP(key []byte, val any) error {
	data, err := rlp.EncodeToBytes(val)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

// HeadNumber returns the highest block number, and whether any block exists.
func (s *Store) HeadNumber() (uint64, bool) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return s.headNum, s.hasHead
}

// Block returns the block with the given number.
func (s *Store) Block(n uint64) (*rollup.Block, error) {
	data, err := s.get(blockKey(n))
	if err != nil {
		return nil, err
	}
	return rollup.DecodeBlock(data)
}

// PutBlock appends a block to the chain. It enforces the gapless numbering and
// parent linkage invariants, and in the same atomic batch creates the block's
// pending proof record, marks its deposits as minted and records its
// withdrawals. Blocks are immutable once written.
func (s *Store) PutBlock(b *rollup.Block) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if s.hasHead {
		if b.Number != s.headNum+1 {
			return fmt.Errorf("%w: appending %d on head %d", ErrBlockGap, b.Number, s.headNum)
		}
		if b.ParentHash != s.headHash {
			return fmt.Errorf("%w: block %d parent %s, head %s",
				ErrParentMismatch, b.Number, b.ParentHash.TerminalString(), s.headHash.TerminalString())
		}
	} else if b.Number != 1 {
		return fmt.Errorf("%w: first block must be 1, got %d", ErrBlockGap, b.Number)
	}

	blockData, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	record, err := rlp.EncodeToBytes(&rollup.ProofRecord{BlockNumber: b.Number, Status: rollup.ProofPending})
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(blockKey(b.Number), blockData, nil); err != nil {
		return err
	}
	if err := batch.Set(headKey, encodeU64(b.Number), nil); err != nil {
		return err
	}
	if err := batch.Set(proofKey(b.Number), record, nil); err != nil {
		return err
	}
	for _, tx := range b.Transactions {
		switch tx.Kind {
		case rollup.TxDeposit:
			if err := batch.Set(depositKey(tx.DepositID()), encodeU64(b.Number), nil); err != nil {
				return err
			}
		case rollup.TxWithdrawal:
			wd, err := rlp.EncodeToBytes(&rollup.Withdrawal{
				Sender:        tx.From,
				Amount:        tx.Value,
				L2BlockNumber: b.Number,
			})
			if err != nil {
				return err
			}
			if err := batch.Set(withdrawalKey(b.Number, tx.Hash()), wd, nil); err != nil {
				return err
			}
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	s.headNum = b.Number
	s.headHash = b.Hash()
	s.hasHead = true
	return nil
}

// PutReceipts stores the receipts of a produced block, including those of
// transactions that failed execution and were dropped from the block.
func (s *Store) PutReceipts(n uint64, receipts []*rollup.Receipt) error {
	return s.putRLP(u64Key(receiptPrefix, n), receipts)
}

// Receipts returns the receipts recorded for a block.
func (s *Store) Receipts(n uint64) ([]*rollup.Receipt, error) {
	var out []*rollup.Receipt
	if err := s.getRLP(u64Key(receiptPrefix, n), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SeenDeposit reports whether the deposit has already been minted in a block.
func (s *Store) SeenDeposit(id rollup.DepositID) (bool, error) {
	_, err := s.get(depositKey(id))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// WithdrawalsInBlock returns the withdrawals recorded for a block.
func (s *Store) WithdrawalsInBlock(n uint64) ([]*rollup.Withdrawal, error) {
	prefix := u64Key(wdPrefix, n)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*rollup.Withdrawal
	for iter.First(); iter.Valid(); iter.Next() {
		var wd rollup.Withdrawal
		if err := rlp.DecodeBytes(iter.Value(), &wd); err != nil {
			return nil, err
		}
		out = append(out, &wd)
	}
	return out, iter.Error()
}

// Cursor returns the persisted watcher cursor, if any.
func (s *Store) Cursor() (*rollup.WatcherCursor, bool, error) {
	var c rollup.WatcherCursor
	err := s.getRLP(cursorKey, &c)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// SetCursor durably advances the watcher cursor.
func (s *Store) SetCursor(c *rollup.WatcherCursor) error {
	return s.putRLP(cursorKey, c)
}

func (s *Store) proofLock(n uint64) *sync.Mutex {
	s.proofLocks.CreateIfMissing(n, func() *sync.Mutex { return new(sync.Mutex) })
	mu, _ := s.proofLocks.Get(n)
	return mu
}

// ProofRecord returns the proof record of the given block.
func (s *Store) ProofRecord(n uint64) (*rollup.ProofRecord, error) {
	mu := s.proofLock(n)
	mu.Lock()
	defer mu.Unlock()
	return s.readProof(n)
}

func (s *Store) readProof(n uint64) (*rollup.ProofRecord, error) {
	var rec rollup.ProofRecord
	if err := s.getRLP(proofKey(n), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateProof mutates the proof record of block n under its record lock. The
// callback returns whether it changed the record; a status change must be a
// legal forward transition or the whole update is rejected and nothing is
// persisted.
func (s *Store) UpdateProof(n uint64, fn func(rec *rollup.ProofRecord) (bool, error)) error {
	mu := s.proofLock(n)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.readProof(n)
	if err != nil {
		return err
	}
	prev := rec.Status
	changed, err := fn(rec)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if rec.Status != prev && !prev.CanTransition(rec.Status) {
		return fmt.Errorf("%w: block %d %s -> %s", ErrBadTransition, n, prev, rec.Status)
	}
	return s.putRLP(proofKey(n), rec)
}

// NextProofByStatus returns the lowest-numbered proof record with the given
// status, if one exists.
func (s *Store) NextProofByStatus(status rollup.ProofStatus) (*rollup.ProofRecord, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: proofPrefix,
		UpperBound: prefixUpperBound(proofPrefix),
	})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var rec rollup.ProofRecord
		if err := rlp.DecodeBytes(iter.Value(), &rec); err != nil {
			return nil, false, err
		}
		if rec.Status == status {
			return &rec, true, nil
		}
	}
	return nil, false, iter.Error()
}

// StaleRequests returns the block numbers of Requested records whose request
// is older than the cutoff, oldest first.
func (s *Store) StaleRequests(cutoff uint64) ([]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: proofPrefix,
		UpperBound: prefixUpperBound(proofPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		var rec rollup.ProofRecord
		if err := rlp.DecodeBytes(iter.Value(), &rec); err != nil {
			return nil, err
		}
		if rec.Status == rollup.ProofRequested && rec.RequestedAt < cutoff {
			out = append(out, rec.BlockNumber)
		}
	}
	return out, iter.Error()
}

// NextNonce returns the persisted next nonce, and whether the ledger has been
// initialized.
func (s *Store) NextNonce() (uint64, bool, error) {
	data, err := s.get(nonceKey)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	return decodeU64(data), true, nil
}

// SetNextNonce seeds the nonce ledger. Called once at startup after
// reconciling against the on-chain account nonce.
func (s *Store) SetNextNonce(n uint64) error {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	return s.db.Set(nonceKey, encodeU64(n), pebble.Sync)
}

// ReserveNonce durably claims the next nonce. The increment is persisted
// before the nonce is returned, so a crash between reservation and send can
// never lead to reuse.
func (s *Store) ReserveNonce() (uint64, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	data, err := s.get(nonceKey)
	if errors.Is(err, ErrNotFound) {
		return 0, ErrNonceUninitialized
	} else if err != nil {
		return 0, err
	}
	nonce := decodeU64(data)
	if err := s.db.Set(nonceKey, encodeU64(nonce+1), pebble.Sync); err != nil {
		return 0, err
	}
	return nonce, nil
}

// PutOutbound durably upserts an outbound L1 transaction record.
func (s *Store) PutOutbound(rec *rollup.OutboundTx) error {
	return s.putRLP(outboundKey(rec.Kind, rec.BlockNumber), rec)
}

// Outbound returns the outbound record of the given kind and block, if any.
func (s *Store) Outbound(kind rollup.OutboundKind, n uint64) (*rollup.OutboundTx, bool, error) {
	var rec rollup.OutboundTx
	err := s.getRLP(outboundKey(kind, n), &rec)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// HighestOutbound returns the highest block number with an outbound record of
// the given kind.
func (s *Store) HighestOutbound(kind rollup.OutboundKind) (uint64, bool, error) {
	prefix := outboundPrefix(kind)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, false, iter.Error()
	}
	var rec rollup.OutboundTx
	if err := rlp.DecodeBytes(iter.Value(), &rec); err != nil {
		return 0, false, err
	}
	return rec.BlockNumber, true, nil
}

// InFlightOutbound returns every outbound record that has been sent but has
// not reached a terminal state, across both kinds. Used by the startup nonce
// reconciliation.
func (s *Store) InFlightOutbound() ([]*rollup.OutboundTx, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: txPrefix,
		UpperBound: prefixUpperBound(txPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*rollup.OutboundTx
	for iter.First(); iter.Valid(); iter.Next() {
		var rec rollup.OutboundTx
		if err := rlp.DecodeBytes(iter.Value(), &rec); err != nil {
			return nil, err
		}
		if rec.Status == rollup.OutboundSent || rec.Status == rollup.OutboundStuck {
			cp := rec
			out = append(out, &cp)
		}
	}
	return out, iter.Error()
}
