package rollup

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// ProofStatus is the lifecycle state of a block's proof record. The status
// only moves forward; a Rejected record is recycled to Pending so the block
// can be re-requested, it is never silently dropped.
type ProofStatus uint8

const (
	ProofPending ProofStatus = iota
	ProofRequested
	ProofReceived
	ProofVerified
	ProofRejected
)

func (s ProofStatus) String() string {
	switch s {
	case ProofPending:
		return "pending"
	case ProofRequested:
		return "requested"
	case ProofReceived:
		return "received"
	case ProofVerified:
		return "verified"
	case ProofRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// validProofTransitions enumerates the allowed forward moves, including the
// two recycle edges: a stalled request reverts to Pending, and a rejection is
// recorded and then recycled to Pending for another attempt.
var validProofTransitions = map[ProofStatus][]ProofStatus{
	ProofPending:   {ProofRequested},
	ProofRequested: {ProofReceived, ProofRejected, ProofPending},
	ProofReceived:  {ProofVerified},
	ProofRejected:  {ProofPending},
}

// CanTransition reports whether moving from s to next is a legal status move.
func (s ProofStatus) CanTransition(next ProofStatus) bool {
	for _, allowed := range validProofTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Terminal reports whether the record can no longer change.
func (s ProofStatus) Terminal() bool {
	return s == ProofVerified
}

// ProofRecord tracks the proving progress of a single block. One record is
// created per block at production time and mutated only through the store's
// guarded transition accessor.
type ProofRecord struct {
	BlockNumber uint64
	Status      ProofStatus
	Proof       []byte
	// RequestedAt is the unix time of the last transition to Requested,
	// used to recycle requests that a prover never completed.
	RequestedAt uint64
}

// Proof is the wire format of a submitted proof. The three roots are the
// proof's claimed public inputs; the provider checks them against the
// recorded block before accepting the proof. Data is the opaque zk proof
// blob, never interpreted by the pipeline.
type Proof struct {
	BlockHash     common.Hash
	PreStateRoot  common.Hash
	PostStateRoot common.Hash
	Data          []byte
}

func (p *Proof) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

func DecodeProof(data []byte) (*Proof, error) {
	var p Proof
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return nil, fmt.Errorf("rlp decoding proof: %w", err)
	}
	return &p, nil
}

// Matches reports whether two proofs agree on their public inputs. Disagreeing
// submissions for the same block are a protocol fault surfaced by the
// provider.
func (p *Proof) Matches(other *Proof) bool {
	return p.BlockHash == other.BlockHash &&
		p.PreStateRoot == other.PreStateRoot &&
		p.PostStateRoot == other.PostStateRoot &&
		bytes.Equal(p.Data, other.Data)
}
