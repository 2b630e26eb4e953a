package rollup

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// WatcherCursor is the watcher's durable resume point. It has a single writer
// (the L1 watcher) and is read once on startup. LastHash is the L1 block hash
// observed at LastProcessed, kept so a reorg below the confirmation depth can
// be detected on the next scan.
type WatcherCursor struct {
	LastProcessed uint64
	LastHash      common.Hash
}

// OutboundKind distinguishes the two L1 transaction streams the sender owns.
type OutboundKind uint8

const (
	CommitTx OutboundKind = iota
	VerifyTx
)

func (k OutboundKind) String() string {
	switch k {
	case CommitTx:
		return "commit"
	case VerifyTx:
		return "verify"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// OutboundStatus is the send state of a single logical L1 transaction.
//
//	Built -> Sent -> Confirmed
//	              -> Stuck -> Sent (fee bump, same nonce)
//	              -> Failed (terminal, fatal for the pipeline)
type OutboundStatus uint8

const (
	OutboundBuilt OutboundStatus = iota
	OutboundSent
	OutboundConfirmed
	OutboundStuck
	OutboundFailed
)

func (s OutboundStatus) String() string {
	switch s {
	case OutboundBuilt:
		return "built"
	case OutboundSent:
		return "sent"
	case OutboundConfirmed:
		return "confirmed"
	case OutboundStuck:
		return "stuck"
	case OutboundFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether the transaction can no longer change state.
func (s OutboundStatus) Terminal() bool {
	return s == OutboundConfirmed || s == OutboundFailed
}

// OutboundTx is the durable record of one logical L1 transaction (commit or
// verify of a single block). A fee bump re-signs the same nonce, so one record
// covers every publication attempt of the transaction.
type OutboundTx struct {
	Kind        OutboundKind
	BlockNumber uint64
	Nonce       uint64
	GasTipCap   *big.Int
	GasFeeCap   *big.Int
	TxHash      common.Hash
	Status      OutboundStatus
	Attempts    uint64
}
