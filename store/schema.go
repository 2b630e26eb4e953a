package store

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rollup-labs/op-rollup/rollup"
)

// Key layout. Block and proof keys encode the block number big-endian so
// iteration order is block order.
var (
	headKey       = []byte("chain/head")
	blockPrefix   = []byte("chain/block/")
	proofPrefix   = []byte("proof/")
	cursorKey     = []byte("watcher/cursor")
	depositPrefix = []byte("deposit/")
	wdPrefix      = []byte("withdrawal/")
	receiptPrefix = []byte("chain/receipts/")
	nonceKey      = []byte("sender/nonce")
	txPrefix      = []byte("sender/tx/")
)

func u64Key(prefix []byte, n uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], n)
	return key
}

func blockKey(n uint64) []byte { return u64Key(blockPrefix, n) }
func proofKey(n uint64) []byte { return u64Key(proofPrefix, n) }

func depositKey(id rollup.DepositID) []byte {
	key := make([]byte, len(depositPrefix)+common.HashLength+8)
	copy(key, depositPrefix)
	copy(key[len(depositPrefix):], id.L1TxHash[:])
	binary.BigEndian.PutUint64(key[len(depositPrefix)+common.HashLength:], id.L1LogIndex)
	return key
}

func withdrawalKey(blockNumber uint64, txHash common.Hash) []byte {
	key := u64Key(wdPrefix, blockNumber)
	return append(key, txHash[:]...)
}

func outboundKey(kind rollup.OutboundKind, blockNumber uint64) []byte {
	prefix := append(append([]byte{}, txPrefix...), byte(kind))
	return u64Key(prefix, blockNumber)
}

func outboundPrefix(kind rollup.OutboundKind) []byte {
	return append(append([]byte{}, txPrefix...), byte(kind))
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as a pebble iterator upper bound.
func prefixUpperBound(prefix []byte) []byte {
	bound := append([]byte{}, prefix...)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil // prefix is all 0xff, iterate to the end
}

func encodeU64(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}

func decodeU64(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}
