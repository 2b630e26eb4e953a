package txsender

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	// ChainID of the L1 chain transactions are signed for.
	ChainID *big.Int
	// BridgeAddr is the rollup bridge contract all transactions call.
	BridgeAddr common.Address
	// PrivateKey signs every outbound transaction. From is its address.
	PrivateKey *ecdsa.PrivateKey
	From       common.Address

	// NumConfirmations is how many L1 blocks must build on a receipt before
	// the transaction counts as confirmed.
	NumConfirmations uint64
	// ResubmissionTimeout is how long to wait for a receipt before bumping
	// fees and republishing with the same nonce.
	ResubmissionTimeout time.Duration
	// ReceiptQueryInterval is the receipt polling cadence.
	ReceiptQueryInterval time.Duration
	// MaxFeeBumps bounds republication attempts per logical transaction.
	MaxFeeBumps uint64
	// FeeLimitMultiplier caps bumped fees at this multiple of the fees a
	// fresh transaction would use right now.
	FeeLimitMultiplier uint64
	// SafeAbortNonceTooLowCount is how many consecutive nonce-too-low send
	// errors without a receipt are tolerated before aborting.
	SafeAbortNonceTooLowCount uint64

	// PollInterval is how often each queue looks for new work.
	PollInterval time.Duration
	// NetworkTimeout bounds individual L1 RPC calls.
	NetworkTimeout time.Duration
}

func (c *Config) Check() error {
	if c.ChainID == nil {
		return errors.New("chain id is required")
	}
	if c.BridgeAddr == (common.Address{}) {
		return errors.New("bridge address is required")
	}
	if c.PrivateKey == nil {
		return errors.New("private key is required")
	}
	if c.NumConfirmations == 0 {
		return errors.New("num confirmations must be at least 1")
	}
	if c.ResubmissionTimeout <= 0 {
		return errors.New("resubmission timeout must be positive")
	}
	if c.ReceiptQueryInterval <= 0 {
		return errors.New("receipt query interval must be positive")
	}
	if c.MaxFeeBumps == 0 {
		return errors.New("max fee bumps must be at least 1")
	}
	if c.FeeLimitMultiplier < 2 {
		return errors.New("fee limit multiplier must be at least 2")
	}
	if c.SafeAbortNonceTooLowCount == 0 {
		return errors.New("safe abort nonce too low count must be at least 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.NetworkTimeout <= 0 {
		return errors.New("network timeout must be positive")
	}
	return nil
}
