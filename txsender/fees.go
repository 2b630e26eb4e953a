package txsender

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// priceBumpPercent is the minimum fee increase L1 nodes require before they
// replace a pending transaction with the same nonce.
const priceBumpPercent = 10

var (
	oneHundred = big.NewInt(100)
	priceBump  = big.NewInt(100 + priceBumpPercent)

	// ErrFeeLimit is returned when bumping would exceed the configured
	// multiple of current market fees.
	ErrFeeLimit = errors.New("fee bump exceeds fee limit")
)

// suggestFees returns a gas tip cap and fee cap for a fresh transaction:
// the node's suggested tip, and twice the current base fee plus that tip so
// the transaction survives base fee growth while pending.
func (s *Sender) suggestFees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	tip, err = s.L1.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggesting gas tip cap: %w", err)
	}
	head, err := s.L1.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching L1 head: %w", err)
	}
	if head.BaseFee == nil {
		return nil, nil, errors.New("L1 chain does not have EIP-1559 base fees")
	}
	return tip, calcFeeCap(head.BaseFee, tip), nil
}

func calcFeeCap(baseFee, tip *big.Int) *big.Int {
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tip)
}

// bumpFees raises the previous fees by the replacement threshold, taking the
// current market suggestion when it is higher. The result is capped at
// FeeLimitMultiplier times current market fees.
func (s *Sender) bumpFees(ctx context.Context, prevTip, prevFeeCap *big.Int) (tip, feeCap *big.Int, err error) {
	marketTip, marketFeeCap, err := s.suggestFees(ctx)
	if err != nil {
		return nil, nil, err
	}

	tip = bumped(prevTip)
	if marketTip.Cmp(tip) > 0 {
		tip = marketTip
	}
	feeCap = bumped(prevFeeCap)
	if marketFeeCap.Cmp(feeCap) > 0 {
		feeCap = marketFeeCap
	}

	limitMul := new(big.Int).SetUint64(s.Cfg.FeeLimitMultiplier)
	tipLimit := new(big.Int).Mul(marketTip, limitMul)
	feeCapLimit := new(big.Int).Mul(marketFeeCap, limitMul)
	if tip.Cmp(tipLimit) > 0 || feeCap.Cmp(feeCapLimit) > 0 {
		return nil, nil, fmt.Errorf("%w: tip %s, fee cap %s", ErrFeeLimit, tip, feeCap)
	}
	return tip, feeCap, nil
}

func bumped(prev *big.Int) *big.Int {
	v := new(big.Int).Mul(prev, priceBump)
	v.Div(v, oneHundred)
	// Integer division alone cannot bump sub-10-wei values.
	if v.Cmp(prev) <= 0 {
		v.Add(prev, big.NewInt(1))
	}
	return v
}
