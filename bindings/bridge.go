// Package bindings holds the hand-rolled ABI surface of the on-chain rollup
// contracts. Only the entry points and events the operator touches are bound;
// the full contract interfaces live with the contracts themselves.
package bindings

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// bridgeABIJSON covers the CommonBridge deposit event and the BlockExecutor
// commit/verify entry points called by the L1 tx sender.
const bridgeABIJSON = `[
	{"type":"event","name":"DepositInitiated","inputs":[
		{"name":"recipient","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"type":"function","name":"commitBlock","stateMutability":"nonpayable","inputs":[
		{"name":"blockNumber","type":"uint256"},
		{"name":"stateRoot","type":"bytes32"},
		{"name":"blockData","type":"bytes"}
	],"outputs":[]},
	{"type":"function","name":"verifyBlock","stateMutability":"nonpayable","inputs":[
		{"name":"blockNumber","type":"uint256"},
		{"name":"proof","type":"bytes"}
	],"outputs":[]}
]`

var (
	bridgeABIOnce sync.Once
	bridgeABI     abi.ABI
	bridgeABIErr  error
)

func BridgeABI() (*abi.ABI, error) {
	bridgeABIOnce.Do(func() {
		bridgeABI, bridgeABIErr = abi.JSON(strings.NewReader(bridgeABIJSON))
	})
	if bridgeABIErr != nil {
		return nil, bridgeABIErr
	}
	return &bridgeABI, nil
}

// DepositInitiatedID returns the topic hash of the DepositInitiated event.
func DepositInitiatedID() common.Hash {
	parsed, err := BridgeABI()
	if err != nil {
		panic(err) // static ABI, cannot fail
	}
	return parsed.Events["DepositInitiated"].ID
}

// DepositInitiated is a decoded bridge deposit event.
type DepositInitiated struct {
	Recipient common.Address
	Amount    *big.Int
	Raw       types.Log
}

// ParseDepositInitiated decodes a raw L1 log into a deposit event. The log is
// expected to originate from the bridge contract with the DepositInitiated
// topic; anything else is an error, not a skip.
func ParseDepositInitiated(l types.Log) (*DepositInitiated, error) {
	parsed, err := BridgeABI()
	if err != nil {
		return nil, err
	}
	if len(l.Topics) != 2 || l.Topics[0] != parsed.Events["DepositInitiated"].ID {
		return nil, fmt.Errorf("log %s:%d is not a DepositInitiated event", l.TxHash, l.Index)
	}
	values, err := parsed.Unpack("DepositInitiated", l.Data)
	if err != nil {
		return nil, fmt.Errorf("unpacking DepositInitiated data: %w", err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected DepositInitiated amount type %T", values[0])
	}
	return &DepositInitiated{
		Recipient: common.BytesToAddress(l.Topics[1].Bytes()),
		Amount:    amount,
		Raw:       l,
	}, nil
}

// PackCommitBlock encodes the calldata for BlockExecutor.commitBlock.
func PackCommitBlock(blockNumber uint64, stateRoot common.Hash, blockData []byte) ([]byte, error) {
	parsed, err := BridgeABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack("commitBlock", new(big.Int).SetUint64(blockNumber), stateRoot, blockData)
}

// PackVerifyBlock encodes the calldata for BlockExecutor.verifyBlock.
func PackVerifyBlock(blockNumber uint64, proof []byte) ([]byte, error) {
	parsed, err := BridgeABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack("verifyBlock", new(big.Int).SetUint64(blockNumber), proof)
}
