package bindings

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestParseDepositInitiated(t *testing.T) {
	recipient := common.Address{0xaa}
	l := types.Log{
		Topics: []common.Hash{
			DepositInitiatedID(),
			common.BytesToHash(recipient.Bytes()),
		},
		Data:        common.BigToHash(big.NewInt(12345)).Bytes(),
		TxHash:      common.Hash{0x01},
		BlockNumber: 42,
		Index:       3,
	}

	ev, err := ParseDepositInitiated(l)
	require.NoError(t, err)
	require.Equal(t, recipient, ev.Recipient)
	require.EqualValues(t, 12345, ev.Amount.Int64())
	require.Equal(t, uint64(42), ev.Raw.BlockNumber)
}

func TestParseDepositInitiatedRejectsForeignLog(t *testing.T) {
	_, err := ParseDepositInitiated(types.Log{
		Topics: []common.Hash{common.BytesToHash([]byte("some other event"))},
	})
	require.Error(t, err)
}

func TestPackCalldata(t *testing.T) {
	parsed, err := BridgeABI()
	require.NoError(t, err)

	commit, err := PackCommitBlock(7, common.Hash{0x07}, []byte("block-rlp"))
	require.NoError(t, err)
	require.Equal(t, parsed.Methods["commitBlock"].ID, commit[:4])

	args, err := parsed.Methods["commitBlock"].Inputs.Unpack(commit[4:])
	require.NoError(t, err)
	require.EqualValues(t, 7, args[0].(*big.Int).Int64())
	require.Equal(t, [32]byte(common.Hash{0x07}), args[1].([32]byte))
	require.Equal(t, []byte("block-rlp"), args[2].([]byte))

	verify, err := PackVerifyBlock(7, []byte("proof"))
	require.NoError(t, err)
	require.Equal(t, parsed.Methods["verifyBlock"].ID, verify[:4])
}
