package rollup

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// TxKind discriminates the three L2 transaction flavors the operator handles.
type TxKind uint8

const (
	// TxDeposit mints funds on L2 in response to a bridge deposit on L1.
	TxDeposit TxKind = iota
	// TxWithdrawal burns funds on L2, recorded for a later L1 unlock.
	TxWithdrawal
	// TxTransfer is a regular L2 value transfer.
	TxTransfer
)

func (k TxKind) String() string {
	switch k {
	case TxDeposit:
		return "deposit"
	case TxWithdrawal:
		return "withdrawal"
	case TxTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Transaction is an L2 transaction as sequenced into a block. Deposit
// transactions are synthetic: they are derived from L1 bridge events by the
// watcher and carry their L1 provenance so the (L1TxHash, L1LogIndex) pair
// can act as the mint uniqueness key.
type Transaction struct {
	Kind  TxKind
	From  common.Address // zero address for deposits
	To    common.Address
	Value *big.Int
	Nonce uint64

	// L1 provenance, only set for deposits.
	L1TxHash      common.Hash
	L1LogIndex    uint64
	L1BlockNumber uint64
}

// Hash returns the keccak256 hash of the RLP encoded transaction.
func (tx *Transaction) Hash() common.Hash {
	data, err := rlp.EncodeToBytes(tx)
	if err != nil {
		// All transaction fields are RLP encodable, so this is unreachable
		// for transactions constructed through the exported constructors.
		panic(fmt.Errorf("rlp encoding transaction: %w", err))
	}
	return crypto.Keccak256Hash(data)
}

// DepositID is the uniqueness key of a deposit across all restarts.
type DepositID struct {
	L1TxHash   common.Hash
	L1LogIndex uint64
}

func (id DepositID) String() string {
	return fmt.Sprintf("%s:%d", id.L1TxHash.TerminalString(), id.L1LogIndex)
}

// NewDepositTx builds the synthetic mint transaction for a confirmed L1
// deposit event.
func NewDepositTx(recipient common.Address, amount *big.Int, l1Tx common.Hash, logIndex, l1Block uint64) *Transaction {
	return &Transaction{
		Kind:          TxDeposit,
		To:            recipient,
		Value:         new(big.Int).Set(amount),
		L1TxHash:      l1Tx,
		L1LogIndex:    logIndex,
		L1BlockNumber: l1Block,
	}
}

// DepositID returns the uniqueness key for deposit transactions. It must only
// be called on transactions of kind TxDeposit.
func (tx *Transaction) DepositID() DepositID {
	return DepositID{L1TxHash: tx.L1TxHash, L1LogIndex: tx.L1LogIndex}
}

// Block is an immutable L2 block. Blocks are identified by (Number, Hash) and
// their numbers form a gapless increasing sequence above the genesis block.
type Block struct {
	Number       uint64
	ParentHash   common.Hash
	StateRoot    common.Hash
	Time         uint64
	Transactions []*Transaction
}

// Hash returns the keccak256 hash of the RLP encoded block.
func (b *Block) Hash() common.Hash {
	data, err := b.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("rlp encoding block: %w", err))
	}
	return crypto.Keccak256Hash(data)
}

func (b *Block) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("rlp decoding block: %w", err)
	}
	return &b, nil
}

// Receipt records the outcome of a sequenced transaction. Transactions that
// fail execution are dropped from the block but still reported through a
// receipt so the submitter can observe the failure.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
	Reason      string // empty on success
}

// Withdrawal is the durable record of an L2 burn, kept for the future L1
// unlock flow.
type Withdrawal struct {
	Sender        common.Address
	Amount        *big.Int
	L2BlockNumber uint64
}
