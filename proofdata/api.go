package proofdata

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// BlockData is the executable payload handed to a prover: the RLP-encoded
// block plus the public inputs its proof must commit to.
type BlockData struct {
	BlockNumber   uint64
	BlockHash     common.Hash
	PreStateRoot  common.Hash
	PostStateRoot common.Hash
	Block         []byte
}

type blockDataJSON struct {
	BlockNumber   hexutil.Uint64 `json:"blockNumber"`
	BlockHash     common.Hash    `json:"blockHash"`
	PreStateRoot  common.Hash    `json:"preStateRoot"`
	PostStateRoot common.Hash    `json:"postStateRoot"`
	Block         hexutil.Bytes  `json:"block"`
}

func (d *BlockData) MarshalJSON() ([]byte, error) {
	return json.Marshal(&blockDataJSON{
		BlockNumber:   hexutil.Uint64(d.BlockNumber),
		BlockHash:     d.BlockHash,
		PreStateRoot:  d.PreStateRoot,
		PostStateRoot: d.PostStateRoot,
		Block:         d.Block,
	})
}

func (d *BlockData) UnmarshalJSON(data []byte) error {
	var j blockDataJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	d.BlockNumber = uint64(j.BlockNumber)
	d.BlockHash = j.BlockHash
	d.PreStateRoot = j.PreStateRoot
	d.PostStateRoot = j.PostStateRoot
	d.Block = j.Block
	return nil
}

// ProviderAPI exposes the proof protocol over JSON-RPC under the "proofdata"
// namespace.
type ProviderAPI struct {
	p *Provider
}

func NewProviderAPI(p *Provider) *ProviderAPI {
	return &ProviderAPI{p: p}
}

// GetNextBlock hands out the lowest unproven block, or null when nothing is
// pending.
func (a *ProviderAPI) GetNextBlock(ctx context.Context) (*BlockData, error) {
	return a.p.GetNextBlock(ctx)
}

// SubmitProof records a proof for the given block.
func (a *ProviderAPI) SubmitProof(ctx context.Context, number hexutil.Uint64, proof hexutil.Bytes) error {
	return a.p.SubmitProof(ctx, uint64(number), proof)
}

func APIs(p *Provider) []gethrpc.API {
	return []gethrpc.API{{
		Namespace: "proofdata",
		Service:   NewProviderAPI(p),
	}}
}
