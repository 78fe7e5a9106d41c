package rpcclient

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block is the subset of eth_getBlockByNumber(..., true) this program reads:
// the number, identity and the full transaction bodies.
type Block struct {
	Number       hexutil.Uint64   `json:"number"`
	Hash         common.Hash      `json:"hash"`
	Timestamp    hexutil.Uint64   `json:"timestamp"`
	Transactions []RawTransaction `json:"transactions"`
}

// RawTransaction is a native-token transfer as the node reports it.
// To is nil for contract creations, BlockNumber is nil while the
// transaction is still pending.
type RawTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
}

// ValueWei returns the transfer value in wei, never nil.
func (tx *RawTransaction) ValueWei() *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return tx.Value.ToInt()
}
