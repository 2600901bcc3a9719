// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package boop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Receipt is the canonical record of an included boop.
type Receipt struct {
	BoopHash    common.Hash    `json:"boopHash"`
	Status      Status         `json:"status"`
	Description string         `json:"description"`
	EntryPoint  common.Address `json:"entryPoint"`
	Boop        *Boop          `json:"boop"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
	GasCost     *hexutil.Big   `json:"gasCost"`
	Logs        []*types.Log   `json:"logs"`
	RevertData  hexutil.Bytes  `json:"revertData"`
	TxReceipt   *types.Receipt `json:"evmTxReceipt"`
}

// TxHash is the hash of the EVM transaction that included the boop.
func (r *Receipt) TxHash() common.Hash {
	if r.TxReceipt == nil {
		return common.Hash{}
	}
	return r.TxReceipt.TxHash
}

// Cost is the gas cost as an integer.
func (r *Receipt) Cost() *big.Int {
	if r.GasCost == nil {
		return new(big.Int)
	}
	return r.GasCost.ToInt()
}

// PendingInfo describes a boop that is waiting on a lower nonce.
type PendingInfo struct {
	BoopHash   common.Hash    `json:"boopHash"`
	EntryPoint common.Address `json:"entryPoint"`
	NonceTrack Track          `json:"nonceTrack"`
	NonceValue uint64         `json:"nonceValue"`
	Submitted  bool           `json:"submitted"`
}
