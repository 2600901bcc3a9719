// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package receipt

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/happychain/boopd/boop"
)

// logRange locates the logs emitted while executing the target boop. The
// range begins after a BoopExecutionStarted log and ends before the
// BoopSubmitted log whose boop hashes to boopHash. Both markers must come
// from the entry point. The decoded boop is returned with the range.
func logRange(logs []*types.Log, entryPoint common.Address, boopHash common.Hash,
	chainID *big.Int) ([]*types.Log, *boop.Boop, bool) {

	start := -1
	for i, l := range logs {
		if l.Address != entryPoint || len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case boop.TopicExecutionStarted:
			start = i
		case boop.TopicBoopSubmitted:
			if start < 0 {
				continue
			}
			b, err := boop.DecodeSubmittedLog(l)
			if err == nil && boop.Hash(b, chainID) == boopHash {
				return logs[start+1 : i], b, true
			}
			// Another boop in the same transaction, or garbage.
			start = -1
		}
	}
	return nil, nil, false
}

// outcome is the status carried by the entry point's failure events within
// a boop's log range.
func outcome(logs []*types.Log, entryPoint common.Address) (boop.Status, []byte, error) {
	for _, l := range logs {
		if l.Address != entryPoint || len(l.Topics) == 0 {
			continue
		}
		var status boop.Status
		switch l.Topics[0] {
		case boop.TopicCallReverted:
			status = boop.CallReverted
		case boop.TopicExecutionRejected:
			status = boop.ExecuteRejected
		case boop.TopicExecutionReverted:
			status = boop.ExecuteReverted
		default:
			continue
		}
		data, err := boop.UnpackBytesEvent(l)
		if err != nil {
			return boop.UnexpectedReverted, nil, err
		}
		return status, data, nil
	}
	return boop.Success, nil, nil
}

// Derive builds the boop receipt from an EVM transaction receipt. If no
// marker pair for the boop is found, the receipt has no logs, its status is
// boop.UnknownState and matched is false.
func Derive(txr *types.Receipt, entryPoint common.Address, boopHash common.Hash,
	b *boop.Boop, chainID *big.Int) (r *boop.Receipt, matched bool) {

	r = &boop.Receipt{
		BoopHash:   boopHash,
		EntryPoint: entryPoint,
		Boop:       b,
		GasUsed:    hexutil.Uint64(txr.GasUsed),
		GasCost:    (*hexutil.Big)(gasCost(txr)),
		Logs:       []*types.Log{},
		RevertData: hexutil.Bytes{},
		TxReceipt:  txr,
	}

	if txr.Status != types.ReceiptStatusSuccessful {
		r.Status = boop.UnexpectedReverted
		r.Description = fmt.Sprintf("transaction %s reverted", txr.TxHash)
		return r, true
	}

	logs, logBoop, found := logRange(txr.Logs, entryPoint, boopHash, chainID)
	if !found {
		r.Status = boop.UnknownState
		r.Description = fmt.Sprintf("transaction %s succeeded without a matching BoopSubmitted log. "+
			"the boop outcome is unknown", txr.TxHash)
		return r, false
	}
	if r.Boop == nil {
		r.Boop = logBoop
	}
	r.Logs = logs

	status, revertData, err := outcome(logs, entryPoint)
	r.Status = status
	switch {
	case err != nil:
		r.Description = fmt.Sprintf("undecodable failure event: %v", err)
	case status == boop.Success:
		r.Description = "boop executed"
	default:
		r.RevertData = revertData
		r.Description = boop.DecodeRevert(revertData)
	}
	return r, true
}

func gasCost(txr *types.Receipt) *big.Int {
	cost := new(big.Int).SetUint64(txr.GasUsed)
	if txr.EffectiveGasPrice == nil {
		return cost.SetUint64(0)
	}
	return cost.Mul(cost, txr.EffectiveGasPrice)
}
