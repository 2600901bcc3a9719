// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dbtest is a conformance suite run against every db.Store driver.
package dbtest

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/db"
)

// Boop is a populated sponsored boop.
func Boop(nonce uint64) *boop.Boop {
	return &boop.Boop{
		Account:                 common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Dest:                    common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Payer:                   common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Value:                   big.NewInt(0),
		NonceTrack:              boop.Track{23: 1},
		NonceValue:              nonce,
		MaxFeePerGas:            big.NewInt(0),
		SubmitterFee:            big.NewInt(0),
		GasLimit:                100_000,
		ValidateGasLimit:        20_000,
		ValidatePaymentGasLimit: 20_000,
		ExecuteGasLimit:         50_000,
		CallData:                []byte{0x01, 0x02},
		ValidatorData:           []byte{0x03},
		ExtraData:               []byte{},
	}
}

// Receipt is a receipt for b with an EVM transaction receipt attached.
func Receipt(b *boop.Boop, status boop.Status) *boop.Receipt {
	hash := boop.Hash(b, big.NewInt(1337))
	txHash := common.HexToHash("0xaaaa")
	log := &types.Log{
		Address: common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Topics:  []common.Hash{boop.TopicBoopSubmitted},
		Data:    []byte{0x05},
		TxHash:  txHash,
	}
	return &boop.Receipt{
		BoopHash:   hash,
		Status:     status,
		EntryPoint: log.Address,
		Boop:       b,
		GasUsed:    hexutil.Uint64(70_000),
		GasCost:    (*hexutil.Big)(big.NewInt(70_000 * 1e9)),
		Logs:       []*types.Log{log},
		RevertData: hexutil.Bytes{},
		TxReceipt: &types.Receipt{
			Status:            types.ReceiptStatusSuccessful,
			CumulativeGasUsed: 90_000,
			Logs:              []*types.Log{log},
			TxHash:            txHash,
			GasUsed:           90_000,
			EffectiveGasPrice: big.NewInt(1e9),
			BlockNumber:       big.NewInt(10),
		},
	}
}

func mustEncode(t *testing.T, r *boop.Receipt) []byte {
	t.Helper()
	b, err := db.EncodeReceipt(r)
	if err != nil {
		t.Fatalf("EncodeReceipt error: %v", err)
	}
	return b
}

// TestStore runs the suite against an empty store.
func TestStore(t *testing.T, s db.Store) {
	ctx := context.Background()
	b := Boop(5)
	r := Receipt(b, boop.Success)

	if _, err := s.FindReceipt(ctx, r.BoopHash); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing receipt, got %v", err)
	}
	if _, err := s.FindBoop(ctx, r.BoopHash); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing boop, got %v", err)
	}

	if err := s.SaveBoop(ctx, r.BoopHash, b); err != nil {
		t.Fatalf("SaveBoop error: %v", err)
	}
	foundBoop, err := s.FindBoop(ctx, r.BoopHash)
	if err != nil {
		t.Fatalf("FindBoop error: %v", err)
	}
	if !bytes.Equal(boop.Encode(foundBoop), boop.Encode(b)) {
		t.Fatalf("stored boop changed")
	}
	// Boop writes overwrite.
	if err := s.SaveBoop(ctx, r.BoopHash, b); err != nil {
		t.Fatalf("repeated SaveBoop error: %v", err)
	}

	if err := s.SaveReceipt(ctx, r); err != nil {
		t.Fatalf("SaveReceipt error: %v", err)
	}
	found, err := s.FindReceipt(ctx, r.BoopHash)
	if err != nil {
		t.Fatalf("FindReceipt error: %v", err)
	}
	if !bytes.Equal(mustEncode(t, found), mustEncode(t, r)) {
		t.Fatalf("stored receipt changed:\n%s\n%s", mustEncode(t, found), mustEncode(t, r))
	}
	if found.TxHash() != r.TxHash() {
		t.Fatalf("wrong tx hash %s", found.TxHash())
	}

	// An identical receipt is accepted again.
	if err := s.SaveReceipt(ctx, r); err != nil {
		t.Fatalf("identical SaveReceipt error: %v", err)
	}

	// A different receipt for the same boop is a conflict and the original
	// survives.
	r2 := Receipt(b, boop.CallReverted)
	if err := s.SaveReceipt(ctx, r2); !errors.Is(err, db.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	found, err = s.FindReceipt(ctx, r.BoopHash)
	if err != nil {
		t.Fatalf("FindReceipt error: %v", err)
	}
	if found.Status != boop.Success {
		t.Fatalf("receipt was overwritten, status %s", found.Status)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}
