// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db defines the durable store for boops and their receipts, and a
// registry of storage drivers.
package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/sub"
)

const (
	// ErrNotFound is returned by the Find methods when there is no record.
	ErrNotFound = sub.ErrorKind("not found")
	// ErrConflict is returned when saving a receipt that differs from the
	// stored receipt for the same boop.
	ErrConflict = sub.ErrorKind("conflicting record")
)

// Store is the durable store. Writes may be repeated. Saving an identical
// receipt again is a no-op.
type Store interface {
	FindReceipt(ctx context.Context, boopHash common.Hash) (*boop.Receipt, error)
	SaveReceipt(ctx context.Context, r *boop.Receipt) error
	FindBoop(ctx context.Context, boopHash common.Hash) (*boop.Boop, error)
	SaveBoop(ctx context.Context, boopHash common.Hash, b *boop.Boop) error
	Close() error
}

// EncodeReceipt is the stored form of a receipt.
func EncodeReceipt(r *boop.Receipt) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("error encoding receipt %s: %w", r.BoopHash, err)
	}
	return b, nil
}

// DecodeReceipt decodes a stored receipt.
func DecodeReceipt(b []byte) (*boop.Receipt, error) {
	r := new(boop.Receipt)
	if err := json.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("error decoding receipt: %w", err)
	}
	return r, nil
}

// EncodeBoop is the stored form of a boop.
func EncodeBoop(b *boop.Boop) []byte {
	return boop.Encode(b)
}

// DecodeBoop decodes a stored boop.
func DecodeBoop(b []byte) (*boop.Boop, error) {
	return boop.Decode(b)
}

// CheckDuplicate resolves a receipt write when one is already stored. It is
// nil if the stored receipt is identical.
func CheckDuplicate(boopHash common.Hash, stored, incoming []byte) error {
	if string(stored) == string(incoming) {
		return nil
	}
	return sub.NewError(ErrConflict, "receipt for boop %s already stored", boopHash)
}
