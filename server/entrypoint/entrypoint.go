// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package entrypoint is a typed caller for the EntryPoint contract.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/chain"
)

// Contract calls the EntryPoint's read methods.
type Contract interface {
	Simulate(ctx context.Context, entryPoint common.Address, b *boop.Boop) (*Result, error)
	NonceValue(ctx context.Context, entryPoint common.Address, account common.Address, track boop.Track) (uint64, error)
}

// Result is the outcome of a speculative EntryPoint.submit call. Exactly one
// of Output and Reverted is set.
type Result struct {
	Output     *boop.SubmitOutput
	Reverted   bool
	RevertData []byte
}

// Caller implements Contract over a chain.Reader.
type Caller struct {
	reader chain.Reader
	from   common.Address
}

var _ Contract = (*Caller)(nil)

// New creates a Caller. Simulations are run as if sent by from, which should
// be an execution account.
func New(reader chain.Reader, from common.Address) *Caller {
	return &Caller{reader: reader, from: from}
}

// Simulate runs EntryPoint.submit as an eth_call against the latest state.
func (c *Caller) Simulate(ctx context.Context, entryPoint common.Address, b *boop.Boop) (*Result, error) {
	data, err := boop.PackSubmit(b)
	if err != nil {
		return nil, fmt.Errorf("error packing submit call: %w", err)
	}
	ep := entryPoint
	res, err := c.reader.CallContract(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &ep,
		Data: data,
	}, nil)
	if err != nil {
		if revertData, ok := chain.RevertData(err); ok {
			return &Result{Reverted: true, RevertData: revertData}, nil
		}
		if strings.Contains(err.Error(), "execution reverted") {
			return &Result{Reverted: true}, nil
		}
		return nil, err
	}
	out, err := boop.UnpackSubmit(res)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}

// NonceValue reads the next expected nonce value for the sequence.
func (c *Caller) NonceValue(ctx context.Context, entryPoint common.Address, account common.Address, track boop.Track) (uint64, error) {
	data, err := boop.PackNonceValues(account, track)
	if err != nil {
		return 0, err
	}
	ep := entryPoint
	res, err := c.reader.CallContract(ctx, ethereum.CallMsg{To: &ep, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("nonceValues(%s, %s) error: %w", account, track, err)
	}
	if len(res) == 0 {
		return 0, errors.New("empty nonceValues response. is the EntryPoint deployed?")
	}
	return boop.UnpackNonceValues(res)
}
