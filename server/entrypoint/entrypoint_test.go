// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package entrypoint

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/happychain/boopd/boop"
)

type tDataError struct {
	msg  string
	data any
}

func (e *tDataError) Error() string  { return e.msg }
func (e *tDataError) ErrorData() any { return e.data }

type tReader struct {
	res     []byte
	err     error
	lastMsg ethereum.CallMsg
}

func (r *tReader) ChainID() *big.Int { return big.NewInt(1) }

func (r *tReader) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (r *tReader) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, nil
}

func (r *tReader) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	r.lastMsg = msg
	return r.res, r.err
}

func (r *tReader) SuggestGasPrice(context.Context) (*big.Int, error) { return nil, nil }

func (r *tReader) SuggestGasTipCap(context.Context) (*big.Int, error) { return nil, nil }

func (r *tReader) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return nil, nil
}

func (r *tReader) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) { return 0, nil }

func (r *tReader) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, nil
}

var (
	tEntryPoint = common.HexToAddress("0x000000000000000000000000000000000000e7e7")
	tFrom       = common.HexToAddress("0x00000000000000000000000000000000000f00f0")
)

func tBoop() *boop.Boop {
	return &boop.Boop{
		Account:      common.HexToAddress("0x01"),
		Payer:        common.HexToAddress("0x01"),
		Value:        new(big.Int),
		MaxFeePerGas: new(big.Int),
		SubmitterFee: new(big.Int),
		NonceValue:   3,
	}
}

func TestSimulate(t *testing.T) {
	outputs := boop.EntryPointABI.Methods["submit"].Outputs
	ret, err := outputs.Pack(uint32(100_000), uint32(20_000), uint32(0), uint32(50_000), false, false, true,
		uint8(boop.CallSucceeded), []byte{})
	if err != nil {
		t.Fatalf("pack error: %v", err)
	}
	r := &tReader{res: ret}
	c := New(r, tFrom)
	res, err := c.Simulate(context.Background(), tEntryPoint, tBoop())
	if err != nil {
		t.Fatalf("Simulate error: %v", err)
	}
	if res.Reverted || res.Output.Gas != 100_000 || !res.Output.FutureNonceDuringSimulation {
		t.Fatalf("wrong result %+v", res.Output)
	}
	if r.lastMsg.From != tFrom || *r.lastMsg.To != tEntryPoint {
		t.Fatalf("wrong call message")
	}
	if !bytes.Equal(r.lastMsg.Data[:4], boop.EntryPointABI.Methods["submit"].ID) {
		t.Fatalf("wrong selector")
	}

	r.err = &tDataError{msg: "execution reverted", data: "0xdeadbeef"}
	res, err = c.Simulate(context.Background(), tEntryPoint, tBoop())
	if err != nil {
		t.Fatalf("revert should not be an error: %v", err)
	}
	if !res.Reverted || !bytes.Equal(res.RevertData, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("wrong revert result %+v", res)
	}

	r.err = errors.New("all RPC endpoints failed")
	if _, err = c.Simulate(context.Background(), tEntryPoint, tBoop()); err == nil {
		t.Fatalf("no error for network failure")
	}
}

func TestNonceValue(t *testing.T) {
	ret, err := boop.EntryPointABI.Methods["nonceValues"].Outputs.Pack(uint64(12))
	if err != nil {
		t.Fatalf("pack error: %v", err)
	}
	r := &tReader{res: ret}
	n, err := New(r, tFrom).NonceValue(context.Background(), tEntryPoint, common.HexToAddress("0x01"), boop.Track{})
	if err != nil {
		t.Fatalf("NonceValue error: %v", err)
	}
	if n != 12 {
		t.Fatalf("wrong nonce %d", n)
	}
	r.res = nil
	if _, err := New(r, tFrom).NonceValue(context.Background(), tEntryPoint, common.Address{}, boop.Track{}); err == nil {
		t.Fatalf("no error for empty response")
	}
}
