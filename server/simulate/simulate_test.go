// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package simulate

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/entrypoint"
)

var (
	tLogger     = slog.NewBackend(os.Stdout).Logger("TEST")
	tChainID    = big.NewInt(216)
	tEntryPoint = common.HexToAddress("0xe7e7")
	tAccount    = common.HexToAddress("0xacc7")
	tPaymaster  = common.HexToAddress("0x9a9a")
)

type tContract struct {
	res   *entrypoint.Result
	err   error
	calls atomic.Int32
}

func (c *tContract) Simulate(context.Context, common.Address, *boop.Boop) (*entrypoint.Result, error) {
	c.calls.Add(1)
	return c.res, c.err
}

func (c *tContract) NonceValue(context.Context, common.Address, common.Address, boop.Track) (uint64, error) {
	c.calls.Add(1)
	return 0, nil
}

type tChain struct {
	gasPrice *big.Int
	balance  *big.Int
	err      error
	calls    atomic.Int32
}

func (c *tChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.calls.Add(1)
	return c.gasPrice, c.err
}

func (c *tChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	c.calls.Add(1)
	return c.balance, nil
}

func successResult(futureNonce bool) *entrypoint.Result {
	return &entrypoint.Result{Output: &boop.SubmitOutput{
		Gas:                         100_000,
		ValidateGas:                 20_000,
		ValidatePaymentGas:          15_000,
		ExecuteGas:                  50_000,
		FutureNonceDuringSimulation: futureNonce,
		CallStatus:                  uint8(boop.CallSucceeded),
	}}
}

func newTestEngine(t *testing.T, c *tContract, ch *tChain, onMisbehavior func(*boop.Boop, *Output)) *Engine {
	t.Helper()
	e, err := NewEngine(&Config{
		Contract: c,
		Chain:    ch,
		ChainID:  tChainID,
		Policy: &Policy{
			GasMarginPct:     10,
			FeeMarginPct:     50,
			BaseSubmitterFee: 7,
		},
		OnMisbehavior: onMisbehavior,
		Log:           tLogger,
	})
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	return e
}

func sponsoredBoop() *boop.Boop {
	return &boop.Boop{
		Account:      tAccount,
		Payer:        tPaymaster,
		Value:        new(big.Int),
		MaxFeePerGas: new(big.Int),
		SubmitterFee: new(big.Int),
		NonceValue:   1,
	}
}

func selfPayingBoop() *boop.Boop {
	return &boop.Boop{
		Account:                 tAccount,
		Payer:                   tAccount,
		Value:                   new(big.Int),
		MaxFeePerGas:            big.NewInt(2e9),
		SubmitterFee:            big.NewInt(100),
		GasLimit:                200_000,
		ValidateGasLimit:        30_000,
		ValidatePaymentGasLimit: 30_000,
		ExecuteGasLimit:         100_000,
	}
}

func TestInvalidValuesWithoutNetwork(t *testing.T) {
	c := &tContract{res: successResult(false)}
	ch := &tChain{gasPrice: big.NewInt(1e9), balance: big.NewInt(1e18)}
	e := newTestEngine(t, c, ch, nil)
	b := selfPayingBoop()
	b.GasLimit = 0
	out, err := e.Simulate(context.Background(), &Input{EntryPoint: tEntryPoint, Boop: b, ForSubmit: true})
	if err != nil {
		t.Fatalf("Simulate error: %v", err)
	}
	if out.Status != boop.InvalidValues {
		t.Fatalf("expected InvalidValues, got %s", out.Status)
	}
	if c.calls.Load() != 0 || ch.calls.Load() != 0 {
		t.Fatalf("network accessed for invalid values")
	}
	if boop.StatusOf(out.Err()) != boop.InvalidValues {
		t.Fatalf("wrong Err status")
	}
}

func TestCheckGasValues(t *testing.T) {
	for _, tt := range []struct {
		name      string
		mod       func(*boop.Boop)
		forSubmit bool
		ok        bool
	}{
		{"valid", func(*boop.Boop) {}, true, true},
		{"missing ok for simulate", func(b *boop.Boop) { b.ExecuteGasLimit = 0 }, false, true},
		{"missing for submit", func(b *boop.Boop) { b.ExecuteGasLimit = 0 }, true, false},
		{"over max", func(b *boop.Boop) { b.GasLimit = MaxGasLimit + 1 }, false, false},
		{"validate below min", func(b *boop.Boop) { b.ValidateGasLimit = MinValidateGasLimit - 1 }, false, false},
		{"payment below min", func(b *boop.Boop) { b.ValidatePaymentGasLimit = 1 }, false, false},
		{"execute below min", func(b *boop.Boop) { b.ExecuteGasLimit = 100 }, false, false},
		{"inner exceeds total", func(b *boop.Boop) { b.GasLimit = 160_000 + GasOverhead - 1 }, true, false},
		{"inner at total", func(b *boop.Boop) { b.GasLimit = 160_000 + GasOverhead }, true, true},
		{"sponsored unchecked", func(b *boop.Boop) { b.Payer = tPaymaster; b.GasLimit = 1 }, true, true},
	} {
		b := selfPayingBoop()
		tt.mod(b)
		err := CheckGasValues(b, tt.forSubmit)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: wanted ok = %t, got %v", tt.name, tt.ok, err)
		}
		if err != nil && boop.StatusOf(err) != boop.InvalidValues {
			t.Fatalf("%s: wrong status %s", tt.name, boop.StatusOf(err))
		}
	}
}

func TestSimulateSponsored(t *testing.T) {
	c := &tContract{res: successResult(true)}
	ch := &tChain{gasPrice: big.NewInt(1e9)}
	e := newTestEngine(t, c, ch, nil)
	b := sponsoredBoop()
	out, err := e.Simulate(context.Background(), &Input{EntryPoint: tEntryPoint, Boop: b, ForSubmit: true})
	if err != nil {
		t.Fatalf("Simulate error: %v", err)
	}
	if out.Status != boop.Success || out.Err() != nil {
		t.Fatalf("expected success, got %s: %s", out.Status, out.Description)
	}
	if out.GasLimit != 110_000 || out.ValidateGasLimit != 22_000 || out.ValidatePaymentGasLimit != 16_500 ||
		out.ExecuteGasLimit != 55_000 {
		t.Fatalf("wrong gas limits %+v", out)
	}
	if out.MaxFeePerGas.Cmp(big.NewInt(15e8)) != 0 {
		t.Fatalf("wrong max fee %s", out.MaxFeePerGas)
	}
	if out.SubmitterFee.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("wrong submitter fee %s", out.SubmitterFee)
	}
	if !out.FutureNonceDuringSimulation || out.FeeTooLowDuringSimulation {
		t.Fatalf("wrong flags")
	}
	// No balance check for sponsored boops.
	if ch.calls.Load() != 1 {
		t.Fatalf("expected only the gas price read, got %d chain calls", ch.calls.Load())
	}
	cached, found := e.Cache().Get(tEntryPoint, boop.Hash(b, tChainID))
	if !found || cached != out {
		t.Fatalf("result not cached")
	}
	// The input boop is untouched.
	if b.GasLimit != 0 || b.MaxFeePerGas.Sign() != 0 {
		t.Fatalf("input boop modified")
	}
}

func TestSimulateSelfPaying(t *testing.T) {
	c := &tContract{res: successResult(false)}
	ch := &tChain{gasPrice: big.NewInt(3e9), balance: big.NewInt(1e18)}
	e := newTestEngine(t, c, ch, nil)
	out, err := e.Simulate(context.Background(), &Input{EntryPoint: tEntryPoint, Boop: selfPayingBoop(), ForSubmit: true})
	if err != nil {
		t.Fatalf("Simulate error: %v", err)
	}
	if out.Status != boop.Success {
		t.Fatalf("expected success, got %s", out.Status)
	}
	if out.GasLimit != 200_000 || out.MaxFeePerGas.Cmp(big.NewInt(2e9)) != 0 || out.SubmitterFee.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("boop-specified values not kept")
	}
	if !out.FeeTooLowDuringSimulation {
		t.Fatalf("fee too low not flagged")
	}

	// Balance below 200k gas * 2 gwei + 100.
	ch.balance = big.NewInt(4e14)
	out, _ = e.Simulate(context.Background(), &Input{EntryPoint: tEntryPoint, Boop: selfPayingBoop()})
	if out.Status != boop.PayoutFailed {
		t.Fatalf("expected PayoutFailed, got %s", out.Status)
	}
}

func TestSimulateFailures(t *testing.T) {
	rejected := boop.EntryPointABI.Errors["ValidationRejected"]
	revertData, err := rejected.Inputs.Pack([]byte("bad signature"))
	if err != nil {
		t.Fatalf("pack error: %v", err)
	}
	revertData = append(append([]byte{}, rejected.ID[:4]...), revertData...)

	callReverted := successResult(false)
	callReverted.Output.CallStatus = uint8(boop.CallCallReverted)

	for _, tt := range []struct {
		name       string
		res        *entrypoint.Result
		status     boop.Status
		misbehaved bool
	}{
		{"validation rejected", &entrypoint.Result{Reverted: true, RevertData: revertData}, boop.ValidationRejected, true},
		{"unknown revert", &entrypoint.Result{Reverted: true, RevertData: []byte{1, 2, 3, 4}}, boop.UnexpectedReverted, true},
		{"call reverted", callReverted, boop.CallReverted, true},
	} {
		var misbehaved bool
		e := newTestEngine(t, &tContract{res: tt.res}, &tChain{gasPrice: big.NewInt(1)},
			func(*boop.Boop, *Output) { misbehaved = true })
		b := sponsoredBoop()
		out, err := e.Simulate(context.Background(), &Input{EntryPoint: tEntryPoint, Boop: b})
		if err != nil {
			t.Fatalf("%s: Simulate error: %v", tt.name, err)
		}
		if out.Status != tt.status {
			t.Fatalf("%s: expected %s, got %s", tt.name, tt.status, out.Status)
		}
		if misbehaved != tt.misbehaved {
			t.Fatalf("%s: misbehavior hook called = %t", tt.name, misbehaved)
		}
		if _, found := e.Cache().Get(tEntryPoint, boop.Hash(b, tChainID)); found {
			t.Fatalf("%s: failure cached", tt.name)
		}
	}

	e := newTestEngine(t, &tContract{res: successResult(false)}, &tChain{err: errors.New("all endpoints failed")}, nil)
	_, err = e.Simulate(context.Background(), &Input{EntryPoint: tEntryPoint, Boop: sponsoredBoop()})
	if boop.StatusOf(err) != boop.RPCError {
		t.Fatalf("expected RPCError, got %v", err)
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy([]byte("gasmarginpct=5\n[simulate]\nfeemarginpct=30\nsubmitterfeebps=100\n[other]\ngasmarginpct=99\n"))
	if err != nil {
		t.Fatalf("LoadPolicy error: %v", err)
	}
	if p.GasMarginPct != 5 || p.FeeMarginPct != 30 || p.SubmitterFeeBps != 100 {
		t.Fatalf("wrong policy %+v", p)
	}
	// 100k gas * 10 wei * 1%
	fee := p.FeePolicy().SubmitterFee(nil, 100_000, big.NewInt(10))
	if fee.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("wrong fee %s", fee)
	}

	for _, bad := range []string{
		"[simulate]\ngasmarginpct=abc\n",
		"[simulate]\nfeemarginpct=-5\n",
		"submitterfeebps=1.5\n[simulate]\n",
	} {
		if p, err = LoadPolicy([]byte(bad)); err == nil {
			t.Fatalf("no error loading %q, got %+v", bad, p)
		}
	}
}

func TestCacheEviction(t *testing.T) {
	c := NewCache(2, 50*time.Millisecond)
	h := func(b byte) common.Hash { return common.Hash{b} }
	c.Put(tEntryPoint, h(1), &Output{})
	c.Put(tEntryPoint, h(2), &Output{})
	c.Get(tEntryPoint, h(1))
	c.Put(tEntryPoint, h(3), &Output{})
	if _, found := c.Get(tEntryPoint, h(2)); found {
		t.Fatalf("least recently used entry not evicted")
	}
	if _, found := c.Find(h(1), common.Address{}, tEntryPoint); !found {
		t.Fatalf("Find missed entry")
	}
	time.Sleep(60 * time.Millisecond)
	if _, found := c.Get(tEntryPoint, h(3)); found {
		t.Fatalf("expired entry returned")
	}
}
