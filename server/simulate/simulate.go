// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package simulate speculatively executes boops against the EntryPoint,
// validates boop-supplied gas values, derives the gas limits and fees the
// submitter will use, and caches successful results.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/entrypoint"
	"github.com/happychain/boopd/sub"
)

// Gas limit bounds enforced on the EntryPoint.
const (
	MinValidateGasLimit        = 12_000
	MinValidatePaymentGasLimit = 12_000
	MinExecuteGasLimit         = 15_000
	MaxGasLimit                = 30_000_000
	// GasOverhead is the EntryPoint's own gas use outside of the validate,
	// payment validation and execute calls.
	GasOverhead = 25_000
)

// ChainReader is the chain data needed alongside the speculative call.
type ChainReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Input is a simulation request.
type Input struct {
	EntryPoint common.Address
	Boop       *boop.Boop
	// ForSubmit is set when the simulation precedes submission, in which case
	// a self-paying boop must specify all of its gas limits.
	ForSubmit bool
}

// Output is the result of a simulation. Status is boop.Success when the
// simulation succeeded. Gas, fee and flag fields are only meaningful on
// success.
type Output struct {
	Status      boop.Status `json:"status"`
	Description string      `json:"description,omitempty"`
	RevertData  []byte      `json:"revertData,omitempty"`

	EntryPoint common.Address `json:"entryPoint"`
	BoopHash   common.Hash    `json:"boopHash"`

	GasLimit                uint32   `json:"gasLimit"`
	ValidateGasLimit        uint32   `json:"validateGasLimit"`
	ValidatePaymentGasLimit uint32   `json:"validatePaymentGasLimit"`
	ExecuteGasLimit         uint32   `json:"executeGasLimit"`
	MaxFeePerGas            *big.Int `json:"maxFeePerGas"`
	SubmitterFee            *big.Int `json:"submitterFee"`
	GasPrice                *big.Int `json:"-"`

	FutureNonceDuringSimulation            bool `json:"futureNonceDuringSimulation"`
	ValidityUnknownDuringSimulation        bool `json:"validityUnknownDuringSimulation"`
	PaymentValidityUnknownDuringSimulation bool `json:"paymentValidityUnknownDuringSimulation"`
	FeeTooLowDuringSimulation              bool `json:"feeTooLowDuringSimulation"`
}

// Err is nil on success, or the *boop.Error describing the failure.
func (o *Output) Err() error {
	if o.Status == boop.Success {
		return nil
	}
	return &boop.Error{
		Status:      o.Status,
		Stage:       boop.StageSimulate,
		Description: o.Description,
		RevertData:  o.RevertData,
	}
}

func failure(status boop.Status, format string, args ...any) *Output {
	return &Output{Status: status, Description: fmt.Sprintf(format, args...)}
}

// Config is the configuration for an Engine.
type Config struct {
	Contract entrypoint.Contract
	Chain    ChainReader
	ChainID  *big.Int
	Policy   *Policy
	// FeePolicy defaults to the Policy's LinearFeePolicy.
	FeePolicy FeePolicy
	Cache     *Cache
	// OnMisbehavior, if set, is called for simulations that are rejected or
	// that revert during validation or execution.
	OnMisbehavior func(b *boop.Boop, out *Output)
	Log           sub.Logger
}

// Engine simulates boops.
type Engine struct {
	contract      entrypoint.Contract
	chain         ChainReader
	chainID       *big.Int
	policy        Policy
	feePolicy     FeePolicy
	cache         *Cache
	onMisbehavior func(b *boop.Boop, out *Output)
	log           sub.Logger
}

// NewEngine is the constructor for an Engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg.Contract == nil || cfg.Chain == nil {
		return nil, errors.New("simulation engine needs a contract caller and a chain reader")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("no chain ID")
	}
	e := &Engine{
		contract:      cfg.Contract,
		chain:         cfg.Chain,
		chainID:       cfg.ChainID,
		policy:        DefaultPolicy,
		feePolicy:     cfg.FeePolicy,
		cache:         cfg.Cache,
		onMisbehavior: cfg.OnMisbehavior,
		log:           cfg.Log,
	}
	if cfg.Policy != nil {
		e.policy = *cfg.Policy
	}
	if e.feePolicy == nil {
		e.feePolicy = e.policy.FeePolicy()
	}
	if e.cache == nil {
		e.cache = NewCache(0, 0)
	}
	if e.log == nil {
		e.log = sub.Disabled
	}
	return e, nil
}

// Cache is the engine's simulation cache.
func (e *Engine) Cache() *Cache {
	return e.cache
}

// CheckGasValues verifies the consistency of the gas limits a self-paying boop
// supplies. It does not access the network. A sponsored boop's gas values are
// set by the submitter and are not checked.
func CheckGasValues(b *boop.Boop, forSubmit bool) error {
	if !b.IsSelfPaying() {
		return nil
	}
	missing := b.GasLimit == 0 || b.ValidateGasLimit == 0 || b.ValidatePaymentGasLimit == 0 || b.ExecuteGasLimit == 0
	if forSubmit && missing {
		return boop.NewError(boop.InvalidValues, "self-paying boops must specify all gas limits to be submitted")
	}
	if b.GasLimit > MaxGasLimit {
		return boop.NewError(boop.InvalidValues, "gas limit %d exceeds the maximum %d", b.GasLimit, MaxGasLimit)
	}
	for _, lim := range []struct {
		name     string
		v, floor uint32
	}{
		{"validate", b.ValidateGasLimit, MinValidateGasLimit},
		{"payment validation", b.ValidatePaymentGasLimit, MinValidatePaymentGasLimit},
		{"execute", b.ExecuteGasLimit, MinExecuteGasLimit},
	} {
		if lim.v != 0 && lim.v < lim.floor {
			return boop.NewError(boop.InvalidValues, "%s gas limit %d is below the minimum %d", lim.name, lim.v, lim.floor)
		}
	}
	if b.GasLimit != 0 && !missing {
		inner := uint64(b.ValidateGasLimit) + uint64(b.ValidatePaymentGasLimit) + uint64(b.ExecuteGasLimit) + GasOverhead
		if inner > uint64(b.GasLimit) {
			return boop.NewError(boop.InvalidValues, "inner gas limits plus overhead (%d) exceed the gas limit %d", inner, b.GasLimit)
		}
	}
	return nil
}

// simulationBoop fills unspecified gas limits with the maximum so that the
// call measures actual usage.
func simulationBoop(b *boop.Boop) *boop.Boop {
	s := b.Copy()
	if s.GasLimit == 0 {
		s.GasLimit = MaxGasLimit
	}
	if s.ValidateGasLimit == 0 {
		s.ValidateGasLimit = MaxGasLimit / 4
	}
	if s.ValidatePaymentGasLimit == 0 {
		s.ValidatePaymentGasLimit = MaxGasLimit / 4
	}
	if s.ExecuteGasLimit == 0 {
		s.ExecuteGasLimit = MaxGasLimit / 2
	}
	return s
}

// revertStatuses maps EntryPoint custom errors to statuses.
var revertStatuses = map[string]boop.Status{
	"ValidationRejected":        boop.ValidationRejected,
	"ValidationReverted":        boop.ValidationReverted,
	"PaymentValidationRejected": boop.PaymentValidationRejected,
	"PaymentValidationReverted": boop.PaymentValidationReverted,
	"GasPriceTooHigh":           boop.GasPriceTooLow,
	"InsufficientBalance":       boop.PayoutFailed,
	"PayoutFailed":              boop.PayoutFailed,
	"InvalidNonce":              boop.InvalidValues,
}

// Simulate runs the simulation. The returned error is reserved for problems
// that prevent simulating. Simulation failures are described by the Output.
func (e *Engine) Simulate(ctx context.Context, in *Input) (*Output, error) {
	b := in.Boop
	if err := boop.CheckRanges(b); err != nil {
		return failure(boop.InvalidValues, "%v", err), nil
	}
	if err := CheckGasValues(b, in.ForSubmit); err != nil {
		var be *boop.Error
		errors.As(err, &be)
		return failure(be.Status, "%s", be.Description), nil
	}
	hash := boop.Hash(b, e.chainID)
	selfPaying := b.IsSelfPaying()

	var res *entrypoint.Result
	var gasPrice, balance *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		res, err = e.contract.Simulate(gctx, in.EntryPoint, simulationBoop(b))
		return err
	})
	g.Go(func() (err error) {
		gasPrice, err = e.chain.SuggestGasPrice(gctx)
		return err
	})
	if selfPaying {
		g.Go(func() (err error) {
			balance, err = e.chain.BalanceAt(gctx, b.Payer, nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Errorf("Error simulating boop %s: %v", hash, err)
		return nil, boop.NewError(boop.RPCError, "simulation failed: %v", err)
	}

	if res.Reverted {
		reason := boop.DecodeRevert(res.RevertData)
		status, found := revertStatuses[reason]
		if !found {
			status = boop.UnexpectedReverted
		}
		out := failure(status, "simulation reverted: %s", reason)
		out.RevertData, out.EntryPoint, out.BoopHash = res.RevertData, in.EntryPoint, hash
		e.log.Debugf("Boop %s reverted in simulation: %s", hash, reason)
		e.misbehaved(b, out)
		return out, nil
	}

	sim := res.Output
	callStatus := boop.CallStatus(sim.CallStatus)
	if status := callStatus.Status(); status != boop.Success {
		out := failure(status, "simulation returned %s: %s", status, boop.DecodeRevert(sim.RevertData))
		out.RevertData, out.EntryPoint, out.BoopHash = sim.RevertData, in.EntryPoint, hash
		e.misbehaved(b, out)
		return out, nil
	}

	out := &Output{
		Status:                                 boop.Success,
		EntryPoint:                             in.EntryPoint,
		BoopHash:                               hash,
		GasPrice:                               gasPrice,
		FutureNonceDuringSimulation:            sim.FutureNonceDuringSimulation,
		ValidityUnknownDuringSimulation:        sim.ValidityUnknownDuringSimulation,
		PaymentValidityUnknownDuringSimulation: sim.PaymentValidityUnknownDuringSimulation,
	}
	out.GasLimit = pick(b.GasLimit, sim.Gas, e.policy.GasMarginPct)
	out.ValidateGasLimit = pick(b.ValidateGasLimit, sim.ValidateGas, e.policy.GasMarginPct)
	out.ValidatePaymentGasLimit = pick(b.ValidatePaymentGasLimit, sim.ValidatePaymentGas, e.policy.GasMarginPct)
	out.ExecuteGasLimit = pick(b.ExecuteGasLimit, sim.ExecuteGas, e.policy.GasMarginPct)

	if boop.IsZero(b.MaxFeePerGas) {
		out.MaxFeePerGas = withMargin(gasPrice, e.policy.FeeMarginPct)
	} else {
		out.MaxFeePerGas = new(big.Int).Set(b.MaxFeePerGas)
		out.FeeTooLowDuringSimulation = b.MaxFeePerGas.Cmp(gasPrice) < 0
	}
	if boop.IsZero(b.SubmitterFee) {
		out.SubmitterFee = e.feePolicy.SubmitterFee(b, out.GasLimit, out.MaxFeePerGas)
	} else {
		out.SubmitterFee = new(big.Int).Set(b.SubmitterFee)
	}

	if selfPaying {
		cost := new(big.Int).Mul(new(big.Int).SetUint64(uint64(out.GasLimit)), out.MaxFeePerGas)
		cost.Add(cost, out.SubmitterFee)
		if balance.Cmp(cost) < 0 {
			po := failure(boop.PayoutFailed, "payer balance %s does not cover the maximum cost %s", balance, cost)
			po.EntryPoint, po.BoopHash = in.EntryPoint, hash
			return po, nil
		}
	}

	e.cache.Put(in.EntryPoint, hash, out)
	return out, nil
}

func (e *Engine) misbehaved(b *boop.Boop, out *Output) {
	if e.onMisbehavior != nil {
		e.onMisbehavior(b, out)
	}
}

// pick returns the boop-specified limit, or the measured usage with a margin
// if it is unspecified.
func pick(specified, measured uint32, marginPct uint64) uint32 {
	if specified != 0 {
		return specified
	}
	return gasWithMargin(measured, marginPct)
}
