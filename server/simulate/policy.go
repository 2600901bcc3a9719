// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package simulate

import (
	"fmt"
	"math/big"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/sub/config"
)

// Policy is the submitter's gas and fee policy.
type Policy struct {
	// GasMarginPct is added to measured gas usage to derive gas limits.
	GasMarginPct uint64 `ini:"gasmarginpct"`
	// FeeMarginPct is added to the live gas price to derive maxFeePerGas.
	FeeMarginPct uint64 `ini:"feemarginpct"`
	// BaseSubmitterFee is a flat fee in wei charged on every boop.
	BaseSubmitterFee uint64 `ini:"basesubmitterfee"`
	// SubmitterFeeBps is charged on the boop's maximum gas cost, in basis
	// points.
	SubmitterFeeBps uint64 `ini:"submitterfeebps"`
}

// DefaultPolicy is used if no policy file is configured.
var DefaultPolicy = Policy{
	GasMarginPct: 20,
	FeeMarginPct: 20,
}

// LoadPolicy reads the [simulate] section of a policy file path or data,
// over the defaults.
func LoadPolicy(pathOrData any) (*Policy, error) {
	p := DefaultPolicy
	if err := config.ParseSection(pathOrData, "simulate", &p); err != nil {
		return nil, fmt.Errorf("error parsing policy: %w", err)
	}
	return &p, nil
}

// FeePolicy computes the submitter's fee for a boop.
type FeePolicy interface {
	SubmitterFee(b *boop.Boop, gasLimit uint32, maxFeePerGas *big.Int) *big.Int
}

// LinearFeePolicy charges a flat fee plus a proportion of the maximum gas
// cost.
type LinearFeePolicy struct {
	Base *big.Int
	Bps  uint64
}

var _ FeePolicy = (*LinearFeePolicy)(nil)

// FeePolicy creates the LinearFeePolicy described by the Policy.
func (p *Policy) FeePolicy() *LinearFeePolicy {
	return &LinearFeePolicy{
		Base: new(big.Int).SetUint64(p.BaseSubmitterFee),
		Bps:  p.SubmitterFeeBps,
	}
}

// SubmitterFee is Base + gasLimit * maxFeePerGas * Bps / 10000.
func (p *LinearFeePolicy) SubmitterFee(_ *boop.Boop, gasLimit uint32, maxFeePerGas *big.Int) *big.Int {
	fee := new(big.Int)
	if p.Base != nil {
		fee.Set(p.Base)
	}
	if p.Bps == 0 || maxFeePerGas == nil {
		return fee
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(uint64(gasLimit)), maxFeePerGas)
	cost.Mul(cost, new(big.Int).SetUint64(p.Bps))
	cost.Quo(cost, big.NewInt(10_000))
	return fee.Add(fee, cost)
}

// withMargin adds pct percent to v.
func withMargin(v *big.Int, pct uint64) *big.Int {
	r := new(big.Int).Mul(v, new(big.Int).SetUint64(100+pct))
	return r.Quo(r, big.NewInt(100))
}

// gasWithMargin adds pct percent to the gas, capped at the maximum.
func gasWithMargin(gas uint32, pct uint64) uint32 {
	g := uint64(gas) * (100 + pct) / 100
	if g > MaxGasLimit {
		return MaxGasLimit
	}
	return uint32(g)
}
