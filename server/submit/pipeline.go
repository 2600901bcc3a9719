// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package submit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"golang.org/x/sync/errgroup"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/chain"
	"github.com/happychain/boopd/server/simulate"
)

// calldataGas is charged per byte of transaction data.
const calldataGas = params.TxDataNonZeroGasEIP2028

// submit runs a boop from admission through the send.
func (s *Submitter) submit(ctx context.Context, entryPoint common.Address, in *boop.Boop) (*SubmitOutput, error) {
	b := in.Copy()
	hash := boop.Hash(b, s.cfg.ChainID)
	e := &entry{hash: hash, entryPoint: entryPoint, boop: b}

	if err := s.boops.admit(e); err != nil {
		return nil, err
	}
	var sent bool
	defer func() {
		if !sent {
			s.boops.remove(hash)
		}
	}()
	if err := s.cfg.Store.SaveBoop(ctx, hash, b); err != nil {
		s.log.Errorf("Error storing boop %s: %v", hash, err)
	}

	effective, future, err := s.simulate(ctx, e)
	if err != nil {
		return nil, err
	}
	if future {
		if err := s.cfg.Nonces.WaitUntilUnblocked(ctx, entryPoint, effective); err != nil {
			return nil, err
		}
		// Chain state moved while the boop was blocked. The sequence's earlier
		// boops may still be pending, so the nonce flag is ignored this time.
		if effective, _, err = s.simulate(ctx, e); err != nil {
			return nil, err
		}
	} else {
		s.cfg.Nonces.HintNonce(b.Account, b.NonceTrack, b.NonceValue)
	}

	txHash, err := s.send(ctx, e, effective, nil)
	if err != nil {
		return nil, err
	}
	sent = true
	return &SubmitOutput{
		Status:     boop.Success,
		BoopHash:   hash,
		EntryPoint: entryPoint,
		TxHash:     txHash,
	}, nil
}

// simulate simulates the admitted boop for submission and returns the
// effective boop to send, with sponsor fields filled from the result. future
// reports that the boop's nonce was ahead of the chain.
func (s *Submitter) simulate(ctx context.Context, e *entry) (effective *boop.Boop, future bool, err error) {
	b := e.boop
	out, err := s.cfg.Simulator.Simulate(ctx, &simulate.Input{
		EntryPoint: e.entryPoint,
		Boop:       b,
		ForSubmit:  true,
	})
	if err != nil {
		return nil, false, boop.AsError(err, boop.StageSimulate)
	}
	if err := out.Err(); err != nil {
		return nil, false, err
	}
	if out.ValidityUnknownDuringSimulation || out.PaymentValidityUnknownDuringSimulation {
		return nil, false, boop.NewError(boop.MissingValidationInfo,
			"boop %s could not be validated during simulation", e.hash).WithStage(boop.StageSimulate)
	}

	selfPaying := b.IsSelfPaying()
	if selfPaying && !b.HasGasValues() {
		return nil, false, boop.NewError(boop.MissingGasValues,
			"self-paying boop %s must specify its gas limits and maxFeePerGas", e.hash)
	}

	effective = b.Copy()
	if !selfPaying {
		effective.GasLimit = out.GasLimit
		effective.ValidateGasLimit = out.ValidateGasLimit
		effective.ValidatePaymentGasLimit = out.ValidatePaymentGasLimit
		effective.ExecuteGasLimit = out.ExecuteGasLimit
		effective.MaxFeePerGas = new(big.Int).Set(out.MaxFeePerGas)
		effective.SubmitterFee = new(big.Int).Set(out.SubmitterFee)
	}
	return effective, out.FutureNonceDuringSimulation, nil
}

// feeFloors reads the fee bounds. minFee is the live gas price with the
// minimum margin. minBlockFee is the latest base fee.
func (s *Submitter) feeFloors(ctx context.Context) (minFee, minBlockFee, tip *big.Int, err error) {
	var hdr *types.Header
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		hdr, err = s.cfg.Writer.HeaderByNumber(gctx, nil)
		return err
	})
	g.Go(func() (err error) {
		tip, err = s.cfg.Writer.SuggestGasTipCap(gctx)
		return err
	})
	if err = g.Wait(); err != nil {
		return nil, nil, nil, boop.NewError(boop.RPCError, "error reading fees: %v", err)
	}
	minBlockFee = new(big.Int)
	if hdr.BaseFee != nil {
		minBlockFee.Set(hdr.BaseFee)
	}
	minFee = new(big.Int).Add(minBlockFee, tip)
	minFee.Mul(minFee, new(big.Int).SetUint64(100+s.cfg.MinFeeMarginPct))
	minFee.Div(minFee, big.NewInt(100))
	return minFee, minBlockFee, tip, nil
}

// bump raises a replaced transaction's fee by more than 12.5%.
func bump(v *big.Int) *big.Int {
	r := new(big.Int).Mul(v, big.NewInt(9))
	r.Div(r, big.NewInt(8))
	return r.Add(r, big.NewInt(1))
}

func bigMax(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// send checks the fees and sends the effective boop. A non-nil prev is the
// transaction being replaced. Its nonce and execution account are reused.
func (s *Submitter) send(ctx context.Context, e *entry, effective *boop.Boop, prev *sendInfo) (common.Hash, error) {
	minFee, minBlockFee, tip, err := s.feeFloors(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if effective.MaxFeePerGas.Cmp(minFee) < 0 {
		switch {
		case prev != nil && effective.MaxFeePerGas.Cmp(minBlockFee) >= 0:
			// Any excess base fee is refunded, so a replacement that can
			// still be included is let through.
		case !e.boop.IsSelfPaying() && boop.IsZero(e.boop.MaxFeePerGas):
			effective.MaxFeePerGas = new(big.Int).Set(minFee)
		default:
			return common.Hash{}, boop.NewError(boop.GasPriceTooLow,
				"maxFeePerGas %s is below the minimum %s", effective.MaxFeePerGas, minFee)
		}
	}

	feeCap := new(big.Int).Set(effective.MaxFeePerGas)
	tipCap := new(big.Int).Set(tip)
	if prev != nil {
		feeCap = bigMax(feeCap, bump(prev.feeCap))
		tipCap = bigMax(tipCap, bump(prev.tipCap))
	}
	if tipCap.Cmp(feeCap) > 0 {
		tipCap.Set(feeCap)
	}

	data, err := boop.PackSubmit(effective)
	if err != nil {
		return common.Hash{}, fmt.Errorf("error packing boop: %w", err)
	}

	acct := s.cfg.Accounts.For(e.boop.SequenceID())
	if prev != nil {
		acct = prev.account
	}
	acct.Lock()
	defer acct.Unlock()

	var nonce uint64
	if prev != nil {
		nonce = prev.nonce
	} else if nonce, err = acct.NextNonce(ctx, s.cfg.Writer); err != nil {
		return common.Hash{}, boop.NewError(boop.RPCError, "%v", err)
	}

	entryPoint := e.entryPoint
	tx, err := acct.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       uint64(effective.GasLimit) + params.TxGas + calldataGas*uint64(len(data)),
		To:        &entryPoint,
		Data:      data,
	}))
	if err != nil {
		return common.Hash{}, fmt.Errorf("error signing transaction: %w", err)
	}

	if err = s.cfg.Writer.SendTransaction(ctx, tx); err != nil {
		switch {
		case chain.IsNonceTooLow(err):
			if prev != nil {
				// The transaction being replaced was included.
				return common.Hash{}, err
			}
			acct.ResetNonce()
			if s.cfg.Resyncer != nil {
				s.cfg.Resyncer.Trigger(acct.Address)
			}
			return common.Hash{}, boop.NewError(boop.UnexpectedError,
				"execution account %s nonce %d already used: %v", acct.Address, nonce, err)
		case errors.Is(err, chain.ErrAllFailed):
			return common.Hash{}, boop.NewError(boop.RPCError, "error sending transaction: %v", err)
		}
		return common.Hash{}, fmt.Errorf("error sending transaction: %w", err)
	}

	si := &sendInfo{
		account: acct,
		nonce:   nonce,
		txHash:  tx.Hash(),
		feeCap:  feeCap,
		tipCap:  tipCap,
		stamp:   time.Now(),
	}
	if prev == nil {
		acct.ConsumeNonce(nonce)
		s.cfg.Nonces.IncrementLocalNonce(effective)
		s.log.Infof("Sent boop %s in tx %s from %s with nonce %d", e.hash, si.txHash, acct.Address, nonce)
	} else {
		si.replacements = prev.replacements + 1
		s.log.Infof("Replaced tx %s for boop %s with %s (fee cap %s)", prev.txHash, e.hash, si.txHash, feeCap)
	}
	s.boops.setSent(e, effective, si)
	s.cfg.Receipts.Track(e.entryPoint, e.hash, effective, si.txHash)
	s.scheduleReplacement(e)
	return si.txHash, nil
}

func (s *Submitter) scheduleReplacement(e *entry) {
	if s.cfg.MaxReplacements <= 0 {
		return
	}
	s.boops.mtx.Lock()
	defer s.boops.mtx.Unlock()
	if s.boops.byHash[e.hash] != e {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(s.cfg.ReplaceAfter, func() { s.replace(e) })
}

// replace resends a boop that was not included in time, with the same
// nonce and higher fees.
func (s *Submitter) replace(e *entry) {
	ctx := s.runContext()
	if ctx.Err() != nil || s.boops.get(e.hash) != e || !s.cfg.Receipts.Tracking(e.hash) {
		return
	}
	effective, si := s.boops.sentInfo(e)
	if si == nil {
		return
	}
	if si.replacements >= s.cfg.MaxReplacements {
		s.log.Warnf("Boop %s not included after %d replacements. Awaiting tx %s.",
			e.hash, si.replacements, si.txHash)
		return
	}
	if _, err := s.send(ctx, e, effective.Copy(), si); err != nil {
		if chain.IsNonceTooLow(err) {
			s.log.Debugf("Boop %s tx %s included before replacement", e.hash, si.txHash)
			return
		}
		s.log.Warnf("Error replacing tx %s for boop %s: %v", si.txHash, e.hash, err)
		s.scheduleReplacement(e)
	}
}
