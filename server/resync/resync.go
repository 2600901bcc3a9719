// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package resync brings execution accounts back to a state where every
// pending transaction is included. Transactions stuck in the node's pool
// are replaced by zero-value self-transfers.
package resync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/happychain/boopd/server/account"
	"github.com/happychain/boopd/server/chain"
	"github.com/happychain/boopd/sub"
)

const (
	DefaultPollInterval = 2 * time.Second
	// DefaultPollTimeout is how long to wait for a cancellation to be
	// included before bumping its fee.
	DefaultPollTimeout = 30 * time.Second

	cancelGas = params.TxGas
)

var (
	DefaultMaxPriorityFee = big.NewInt(100 * params.GWei)
	minPriorityFee        = big.NewInt(params.GWei / 100)
)

// ErrFeeCap is returned when a gap nonce could not be filled without
// exceeding the maximum priority fee.
const ErrFeeCap = sub.ErrorKind("priority fee cap reached")

// Config is the configuration for a Service.
type Config struct {
	Chain          chain.Writer
	Accounts       *account.Pool
	MaxPriorityFee *big.Int
	PollInterval   time.Duration
	PollTimeout    time.Duration
	Log            sub.Logger
}

// Service resynchronizes execution accounts at startup and on demand.
type Service struct {
	chain          chain.Writer
	accounts       *account.Pool
	maxPriorityFee *big.Int
	pollInterval   time.Duration
	pollTimeout    time.Duration
	log            sub.Logger
	trigger        chan common.Address
}

// NewService is the constructor for a Service.
func NewService(cfg *Config) (*Service, error) {
	if cfg.Chain == nil || cfg.Accounts == nil {
		return nil, errors.New("resync service needs a chain writer and accounts")
	}
	s := &Service{
		chain:          cfg.Chain,
		accounts:       cfg.Accounts,
		maxPriorityFee: cfg.MaxPriorityFee,
		pollInterval:   cfg.PollInterval,
		pollTimeout:    cfg.PollTimeout,
		log:            cfg.Log,
		trigger:        make(chan common.Address, 16),
	}
	if s.maxPriorityFee == nil || s.maxPriorityFee.Sign() <= 0 {
		s.maxPriorityFee = DefaultMaxPriorityFee
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.pollTimeout <= 0 {
		s.pollTimeout = DefaultPollTimeout
	}
	if s.log == nil {
		s.log = sub.Disabled
	}
	return s, nil
}

// Trigger requests a resync of the execution account. It does not block. A
// request for an account that already has one queued may be dropped.
func (s *Service) Trigger(addr common.Address) {
	select {
	case s.trigger <- addr:
	default:
		s.log.Debugf("Resync request for %s dropped. Queue is full.", addr)
	}
}

// Run resyncs every account, then serves Trigger requests until the context
// is canceled.
func (s *Service) Run(ctx context.Context) {
	if err := s.ResyncAll(ctx); err != nil && ctx.Err() == nil {
		s.log.Errorf("Startup resync failed: %v", err)
	}
	for {
		select {
		case addr := <-s.trigger:
			a := s.accounts.Find(addr)
			if a == nil {
				s.log.Errorf("Resync requested for unknown execution account %s", addr)
				continue
			}
			if err := s.Resync(ctx, a); err != nil && ctx.Err() == nil {
				s.log.Errorf("Resync of %s failed: %v", addr, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ResyncAll resyncs each execution account in turn.
func (s *Service) ResyncAll(ctx context.Context) error {
	var errs []error
	for _, a := range s.accounts.Accounts() {
		if err := s.Resync(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Address, err))
		}
	}
	return errors.Join(errs...)
}

// Resync fills every nonce between the account's included and pending
// nonces with a cancellation. After parity it checks once more for
// transactions queued in the meantime. The account's send lock is held
// throughout and its cached nonce is reset afterwards.
func (s *Service) Resync(ctx context.Context, a *account.Account) error {
	a.Lock()
	defer a.Unlock()
	defer a.ResetNonce()

	for pass := 0; pass < 2; pass++ {
		included, pending, err := s.nonces(ctx, a.Address)
		if err != nil {
			return err
		}
		if included >= pending {
			if pass == 0 {
				s.log.Debugf("Execution account %s is in sync at nonce %d", a.Address, included)
			}
			return nil
		}
		s.log.Infof("Execution account %s has %d stuck transactions (included %d, pending %d)",
			a.Address, pending-included, included, pending)
		for n := included; n < pending; n++ {
			if err := s.cancel(ctx, a, n); err != nil {
				return fmt.Errorf("error cancelling nonce %d: %w", n, err)
			}
		}
	}
	return nil
}

func (s *Service) nonces(ctx context.Context, addr common.Address) (included, pending uint64, err error) {
	if included, err = s.chain.NonceAt(ctx, addr, nil); err != nil {
		return 0, 0, fmt.Errorf("error reading included nonce: %w", err)
	}
	if pending, err = s.chain.PendingNonceAt(ctx, addr); err != nil {
		return 0, 0, fmt.Errorf("error reading pending nonce: %w", err)
	}
	return
}

// cancel sends self-transfers at the nonce until it is included. The
// priority fee doubles after each rejected or unconfirmed attempt, up to
// the maximum.
func (s *Service) cancel(ctx context.Context, a *account.Account, nonce uint64) error {
	tip, err := s.chain.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("error reading tip cap: %w", err)
	}
	if tip.Cmp(minPriorityFee) < 0 {
		tip = new(big.Int).Set(minPriorityFee)
	}
	if tip.Cmp(s.maxPriorityFee) > 0 {
		tip = new(big.Int).Set(s.maxPriorityFee)
	}

	for {
		sent, err := s.sendCancel(ctx, a, nonce, tip)
		switch {
		case chain.IsNonceTooLow(err):
			// Already included.
			return nil
		case err != nil && !chain.IsUnderpriced(err):
			return err
		}
		if sent {
			included, err := s.waitNonce(ctx, a.Address, nonce)
			if err != nil {
				return err
			}
			if included {
				return nil
			}
		}
		if tip.Cmp(s.maxPriorityFee) >= 0 {
			return sub.NewError(ErrFeeCap, "nonce %d not included at tip %s", nonce, tip)
		}
		tip = new(big.Int).Lsh(tip, 1)
		if tip.Cmp(s.maxPriorityFee) > 0 {
			tip = new(big.Int).Set(s.maxPriorityFee)
		}
		s.log.Debugf("Raising cancellation tip for %s nonce %d to %s", a.Address, nonce, tip)
	}
}

func (s *Service) sendCancel(ctx context.Context, a *account.Account, nonce uint64, tip *big.Int) (bool, error) {
	hdr, err := s.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("error reading latest header: %w", err)
	}
	baseFee := hdr.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Lsh(baseFee, 1), tip)
	to := a.Address
	tx, err := a.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chain.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       cancelGas,
		To:        &to,
		Value:     new(big.Int),
	}))
	if err != nil {
		return false, fmt.Errorf("error signing cancellation: %w", err)
	}
	if err = s.chain.SendTransaction(ctx, tx); err != nil {
		return false, err
	}
	s.log.Infof("Sent cancellation %s for %s nonce %d, tip %s", tx.Hash(), a.Address, nonce, tip)
	return true, nil
}

// waitNonce polls the included nonce until it passes nonce or the poll
// timeout passes.
func (s *Service) waitNonce(ctx context.Context, addr common.Address, nonce uint64) (bool, error) {
	deadline := time.NewTimer(s.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		included, err := s.chain.NonceAt(ctx, addr, nil)
		if err != nil {
			s.log.Debugf("Error polling nonce for %s: %v", addr, err)
		} else if included > nonce {
			return true, nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
