// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package submit is the submission orchestrator. A boop passes through
// admission, simulation, the nonce gate and a fee check before it is sent
// in an EVM transaction, after which its receipt is awaited.
package submit

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/account"
	"github.com/happychain/boopd/server/chain"
	"github.com/happychain/boopd/server/db"
	"github.com/happychain/boopd/server/receipt"
	"github.com/happychain/boopd/server/simulate"
	"github.com/happychain/boopd/sub"
)

const (
	DefaultReceiptTimeout  = 30 * time.Second
	DefaultReplaceAfter    = 30 * time.Second
	DefaultMaxReplacements = 3
	DefaultMinFeeMarginPct = 10
)

// Simulator simulates boops.
type Simulator interface {
	Simulate(ctx context.Context, in *simulate.Input) (*simulate.Output, error)
}

// Nonces is the nonce sequencing authority.
type Nonces interface {
	WaitUntilUnblocked(ctx context.Context, entryPoint common.Address, b *boop.Boop) error
	HintNonce(account common.Address, track boop.Track, value uint64)
	IncrementLocalNonce(b *boop.Boop)
	Pending(account common.Address) []*boop.PendingInfo
}

// Receipts tracks sent boops until their receipts are known.
type Receipts interface {
	Track(entryPoint common.Address, boopHash common.Hash, b *boop.Boop, txHash common.Hash)
	Tracking(boopHash common.Hash) bool
	FindWithTimeout(ctx context.Context, boopHash common.Hash, timeout time.Duration) (*receipt.Lookup, error)
}

// Resyncer resyncs execution accounts on request.
type Resyncer interface {
	Trigger(addr common.Address)
}

// Config is the configuration for a Submitter.
type Config struct {
	ChainID *big.Int
	// EntryPoint is used when a request doesn't name one.
	EntryPoint common.Address
	Simulator  Simulator
	Cache      *simulate.Cache
	Nonces     Nonces
	Receipts   Receipts
	Writer     chain.Writer
	Accounts   *account.Pool
	Resyncer   Resyncer
	Store      db.Store
	// ReceiptTimeout is how long Execute waits for a receipt.
	ReceiptTimeout time.Duration
	// ReplaceAfter is how long a sent boop may go unincluded before its
	// transaction is replaced with higher fees.
	ReplaceAfter    time.Duration
	MaxReplacements int
	// MinFeeMarginPct is the margin over the live gas price below which a
	// boop's maxFeePerGas is too low.
	MinFeeMarginPct uint64
	Log             sub.Logger
}

// Submitter is the caller-facing boop API.
type Submitter struct {
	cfg   Config
	log   sub.Logger
	boops *boopStore

	ctxMtx sync.Mutex
	ctx    context.Context
}

// Input is a request to simulate, submit or execute a boop. The zero
// EntryPoint selects the default.
type Input struct {
	EntryPoint common.Address `json:"entryPoint"`
	Boop       *boop.Boop     `json:"boop"`
}

// SubmitOutput is the result of a successful Submit.
type SubmitOutput struct {
	Status     boop.Status    `json:"status"`
	BoopHash   common.Hash    `json:"boopHash"`
	EntryPoint common.Address `json:"entryPoint"`
	TxHash     common.Hash    `json:"txHash"`
}

// ExecuteOutput is the result of Execute. The Status is the receipt's.
type ExecuteOutput struct {
	Status   boop.Status   `json:"status"`
	BoopHash common.Hash   `json:"boopHash"`
	Receipt  *boop.Receipt `json:"receipt"`
}

// State is the result of GetState. At most one of Receipt and Simulation is
// set, and neither for the Unknown statuses.
type State struct {
	Status     boop.Status      `json:"status"`
	Receipt    *boop.Receipt    `json:"receipt,omitempty"`
	Simulation *simulate.Output `json:"simulation,omitempty"`
}

// NewSubmitter is the constructor for a Submitter.
func NewSubmitter(cfg *Config) (*Submitter, error) {
	c := *cfg
	switch {
	case c.ChainID == nil:
		return nil, errors.New("no chain ID")
	case c.Simulator == nil || c.Nonces == nil || c.Receipts == nil:
		return nil, errors.New("submitter needs a simulator, a nonce manager and a receipt service")
	case c.Writer == nil || c.Accounts == nil:
		return nil, errors.New("submitter needs a chain writer and execution accounts")
	}
	if c.Cache == nil {
		c.Cache = simulate.NewCache(0, 0)
	}
	if c.Store == nil {
		c.Store = db.NewMemoryStore()
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = DefaultReceiptTimeout
	}
	if c.ReplaceAfter <= 0 {
		c.ReplaceAfter = DefaultReplaceAfter
	}
	if c.MaxReplacements < 0 {
		c.MaxReplacements = 0
	} else if c.MaxReplacements == 0 {
		c.MaxReplacements = DefaultMaxReplacements
	}
	if c.MinFeeMarginPct == 0 {
		c.MinFeeMarginPct = DefaultMinFeeMarginPct
	}
	if c.Log == nil {
		c.Log = sub.Disabled
	}
	return &Submitter{
		cfg:   c,
		log:   c.Log,
		boops: newBoopStore(),
		ctx:   context.Background(),
	}, nil
}

// Run sets the context for fee replacements and blocks until it is
// canceled.
func (s *Submitter) Run(ctx context.Context) {
	s.ctxMtx.Lock()
	s.ctx = ctx
	s.ctxMtx.Unlock()
	<-ctx.Done()
	s.boops.mtx.Lock()
	for _, e := range s.boops.byHash {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.boops.mtx.Unlock()
}

func (s *Submitter) runContext() context.Context {
	s.ctxMtx.Lock()
	defer s.ctxMtx.Unlock()
	return s.ctx
}

func (s *Submitter) entryPoint(ep common.Address) common.Address {
	if ep == (common.Address{}) {
		return s.cfg.EntryPoint
	}
	return ep
}

func (s *Submitter) checkInput(in *Input, stage boop.Stage) error {
	if in == nil || in.Boop == nil {
		return boop.NewError(boop.InvalidValues, "no boop").WithStage(stage)
	}
	return nil
}

// Simulate simulates the boop without submitting it. Self-paying boops need
// not specify their gas values.
func (s *Submitter) Simulate(ctx context.Context, in *Input) (*simulate.Output, error) {
	if err := s.checkInput(in, boop.StageSimulate); err != nil {
		return nil, err
	}
	out, err := s.cfg.Simulator.Simulate(ctx, &simulate.Input{
		EntryPoint: s.entryPoint(in.EntryPoint),
		Boop:       in.Boop.Copy(),
	})
	if err != nil {
		return nil, boop.AsError(err, boop.StageSimulate)
	}
	return out, nil
}

// Submit sends the boop and returns without waiting for the receipt.
func (s *Submitter) Submit(ctx context.Context, in *Input) (*SubmitOutput, error) {
	if err := s.checkInput(in, boop.StageSubmit); err != nil {
		return nil, err
	}
	out, err := s.submit(ctx, s.entryPoint(in.EntryPoint), in.Boop)
	if err != nil {
		return nil, boop.AsError(err, boop.StageSubmit)
	}
	return out, nil
}

// Execute submits the boop and waits for its receipt.
func (s *Submitter) Execute(ctx context.Context, in *Input) (*ExecuteOutput, error) {
	if err := s.checkInput(in, boop.StageExecute); err != nil {
		return nil, err
	}
	sent, err := s.submit(ctx, s.entryPoint(in.EntryPoint), in.Boop)
	if err != nil {
		return nil, boop.AsError(err, boop.StageExecute)
	}
	res, err := s.cfg.Receipts.FindWithTimeout(ctx, sent.BoopHash, s.cfg.ReceiptTimeout)
	if err != nil {
		return nil, boop.AsError(err, boop.StageExecute)
	}
	if res.State != receipt.Confirmed {
		return nil, boop.NewError(boop.ReceiptTimeout, "no receipt for boop %s after %s",
			sent.BoopHash, s.cfg.ReceiptTimeout).WithStage(boop.StageExecute)
	}
	return &ExecuteOutput{
		Status:   res.Receipt.Status,
		BoopHash: sent.BoopHash,
		Receipt:  res.Receipt,
	}, nil
}

// GetState reports what is known about the boop: its receipt, else its
// cached simulation, else whether it is known at all.
func (s *Submitter) GetState(ctx context.Context, boopHash common.Hash) (*State, error) {
	res, err := s.cfg.Receipts.FindWithTimeout(ctx, boopHash, 0)
	if err != nil {
		return nil, boop.AsError(err, "")
	}
	if res.State == receipt.Confirmed {
		return &State{Status: res.Receipt.Status, Receipt: res.Receipt}, nil
	}
	eps := []common.Address{s.cfg.EntryPoint}
	if e := s.boops.get(boopHash); e != nil && e.entryPoint != s.cfg.EntryPoint {
		eps = append(eps, e.entryPoint)
	}
	if out, found := s.cfg.Cache.Find(boopHash, eps...); found {
		return &State{Status: out.Status, Simulation: out}, nil
	}
	if res.State == receipt.Pending || s.boops.get(boopHash) != nil {
		return &State{Status: boop.UnknownState}, nil
	}
	if _, err := s.cfg.Store.FindBoop(ctx, boopHash); err == nil {
		return &State{Status: boop.UnknownState}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		s.log.Errorf("Error looking up boop %s: %v", boopHash, err)
	}
	return &State{Status: boop.UnknownBoop}, nil
}

// GetPending lists the account's boops that are blocked on a lower nonce or
// sent and awaiting a receipt, ordered by track and nonce.
func (s *Submitter) GetPending(account common.Address) []*boop.PendingInfo {
	infos := s.cfg.Nonces.Pending(account)
	seen := make(map[common.Hash]bool, len(infos))
	for _, info := range infos {
		seen[info.BoopHash] = true
	}
	for _, info := range s.boops.sent(account) {
		if !seen[info.BoopHash] {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].NonceTrack != infos[j].NonceTrack {
			return infos[i].NonceTrack.Big().Cmp(infos[j].NonceTrack.Big()) < 0
		}
		return infos[i].NonceValue < infos[j].NonceValue
	})
	return infos
}

// HandleReceipt settles a boop when its receipt is known. It is the receipt
// service's OnReceipt callback.
func (s *Submitter) HandleReceipt(r *boop.Receipt) {
	e := s.boops.remove(r.BoopHash)
	if e == nil {
		s.log.Debugf("Receipt for boop %s that is not being processed", r.BoopHash)
		return
	}
	if r.Status == boop.UnexpectedReverted {
		s.log.Warnf("Boop %s passed simulation but reverted onchain: %s", r.BoopHash, r.Description)
		return
	}
	if r.Status == boop.UnknownState {
		s.log.Warnf("Boop %s included with unknown outcome: %s", r.BoopHash, r.Description)
		return
	}
	// The EntryPoint consumed the nonce, even if the call failed.
	s.cfg.Nonces.HintNonce(e.boop.Account, e.boop.NonceTrack, e.boop.NonceValue+1)
	s.log.Debugf("Boop %s settled with status %s", r.BoopHash, r.Status)
}

// InFlight is the number of boops admitted and not yet settled.
func (s *Submitter) InFlight() int {
	return s.boops.len()
}
