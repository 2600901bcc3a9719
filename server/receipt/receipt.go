// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package receipt resolves boop receipts from durable storage or from the
// receipts of the EVM transactions that carried them.
package receipt

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/db"
	"github.com/happychain/boopd/sub"
	"github.com/happychain/boopd/sub/wait"
)

const (
	DefaultPollInterval    = time.Second
	DefaultMaxPollInterval = 10 * time.Second
	// DefaultTrackExpiry is how long a transaction is polled before the
	// boop is left unresolved.
	DefaultTrackExpiry = 10 * time.Minute
	// DefaultFindTimeout bounds Find when the context has no deadline.
	DefaultFindTimeout = 60 * time.Second
)

// State distinguishes the outcomes of a lookup.
type State int

const (
	// Unknown means the boop hash is neither stored nor tracked.
	Unknown State = iota
	// Pending means the boop was sent and its receipt is not yet known.
	Pending
	// Confirmed means the receipt is known.
	Confirmed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	}
	return "unknown"
}

// Lookup is the result of Find. Receipt is set only when Confirmed.
type Lookup struct {
	State   State
	Receipt *boop.Receipt
}

// ChainReader fetches EVM transaction receipts. It must return
// ethereum.NotFound for transactions that are not yet included.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config is the configuration for a Service.
type Config struct {
	Chain           ChainReader
	Store           db.Store
	ChainID         *big.Int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	TrackExpiry     time.Duration
	FindTimeout     time.Duration
	// OnReceipt, if set, is called once with every new receipt after it is
	// persisted.
	OnReceipt func(*boop.Receipt)
	Log       sub.Logger
}

type tracked struct {
	entryPoint common.Address
	boop       *boop.Boop
	txHashes   []common.Hash
	polling    bool
	done       chan struct{}
	receipt    *boop.Receipt
}

// Service tracks sent boops until their receipts are known. Run must be
// running for tracked transactions to be polled.
type Service struct {
	cfg   Config
	log   sub.Logger
	queue *wait.TaperingTickerQueue
	ctx   context.Context

	mtx     sync.Mutex
	tracked map[common.Hash]*tracked
}

// NewService is the constructor for a Service.
func NewService(cfg *Config) (*Service, error) {
	if cfg.Chain == nil || cfg.Store == nil {
		return nil, errors.New("receipt service needs a chain reader and a store")
	}
	c := *cfg
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(DefaultMaxPollInterval, c.PollInterval)
	}
	if c.TrackExpiry <= 0 {
		c.TrackExpiry = DefaultTrackExpiry
	}
	if c.FindTimeout <= 0 {
		c.FindTimeout = DefaultFindTimeout
	}
	if c.Log == nil {
		c.Log = sub.Disabled
	}
	return &Service{
		cfg:     c,
		log:     c.Log,
		queue:   wait.NewTaperingTickerQueue(c.PollInterval, c.MaxPollInterval),
		ctx:     context.Background(),
		tracked: make(map[common.Hash]*tracked),
	}, nil
}

// Run polls tracked transactions until the context is canceled.
func (s *Service) Run(ctx context.Context) {
	s.mtx.Lock()
	s.ctx = ctx
	s.mtx.Unlock()
	s.queue.Run(ctx)
}

// Track registers txHash as a transaction that may carry the boop. Fee
// replacements add more candidates for the same boop.
func (s *Service) Track(entryPoint common.Address, boopHash common.Hash, b *boop.Boop, txHash common.Hash) {
	s.mtx.Lock()
	t, found := s.tracked[boopHash]
	if !found {
		t = &tracked{
			entryPoint: entryPoint,
			boop:       b,
			done:       make(chan struct{}),
		}
		s.tracked[boopHash] = t
	}
	if t.receipt != nil {
		s.mtx.Unlock()
		return
	}
	for _, h := range t.txHashes {
		if h == txHash {
			s.mtx.Unlock()
			return
		}
	}
	t.txHashes = append(t.txHashes, txHash)
	startPoll := !t.polling
	t.polling = true
	s.mtx.Unlock()

	if startPoll {
		s.poll(boopHash, t)
	}
}

// Tracking is true if the boop is being tracked and its receipt is unknown.
func (s *Service) Tracking(boopHash common.Hash) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, found := s.tracked[boopHash]
	return found && t.receipt == nil
}

// NumTracked is the number of boops whose receipts are being awaited.
func (s *Service) NumTracked() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var n int
	for _, t := range s.tracked {
		if t.receipt == nil {
			n++
		}
	}
	return n
}

func (s *Service) poll(boopHash common.Hash, t *tracked) {
	s.queue.Wait(&wait.Waiter{
		Expiration: time.Now().Add(s.cfg.TrackExpiry),
		TryFunc: func() wait.TryDirective {
			s.mtx.Lock()
			ctx := s.ctx
			s.mtx.Unlock()
			if s.check(ctx, boopHash, t) {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			s.mtx.Lock()
			t.polling = false
			resolved := t.receipt != nil
			s.mtx.Unlock()
			if !resolved {
				s.log.Warnf("No receipt for boop %s after %s. Stored boop has no receipt.",
					boopHash, s.cfg.TrackExpiry)
			}
		},
	})
}

// check looks for a receipt among the candidate transactions. It is true
// once the boop is resolved.
func (s *Service) check(ctx context.Context, boopHash common.Hash, t *tracked) bool {
	s.mtx.Lock()
	if t.receipt != nil {
		s.mtx.Unlock()
		return true
	}
	txHashes := append([]common.Hash(nil), t.txHashes...)
	s.mtx.Unlock()

	for _, txHash := range txHashes {
		txr, err := s.cfg.Chain.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			s.log.Debugf("Error fetching receipt for tx %s carrying boop %s: %v", txHash, boopHash, err)
			continue
		}
		r, matched := Derive(txr, t.entryPoint, boopHash, t.boop, s.cfg.ChainID)
		if !matched {
			s.log.Warnf("Transaction %s for boop %s has no matching BoopSubmitted log. "+
				"Storing a receipt with unknown outcome.", txHash, boopHash)
		}
		s.resolve(ctx, t, r)
		return true
	}
	return false
}

// resolve persists the first receipt for the boop and releases waiters.
func (s *Service) resolve(ctx context.Context, t *tracked, r *boop.Receipt) {
	s.mtx.Lock()
	if t.receipt != nil {
		s.mtx.Unlock()
		return
	}
	t.receipt = r
	s.mtx.Unlock()

	if err := s.cfg.Store.SaveReceipt(ctx, r); err != nil {
		s.log.Errorf("Error storing receipt for boop %s: %v", r.BoopHash, err)
	} else {
		s.mtx.Lock()
		if s.tracked[r.BoopHash] == t {
			delete(s.tracked, r.BoopHash)
		}
		s.mtx.Unlock()
	}
	close(t.done)
	s.log.Infof("Boop %s resolved with status %s in tx %s", r.BoopHash, r.Status, r.TxHash())
	if s.cfg.OnReceipt != nil {
		s.cfg.OnReceipt(r)
	}
}

// Find resolves the receipt for the boop, waiting for a tracked boop until
// the context is done or the default timeout passes.
func (s *Service) Find(ctx context.Context, boopHash common.Hash) (*Lookup, error) {
	return s.FindWithTimeout(ctx, boopHash, s.cfg.FindTimeout)
}

// FindWithTimeout is Find with an explicit wait. A zero timeout does not
// wait.
func (s *Service) FindWithTimeout(ctx context.Context, boopHash common.Hash, timeout time.Duration) (*Lookup, error) {
	r, err := s.cfg.Store.FindReceipt(ctx, boopHash)
	switch {
	case err == nil:
		s.checkOrphan(ctx, r)
		return &Lookup{State: Confirmed, Receipt: r}, nil
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	s.mtx.Lock()
	t, found := s.tracked[boopHash]
	if !found {
		s.mtx.Unlock()
		return &Lookup{State: Unknown}, nil
	}
	if t.receipt != nil {
		r := t.receipt
		s.mtx.Unlock()
		return &Lookup{State: Confirmed, Receipt: r}, nil
	}
	restart := !t.polling && len(t.txHashes) > 0
	if restart {
		t.polling = true
	}
	s.mtx.Unlock()

	if restart {
		s.poll(boopHash, t)
	}
	if timeout <= 0 {
		return &Lookup{State: Pending}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		s.mtx.Lock()
		r := t.receipt
		s.mtx.Unlock()
		return &Lookup{State: Confirmed, Receipt: r}, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return &Lookup{State: Pending}, nil
}

func (s *Service) checkOrphan(ctx context.Context, r *boop.Receipt) {
	if r.Boop != nil {
		return
	}
	if _, err := s.cfg.Store.FindBoop(ctx, r.BoopHash); errors.Is(err, db.ErrNotFound) {
		s.log.Errorf("Stored receipt for boop %s has no boop", r.BoopHash)
	}
}
