// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package nonce implements the sequencing authority for boop nonces. For each
// (account, nonce track) sequence, the Manager tracks the next submittable
// nonce value and parks boops with higher nonce values until their turn
// arrives. Boops are released in strictly increasing nonce order.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/huandu/skiplist"
	"golang.org/x/sync/singleflight"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/sub"
)

const (
	DefaultMaxBlockedPerTrack = 50
	DefaultMaxTotalBlocked    = 10_000
	DefaultMaxNonceGap        = 50
	DefaultWaitTimeout        = 30 * time.Second
	DefaultIdleExpiry         = 10 * time.Minute

	resyncTimeout = 10 * time.Second
)

// Reader reads the authoritative nonce value for a sequence.
type Reader interface {
	NonceValue(ctx context.Context, entryPoint common.Address, account common.Address, track boop.Track) (uint64, error)
}

// Config is the configuration for a Manager.
type Config struct {
	Reader  Reader
	ChainID *big.Int
	// MaxBlockedPerTrack caps the number of blocked boops in one sequence.
	MaxBlockedPerTrack int
	// MaxTotalBlocked caps the number of blocked boops across all sequences.
	MaxTotalBlocked int
	// MaxNonceGap is the furthest ahead of the local nonce that a boop may
	// wait.
	MaxNonceGap uint64
	// WaitTimeout is how long a blocked boop waits for its turn.
	WaitTimeout time.Duration
	// IdleExpiry is how long a sequence with no blocked boops is remembered.
	IdleExpiry time.Duration
	Log        sub.Logger
}

type waiter struct {
	boop       *boop.Boop
	hash       common.Hash
	entryPoint common.Address
	done       chan error
	timer      *time.Timer
	resolved   bool
}

type sequence struct {
	id         boop.SequenceID
	local      uint64
	known      bool
	entryPoint common.Address
	blocked    *skiplist.SkipList // nonce value -> *waiter
	lastTouch  time.Time
}

// Manager is the nonce sequencing authority.
type Manager struct {
	cfg Config
	log sub.Logger

	readers singleflight.Group

	mtx          sync.Mutex
	seqs         map[boop.SequenceID]*sequence
	totalBlocked int
}

// NewManager is the constructor for a Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Reader == nil {
		return nil, errors.New("no nonce reader")
	}
	c := *cfg
	if c.ChainID == nil {
		return nil, errors.New("no chain ID")
	}
	if c.MaxBlockedPerTrack <= 0 {
		c.MaxBlockedPerTrack = DefaultMaxBlockedPerTrack
	}
	if c.MaxTotalBlocked <= 0 {
		c.MaxTotalBlocked = DefaultMaxTotalBlocked
	}
	if c.MaxNonceGap == 0 {
		c.MaxNonceGap = DefaultMaxNonceGap
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.IdleExpiry == 0 {
		c.IdleExpiry = DefaultIdleExpiry
	}
	if c.Log == nil {
		c.Log = sub.Disabled
	}
	return &Manager{
		cfg:  c,
		log:  c.Log,
		seqs: make(map[boop.SequenceID]*sequence),
	}, nil
}

// sequence retrieves or creates the sequence. The mtx MUST be held.
func (m *Manager) sequence(id boop.SequenceID) *sequence {
	seq, found := m.seqs[id]
	if !found {
		seq = &sequence{
			id:      id,
			blocked: skiplist.New(skiplist.Uint64),
		}
		m.seqs[id] = seq
	}
	seq.lastTouch = time.Now()
	return seq
}

// IsBlocked is true if the boop's nonce value is ahead of the local nonce.
// A sequence whose nonce is not yet known is blocked.
func (m *Manager) IsBlocked(b *boop.Boop) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	seq, found := m.seqs[b.SequenceID()]
	if !found || !seq.known {
		return true
	}
	return b.NonceValue > seq.local
}

// HintNonce raises the local nonce for the sequence if value is higher. A
// value at or below the current local nonce is ignored.
func (m *Manager) HintNonce(account common.Address, track boop.Track, value uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.advance(m.sequence(boop.SequenceID{Account: account, Track: track}), value, "hint")
}

// IncrementLocalNonce records that the boop was sent and releases the boop
// with the next nonce value, if one is waiting.
func (m *Manager) IncrementLocalNonce(b *boop.Boop) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.advance(m.sequence(b.SequenceID()), b.NonceValue+1, "send")
}

// advance raises the local nonce and settles any waiters that are no longer
// blocked. The mtx MUST be held.
func (m *Manager) advance(seq *sequence, value uint64, reason string) {
	if seq.known && value <= seq.local {
		return
	}
	if seq.known {
		m.log.Tracef("%s local nonce %d -> %d (%s)", seq.id, seq.local, value, reason)
	}
	seq.local = value
	seq.known = true
	m.releaseReady(seq)
}

// releaseReady resolves waiters at the front of the queue. Waiters behind the
// local nonce can't be submitted anymore and are resolved as externally
// submitted. A waiter at the local nonce is released. The mtx MUST be held.
func (m *Manager) releaseReady(seq *sequence) {
	for {
		elem := seq.blocked.Front()
		if elem == nil {
			return
		}
		nonce := elem.Key().(uint64)
		w := elem.Value.(*waiter)
		switch {
		case nonce < seq.local:
			m.resolve(seq, nonce, w, boop.NewError(boop.ExternalSubmit,
				"nonce %d was consumed by another transaction", nonce))
		case nonce == seq.local:
			m.log.Debugf("%s releasing blocked boop %s with nonce %d", seq.id, w.hash, nonce)
			m.resolve(seq, nonce, w, nil)
			return
		default:
			return
		}
	}
}

// resolve completes the waiter and removes it from the queue. The mtx MUST be
// held.
func (m *Manager) resolve(seq *sequence, nonce uint64, w *waiter, err error) {
	if w.resolved {
		return
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if elem := seq.blocked.Get(nonce); elem != nil && elem.Value.(*waiter) == w {
		seq.blocked.Remove(nonce)
		m.totalBlocked--
	}
	w.done <- err
}

// WaitUntilUnblocked returns immediately if the boop is not blocked.
// Otherwise, the boop is queued until the local nonce reaches its nonce
// value. The returned error is nil if the boop may now be submitted. Queue
// limits are checked before queuing and are enforced with a *boop.Error
// rather than by waiting. A blocked boop that waits for longer than the wait
// timeout triggers a resync and then fails with SubmitTimeout if it is still
// blocked.
func (m *Manager) WaitUntilUnblocked(ctx context.Context, entryPoint common.Address, b *boop.Boop) error {
	id := b.SequenceID()

	m.mtx.Lock()
	seq, found := m.seqs[id]
	known := found && seq.known
	m.mtx.Unlock()
	if !known {
		if _, err := m.fetch(ctx, entryPoint, id); err != nil {
			return boop.NewError(boop.RPCError, "error reading nonce for %s: %v", id, err)
		}
	}

	m.mtx.Lock()
	seq = m.sequence(id)
	seq.entryPoint = entryPoint
	nonce := b.NonceValue
	if nonce <= seq.local {
		m.mtx.Unlock()
		return nil
	}
	if nonce-seq.local > m.cfg.MaxNonceGap {
		local := seq.local
		m.mtx.Unlock()
		return boop.NewError(boop.NonceTooFarAhead, "nonce %d is more than %d ahead of the current nonce %d",
			nonce, m.cfg.MaxNonceGap, local)
	}
	w := &waiter{
		boop:       b,
		hash:       boop.Hash(b, m.cfg.ChainID),
		entryPoint: entryPoint,
		done:       make(chan error, 1),
	}
	if elem := seq.blocked.Get(nonce); elem != nil {
		old := elem.Value.(*waiter)
		if old.hash == w.hash {
			m.mtx.Unlock()
			return boop.NewError(boop.AlreadyProcessing, "boop %s is already waiting", w.hash)
		}
		m.log.Debugf("%s boop %s replaces blocked boop %s at nonce %d", id, w.hash, old.hash, nonce)
		m.resolve(seq, nonce, old, boop.NewError(boop.BoopReplaced,
			"replaced by boop %s with the same nonce", w.hash))
	} else {
		if seq.blocked.Len() >= m.cfg.MaxBlockedPerTrack {
			m.mtx.Unlock()
			return boop.NewError(boop.BufferExceeded, "too many blocked boops for %s", id)
		}
		if m.totalBlocked >= m.cfg.MaxTotalBlocked {
			m.mtx.Unlock()
			return boop.NewError(boop.OverCapacity, "submitter is at capacity for blocked boops")
		}
	}
	seq.blocked.Set(nonce, w)
	m.totalBlocked++
	w.timer = time.AfterFunc(m.cfg.WaitTimeout, func() { m.timeout(id, nonce, w) })
	m.log.Debugf("%s boop %s blocked at nonce %d, local nonce %d", id, w.hash, nonce, seq.local)
	m.mtx.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		m.mtx.Lock()
		if seq, found := m.seqs[id]; found {
			m.resolve(seq, nonce, w, ctx.Err())
		}
		m.mtx.Unlock()
		// The waiter may have been settled before the cancellation.
		return <-w.done
	}
}

// timeout runs when a waiter's timer fires. The waiter may be settled by the
// resync, so membership is checked again afterwards.
func (m *Manager) timeout(id boop.SequenceID, nonce uint64, w *waiter) {
	m.mtx.Lock()
	if w.resolved {
		m.mtx.Unlock()
		return
	}
	m.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if err := m.ResyncNonce(ctx, w.entryPoint, id.Account, id.Track); err != nil {
		m.log.Warnf("%s resync after timeout failed: %v", id, err)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if w.resolved {
		return
	}
	seq, found := m.seqs[id]
	if !found {
		return
	}
	m.resolve(seq, nonce, w, boop.NewError(boop.SubmitTimeout,
		"timed out waiting for nonce %d, local nonce is %d", nonce, seq.local))
}

// ResyncNonce reads the on-chain nonce for the sequence. If it has moved past
// the local nonce, the local nonce is raised, and blocked boops below the new
// value are resolved as externally submitted.
func (m *Manager) ResyncNonce(ctx context.Context, entryPoint common.Address, account common.Address, track boop.Track) error {
	id := boop.SequenceID{Account: account, Track: track}
	_, err := m.fetch(ctx, entryPoint, id)
	return err
}

// fetch reads the on-chain nonce, with concurrent reads for the same
// sequence sharing one request, and advances the local nonce. The shared
// request is not bound to any one caller's context. A caller whose context
// ends stops waiting for it.
func (m *Manager) fetch(ctx context.Context, entryPoint common.Address, id boop.SequenceID) (uint64, error) {
	key := entryPoint.Hex() + "/" + id.String()
	readCtx := context.WithoutCancel(ctx)
	ch := m.readers.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(readCtx, resyncTimeout)
		defer cancel()
		n, err := m.cfg.Reader.NonceValue(ctx, entryPoint, id.Account, id.Track)
		if err != nil {
			return nil, err
		}
		m.mtx.Lock()
		seq := m.sequence(id)
		seq.entryPoint = entryPoint
		m.advance(seq, n, "on-chain")
		m.mtx.Unlock()
		return n, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return 0, fmt.Errorf("nonce read error: %w", ctx.Err())
	}
	if res.Err != nil {
		return 0, fmt.Errorf("nonce read error: %w", res.Err)
	}
	return res.Val.(uint64), nil
}

// LocalNonce is the next submittable nonce value for the sequence. The
// second return is false if it is not known.
func (m *Manager) LocalNonce(account common.Address, track boop.Track) (uint64, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	seq, found := m.seqs[boop.SequenceID{Account: account, Track: track}]
	if !found || !seq.known {
		return 0, false
	}
	return seq.local, true
}

// Pending lists the account's blocked boops in nonce order per track.
func (m *Manager) Pending(account common.Address) []*boop.PendingInfo {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var infos []*boop.PendingInfo
	for id, seq := range m.seqs {
		if id.Account != account {
			continue
		}
		for elem := seq.blocked.Front(); elem != nil; elem = elem.Next() {
			w := elem.Value.(*waiter)
			infos = append(infos, &boop.PendingInfo{
				BoopHash:   w.hash,
				EntryPoint: w.entryPoint,
				NonceTrack: id.Track,
				NonceValue: elem.Key().(uint64),
			})
		}
	}
	return infos
}

// Blocked is the total number of blocked boops.
func (m *Manager) Blocked() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.totalBlocked
}

// Run sweeps idle sequences until the context is canceled, then fails any
// remaining waiters.
func (m *Manager) Run(ctx context.Context) {
	tick := time.NewTicker(m.cfg.IdleExpiry / 2)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			m.sweep(m.cfg.IdleExpiry)
		case <-ctx.Done():
			m.shutdown()
			return
		}
	}
}

// sweep drops sequences with no blocked boops that have not been touched for
// the expiry.
func (m *Manager) sweep(expiry time.Duration) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var n int
	for id, seq := range m.seqs {
		if seq.blocked.Len() == 0 && time.Since(seq.lastTouch) > expiry {
			delete(m.seqs, id)
			n++
		}
	}
	if n > 0 {
		m.log.Debugf("removed %d idle nonce sequences, %d remain", n, len(m.seqs))
	}
}

func (m *Manager) shutdown() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, seq := range m.seqs {
		for elem := seq.blocked.Front(); elem != nil; {
			next := elem.Next()
			m.resolve(seq, elem.Key().(uint64), elem.Value.(*waiter),
				boop.NewError(boop.SubmitTimeout, "submitter is shutting down"))
			elem = next
		}
	}
}
