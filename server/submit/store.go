// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package submit

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/account"
)

type seqNonce struct {
	id    boop.SequenceID
	nonce uint64
}

// sendInfo describes the latest transaction carrying a boop.
type sendInfo struct {
	account      *account.Account
	nonce        uint64
	txHash       common.Hash
	feeCap       *big.Int
	tipCap       *big.Int
	replacements int
	stamp        time.Time
}

type entry struct {
	hash       common.Hash
	entryPoint common.Address
	// boop is the admitted copy. It is never modified.
	boop *boop.Boop
	// effective is the boop as sent, with sponsor-supplied gas and fee
	// values.
	effective *boop.Boop
	sent      *sendInfo
	timer     *time.Timer
}

// boopStore holds the boops that are admitted and unresolved. It is the
// authority on whether a boop is already being processed.
type boopStore struct {
	mtx     sync.Mutex
	byHash  map[common.Hash]*entry
	byNonce map[seqNonce]common.Hash
}

func newBoopStore() *boopStore {
	return &boopStore{
		byHash:  make(map[common.Hash]*entry),
		byNonce: make(map[seqNonce]common.Hash),
	}
}

// admit inserts the boop unless it, or another boop with the same sequence
// and nonce, is already admitted.
func (s *boopStore) admit(e *entry) error {
	k := seqNonce{e.boop.SequenceID(), e.boop.NonceValue}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, found := s.byHash[e.hash]; found {
		return boop.NewError(boop.AlreadyProcessing, "boop %s is already being processed", e.hash)
	}
	if other, found := s.byNonce[k]; found {
		return boop.NewError(boop.AlreadyProcessing, "boop %s with nonce %d on %s is already being processed",
			other, k.nonce, k.id)
	}
	s.byHash[e.hash] = e
	s.byNonce[k] = e.hash
	return nil
}

func (s *boopStore) get(hash common.Hash) *entry {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.byHash[hash]
}

// remove drops the boop and stops any pending replacement.
func (s *boopStore) remove(hash common.Hash) *entry {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e, found := s.byHash[hash]
	if !found {
		return nil
	}
	delete(s.byHash, hash)
	k := seqNonce{e.boop.SequenceID(), e.boop.NonceValue}
	if s.byNonce[k] == hash {
		delete(s.byNonce, k)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}

func (s *boopStore) setSent(e *entry, effective *boop.Boop, si *sendInfo) {
	s.mtx.Lock()
	e.effective = effective
	e.sent = si
	s.mtx.Unlock()
}

// sentInfo is a copy of the entry's send state, or nil if not sent.
func (s *boopStore) sentInfo(e *entry) (*boop.Boop, *sendInfo) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if e.sent == nil {
		return e.effective, nil
	}
	si := *e.sent
	return e.effective, &si
}

// sent lists the account's boops that have been sent.
func (s *boopStore) sent(acct common.Address) []*boop.PendingInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var infos []*boop.PendingInfo
	for _, e := range s.byHash {
		if e.boop.Account != acct || e.sent == nil {
			continue
		}
		infos = append(infos, &boop.PendingInfo{
			BoopHash:   e.hash,
			EntryPoint: e.entryPoint,
			NonceTrack: e.boop.NonceTrack,
			NonceValue: e.boop.NonceValue,
			Submitted:  true,
		})
	}
	return infos
}

func (s *boopStore) len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.byHash)
}
