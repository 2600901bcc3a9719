// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package account manages the execution accounts that sign and pay for the
// EVM transactions carrying boops.
package account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"hash/fnv"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/happychain/boopd/boop"
)

// NonceReader reads the pending transaction count for an address.
type NonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Account is an execution account. Sends from the account must hold its
// lock from nonce selection until the transaction is sent.
type Account struct {
	Address common.Address

	key    *ecdsa.PrivateKey
	signer types.Signer

	sendMtx sync.Mutex

	nonceMtx   sync.Mutex
	nonce      uint64
	nonceKnown bool
}

// New creates an Account for the key on the chain.
func New(key *ecdsa.PrivateKey, chainID *big.Int) *Account {
	return &Account{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
		signer:  types.LatestSignerForChainID(chainID),
	}
}

// Lock acquires the send lock.
func (a *Account) Lock() {
	a.sendMtx.Lock()
}

// Unlock releases the send lock.
func (a *Account) Unlock() {
	a.sendMtx.Unlock()
}

// NextNonce is the nonce for the next transaction. The value is read from
// the node's pending pool the first time and after a reset.
func (a *Account) NextNonce(ctx context.Context, r NonceReader) (uint64, error) {
	a.nonceMtx.Lock()
	defer a.nonceMtx.Unlock()
	if a.nonceKnown {
		return a.nonce, nil
	}
	n, err := r.PendingNonceAt(ctx, a.Address)
	if err != nil {
		return 0, fmt.Errorf("error reading pending nonce for %s: %w", a.Address, err)
	}
	a.nonce, a.nonceKnown = n, true
	return n, nil
}

// ConsumeNonce records that a transaction with the nonce was sent.
func (a *Account) ConsumeNonce(nonce uint64) {
	a.nonceMtx.Lock()
	if a.nonceKnown && nonce >= a.nonce {
		a.nonce = nonce + 1
	}
	a.nonceMtx.Unlock()
}

// CachedNonce is the nonce for the next transaction, if known.
func (a *Account) CachedNonce() (uint64, bool) {
	a.nonceMtx.Lock()
	defer a.nonceMtx.Unlock()
	return a.nonce, a.nonceKnown
}

// ResetNonce forgets the cached nonce.
func (a *Account) ResetNonce() {
	a.nonceMtx.Lock()
	a.nonceKnown = false
	a.nonceMtx.Unlock()
}

// SignTx signs the transaction.
func (a *Account) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, a.signer, a.key)
}

// Pool is a fixed set of execution accounts.
type Pool struct {
	accounts []*Account
}

// NewPool creates a Pool from hex-encoded private keys.
func NewPool(hexKeys []string, chainID *big.Int) (*Pool, error) {
	if len(hexKeys) == 0 {
		return nil, errors.New("no execution account keys")
	}
	p := &Pool{accounts: make([]*Account, 0, len(hexKeys))}
	seen := make(map[common.Address]bool, len(hexKeys))
	for i, k := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(k, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid execution key #%d: %w", i, err)
		}
		a := New(key, chainID)
		if seen[a.Address] {
			return nil, fmt.Errorf("duplicate execution account %s", a.Address)
		}
		seen[a.Address] = true
		p.accounts = append(p.accounts, a)
	}
	return p, nil
}

// NewPoolFromAccounts creates a Pool from existing accounts.
func NewPoolFromAccounts(accounts ...*Account) *Pool {
	return &Pool{accounts: accounts}
}

// For picks the execution account for a nonce sequence. A sequence always
// maps to the same account, so its transactions share one EVM nonce order.
func (p *Pool) For(id boop.SequenceID) *Account {
	h := fnv.New64a()
	h.Write(id.Account[:])
	h.Write(id.Track[:])
	return p.accounts[h.Sum64()%uint64(len(p.accounts))]
}

// Accounts lists the accounts.
func (p *Pool) Accounts() []*Account {
	return append([]*Account(nil), p.accounts...)
}

// Find returns the account with the address, or nil.
func (p *Pool) Find(addr common.Address) *Account {
	for _, a := range p.accounts {
		if a.Address == addr {
			return a
		}
	}
	return nil
}
