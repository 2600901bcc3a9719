// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/server/account"
	"github.com/happychain/boopd/server/admin"
	"github.com/happychain/boopd/server/nonce"
	"github.com/happychain/boopd/server/receipt"
	"github.com/happychain/boopd/server/resync"
	"github.com/happychain/boopd/server/simulate"
	"github.com/happychain/boopd/server/submit"
)

// reconfigurer is a chain client whose endpoints can be replaced while
// running.
type reconfigurer interface {
	Reconfigure(ctx context.Context, endpoints []string) error
}

// adminCore collects the running services behind the admin server.
type adminCore struct {
	chainID    *big.Int
	entryPoint common.Address
	start      time.Time
	accounts   *account.Pool
	resyncer   *resync.Service
	nonces     *nonce.Manager
	receipts   *receipt.Service
	cache      *simulate.Cache
	submitter  *submit.Submitter
	// clients is keyed by client name, "read" or "send".
	clients map[string]reconfigurer
}

var _ admin.SvrCore = (*adminCore)(nil)

func (c *adminCore) Status() *admin.Status {
	return &admin.Status{
		ChainID:           c.chainID.Uint64(),
		EntryPoint:        c.entryPoint,
		Version:           Version,
		StartTime:         admin.APITime{Time: c.start},
		InFlight:          c.submitter.InFlight(),
		Blocked:           c.nonces.Blocked(),
		Tracked:           c.receipts.NumTracked(),
		CachedSimulations: c.cache.Len(),
	}
}

func (c *adminCore) ExecutionAccounts() []*admin.AccountInfo {
	accts := c.accounts.Accounts()
	infos := make([]*admin.AccountInfo, 0, len(accts))
	for _, a := range accts {
		n, known := a.CachedNonce()
		infos = append(infos, &admin.AccountInfo{
			Address:    a.Address,
			Nonce:      n,
			NonceKnown: known,
		})
	}
	return infos
}

func (c *adminCore) Resync(addr common.Address) error {
	if c.accounts.Find(addr) == nil {
		return admin.ErrUnknownAccount
	}
	c.resyncer.Trigger(addr)
	return nil
}

func (c *adminCore) Reconfigure(ctx context.Context, client string, endpoints []string) error {
	rc, found := c.clients[client]
	if !found {
		return admin.ErrUnknownClient
	}
	return rc.Reconfigure(ctx, endpoints)
}
