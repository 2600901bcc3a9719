// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/happychain/boopd/sub"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultQuarantine     = time.Minute
	defaultStickiness     = time.Minute
)

// Config is the configuration for a Client.
type Config struct {
	// Name distinguishes clients in logs, e.g. "read" or "write".
	Name string
	// Endpoints are the RPC URLs in priority order.
	Endpoints []string
	// ChainID is verified against every endpoint at connect.
	ChainID *big.Int
	// RequestTimeout bounds each call to a single endpoint. A call that
	// exceeds it counts as an endpoint failure.
	RequestTimeout time.Duration
	// Quarantine is how long a failed endpoint is skipped.
	Quarantine time.Duration
	// Random tries the non-preferred endpoints in random order rather than
	// priority order.
	Random bool
	// Stickiness is how long nonce-sensitive calls stay with the endpoint
	// that last accepted a transaction.
	Stickiness time.Duration
	// Dialer defaults to DialEthClient.
	Dialer Dialer
	Log    sub.Logger
}

// Client is a fault-tolerant chain client backed by a list of endpoints.
type Client struct {
	cfg     Config
	chainID *big.Int
	log     sub.Logger

	selectorMtx sync.RWMutex
	selector    *Selector

	lastProvider struct {
		sync.Mutex
		*provider
		stamp time.Time
	}
}

// NewClient is the constructor for a Client. Connect must be called before
// use.
func NewClient(cfg *Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%s client: %w", cfg.Name, ErrNoEndpoints)
	}
	if cfg.ChainID == nil {
		return nil, errors.New("no chain ID")
	}
	c := *cfg
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Quarantine == 0 {
		c.Quarantine = defaultQuarantine
	}
	if c.Stickiness == 0 {
		c.Stickiness = defaultStickiness
	}
	if c.Dialer == nil {
		c.Dialer = DialEthClient
	}
	if c.Log == nil {
		c.Log = sub.Disabled
	}
	return &Client{
		cfg:      c,
		chainID:  new(big.Int).Set(c.ChainID),
		log:      c.Log,
		selector: newSelector(nil, c.Random),
	}, nil
}

// Connect dials the configured endpoints. Endpoints that can't be reached or
// that report the wrong chain ID are left out. It is an error if none
// connect.
func (c *Client) Connect(ctx context.Context) error {
	providers, err := c.connectProviders(ctx, c.cfg.Endpoints)
	if err != nil {
		return err
	}
	c.selectorMtx.Lock()
	c.selector = newSelector(providers, c.cfg.Random)
	c.selectorMtx.Unlock()
	return nil
}

func (c *Client) connectProviders(ctx context.Context, endpoints []string) ([]*provider, error) {
	providers := make([]*provider, 0, len(endpoints))
	for _, endpoint := range endpoints {
		host := endpoint
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			host = u.Host
		}
		cctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		conn, err := c.cfg.Dialer(cctx, endpoint)
		if err != nil {
			cancel()
			c.log.Errorf("error connecting to %q: %v", host, err)
			continue
		}
		reportedChainID, err := conn.ChainID(cctx)
		cancel()
		if err != nil {
			conn.Close()
			c.log.Errorf("Failed to get chain ID from %q: %v", host, err)
			continue
		}
		if c.chainID.Cmp(reportedChainID) != 0 {
			conn.Close()
			c.log.Errorf("%q reported wrong chain ID. expected %d, got %d", host, c.chainID, reportedChainID)
			continue
		}
		providers = append(providers, &provider{host: host, endpoint: endpoint, conn: conn})
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%s client: %w", c.cfg.Name, ErrNoEndpoints)
	}
	c.log.Infof("%s client connected with %d of %d RPC endpoints", c.cfg.Name, len(providers), len(endpoints))
	return providers, nil
}

// Reconfigure replaces the endpoint list. The new endpoints are connected
// before the old ones are closed, so in-flight calls complete.
func (c *Client) Reconfigure(ctx context.Context, endpoints []string) error {
	if len(endpoints) == 0 {
		return fmt.Errorf("%s client: %w", c.cfg.Name, ErrNoEndpoints)
	}
	providers, err := c.connectProviders(ctx, endpoints)
	if err != nil {
		return err
	}
	c.selectorMtx.Lock()
	old := c.selector
	c.selector = newSelector(providers, c.cfg.Random)
	c.cfg.Endpoints = endpoints
	c.selectorMtx.Unlock()

	c.lastProvider.Lock()
	c.lastProvider.provider = nil
	c.lastProvider.Unlock()

	for _, p := range old.list() {
		p.conn.Close()
	}
	return nil
}

// Close closes all endpoint connections.
func (c *Client) Close() {
	for _, p := range c.currentSelector().list() {
		p.conn.Close()
	}
}

// Selector is the current endpoint selection strategy.
func (c *Client) Selector() *Selector {
	return c.currentSelector()
}

func (c *Client) currentSelector() *Selector {
	c.selectorMtx.RLock()
	defer c.selectorMtx.RUnlock()
	return c.selector
}

// ChainID is the configured chain ID.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// acceptabilityFilter: When running withOne, sometimes errors need special
// handling. Zero or more acceptabilityFilters can be added.
//
//	discard: the error is discarded, iteration ends and nil is returned.
//	propagate: iteration ends and the error is returned immediately.
//	fail: the provider is quarantined and iteration continues.
//
// If false is returned for all three by every filter, the built-in
// classification applies: final chain errors propagate and anything else
// quarantines the provider.
type acceptabilityFilter func(error) (discard, propagate, fail bool)

// finalErrors are errors that an endpoint is expected to report correctly.
// Trying another endpoint would not change the answer.
var finalErrors = []any{
	"execution reverted",
	txpool.ErrReplaceUnderpriced,
	"replacement transaction underpriced",
	core.ErrInsufficientFunds,
	"insufficient funds",
	core.ErrNonceTooLow,
	"nonce too low",
	"nonce has already been used",
	"already used",
}

// IsFinal is true if the error is a chain-level rejection that is not
// retried on other endpoints.
func IsFinal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ethereum.NotFound) || errorFilter(err, finalErrors...)
}

// IsNonceTooLow is true if the error indicates that the transaction nonce
// was already consumed.
func IsNonceTooLow(err error) bool {
	return err != nil && errorFilter(err, core.ErrNonceTooLow, "nonce too low", "nonce has already been used", "already used")
}

// IsUnderpriced is true if a replacement transaction was rejected for
// insufficient fee bump.
func IsUnderpriced(err error) bool {
	return err != nil && errorFilter(err, txpool.ErrReplaceUnderpriced, "replacement transaction underpriced", "underpriced")
}

func errorFilter(err error, matches ...any) bool {
	errStr := err.Error()
	for _, mi := range matches {
		var s string
		switch m := mi.(type) {
		case string:
			s = m
		case error:
			if errors.Is(err, m) {
				return true
			}
			s = m.Error()
		}
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// providerList returns the providers in the order they should be tried. For
// nonce-sensitive calls, a recently used send provider goes first.
func (c *Client) providerList(sticky bool) []*provider {
	providers := c.currentSelector().order()
	if !sticky {
		return providers
	}
	c.lastProvider.Lock()
	last := c.lastProvider.provider
	if time.Since(c.lastProvider.stamp) >= c.cfg.Stickiness {
		last = nil
	}
	c.lastProvider.Unlock()
	if last == nil {
		return providers
	}
	ordered := make([]*provider, 0, len(providers))
	var found bool
	for _, p := range providers {
		if p == last {
			found = true
			continue
		}
		ordered = append(ordered, p)
	}
	if !found {
		return providers
	}
	return append([]*provider{last}, ordered...)
}

// withOne runs the provider function against the providers in order until
// one succeeds, one returns a final error, or all have failed. Each attempt
// is bounded by the request timeout.
func (c *Client) withOne(ctx context.Context, sticky bool, f func(context.Context, *provider) error,
	acceptabilityFilters ...acceptabilityFilter) (*provider, error) {

	providers := c.providerList(sticky)
	quarantine := c.cfg.Quarantine
	readyProviders := make([]*provider, 0, len(providers))
	for _, p := range providers {
		if !p.failed(quarantine) {
			readyProviders = append(readyProviders, p)
		}
	}
	if len(readyProviders) == 0 {
		// Just try them all.
		c.log.Tracef("all %s providers in a failed state, so acting like none are", c.cfg.Name)
		readyProviders = providers
	}
	if len(readyProviders) == 0 {
		return nil, ErrNoEndpoints
	}
	sel := c.currentSelector()
	var superError error
next:
	for _, p := range readyProviders {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		err := f(rctx, p)
		cancel()
		if err == nil {
			p.setSucceeded()
			sel.prefer(p)
			return p, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, filter := range acceptabilityFilters {
			discard, propagate, fail := filter(err)
			if discard {
				return p, nil
			}
			if propagate {
				return p, err
			}
			if fail {
				c.fail(sel, p, err)
				superError = joinErr(superError, err)
				continue next
			}
		}
		if IsFinal(err) {
			return p, err
		}
		c.fail(sel, p, err)
		superError = joinErr(superError, err)
	}
	return nil, sub.NewError(ErrAllFailed, "%v", superError)
}

func (c *Client) fail(sel *Selector, p *provider, err error) {
	c.log.Errorf("error from %s provider %q: %v", c.cfg.Name, p.host, err)
	p.setFailed()
	sel.demote(p, c.cfg.Quarantine)
}

func joinErr(superError, err error) error {
	if superError == nil {
		return err
	}
	return fmt.Errorf("%v: %w", superError, err)
}

func (c *Client) withAny(ctx context.Context, f func(context.Context, *provider) error, filters ...acceptabilityFilter) error {
	_, err := c.withOne(ctx, false, f, filters...)
	return err
}

func (c *Client) withSticky(ctx context.Context, f func(context.Context, *provider) error, filters ...acceptabilityFilter) error {
	_, err := c.withOne(ctx, true, f, filters...)
	return err
}

// BlockNumber is the height of the best block.
func (c *Client) BlockNumber(ctx context.Context) (h uint64, err error) {
	return h, c.withAny(ctx, func(ctx context.Context, p *provider) error {
		h, err = p.conn.BlockNumber(ctx)
		return err
	})
}

// HeaderByNumber fetches the header at the height, or the best header if
// number is nil.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (hdr *types.Header, err error) {
	return hdr, c.withAny(ctx, func(ctx context.Context, p *provider) error {
		hdr, err = p.conn.HeaderByNumber(ctx, number)
		return err
	})
}

// CallContract performs an eth_call. Reverts are returned with their revert
// data intact. See RevertData.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (res []byte, err error) {
	return res, c.withAny(ctx, func(ctx context.Context, p *provider) error {
		res, err = p.conn.CallContract(ctx, msg, blockNumber)
		return err
	})
}

// SuggestGasPrice is the node's legacy gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (price *big.Int, err error) {
	return price, c.withAny(ctx, func(ctx context.Context, p *provider) error {
		price, err = p.conn.SuggestGasPrice(ctx)
		return err
	})
}

// SuggestGasTipCap is the node's priority fee suggestion.
func (c *Client) SuggestGasTipCap(ctx context.Context) (tip *big.Int, err error) {
	return tip, c.withAny(ctx, func(ctx context.Context, p *provider) error {
		tip, err = p.conn.SuggestGasTipCap(ctx)
		return err
	})
}

// BalanceAt is the account's balance at the height, or at the best block if
// blockNumber is nil.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (bal *big.Int, err error) {
	return bal, c.withAny(ctx, func(ctx context.Context, p *provider) error {
		bal, err = p.conn.BalanceAt(ctx, account, blockNumber)
		return err
	})
}

// NonceAt is the account's confirmed nonce.
func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (n uint64, err error) {
	return n, c.withSticky(ctx, func(ctx context.Context, p *provider) error {
		n, err = p.conn.NonceAt(ctx, account, blockNumber)
		return err
	})
}

// PendingNonceAt is the account's nonce including transactions in the
// node's pool. The endpoint that last accepted a transaction is asked first.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (n uint64, err error) {
	return n, c.withSticky(ctx, func(ctx context.Context, p *provider) error {
		n, err = p.conn.PendingNonceAt(ctx, account)
		return err
	})
}

// TransactionReceipt fetches the receipt of a mined transaction.
// ethereum.NotFound is returned for transactions that are not mined.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (r *types.Receipt, err error) {
	return r, c.withAny(ctx, func(ctx context.Context, p *provider) error {
		r, err = p.conn.TransactionReceipt(ctx, txHash)
		return err
	})
}

// SendTransaction broadcasts a signed transaction. An endpoint that already
// knows the transaction counts as a success. The accepting endpoint is
// remembered for subsequent nonce-sensitive calls.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	p, err := c.withOne(ctx, true, func(ctx context.Context, p *provider) error {
		c.log.Tracef("Sending signed tx %s via %q", tx.Hash(), p.host)
		return p.conn.SendTransaction(ctx, tx)
	}, func(err error) (discard, propagate, fail bool) {
		return errorFilter(err, txpool.ErrAlreadyKnown, "known transaction", "already known"), false, false
	})
	if err != nil {
		return err
	}
	c.lastProvider.Lock()
	c.lastProvider.provider = p
	c.lastProvider.stamp = time.Now()
	c.lastProvider.Unlock()
	return nil
}
