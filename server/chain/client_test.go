// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/happychain/boopd/sub"
)

var (
	tLogger  = slog.NewBackend(os.Stdout).Logger("TEST")
	tChainID = big.NewInt(216)
)

func init() {
	tLogger.SetLevel(slog.LevelTrace)
}

type tConn struct {
	mtx       sync.Mutex
	chainID   *big.Int
	height    uint64
	err       error
	sendErr   error
	delay     time.Duration
	calls     int
	sent      []*types.Transaction
	closed    bool
	pendNonce uint64
}

func (c *tConn) call() error {
	c.mtx.Lock()
	c.calls++
	err, delay := c.err, c.delay
	c.mtx.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (c *tConn) numCalls() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.calls
}

func (c *tConn) ChainID(context.Context) (*big.Int, error) {
	return c.chainID, nil
}

func (c *tConn) BlockNumber(ctx context.Context) (uint64, error) {
	c.mtx.Lock()
	delay := c.delay
	c.mtx.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return c.height, c.call()
}

func (c *tConn) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(c.height)}, c.call()
}

func (c *tConn) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return []byte{0x01}, c.call()
}

func (c *tConn) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1e9), c.call()
}

func (c *tConn) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1e8), c.call()
}

func (c *tConn) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), c.call()
}

func (c *tConn) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return c.pendNonce, c.call()
}

func (c *tConn) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return c.pendNonce, c.call()
}

func (c *tConn) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (c *tConn) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.calls++
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *tConn) Close() {
	c.mtx.Lock()
	c.closed = true
	c.mtx.Unlock()
}

func newTestClient(t *testing.T, conns map[string]*tConn, endpoints ...string) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		Name:           "test",
		Endpoints:      endpoints,
		ChainID:        tChainID,
		RequestTimeout: 50 * time.Millisecond,
		Quarantine:     time.Minute,
		Dialer: func(_ context.Context, endpoint string) (Conn, error) {
			conn, found := conns[endpoint]
			if !found {
				return nil, errors.New("connection refused")
			}
			return conn, nil
		},
		Log: tLogger,
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	return c
}

func TestConnectVerifiesChainID(t *testing.T) {
	good := &tConn{chainID: tChainID}
	wrong := &tConn{chainID: big.NewInt(1)}
	c := newTestClient(t, map[string]*tConn{"http://a": wrong, "http://b": good}, "http://a", "http://b", "http://c")
	ps := c.Selector().list()
	if len(ps) != 1 || ps[0].conn != good {
		t.Fatalf("expected only the good endpoint, got %d", len(ps))
	}
	if !wrong.closed {
		t.Fatalf("wrong chain connection not closed")
	}

	c, _ = NewClient(&Config{
		Endpoints: []string{"http://a"},
		ChainID:   tChainID,
		Dialer: func(context.Context, string) (Conn, error) {
			return wrong, nil
		},
	})
	if err := c.Connect(context.Background()); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestFailover(t *testing.T) {
	a := &tConn{chainID: tChainID, height: 1, err: errors.New("503 service unavailable")}
	b := &tConn{chainID: tChainID, height: 2}
	c := newTestClient(t, map[string]*tConn{"http://a": a, "http://b": b}, "http://a", "http://b")

	h, err := c.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber error: %v", err)
	}
	if h != 2 {
		t.Fatalf("expected height from second endpoint, got %d", h)
	}
	if c.Selector().Preferred() != "b" {
		t.Fatalf("preferred endpoint not updated, got %q", c.Selector().Preferred())
	}
	// a is quarantined and b is preferred, so a is not asked again.
	if !quarantined(c, a) {
		t.Fatalf("failed endpoint not quarantined")
	}
	if _, err := c.BlockNumber(context.Background()); err != nil {
		t.Fatalf("BlockNumber error: %v", err)
	}
	if a.numCalls() != 1 {
		t.Fatalf("quarantined endpoint called %d times", a.numCalls())
	}
}

// quarantined reports whether the client's provider for conn is failed.
func quarantined(c *Client, conn *tConn) bool {
	for _, p := range c.Selector().list() {
		if p.conn == conn {
			return p.failed(time.Minute)
		}
	}
	return false
}

func TestFinalErrorsPropagate(t *testing.T) {
	for _, msg := range []string{
		"execution reverted: 0x1234",
		"replacement transaction underpriced",
		"insufficient funds for gas * price + value",
		"nonce too low: next nonce 5, tx nonce 4",
	} {
		a := &tConn{chainID: tChainID, err: errors.New(msg)}
		b := &tConn{chainID: tChainID}
		c := newTestClient(t, map[string]*tConn{"http://a": a, "http://b": b}, "http://a", "http://b")
		_, err := c.CallContract(context.Background(), ethereum.CallMsg{}, nil)
		if err == nil || err.Error() != msg {
			t.Fatalf("%q: expected error to propagate, got %v", msg, err)
		}
		if b.numCalls() != 0 {
			t.Fatalf("%q: fell back on a final error", msg)
		}
		if quarantined(c, a) {
			t.Fatalf("%q: endpoint quarantined for a final error", msg)
		}
	}
}

func TestRequestTimeoutFailsOver(t *testing.T) {
	slow := &tConn{chainID: tChainID, height: 1, delay: time.Second}
	fast := &tConn{chainID: tChainID, height: 2}
	c := newTestClient(t, map[string]*tConn{"http://slow": slow, "http://fast": fast}, "http://slow", "http://fast")
	h, err := c.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber error: %v", err)
	}
	if h != 2 {
		t.Fatalf("expected answer from fast endpoint, got %d", h)
	}
}

func TestAllFailed(t *testing.T) {
	a := &tConn{chainID: tChainID, err: errors.New("bad gateway")}
	b := &tConn{chainID: tChainID, err: errors.New("connection reset")}
	c := newTestClient(t, map[string]*tConn{"http://a": a, "http://b": b}, "http://a", "http://b")
	_, err := c.SuggestGasPrice(context.Background())
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
	// With everything quarantined, all endpoints are still tried.
	_, err = c.SuggestGasPrice(context.Background())
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
	if a.numCalls() != 2 || b.numCalls() != 2 {
		t.Fatalf("expected two calls each, got %d and %d", a.numCalls(), b.numCalls())
	}
}

func TestSendTransaction(t *testing.T) {
	a := &tConn{chainID: tChainID, sendErr: errors.New("already known")}
	b := &tConn{chainID: tChainID}
	c := newTestClient(t, map[string]*tConn{"http://a": a, "http://b": b}, "http://a", "http://b")
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: tChainID, Nonce: 1})
	if err := c.SendTransaction(context.Background(), tx); err != nil {
		t.Fatalf("already known should be a success, got %v", err)
	}
	if len(b.sent) != 0 {
		t.Fatalf("fell back after already known")
	}

	a.sendErr = errors.New("timeout")
	if err := c.SendTransaction(context.Background(), tx); err != nil {
		t.Fatalf("SendTransaction error: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("expected send through b")
	}
	// b is now sticky for nonce reads.
	b.pendNonce = 7
	n, err := c.PendingNonceAt(context.Background(), common.Address{})
	if err != nil || n != 7 {
		t.Fatalf("wrong pending nonce %d, %v", n, err)
	}
}

func TestReconfigure(t *testing.T) {
	a := &tConn{chainID: tChainID, height: 1}
	b := &tConn{chainID: tChainID, height: 2}
	c := newTestClient(t, map[string]*tConn{"http://a": a, "http://b": b}, "http://a")
	if err := c.Reconfigure(context.Background(), []string{"http://b"}); err != nil {
		t.Fatalf("Reconfigure error: %v", err)
	}
	if !a.closed {
		t.Fatalf("old endpoint not closed")
	}
	h, err := c.BlockNumber(context.Background())
	if err != nil || h != 2 {
		t.Fatalf("wrong height %d, %v", h, err)
	}
	if err := c.Reconfigure(context.Background(), nil); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestSelectorOrder(t *testing.T) {
	ps := []*provider{{host: "a"}, {host: "b"}, {host: "c"}}
	s := newSelector(ps, false)
	s.prefer(ps[2])
	order := s.order()
	if order[0] != ps[2] || order[1] != ps[0] || order[2] != ps[1] {
		t.Fatalf("wrong order")
	}
	ps[2].setFailed()
	s.demote(ps[2], time.Minute)
	if s.Preferred() != "a" {
		t.Fatalf("expected preference to move to a, got %s", s.Preferred())
	}
	if IsFinal(errors.New("connection refused")) || !IsFinal(ethereum.NotFound) {
		t.Fatalf("IsFinal wrong")
	}
	if !errors.Is(sub.NewError(ErrAllFailed, "x"), ErrAllFailed) {
		t.Fatalf("error kind not matched")
	}
}
