// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package resync

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/happychain/boopd/server/account"
)

var tChainID = big.NewInt(1337)

type tWriter struct {
	mtx      sync.Mutex
	included uint64
	pending  uint64
	// minTip is the smallest tip that gets included. Smaller tips are
	// accepted into the pool but never mined, unless rejectLow is set.
	minTip    *big.Int
	rejectLow bool
	// queueAfter adds pending transactions the first time the included
	// nonce reaches pending.
	queueAfter uint64
	sent       []*types.Transaction
	nonceReads int
}

func (w *tWriter) ChainID() *big.Int { return tChainID }

func (w *tWriter) SendTransaction(_ context.Context, tx *types.Transaction) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if tx.Nonce() < w.included {
		return core.ErrNonceTooLow
	}
	if w.minTip != nil && tx.GasTipCap().Cmp(w.minTip) < 0 {
		if w.rejectLow {
			return txpool.ErrReplaceUnderpriced
		}
		w.sent = append(w.sent, tx)
		return nil
	}
	w.sent = append(w.sent, tx)
	if tx.Nonce() == w.included {
		w.included++
	}
	if w.included == w.pending && w.queueAfter > 0 {
		w.pending += w.queueAfter
		w.queueAfter = 0
	}
	return nil
}

func (w *tWriter) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.pending, nil
}

func (w *tWriter) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.nonceReads++
	return w.included, nil
}

func (w *tWriter) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (w *tWriter) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(10), BaseFee: big.NewInt(5e9)}, nil
}

func (w *tWriter) sentTxs() []*types.Transaction {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return append([]*types.Transaction(nil), w.sent...)
}

func newTestService(t *testing.T, w *tWriter, maxTip int64) (*Service, *account.Account) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	a := account.New(key, tChainID)
	logger := slog.NewBackend(os.Stdout).Logger("RSYN_TEST")
	logger.SetLevel(slog.LevelDebug)
	s, err := NewService(&Config{
		Chain:          w,
		Accounts:       account.NewPoolFromAccounts(a),
		MaxPriorityFee: big.NewInt(maxTip),
		PollInterval:   time.Millisecond,
		PollTimeout:    10 * time.Millisecond,
		Log:            logger,
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return s, a
}

func TestResync(t *testing.T) {
	tests := []struct {
		name     string
		w        *tWriter
		maxTip   int64
		wantErr  error
		wantTips []int64
		included uint64
	}{
		{
			name:     "in sync",
			w:        &tWriter{included: 4, pending: 4},
			maxTip:   100e9,
			included: 4,
		},
		{
			name:     "two gaps",
			w:        &tWriter{included: 4, pending: 6},
			maxTip:   100e9,
			wantTips: []int64{1e9, 1e9},
			included: 6,
		},
		{
			name:     "underpriced doubles",
			w:        &tWriter{included: 0, pending: 1, minTip: big.NewInt(4e9), rejectLow: true},
			maxTip:   100e9,
			wantTips: []int64{4e9},
			included: 1,
		},
		{
			name:     "not mined doubles",
			w:        &tWriter{included: 0, pending: 1, minTip: big.NewInt(3e9)},
			maxTip:   100e9,
			wantTips: []int64{1e9, 2e9, 4e9},
			included: 1,
		},
		{
			name:     "capped",
			w:        &tWriter{included: 0, pending: 1, minTip: big.NewInt(50e9)},
			maxTip:   3e9,
			wantErr:  ErrFeeCap,
			wantTips: []int64{1e9, 2e9, 3e9},
		},
		{
			name:     "recheck",
			w:        &tWriter{included: 2, pending: 3, queueAfter: 2},
			maxTip:   100e9,
			wantTips: []int64{1e9, 1e9, 1e9},
			included: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, a := newTestService(t, tt.w, tt.maxTip)
			err := s.Resync(context.Background(), a)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("wrong error %v, want %v", err, tt.wantErr)
			}
			sent := tt.w.sentTxs()
			if len(tt.wantTips) > 0 {
				var mined []int64
				for _, tx := range sent {
					mined = append(mined, tx.GasTipCap().Int64())
					if *tx.To() != a.Address || tx.Value().Sign() != 0 {
						t.Fatalf("not a self-transfer")
					}
				}
				if tt.w.rejectLow {
					// Rejected sends aren't recorded.
					if len(mined) != 1 || mined[0] != tt.wantTips[0] {
						t.Fatalf("wrong tips %v", mined)
					}
				} else if len(mined) != len(tt.wantTips) {
					t.Fatalf("wrong tips %v, want %v", mined, tt.wantTips)
				} else {
					for i := range mined {
						if mined[i] != tt.wantTips[i] {
							t.Fatalf("wrong tips %v, want %v", mined, tt.wantTips)
						}
					}
				}
			} else if len(sent) != 0 {
				t.Fatalf("%d transactions sent", len(sent))
			}
			if tt.wantErr == nil && tt.w.included != tt.included {
				t.Fatalf("included nonce %d, want %d", tt.w.included, tt.included)
			}
		})
	}
}

func TestNonceReset(t *testing.T) {
	w := &tWriter{included: 0, pending: 1}
	s, a := newTestService(t, w, 100e9)
	ctx := context.Background()
	if n, _ := a.NextNonce(ctx, w); n != 1 {
		t.Fatalf("wrong nonce %d", n)
	}
	a.ConsumeNonce(1)
	if err := s.Resync(ctx, a); err != nil {
		t.Fatalf("Resync error: %v", err)
	}
	// The cached nonce 2 is gone. The node says 1.
	if n, _ := a.NextNonce(ctx, w); n != 1 {
		t.Fatalf("cached nonce survived resync, got %d", n)
	}
}

func TestTrigger(t *testing.T) {
	w := &tWriter{included: 3, pending: 3}
	s, a := newTestService(t, w, 100e9)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	w.mtx.Lock()
	w.pending = 4
	w.mtx.Unlock()
	s.Trigger(a.Address)

	deadline := time.After(5 * time.Second)
	for {
		w.mtx.Lock()
		included := w.included
		w.mtx.Unlock()
		if included == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("triggered resync did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
