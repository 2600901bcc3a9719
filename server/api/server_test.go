// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/simulate"
	"github.com/happychain/boopd/server/submit"
)

var _ Core = (*submit.Submitter)(nil)

type tCore struct {
	simOut   *simulate.Output
	simErr   error
	subErr   error
	execOut  *submit.ExecuteOutput
	state    *submit.State
	pending  []*boop.PendingInfo
	lastIn   *submit.Input
	lastHash common.Hash
	lastAcct common.Address
}

func (c *tCore) Simulate(_ context.Context, in *submit.Input) (*simulate.Output, error) {
	c.lastIn = in
	return c.simOut, c.simErr
}

func (c *tCore) Submit(_ context.Context, in *submit.Input) (*submit.SubmitOutput, error) {
	c.lastIn = in
	if c.subErr != nil {
		return nil, c.subErr
	}
	return &submit.SubmitOutput{Status: boop.Success, BoopHash: boop.Hash(in.Boop, big.NewInt(1))}, nil
}

func (c *tCore) Execute(_ context.Context, in *submit.Input) (*submit.ExecuteOutput, error) {
	c.lastIn = in
	if c.subErr != nil {
		return nil, c.subErr
	}
	return c.execOut, nil
}

func (c *tCore) GetState(_ context.Context, h common.Hash) (*submit.State, error) {
	c.lastHash = h
	return c.state, nil
}

func (c *tCore) GetPending(a common.Address) []*boop.PendingInfo {
	c.lastAcct = a
	return c.pending
}

func newTestServer(t *testing.T, core *tCore) *Server {
	t.Helper()
	s, err := NewServer(&Config{Core: core})
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	return s
}

func testBoopJSON(t *testing.T) string {
	t.Helper()
	b := &boop.Boop{
		Account:                 common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Dest:                    common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Payer:                   common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Value:                   big.NewInt(0),
		NonceValue:              7,
		MaxFeePerGas:            big.NewInt(1e9),
		SubmitterFee:            big.NewInt(0),
		GasLimit:                100000,
		ValidateGasLimit:        50000,
		ValidatePaymentGasLimit: 50000,
		ExecuteGasLimit:         50000,
		CallData:                []byte{0xde, 0xad},
	}
	body, err := json.Marshal(&submit.Input{Boop: b})
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	return string(body)
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *errorResponse {
	t.Helper()
	resp := new(errorResponse)
	if err := json.Unmarshal(w.Body.Bytes(), resp); err != nil {
		t.Fatalf("error body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &tCore{})
	w := do(s, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("wrong code %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("wrong body %q", w.Body.String())
	}
}

func TestSimulateRoute(t *testing.T) {
	core := &tCore{simOut: &simulate.Output{Status: boop.CallReverted, Description: "nope"}}
	s := newTestServer(t, core)

	// A simulation that ran is answered with its status.
	w := do(s, http.MethodPost, "/api/v1/boop/simulate", testBoopJSON(t))
	if w.Code != http.StatusOK {
		t.Fatalf("wrong code %d: %s", w.Code, w.Body.String())
	}
	var out simulate.Output
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.Status != boop.CallReverted {
		t.Fatalf("wrong status %s", out.Status)
	}
	if core.lastIn == nil || core.lastIn.Boop.NonceValue != 7 {
		t.Fatalf("boop not passed through")
	}

	core.simErr = boop.NewError(boop.RPCError, "node down")
	w = do(s, http.MethodPost, "/api/v1/boop/simulate", testBoopJSON(t))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("wrong code %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Status != boop.RPCError || resp.Stage != boop.StageSimulate {
		t.Fatalf("wrong error %+v", resp.Error)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		subErr     error
		wantCode   int
		wantStatus boop.Status
	}{{
		name:       "bad json",
		body:       `{"boop":`,
		wantCode:   http.StatusBadRequest,
		wantStatus: boop.InvalidValues,
	}, {
		name:       "no boop",
		body:       `{}`,
		wantCode:   http.StatusBadRequest,
		wantStatus: boop.InvalidValues,
	}, {
		name:       "duplicate",
		subErr:     boop.NewError(boop.AlreadyProcessing, "dup"),
		wantCode:   http.StatusConflict,
		wantStatus: boop.AlreadyProcessing,
	}, {
		name:       "onchain rejection",
		subErr:     boop.NewError(boop.ValidationRejected, "bad sig"),
		wantCode:   http.StatusUnprocessableEntity,
		wantStatus: boop.ValidationRejected,
	}, {
		name:       "plain error",
		subErr:     context.DeadlineExceeded,
		wantCode:   http.StatusInternalServerError,
		wantStatus: boop.UnexpectedError,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &tCore{subErr: tt.subErr})
			body := tt.body
			if body == "" {
				body = testBoopJSON(t)
			}
			w := do(s, http.MethodPost, "/api/v1/boop/submit", body)
			if w.Code != tt.wantCode {
				t.Fatalf("wanted code %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			resp := decodeError(t, w)
			if resp.Status != tt.wantStatus {
				t.Fatalf("wanted status %s, got %s", tt.wantStatus, resp.Status)
			}
			if resp.Stage != boop.StageSubmit {
				t.Fatalf("wrong stage %q", resp.Stage)
			}
			if resp.Message == "" || resp.Description == "" {
				t.Fatalf("missing error text")
			}
		})
	}
}

func TestSubmitContentType(t *testing.T) {
	s := newTestServer(t, &tCore{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/boop/submit", strings.NewReader(testBoopJSON(t)))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("wrong code %d", w.Code)
	}
}

func TestExecuteRoute(t *testing.T) {
	core := &tCore{execOut: &submit.ExecuteOutput{
		Status:  boop.ExecuteReverted,
		Receipt: &boop.Receipt{Status: boop.ExecuteReverted},
	}}
	s := newTestServer(t, core)
	w := do(s, http.MethodPost, "/api/v1/boop/execute", testBoopJSON(t))
	if w.Code != http.StatusOK {
		t.Fatalf("wrong code %d: %s", w.Code, w.Body.String())
	}
	var out submit.ExecuteOutput
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.Status != boop.ExecuteReverted {
		t.Fatalf("wrong status %s", out.Status)
	}

	core.subErr = boop.NewError(boop.ReceiptTimeout, "no receipt yet")
	w = do(s, http.MethodPost, "/api/v1/boop/execute", testBoopJSON(t))
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("wrong code %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Stage != boop.StageExecute {
		t.Fatalf("wrong stage %q", resp.Stage)
	}
}

func TestStateRoute(t *testing.T) {
	core := &tCore{state: &submit.State{Status: boop.UnknownBoop}}
	s := newTestServer(t, core)

	h := common.HexToHash("0xabcdef")
	w := do(s, http.MethodGet, "/api/v1/boop/state/"+h.Hex(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("wrong code %d", w.Code)
	}
	if core.lastHash != h {
		t.Fatalf("wrong hash passed %s", core.lastHash)
	}
	var st submit.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.Status != boop.UnknownBoop {
		t.Fatalf("wrong status %s", st.Status)
	}

	for _, bad := range []string{"0x1234", "abcdef", "0x" + strings.Repeat("zz", 32)} {
		w = do(s, http.MethodGet, "/api/v1/boop/state/"+bad, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: wrong code %d", bad, w.Code)
		}
	}
}

func TestPendingRoute(t *testing.T) {
	acct := common.HexToAddress("0x1111111111111111111111111111111111111111")
	core := &tCore{}
	s := newTestServer(t, core)

	w := do(s, http.MethodGet, "/api/v1/boop/pending/"+acct.Hex(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("wrong code %d", w.Code)
	}
	if core.lastAcct != acct {
		t.Fatalf("wrong account passed %s", core.lastAcct)
	}
	if !strings.Contains(w.Body.String(), `"pending":[]`) {
		t.Fatalf("nil pending not rendered as empty list: %s", w.Body.String())
	}

	core.pending = []*boop.PendingInfo{{NonceValue: 4, Submitted: true}}
	w = do(s, http.MethodGet, "/api/v1/boop/pending/"+acct.Hex(), "")
	var resp pendingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(resp.Pending) != 1 || resp.Pending[0].NonceValue != 4 || !resp.Pending[0].Submitted {
		t.Fatalf("wrong pending %+v", resp.Pending)
	}

	w = do(s, http.MethodGet, "/api/v1/boop/pending/0xnotanaddress", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("wrong code %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	core := &tCore{state: &submit.State{Status: boop.UnknownBoop}}
	s, err := NewServer(&Config{Core: core, IPRatePerSec: 0.001, IPBurst: 2})
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	path := "/api/v1/boop/state/" + common.Hash{}.Hex()
	for i := 0; i < 2; i++ {
		if w := do(s, http.MethodGet, path, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d limited early", i)
		}
	}
	if w := do(s, http.MethodGet, path, ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("wanted 429, got %d", w.Code)
	}

	// Another client has its own allowance.
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.9:5555"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("other client limited, code %d", w.Code)
	}

	// Health isn't limited.
	if w := do(s, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health limited, code %d", w.Code)
	}

	s.limiterMtx.Lock()
	for _, l := range s.limiters {
		l.lastHit = l.lastHit.Add(-2 * ipLimiterExpiry)
	}
	s.limiterMtx.Unlock()
	s.sweepLimiters()
	if len(s.limiters) != 0 {
		t.Fatalf("limiters not swept")
	}
}
