// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/submit"
)

const (
	hashKey    = "hash"
	accountKey = "account"

	// maxBodySize limits request bodies. The calldata of a boop is the bulk
	// of it.
	maxBodySize = 1 << 20
)

// errorResponse is the body of a failed request.
type errorResponse struct {
	*boop.Error
	Message string `json:"error"`
}

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func (s *Server) writeJSON(w http.ResponseWriter, thing any) {
	s.writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus writes the JSON response with the specified HTTP
// response code.
func (s *Server) writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.Marshal(thing)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		s.log.Errorf("JSON encode error: %v", err)
		return
	}
	w.WriteHeader(code)
	if _, err = w.Write(append(b, '\n')); err != nil {
		s.log.Errorf("Write error: %v", err)
	}
}

// writeError writes the error with the HTTP code for its status.
func (s *Server) writeError(w http.ResponseWriter, err error, stage boop.Stage) {
	be := boop.AsError(err, stage)
	code := httpStatus(be.Status)
	if code >= http.StatusInternalServerError {
		s.log.Warnf("%s failed: %v", stage, be)
	} else {
		s.log.Debugf("%s rejected: %v", stage, be)
	}
	s.writeJSONWithStatus(w, &errorResponse{Error: be, Message: be.Error()}, code)
}

// httpStatus maps a boop status to an HTTP response code. Onchain outcomes
// other than success are still valid answers, so they are reported with 200
// by the handlers and only reach here as admission failures.
func httpStatus(status boop.Status) int {
	switch status {
	case boop.Success:
		return http.StatusOK
	case boop.InvalidValues, boop.MissingGasValues, boop.NonceTooFarAhead:
		return http.StatusBadRequest
	case boop.UnknownBoop:
		return http.StatusNotFound
	case boop.AlreadyProcessing, boop.BoopReplaced, boop.ExternalSubmit:
		return http.StatusConflict
	case boop.BufferExceeded, boop.OverCapacity:
		return http.StatusTooManyRequests
	case boop.ReceiptTimeout, boop.SubmitTimeout:
		return http.StatusGatewayTimeout
	case boop.RPCError:
		return http.StatusBadGateway
	case boop.UnexpectedError:
		return http.StatusInternalServerError
	}
	if status.IsOnchain() {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// decodeInput reads a submit.Input from the request body.
func decodeInput(r *http.Request) (*submit.Input, error) {
	var in submit.Input
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(&in); err != nil {
		return nil, boop.NewError(boop.InvalidValues, "invalid request body: %v", err)
	}
	if in.Boop == nil {
		return nil, boop.NewError(boop.InvalidValues, "no boop in request")
	}
	return &in, nil
}

// parseHash parses a 32-byte hex hash.
func parseHash(s string) (common.Hash, error) {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return common.Hash{}, errors.New("expected a 0x-prefixed 32-byte hex hash")
	}
	var h common.Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return common.Hash{}, err
	}
	return h, nil
}

// apiHealth is the handler for the '/health' API request.
func (s *Server) apiHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// apiSimulate is the handler for the '/boop/simulate' API request. A
// simulation that ran is a 200 whatever its status.
func (s *Server) apiSimulate(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		s.writeError(w, err, boop.StageSimulate)
		return
	}
	out, err := s.core.Simulate(r.Context(), in)
	if err != nil {
		s.writeError(w, err, boop.StageSimulate)
		return
	}
	s.writeJSON(w, out)
}

// apiSubmit is the handler for the '/boop/submit' API request.
func (s *Server) apiSubmit(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		s.writeError(w, err, boop.StageSubmit)
		return
	}
	out, err := s.core.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, err, boop.StageSubmit)
		return
	}
	s.writeJSON(w, out)
}

// apiExecute is the handler for the '/boop/execute' API request. A receipt
// is a 200 whatever the onchain outcome.
func (s *Server) apiExecute(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		s.writeError(w, err, boop.StageExecute)
		return
	}
	out, err := s.core.Execute(r.Context(), in)
	if err != nil {
		s.writeError(w, err, boop.StageExecute)
		return
	}
	s.writeJSON(w, out)
}

// apiState is the handler for the '/boop/state/{hash}' API request. The
// unknown states are answered with 200 and the status in the body.
func (s *Server) apiState(w http.ResponseWriter, r *http.Request) {
	h, err := parseHash(chi.URLParam(r, hashKey))
	if err != nil {
		s.writeError(w, boop.NewError(boop.InvalidValues, "bad boop hash: %v", err), "")
		return
	}
	st, err := s.core.GetState(r.Context(), h)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, st)
}

// pendingResponse is the body of a '/boop/pending/{account}' response.
type pendingResponse struct {
	Account common.Address      `json:"account"`
	Pending []*boop.PendingInfo `json:"pending"`
}

// apiPending is the handler for the '/boop/pending/{account}' API request.
func (s *Server) apiPending(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, accountKey)
	if !common.IsHexAddress(acct) {
		s.writeError(w, boop.NewError(boop.InvalidValues, "bad account address %q", acct), "")
		return
	}
	addr := common.HexToAddress(acct)
	pending := s.core.GetPending(addr)
	if pending == nil {
		pending = []*boop.PendingInfo{}
	}
	s.writeJSON(w, &pendingResponse{Account: addr, Pending: pending})
}
