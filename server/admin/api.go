// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

const (
	pongStr = "pong"
)

// apiPing is the handler for the '/ping' API request.
func (s *Server) apiPing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, pongStr)
}

// apiStatus is the handler for the '/status' API request.
func (s *Server) apiStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.core.Status())
}

// apiAccounts is the handler for the '/accounts' API request.
func (s *Server) apiAccounts(w http.ResponseWriter, _ *http.Request) {
	accts := s.core.ExecutionAccounts()
	if accts == nil {
		accts = []*AccountInfo{}
	}
	s.writeJSON(w, accts)
}

// apiResync is the handler for the '/accounts/{address}/resync' API request.
// The resync itself runs in the background.
func (s *Server) apiResync(w http.ResponseWriter, r *http.Request) {
	addrStr := chi.URLParam(r, addressKey)
	if !common.IsHexAddress(addrStr) {
		http.Error(w, fmt.Sprintf("invalid account address %q", addrStr), http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(addrStr)
	if err := s.core.Resync(addr); err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			http.Error(w, fmt.Sprintf("%s is not an execution account", addr), http.StatusNotFound)
			return
		}
		s.log.Errorf("resync request for %s failed: %v", addr, err)
		http.Error(w, "resync failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Infof("Resync requested for execution account %s", addr)
	s.writeJSON(w, &ResyncResult{
		Account:   addr,
		Requested: APITime{time.Now()},
	})
}

// apiReconfigure is the handler for the '/rpc/{client}' API request. The body
// is an RPCConfig listing the replacement endpoints in priority order.
func (s *Server) apiReconfigure(w http.ResponseWriter, r *http.Request) {
	client := chi.URLParam(r, clientKey)
	var rpcCfg RPCConfig
	if err := json.NewDecoder(r.Body).Decode(&rpcCfg); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(rpcCfg.Endpoints) == 0 {
		http.Error(w, "no endpoints", http.StatusBadRequest)
		return
	}
	if err := s.core.Reconfigure(r.Context(), client, rpcCfg.Endpoints); err != nil {
		if errors.Is(err, ErrUnknownClient) {
			http.Error(w, fmt.Sprintf("unknown client %q", client), http.StatusNotFound)
			return
		}
		s.log.Errorf("reconfigure request for %s client failed: %v", client, err)
		http.Error(w, "reconfigure failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Infof("%s client reconfigured with %d endpoints", client, len(rpcCfg.Endpoints))
	s.writeJSON(w, &rpcCfg)
}
