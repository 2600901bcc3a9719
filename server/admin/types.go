// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status summarizes the operational state of the submitter.
type Status struct {
	ChainID    uint64         `json:"chainid"`
	EntryPoint common.Address `json:"entrypoint"`
	Version    string         `json:"version"`
	StartTime  APITime        `json:"starttime"`
	// InFlight is the number of boops accepted but not yet resolved.
	InFlight int `json:"inflight"`
	// Blocked is the number of boops waiting on an earlier nonce.
	Blocked int `json:"blocked"`
	// Tracked is the number of submitted boops awaiting a receipt.
	Tracked           int `json:"tracked"`
	CachedSimulations int `json:"cachedsimulations"`
}

// AccountInfo describes one execution account.
type AccountInfo struct {
	Address common.Address `json:"address"`
	// Nonce is only meaningful when NonceKnown is true.
	Nonce      uint64 `json:"nonce"`
	NonceKnown bool   `json:"nonceknown"`
}

// ResyncResult is the response to a resync request.
type ResyncResult struct {
	Account   common.Address `json:"account"`
	Requested APITime        `json:"requested"`
}

// RPCConfig is the endpoint list of a chain client.
type RPCConfig struct {
	Endpoints []string `json:"endpoints"`
}

// APITime marshals and unmarshals a time value in RFC3339Milli format.
type APITime struct {
	time.Time
}

// RFC3339Milli is the RFC3339 time formatting with millisecond precision.
const RFC3339Milli = "2006-01-02T15:04:05.999Z07:00"

// MarshalJSON marshals APITime to a JSON string in RFC3339 format except with
// millisecond precision.
func (at APITime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + at.Time.Format(RFC3339Milli) + `"`), nil
}

// UnmarshalJSON unmarshals JSON string containing a time in RFC3339 format with
// millisecond precision into an APITime.
func (at *APITime) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid time string %s", string(b))
	}
	t, err := time.Parse(RFC3339Milli, string(b[1:len(b)-1]))
	if err != nil {
		return err
	}
	at.Time = t
	return nil
}
