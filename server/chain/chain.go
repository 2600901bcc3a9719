// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package chain provides fault-tolerant access to an EVM chain through a
// prioritized list of RPC endpoints. A Client presents the endpoints as one
// logical client. Calls go to the preferred live endpoint and move down the
// list when an endpoint misbehaves. Errors that are a correct report of a
// chain-level rejection are returned to the caller without failover.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/happychain/boopd/sub"
)

const (
	// ErrNoEndpoints is returned when no endpoint could be connected.
	ErrNoEndpoints = sub.ErrorKind("no usable RPC endpoints")
	// ErrAllFailed wraps the combined errors when every endpoint failed a
	// call.
	ErrAllFailed = sub.ErrorKind("all RPC endpoints failed")
)

// Conn is the set of node methods used by the Client. *ethclient.Client
// satisfies Conn.
type Conn interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

var _ Conn = (*ethclient.Client)(nil)

// Dialer creates a Conn for an endpoint URL.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// DialEthClient is the default Dialer.
func DialEthClient(ctx context.Context, endpoint string) (Conn, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return ethclient.NewClient(rpcClient), nil
}

// Reader is the read side of the chain.
type Reader interface {
	ChainID() *big.Int
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Writer is the transaction-sending side of the chain. Nonce reads go
// through the Writer so that they hit the same node as the sends.
type Writer interface {
	ChainID() *big.Int
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var (
	_ Reader = (*Client)(nil)
	_ Writer = (*Client)(nil)
)

// RevertData extracts the revert payload carried by a call error, if any.
func RevertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	switch d := de.ErrorData().(type) {
	case string:
		b, err := hexutil.Decode(d)
		if err != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return d, true
	}
	return nil, false
}
