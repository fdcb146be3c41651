// Package chainclient provides the typed chain access used by the
// monitoring core: block subscriptions and lookups for ingestion, and
// transaction submission for on-chain publishing. One Client exists per
// network; subscriptions dial a fresh WebSocket connection so that a
// reconnect after transport failure starts from a clean state.
package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/chainguard-network/chainguard/config"
	"github.com/chainguard-network/chainguard/types"
)

// Client is the chain access handle for one network.
type Client struct {
	network types.Network
	wsURL   string
	rpc     *ethclient.Client
	log     log.Logger
}

// Dial connects the HTTP RPC endpoint of a network. The WebSocket
// endpoint is dialed per subscription.
func Dial(ctx context.Context, network types.Network, ep config.Endpoints) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, ep.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial %s rpc: %w", network, err)
	}
	return &Client{
		network: network,
		wsURL:   ep.WSURL,
		rpc:     rpc,
		log:     log.New("network", network),
	}, nil
}

// Network returns which network this client talks to.
func (c *Client) Network() types.Network { return c.network }

// Close tears down the underlying RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

// BlockByNumber returns the block with full transaction bodies. A nil
// number means latest.
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error) {
	return c.rpc.BlockByNumber(ctx, number)
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return c.rpc.TransactionReceipt(ctx, txHash)
}

// ChainID retrieves the network's chain id for transaction signing.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.rpc.ChainID(ctx)
}

// PendingNonceAt returns the next nonce of an account including pending
// transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.rpc.PendingNonceAt(ctx, account)
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.rpc.SuggestGasPrice(ctx)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return c.rpc.SendTransaction(ctx, tx)
}

// CallContract executes a read-only contract call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.rpc.CallContract(ctx, msg, blockNumber)
}

// SubscribeNewHeads opens a WebSocket connection and subscribes to new
// chain heads. Unsubscribing closes the connection, so every resubscribe
// starts from a fresh transport.
func (c *Client) SubscribeNewHeads(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	conn, err := ethclient.DialContext(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial %s ws: %w", c.network, err)
	}
	sub, err := conn.SubscribeNewHead(ctx, ch)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("chainclient: subscribe %s heads: %w", c.network, err)
	}
	c.log.Debug("Head subscription established", "ws", c.wsURL)
	return &headSubscription{sub: sub, conn: conn}, nil
}

// headSubscription couples a head subscription with the connection that
// carries it.
type headSubscription struct {
	sub  ethereum.Subscription
	conn *ethclient.Client
}

func (s *headSubscription) Err() <-chan error { return s.sub.Err() }

func (s *headSubscription) Unsubscribe() {
	s.sub.Unsubscribe()
	s.conn.Close()
}

// Set holds one client per configured network.
type Set struct {
	clients map[types.Network]*Client
}

// DialSet connects every configured network.
func DialSet(ctx context.Context, cfg *config.Config) (*Set, error) {
	set := &Set{clients: make(map[types.Network]*Client)}
	for _, network := range []types.Network{types.NetworkTestnet, types.NetworkMainnet} {
		c, err := Dial(ctx, network, cfg.Endpoints(network))
		if err != nil {
			set.Close()
			return nil, err
		}
		set.clients[network] = c
	}
	return set, nil
}

// Client returns the handle for a network.
func (s *Set) Client(network types.Network) (*Client, error) {
	c, ok := s.clients[network]
	if !ok {
		return nil, fmt.Errorf("chainclient: no client for network %q", network)
	}
	return c, nil
}

// Close tears down every client.
func (s *Set) Close() {
	for _, c := range s.clients {
		c.Close()
	}
}
