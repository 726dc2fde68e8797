package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Client wraps the Ethereum JSON-RPC client used for log queries and
// live log subscriptions.
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	// wsClient serves subscriptions; it equals ethClient when the main
	// endpoint already speaks websocket
	wsClient *ethclient.Client
	endpoint string
	logger   *zap.Logger
}

// Config holds client configuration
type Config struct {
	Endpoint string
	// WSEndpoint is dialed for eth_subscribe when Endpoint is plain HTTP
	WSEndpoint string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// NewClient creates a new Ethereum client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client := &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		endpoint:  cfg.Endpoint,
		logger:    logger,
	}
	client.wsClient = client.ethClient

	if err := client.Ping(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	if cfg.WSEndpoint != "" && cfg.WSEndpoint != cfg.Endpoint {
		wsRPC, err := rpc.DialContext(ctx, cfg.WSEndpoint)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("failed to connect to websocket endpoint: %w", err)
		}
		client.wsClient = ethclient.NewClient(wsRPC)
	}

	logger.Info("connected to Ethereum RPC",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("separate_ws", client.wsClient != client.ethClient))

	return client, nil
}

// Ping verifies the connection to the RPC endpoint
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ethClient.ChainID(ctx)
	return err
}

// Close closes the client connections
func (c *Client) Close() {
	if c.wsClient != nil && c.wsClient != c.ethClient {
		c.wsClient.Close()
	}
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// Endpoint returns the HTTP endpoint the client is connected to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// GetLatestBlockNumber returns the latest block number
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	blockNumber, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return blockNumber, nil
}

// GetBlockTime returns the timestamp of a block header
func (c *Client) GetBlockTime(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get header %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// GetChainID returns the chain ID
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return chainID, nil
}

// FilterLogs executes an eth_getLogs query
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.ethClient.FilterLogs(ctx, q)
}

// SubscribeFilterLogs opens an eth_subscribe("logs") subscription
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := c.wsClient.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to logs: %w", err)
	}
	return sub, nil
}
