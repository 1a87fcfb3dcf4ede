package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"QuorumLaunch/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
	Notes  string
}

// Client implements the web3.Client interface for EVM compatible chains.
// Historical queries go over the HTTP endpoint; live subscriptions use the
// WebSocket endpoint when one is configured.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	eventClient logSubscriber
	mu          sync.Mutex
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// logFilterer mirrors the subset of methods required for log backfill.
type logFilterer interface {
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
}

// headerReader mirrors the subset of methods required for block timestamps.
type headerReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	return &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		eth:         eth,
		eventClient: eventClient,
	}, nil
}

// backend abstracts the log source so tests can drive the client with a
// simulated chain instead of a live node.
type backend interface {
	logSubscriber
	logFilterer
	headerReader
}

// NewBackendClient wraps an existing backend, used with the go-ethereum
// simulated chain in tests.
func NewBackendClient(name string, b backend) *Client {
	return &Client{
		name:        name,
		notes:       "simulated backend",
		eventClient: b,
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	if c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("客户端缺少链访问后端")
	}

	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// FilterEvents queries historical logs matching the filter.
func (c *Client) FilterEvents(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	filterer := c.filterBackend()
	if filterer == nil {
		return nil, errors.New("当前客户端不支持日志回溯")
	}
	logs, err := filterer.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("回溯日志失败: %w", err)
	}
	return logs, nil
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.LogStream, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	subscriber := c.eventClient
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewLogStream(logs, sub), nil
}

// BlockTime returns the Unix timestamp of the given block.
func (c *Client) BlockTime(ctx context.Context, number uint64) (int64, error) {
	if c == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	reader := c.headerBackend()
	if reader == nil {
		return 0, errors.New("当前客户端不支持区块头查询")
	}
	header, err := reader.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("获取区块头失败: %w", err)
	}
	return int64(header.Time), nil
}

func (c *Client) filterBackend() logFilterer {
	if c.eth != nil {
		return c.eth
	}
	if filterer, ok := c.eventClient.(logFilterer); ok {
		return filterer
	}
	return nil
}

func (c *Client) headerBackend() headerReader {
	if c.eth != nil {
		return c.eth
	}
	if reader, ok := c.eventClient.(headerReader); ok {
		return reader
	}
	return nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
