package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"superdao-relay/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name          string
	RPCURL        string
	ChainID       int64
	GasStationURL string
	Forwarder     string
	Notes         string
}

// Client implements web3.Chain for EVM compatible networks.
type Client struct {
	name          string
	notes         string
	gasStationURL string
	forwarder     common.Address
	eth           *ethclient.Client
	backend       web3.Backend
	sim           *simulated.Backend

	mu      sync.Mutex
	chainID *big.Int

	pollInitial time.Duration
	pollMax     time.Duration
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接节点 %s 失败: %w", cfg.Name, err)
	}

	client := &Client{
		name:          cfg.Name,
		notes:         cfg.Notes,
		gasStationURL: strings.TrimSpace(cfg.GasStationURL),
		eth:           eth,
		backend:       eth,
		pollInitial:   500 * time.Millisecond,
		pollMax:       5 * time.Second,
	}
	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}
	if addr := strings.TrimSpace(cfg.Forwarder); addr != "" {
		if !common.IsHexAddress(addr) {
			eth.Close()
			return nil, fmt.Errorf("链 %s 的 forwarder 地址无效: %s", cfg.Name, addr)
		}
		client.forwarder = common.HexToAddress(addr)
	}
	return client, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing
// purposes. Receipt polling commits a block on every attempt so pending
// transactions get mined.
func NewSimulatedClient(name string, sim *simulated.Backend) *Client {
	return &Client{
		name:        name,
		notes:       "simulated backend",
		backend:     sim.Client(),
		sim:         sim,
		pollInitial: 10 * time.Millisecond,
		pollMax:     100 * time.Millisecond,
	}
}

// WithForwarder sets the ERC-2771 forwarder used for meta-transactions.
func (c *Client) WithForwarder(addr common.Address) *Client {
	c.forwarder = addr
	return c
}

// WithGasStation sets the gas station endpoint consulted by the fee oracle.
func (c *Client) WithGasStation(url string) *Client {
	c.gasStationURL = url
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Backend exposes the raw RPC surface.
func (c *Client) Backend() web3.Backend { return c.backend }

// GasStationURL returns the gas station endpoint, empty when the chain has none.
func (c *Client) GasStationURL() string { return c.gasStationURL }

// Forwarder returns the ERC-2771 forwarder address, zero when unset.
func (c *Client) Forwarder() common.Address { return c.forwarder }

// ChainID returns the chain id, asking the node once and caching the answer.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if c.backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     id.String(),
		BlockNumber: block,
		Notes:       c.notes,
	}, nil
}

// WaitReceipt polls for the receipt of hash with exponential backoff until it
// is mined or ctx expires.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.pollInitial
	policy.MaxInterval = c.pollMax
	policy.MaxElapsedTime = 0

	var receipt *coretypes.Receipt
	operation := func() error {
		if c.sim != nil {
			c.sim.Commit()
		}
		r, err := c.backend.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, gethcore.NotFound) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("查询交易回执失败: %w", err))
		}
		receipt = r
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("等待交易 %s 回执超时: %w", hash.Hex(), ctxErr)
		}
		return nil, err
	}
	return receipt, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

var _ web3.Chain = (*Client)(nil)
