// Package chain wraps go-ethereum's ethclient behind the pooled,
// shared-instance RPC client §5 requires for identity-registry ownership
// checks. Adapted from the certen validator's ethereum client wrapper,
// trimmed to the read-only calls C6 needs.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

func ethereumCallMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

// identityRegistryABI describes the two ERC-721-style read calls the
// identity registry serves: ownerOf for C6's ownership check, and tokenURI
// for C3's agent-endpoint resolution (the registered agent's metadata
// document carries its MCP endpoint).
const identityRegistryABI = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"tokenURI","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

// Client is a single pooled RPC connection to one chain, shared process-wide
// rather than dialed per request.
type Client struct {
	eth     *ethclient.Client
	chainID int64
	abi     abi.ABI
}

// NewClient dials url once. Callers keep the returned Client for the life
// of the process.
func NewClient(ctx context.Context, url string, chainID int64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	parsed, err := abi.JSON(strings.NewReader(identityRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse identity registry abi: %w", err)
	}
	return &Client{eth: eth, chainID: chainID, abi: parsed}, nil
}

// OwnerOf calls the identity registry's ownerOf(tokenID) and returns the
// owning address. Callers should apply their own 10s timeout via ctx per §5.
func (c *Client) OwnerOf(ctx context.Context, registry common.Address, tokenID *big.Int) (common.Address, error) {
	data, err := c.abi.Pack("ownerOf", tokenID)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: pack ownerOf call: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereumCallMsg(registry, data), nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: ownerOf call failed: %w", err)
	}

	outputs, err := c.abi.Unpack("ownerOf", result)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: unpack ownerOf result: %w", err)
	}
	if len(outputs) != 1 {
		return common.Address{}, fmt.Errorf("chain: unexpected ownerOf output shape")
	}
	owner, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: ownerOf output is not an address")
	}
	return owner, nil
}

// TokenURI calls the identity registry's tokenURI(tokenID) and returns the
// agent's metadata document URI.
func (c *Client) TokenURI(ctx context.Context, registry common.Address, tokenID *big.Int) (string, error) {
	data, err := c.abi.Pack("tokenURI", tokenID)
	if err != nil {
		return "", fmt.Errorf("chain: pack tokenURI call: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereumCallMsg(registry, data), nil)
	if err != nil {
		return "", fmt.Errorf("chain: tokenURI call failed: %w", err)
	}

	outputs, err := c.abi.Unpack("tokenURI", result)
	if err != nil {
		return "", fmt.Errorf("chain: unpack tokenURI result: %w", err)
	}
	if len(outputs) != 1 {
		return "", fmt.Errorf("chain: unexpected tokenURI output shape")
	}
	uri, ok := outputs[0].(string)
	if !ok {
		return "", fmt.Errorf("chain: tokenURI output is not a string")
	}
	return uri, nil
}

// Health reports whether the RPC endpoint is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain: health check failed: %w", err)
	}
	return nil
}

// ChainID returns the chain this client was configured for.
func (c *Client) ChainID() int64 { return c.chainID }

// Registry resolves a chain id to the pooled client and identity-registry
// contract address to call ownerOf against. It is read-mostly and built
// once at startup from environment configuration.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]*Client
	addrs   map[int64]common.Address
}

// ChainConfig describes one network's RPC endpoint and identity registry.
type ChainConfig struct {
	ChainID          int64
	RPCURL           string
	IdentityRegistry string
}

// NewRegistry dials every configured chain up front so the shared HTTP
// connections are established before the first request needs them.
func NewRegistry(ctx context.Context, configs []ChainConfig) (*Registry, error) {
	reg := &Registry{clients: make(map[int64]*Client), addrs: make(map[int64]common.Address)}
	for _, cfg := range configs {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := NewClient(dialCtx, cfg.RPCURL, cfg.ChainID)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("chain: registry dial chain %d: %w", cfg.ChainID, err)
		}
		reg.clients[cfg.ChainID] = client
		reg.addrs[cfg.ChainID] = common.HexToAddress(cfg.IdentityRegistry)
	}
	return reg, nil
}

// HealthAll checks every configured chain's RPC endpoint concurrently and
// returns the error (nil on success) keyed by chain id, for use by the
// gateway's aggregate health endpoint.
func (r *Registry) HealthAll(ctx context.Context) map[int64]error {
	r.mu.RLock()
	clients := make(map[int64]*Client, len(r.clients))
	for id, c := range r.clients {
		clients[id] = c
	}
	r.mu.RUnlock()

	results := make(map[int64]error, len(clients))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, c := range clients {
		wg.Add(1)
		go func(id int64, c *Client) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Health(checkCtx)
			cancel()
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id, c)
	}
	wg.Wait()
	return results
}

// Resolve returns the client and identity registry address for chainID.
func (r *Registry) Resolve(chainID int64) (*Client, common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[chainID]
	if !ok {
		return nil, common.Address{}, false
	}
	return client, r.addrs[chainID], true
}
