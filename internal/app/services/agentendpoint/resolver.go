// Package agentendpoint resolves a registered agent's MCP dispatch
// endpoint by reading its on-chain metadata URI (tokenURI) from the
// identity registry and fetching the referenced JSON document, satisfying
// actionworkers.AgentEndpointResolver.
package agentendpoint

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/chainreactor/backend/infrastructure/chain"
)

const fetchTimeout = 5 * time.Second

// Resolver reads tokenURI from the identity registry and fetches the
// referenced metadata document over HTTP(S).
type Resolver struct {
	chains *chain.Registry
	client *http.Client
}

// New builds a Resolver backed by chains.
func New(chains *chain.Registry) *Resolver {
	return &Resolver{chains: chains, client: &http.Client{Timeout: fetchTimeout}}
}

// ResolveEndpoint implements actionworkers.AgentEndpointResolver.
func (r *Resolver) ResolveEndpoint(ctx context.Context, chainID, agentID int64) (string, error) {
	client, registry, ok := r.chains.Resolve(chainID)
	if !ok {
		return "", fmt.Errorf("agentendpoint: no chain client configured for chain %d", chainID)
	}

	uri, err := client.TokenURI(ctx, registry, big.NewInt(agentID))
	if err != nil {
		return "", fmt.Errorf("agentendpoint: tokenURI failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("agentendpoint: build metadata request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agentendpoint: fetch metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agentendpoint: metadata fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("agentendpoint: read metadata body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("agentendpoint: metadata document is not valid JSON")
	}
	// Single-field extraction: the document may carry arbitrary provider-
	// specific metadata alongside mcp_endpoint, so a full struct decode
	// would reject documents with fields this resolver doesn't know about.
	endpoint := gjson.GetBytes(body, "mcp_endpoint").String()
	if endpoint == "" {
		return "", fmt.Errorf("agentendpoint: metadata document has no mcp_endpoint")
	}
	return endpoint, nil
}
