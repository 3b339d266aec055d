package actionworkers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/event"
)

// AgentEndpointResolver fetches the target agent's registration document and
// returns its MCP endpoint URI. Implementations typically read the identity
// registry via an EVM client.
type AgentEndpointResolver interface {
	ResolveEndpoint(ctx context.Context, chainID, agentID int64) (string, error)
}

// endpointCache is a read-mostly, copy-on-write cache of resolved agent
// endpoints; an agent's entry is dropped when a metadata-update event for
// that agent is observed. Reads never block on invalidation: atomic.Value
// is swapped, not locked.
type endpointCache struct {
	resolver AgentEndpointResolver
	store    atomic.Value // map[string]string
}

func newEndpointCache(resolver AgentEndpointResolver) *endpointCache {
	c := &endpointCache{resolver: resolver}
	c.store.Store(map[string]string{})
	return c
}

func cacheKey(chainID, agentID int64) string {
	return fmt.Sprintf("%d:%d", chainID, agentID)
}

func (c *endpointCache) Get(ctx context.Context, chainID, agentID int64) (string, error) {
	key := cacheKey(chainID, agentID)
	if endpoint, ok := c.store.Load().(map[string]string)[key]; ok {
		return endpoint, nil
	}

	endpoint, err := c.resolver.ResolveEndpoint(ctx, chainID, agentID)
	if err != nil {
		return "", err
	}

	current := c.store.Load().(map[string]string)
	next := make(map[string]string, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = endpoint
	c.store.Store(next)

	return endpoint, nil
}

// Invalidate drops the cached endpoint for one agent, forcing the next Get
// to re-resolve. Called when a metadata-update event for that agent arrives.
func (c *endpointCache) Invalidate(chainID, agentID int64) {
	key := cacheKey(chainID, agentID)
	current := c.store.Load().(map[string]string)
	if _, ok := current[key]; !ok {
		return
	}
	next := make(map[string]string, len(current))
	for k, v := range current {
		if k != key {
			next[k] = v
		}
	}
	c.store.Store(next)
}

// MCPSender bridges dispatch to another agent's MCP endpoint, optionally
// attaching verified file content.
type MCPSender struct {
	client *http.Client
	cache  *endpointCache
}

// NewMCPSender builds a sender that resolves endpoints through resolver.
func NewMCPSender(resolver AgentEndpointResolver) *MCPSender {
	return &MCPSender{
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  newEndpointCache(resolver),
	}
}

// InvalidateEndpoint forwards to the underlying cache; wired by the
// processor when it observes a metadata-update event.
func (s *MCPSender) InvalidateEndpoint(chainID, agentID int64) {
	s.cache.Invalidate(chainID, agentID)
}

func (s *MCPSender) Destination(config map[string]string) string {
	return config["agent_id"]
}

// Send resolves the destination agent's endpoint, optionally fetches and
// verifies referenced file content, and posts the payload. A hash mismatch
// on fetched content is a permanent failure per §4.3(c).
func (s *MCPSender) Send(ctx context.Context, config map[string]string, evt event.Event) Outcome {
	if evt.AgentID == nil {
		return Outcome{Success: false, Retryable: false, Err: fmt.Errorf("mcp: event has no agent_id")}
	}
	endpoint, err := s.cache.Get(ctx, evt.ChainID, *evt.AgentID)
	if err != nil {
		return Outcome{Success: false, Retryable: true, Err: fmt.Errorf("resolve agent endpoint: %w", err)}
	}

	payload := map[string]string{
		"event_type": config["rendered_event_type"],
		"message":    config["rendered_text"],
	}

	if config["include_file_content"] == "true" && evt.FileURI != nil && evt.FileHash != nil {
		content, err := s.fetchAndVerify(ctx, *evt.FileURI, *evt.FileHash)
		if err != nil {
			return Outcome{Success: false, Retryable: false, Err: err}
		}
		payload["file_content"] = content
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Success: false, Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Success: false, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{Success: false, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	success, retryable := classifyHTTPStatus(resp.StatusCode)
	return Outcome{
		Success:         success,
		Retryable:       retryable,
		ResponseSummary: fmt.Sprintf("mcp dispatch to agent %d status=%d", *evt.AgentID, resp.StatusCode),
	}
}

func (s *MCPSender) fetchAndVerify(ctx context.Context, fileURI, expectedHash string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURI, nil)
	if err != nil {
		return "", fmt.Errorf("build file fetch request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read file body: %w", err)
	}

	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != expectedHash {
		return "", fmt.Errorf("file hash mismatch for %s", fileURI)
	}
	return string(content), nil
}
