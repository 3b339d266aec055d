package actionworkers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/event"
)

// restDefaultTimeout is the default per-request timeout for webhook actions.
const restDefaultTimeout = 10 * time.Second

var allowedRESTMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// RESTSender dispatches templated HTTP webhook actions. Method, URL,
// headers, and body are all rendered from the same whitelisted vocabulary
// before Send is called; config here carries the already-rendered strings.
type RESTSender struct {
	client *http.Client
}

// NewRESTSender builds a sender using timeout as the per-request deadline,
// falling back to restDefaultTimeout when zero.
func NewRESTSender(timeout time.Duration) *RESTSender {
	if timeout <= 0 {
		timeout = restDefaultTimeout
	}
	return &RESTSender{client: &http.Client{Timeout: timeout}}
}

func (s *RESTSender) Destination(config map[string]string) string {
	if u, err := url.Parse(config["url"]); err == nil {
		return u.Host
	}
	return config["url"]
}

func (s *RESTSender) Send(ctx context.Context, config map[string]string, _ event.Event) Outcome {
	method := strings.ToUpper(config["method"])
	if method == "" {
		method = http.MethodPost
	}
	if !allowedRESTMethods[method] {
		return Outcome{Success: false, Retryable: false, Err: fmt.Errorf("rest: unsupported method %q", method)}
	}

	req, err := http.NewRequestWithContext(ctx, method, config["url"], strings.NewReader(config["body"]))
	if err != nil {
		return Outcome{Success: false, Retryable: false, Err: fmt.Errorf("rest: build request: %w", err)}
	}
	for key, value := range parseHeaders(config["headers"]) {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" && config["body"] != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		retryable := true
		if ctx.Err() != nil {
			retryable = true // deadline/cancellation still classified retryable per §4.3(b) timeout handling
		}
		return Outcome{Success: false, Retryable: retryable, Err: err}
	}
	defer resp.Body.Close()

	success, retryable := classifyHTTPStatus(resp.StatusCode)
	return Outcome{
		Success:         success,
		Retryable:       retryable,
		ResponseSummary: fmt.Sprintf("%s %s status=%d", method, s.Destination(config), resp.StatusCode),
	}
}

// parseHeaders decodes a "Key1: v1\nKey2: v2" rendered header block. Empty
// or malformed lines are skipped rather than treated as fatal.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return headers
}
