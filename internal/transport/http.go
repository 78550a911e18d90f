package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/clusterd/cfgsync/internal/backoff"
	"github.com/clusterd/cfgsync/internal/metrics"
)

// Options tunes the HTTP transport
type Options struct {
	Timeout time.Duration
	Retries int
	Backoff backoff.Config
}

// DefaultOptions returns the default transport options
func DefaultOptions() Options {
	return Options{
		Timeout: 10 * time.Second,
		Retries: 2,
		Backoff: backoff.DefaultConfig(),
	}
}

// NodeHeader identifies the calling node on peer requests
const NodeHeader = "X-Cfgsync-Node"

// StatusError is returned for HTTP error responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Code, e.Body)
}

// retryable reports whether a failed request may succeed when repeated
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// HTTPTransport talks to the REST surface of other nodes
type HTTPTransport struct {
	nodeID     string
	opts       Options
	httpClient *http.Client
}

// NewHTTPTransport creates a transport identifying itself as nodeID
func NewHTTPTransport(nodeID string, opts Options) *HTTPTransport {
	return &HTTPTransport{
		nodeID: nodeID,
		opts:   opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

// Fetch asks every node for its copies of kinds, all nodes concurrently.
// Nodes that fail or miss the deadline of ctx are left out of the result;
// only a canceled ctx is an error.
func (t *HTTPTransport) Fetch(ctx context.Context, nodes []Node, kinds []artifact.Kind) (map[string]map[artifact.Kind]*artifact.Artifact, error) {
	query := url.Values{}
	for _, kind := range kinds {
		query.Add("kind", kind.Name())
	}
	want := wanted(kinds)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		reports = make(map[string]map[artifact.Kind]*artifact.Artifact, len(nodes))
	)

	for _, node := range nodes {
		wg.Add(1)
		go func(node Node) {
			defer wg.Done()

			var resp ConfigsResponse
			path := "/v1/sync/configs?" + query.Encode()
			if err := t.doWithRetry(ctx, node, http.MethodGet, path, nil, &resp); err != nil {
				metrics.PeerRequestFailuresTotal.WithLabelValues(node.ID, "fetch").Inc()
				log.Warn().Err(err).Str("node", node.ID).Msg("failed to fetch configs")
				return
			}

			configs := DecodeConfigs(resp.Configs)
			for kind := range configs {
				if !want[kind] {
					delete(configs, kind)
				}
			}

			mu.Lock()
			reports[node.ID] = configs
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	if errors.Is(ctx.Err(), context.Canceled) {
		return reports, fmt.Errorf("fetch interrupted: %w", ctx.Err())
	}
	return reports, nil
}

// Push sends a to every node, all nodes concurrently
func (t *HTTPTransport) Push(ctx context.Context, nodes []Node, a *artifact.Artifact) (map[string]PushResult, error) {
	req := PushRequest{
		NodeID:  t.nodeID,
		Configs: map[string]string{a.Kind().Name(): a.Text()},
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]PushResult, len(nodes))
	)

	for _, node := range nodes {
		wg.Add(1)
		go func(node Node) {
			defer wg.Done()

			result := PushError
			var resp PushResponse
			if err := t.doWithRetry(ctx, node, http.MethodPost, "/v1/sync/configs", req, &resp); err != nil {
				metrics.PeerRequestFailuresTotal.WithLabelValues(node.ID, "push").Inc()
				log.Warn().Err(err).Str("node", node.ID).Str("kind", a.Kind().Name()).Msg("failed to push config")
			} else if r, ok := resp.Results[a.Kind().Name()]; ok {
				result = r
			}

			mu.Lock()
			results[node.ID] = result
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("push interrupted: %w", err)
	}
	return results, nil
}

func (t *HTTPTransport) doWithRetry(ctx context.Context, node Node, method, path string, body, result interface{}) error {
	var err error
	for attempt := 0; attempt <= t.opts.Retries; attempt++ {
		if attempt > 0 {
			if err := backoff.Wait(ctx, t.opts.Backoff, uint32(attempt)); err != nil {
				return err
			}
			log.Debug().Str("node", node.ID).Int("attempt", attempt).Msg("retrying peer request")
		}

		err = doRequest(ctx, t.httpClient, t.nodeID, baseURL(node.Addr)+path, method, body, result)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func doRequest(ctx context.Context, client *http.Client, nodeID, target, method string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if nodeID != "" {
		req.Header.Set(NodeHeader, nodeID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
