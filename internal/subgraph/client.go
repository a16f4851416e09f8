package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chainloom/subgraph-mirror/internal/circuitbreaker"
	"github.com/chainloom/subgraph-mirror/internal/metrics"
	"github.com/chainloom/subgraph-mirror/internal/schema"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultRateLimit   = rate.Limit(10)
	defaultRateBurst   = 5
)

// Executor issues a set of entity requests against one endpoint in a single
// network round trip.
type Executor interface {
	ExecuteRequests(ctx context.Context, endpoint string, requests []Request) (map[string][]Row, *Meta, error)
}

// GraphQLError is a single error entry from a GraphQL response.
type GraphQLError struct {
	Message string `json:"message"`
}

func (e *GraphQLError) Error() string { return e.Message }

type graphqlRequest struct {
	Query string `json:"query"`
}

type graphqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []GraphQLError             `json:"errors"`
}

// Client executes combined GraphQL documents over HTTP POST. Each endpoint
// gets its own rate limiter and circuit breaker; both are per-instance
// state, never package globals.
type Client struct {
	graph      *schema.Graph
	httpClient *http.Client
	logger     *slog.Logger

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*circuitbreaker.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests inject a stub transport).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the per-endpoint request rate and burst.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limit = limit
		c.burst = burst
	}
}

func NewClient(g *schema.Graph, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		graph:      g,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger.With("component", "subgraph_client"),
		limit:      defaultRateLimit,
		burst:      defaultRateBurst,
		limiters:   make(map[string]*rate.Limiter),
		breakers:   make(map[string]*circuitbreaker.Breaker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ExecuteRequests posts one combined BatchQuery document and demultiplexes
// the aliased results back to entity names. A request-level failure (HTTP,
// GraphQL errors) is returned as an error; callers decide whether to swallow
// it (ordinary sync does, recovery does not).
func (c *Client) ExecuteRequests(ctx context.Context, endpoint string, requests []Request) (map[string][]Row, *Meta, error) {
	doc, aliasToEntity, err := BuildDocument(c.graph, requests)
	if err != nil {
		return nil, nil, err
	}

	breaker := c.breakerFor(endpoint)
	if err := breaker.Allow(); err != nil {
		metrics.SubgraphRequestsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
		return nil, nil, fmt.Errorf("subgraph %s: %w", endpoint, err)
	}
	if err := c.limiterFor(endpoint).Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("subgraph rate wait: %w", err)
	}

	start := time.Now()
	resp, err := c.post(ctx, endpoint, doc)
	metrics.SubgraphRequestLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		breaker.RecordFailure()
		metrics.SubgraphRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, nil, err
	}
	breaker.RecordSuccess()
	metrics.SubgraphRequestsTotal.WithLabelValues(endpoint, "ok").Inc()

	return c.demux(resp, aliasToEntity)
}

func (c *Client) post(ctx context.Context, endpoint, doc string) (*graphqlResponse, error) {
	body, err := json.Marshal(graphqlRequest{Query: doc})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", httpResp.StatusCode, truncate(respBody, 256))
	}

	var resp graphqlResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	return &resp, nil
}

func (c *Client) demux(resp *graphqlResponse, aliasToEntity map[string]string) (map[string][]Row, *Meta, error) {
	result := make(map[string][]Row, len(aliasToEntity))
	var meta *Meta

	for alias, raw := range resp.Data {
		if alias == "_meta" {
			m, err := parseMeta(raw)
			if err != nil {
				c.logger.Warn("unparseable _meta block", "error", err)
				continue
			}
			meta = m
			continue
		}
		entity, ok := aliasToEntity[alias]
		if !ok {
			continue
		}
		var rows []Row
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, nil, fmt.Errorf("unmarshal %s rows: %w", entity, err)
		}
		if es, ok := c.graph.Entity(entity); ok {
			for _, row := range rows {
				flattenReferences(es, row)
			}
		}
		result[entity] = append(result[entity], rows...)
	}
	return result, meta, nil
}

type metaEnvelope struct {
	Block struct {
		Number    int64  `json:"number"`
		Hash      string `json:"hash"`
		Timestamp int64  `json:"timestamp"`
	} `json:"block"`
}

func parseMeta(raw json.RawMessage) (*Meta, error) {
	var env metaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &Meta{Block: MetaBlock{
		Number:    env.Block.Number,
		Hash:      env.Block.Hash,
		Timestamp: env.Block.Timestamp,
	}}, nil
}

// flattenReferences rewrites reference fields from {"id": "0x.."} objects to
// the bare id string, the shape the store layer persists.
func flattenReferences(es schema.EntitySchema, row Row) {
	for _, col := range es.Columns {
		if _, isRef := col.Type.(schema.Reference); !isRef {
			continue
		}
		if obj, ok := row[col.Name].(map[string]any); ok {
			if id, ok := obj["id"].(string); ok {
				row[col.Name] = id
			}
		}
	}
}

func (c *Client) limiterFor(endpoint string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[endpoint] = l
	}
	return l
}

func (c *Client) breakerFor(endpoint string) *circuitbreaker.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[endpoint]
	if !ok {
		ep := endpoint
		b = circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				c.logger.Warn("subgraph circuit state change", "endpoint", ep, "from", from.String(), "to", to.String())
				metrics.SubgraphCircuitState.WithLabelValues(ep).Set(float64(to))
			},
		})
		c.breakers[endpoint] = b
	}
	return b
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
