package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chainloom/subgraph-mirror/internal/metrics"
)

// Block is an on-chain block header.
type Block struct {
	Number    int64
	Hash      string
	Timestamp int64
}

// HeaderReader reads block headers from the chain.
type HeaderReader interface {
	GetBlock(ctx context.Context, blockNumber int64) (*Block, error)
	GetHeadNumber(ctx context.Context) (int64, error)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

type rpcBlock struct {
	Number    string `json:"number"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

// Client is a JSON-RPC header reader for EVM chains.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	logger     *slog.Logger
}

func NewClient(rpcURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		logger:     logger.With("component", "chain_rpc"),
	}
}

// SetHTTPClient overrides the HTTP client; tests inject a stub transport.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := int(c.requestID.Add(1))
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.ChainRPCErrorsTotal.Inc()
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.ChainRPCErrorsTotal.Inc()
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		metrics.ChainRPCErrorsTotal.Inc()
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// GetBlock fetches the header at blockNumber. Returns nil when the chain
// does not have the block.
func (c *Client) GetBlock(ctx context.Context, blockNumber int64) (*Block, error) {
	result, err := c.call(ctx, "eth_getBlockByNumber", []any{formatHexInt64(blockNumber), false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%d): %w", blockNumber, err)
	}
	if string(result) == "null" {
		return nil, nil
	}

	var raw rpcBlock
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}

	number, err := parseHexInt64(raw.Number)
	if err != nil {
		return nil, fmt.Errorf("parse block number: %w", err)
	}
	timestamp, err := parseHexInt64(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse block timestamp: %w", err)
	}
	return &Block{Number: number, Hash: raw.Hash, Timestamp: timestamp}, nil
}

// GetHeadNumber fetches the current chain head number.
func (c *Client) GetHeadNumber(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []any{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}
	return parseHexInt64(hexNum)
}

func parseHexInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
}

func formatHexInt64(n int64) string {
	return "0x" + strconv.FormatInt(n, 16)
}
