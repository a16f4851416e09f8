package chain

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(handler func(*http.Request) (*http.Response, error)) *Client {
	client := NewClient("http://rpc.local", slog.Default())
	client.SetHTTPClient(&http.Client{Transport: roundTripFunc(handler)})
	return client
}

func jsonHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestGetBlock_Success(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		assert.Contains(t, string(body), "eth_getBlockByNumber")
		assert.Contains(t, string(body), `"0x384"`)
		return jsonHTTPResponse(200, `{"jsonrpc":"2.0","id":1,"result":{"number":"0x384","hash":"0xAbCd","timestamp":"0x65f0"}}`), nil
	})

	block, err := client.GetBlock(context.Background(), 900)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, int64(900), block.Number)
	assert.Equal(t, "0xAbCd", block.Hash)
	assert.Equal(t, int64(0x65f0), block.Timestamp)
}

func TestGetBlock_NullResult(t *testing.T) {
	client := newTestClient(func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(200, `{"jsonrpc":"2.0","id":1,"result":null}`), nil
	})

	block, err := client.GetBlock(context.Background(), 12345)
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestGetBlock_RPCError(t *testing.T) {
	client := newTestClient(func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"header not found"}}`), nil
	})

	_, err := client.GetBlock(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header not found")
}

func TestGetHeadNumber(t *testing.T) {
	client := newTestClient(func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(200, `{"jsonrpc":"2.0","id":1,"result":"0x10"}`), nil
	})

	head, err := client.GetHeadNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(16), head)
}

// fakeHeaderReader counts RPC calls per block number.
type fakeHeaderReader struct {
	blocks map[int64]Block
	calls  map[int64]int
}

func (f *fakeHeaderReader) GetBlock(_ context.Context, n int64) (*Block, error) {
	f.calls[n]++
	b, ok := f.blocks[n]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (f *fakeHeaderReader) GetHeadNumber(context.Context) (int64, error) {
	return 0, nil
}

func TestCachedHeaderReader_CachesBlocks(t *testing.T) {
	inner := &fakeHeaderReader{
		blocks: map[int64]Block{7: {Number: 7, Hash: "0x07", Timestamp: 700}},
		calls:  map[int64]int{},
	}
	cached := NewCachedHeaderReader(inner, 4, 0)

	for i := 0; i < 3; i++ {
		b, err := cached.GetBlock(context.Background(), 7)
		require.NoError(t, err)
		require.Equal(t, "0x07", b.Hash)
	}
	assert.Equal(t, 1, inner.calls[7])
}

func TestCachedHeaderReader_MissingBlockNotCached(t *testing.T) {
	inner := &fakeHeaderReader{blocks: map[int64]Block{}, calls: map[int64]int{}}
	cached := NewCachedHeaderReader(inner, 4, 0)

	for i := 0; i < 2; i++ {
		b, err := cached.GetBlock(context.Background(), 9)
		require.NoError(t, err)
		assert.Nil(t, b)
	}
	assert.Equal(t, 2, inner.calls[9])
}

func TestCachedHeaderReader_Invalidate(t *testing.T) {
	inner := &fakeHeaderReader{
		blocks: map[int64]Block{5: {Number: 5, Hash: "0x05"}, 6: {Number: 6, Hash: "0x06"}},
		calls:  map[int64]int{},
	}
	cached := NewCachedHeaderReader(inner, 4, 0)

	_, err := cached.GetBlock(context.Background(), 5)
	require.NoError(t, err)
	_, err = cached.GetBlock(context.Background(), 6)
	require.NoError(t, err)

	cached.Invalidate(6)

	_, err = cached.GetBlock(context.Background(), 5)
	require.NoError(t, err)
	_, err = cached.GetBlock(context.Background(), 6)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls[5], "block below invalidation point stays cached")
	assert.Equal(t, 2, inner.calls[6], "invalidated block is refetched")
}

func TestCachedHeaderReader_Eviction(t *testing.T) {
	inner := &fakeHeaderReader{blocks: map[int64]Block{}, calls: map[int64]int{}}
	for i := int64(1); i <= 3; i++ {
		inner.blocks[i] = Block{Number: i}
	}
	cached := NewCachedHeaderReader(inner, 2, 0)

	for i := int64(1); i <= 3; i++ {
		_, err := cached.GetBlock(context.Background(), i)
		require.NoError(t, err)
	}
	// Block 1 was evicted by capacity; fetching it again hits the inner reader.
	_, err := cached.GetBlock(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls[1])
}
