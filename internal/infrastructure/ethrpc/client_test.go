package ethrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"tokenrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpcServer(t *testing.T, handle func(method string, params []json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetchLogsFiltersByBridgeAndTopic(t *testing.T) {
	var filter map[string]any
	server := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		require.Equal(t, "eth_getLogs", method)
		require.NoError(t, json.Unmarshal(params[0], &filter))
		return []map[string]any{{
			"address":         "0xBRIDGE",
			"topics":          []string{"0xtopic", "0xuser"},
			"data":            "0x01",
			"blockNumber":     "0x1a",
			"blockHash":       "0xblock",
			"transactionHash": "0xtx",
			"logIndex":        "0x2",
		}}, nil
	})

	client, err := NewClient(Config{URL: server.URL, Address: "0xBRIDGE", Topic: "0xTOPIC"})
	require.NoError(t, err)

	logs, err := client.FetchLogs(context.Background(), 16, 32)
	require.NoError(t, err)

	assert.Equal(t, "0x10", filter["fromBlock"])
	assert.Equal(t, "0x20", filter["toBlock"])
	assert.Equal(t, "0xbridge", filter["address"])
	assert.Equal(t, []any{"0xtopic"}, filter["topics"])
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogEntry{
		BlockNumber: 26,
		BlockHash:   "0xblock",
		TxHash:      "0xtx",
		LogIndex:    2,
		Address:     "0xbridge",
		Data:        "0x01",
		Topics:      []string{"0xtopic", "0xuser"},
	}, logs[0])
}

func TestChainIDIsCached(t *testing.T) {
	var calls int32
	server := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		atomic.AddInt32(&calls, 1)
		return "0xaa36a7", nil
	})
	client, err := NewClient(Config{URL: server.URL})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		id, err := client.ChainID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(11155111), id)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRPCErrorsAreTransient(t *testing.T) {
	server := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32005, Message: "limit exceeded"}
	})
	client, err := NewClient(Config{URL: server.URL})
	require.NoError(t, err)

	_, err = client.LatestBlockNumber(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ErrorTransient, domain.Classify(err))
	assert.Contains(t, err.Error(), "limit exceeded")
}

func TestFetchLogsRejectsInvertedRange(t *testing.T) {
	client, err := NewClient(Config{URL: "http://127.0.0.1:0"})
	require.NoError(t, err)
	_, err = client.FetchLogs(context.Background(), 10, 9)
	assert.Error(t, err)

	_, err = NewClient(Config{})
	assert.Error(t, err)
}
