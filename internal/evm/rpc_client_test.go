package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer answers JSON-RPC calls from a method → result table.
func rpcServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		result, ok := results[req.Method]
		if !ok {
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPClient_ChainIDAndBlockNumber(t *testing.T) {
	server := rpcServer(t, map[string]interface{}{
		"eth_chainId":     "0x38",
		"eth_blockNumber": "0x2a",
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	ctx := context.Background()

	id, err := client.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(56), id.Int64())

	height, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), height)
}

func TestHTTPClient_GetTransaction(t *testing.T) {
	server := rpcServer(t, map[string]interface{}{
		"eth_getTransactionByHash": map[string]interface{}{
			"hash":        "0xABCDEF",
			"from":        "0x1111111111111111111111111111111111111111",
			"to":          "0x2222222222222222222222222222222222222222",
			"chainId":     "0x61",
			"blockNumber": "0x10",
			"nonce":       "0x3",
			"value":       "0x0",
			"input":       "0xa9059cbb",
		},
	})
	defer server.Close()

	tx, err := NewHTTPClient(server.URL).GetTransaction(context.Background(), "0xabcdef")
	require.NoError(t, err)
	require.NotNil(t, tx)

	assert.Equal(t, "0xabcdef", tx.Hash)
	assert.Equal(t, int64(97), tx.ChainID.Int64())
	require.NotNil(t, tx.BlockNumber)
	assert.Equal(t, uint64(16), *tx.BlockNumber)
	assert.Equal(t, uint64(3), tx.Nonce)
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, tx.Input)
}

func TestHTTPClient_GetTransaction_ChainIDFromV(t *testing.T) {
	// EIP-155: v = chainId*2 + 35 (+1). 56*2+36 = 148 = 0x94
	server := rpcServer(t, map[string]interface{}{
		"eth_getTransactionByHash": map[string]interface{}{
			"hash":  "0x01",
			"from":  "0x1111111111111111111111111111111111111111",
			"nonce": "0x0",
			"value": "0x0",
			"input": "0x",
			"v":     "0x94",
		},
	})
	defer server.Close()

	tx, err := NewHTTPClient(server.URL).GetTransaction(context.Background(), "0x01")
	require.NoError(t, err)
	require.NotNil(t, tx.ChainID)
	assert.Equal(t, int64(56), tx.ChainID.Int64())
	assert.Nil(t, tx.BlockNumber)
}

func TestHTTPClient_GetTransaction_NotFound(t *testing.T) {
	server := rpcServer(t, map[string]interface{}{
		"eth_getTransactionByHash": nil,
	})
	defer server.Close()

	tx, err := NewHTTPClient(server.URL).GetTransaction(context.Background(), "0xmissing")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestHTTPClient_GetReceipt(t *testing.T) {
	server := rpcServer(t, map[string]interface{}{
		"eth_getTransactionReceipt": map[string]interface{}{
			"transactionHash": "0xAA",
			"status":          "0x1",
			"blockNumber":     "0x64",
			"logs": []map[string]interface{}{{
				"address":         "0xTOKEN",
				"topics":          []string{"0xDDF2"},
				"data":            "0x01",
				"blockNumber":     "0x64",
				"transactionHash": "0xAA",
				"logIndex":        "0x2",
			}},
		},
	})
	defer server.Close()

	r, err := NewHTTPClient(server.URL).GetReceipt(context.Background(), "0xaa")
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.True(t, r.Succeeded())
	assert.Equal(t, uint64(100), r.BlockNumber)
	require.Len(t, r.Logs, 1)
	assert.Equal(t, "0xtoken", r.Logs[0].Address)
	assert.Equal(t, "0xddf2", r.Logs[0].Topics[0])
	assert.Equal(t, uint(2), r.Logs[0].LogIndex)
}

func TestHTTPClient_GetReceipt_Pending(t *testing.T) {
	server := rpcServer(t, map[string]interface{}{
		"eth_getTransactionReceipt": nil,
	})
	defer server.Close()

	r, err := NewHTTPClient(server.URL).GetReceipt(context.Background(), "0xaa")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestHTTPClient_TokenBalance(t *testing.T) {
	var gotData string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		assert.Equal(t, "eth_call", req.Method)

		var arg map[string]string
		json.Unmarshal(req.Params[0], &arg)
		gotData = arg["data"]

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0x00000000000000000000000000000000000000000000000000000000000f4240",
		})
	}))
	defer server.Close()

	bal, err := NewHTTPClient(server.URL).TokenBalance(context.Background(),
		"0x55d398326f99059ff775485246999027b3197955",
		"0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000), bal)
	assert.Equal(t, "0x70a082310000000000000000000000001111111111111111111111111111111111111111", gotData)
}

func TestHTTPClient_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]interface{}{"code": -32000, "message": "execution reverted"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))
	_, err := client.BlockNumber(context.Background())
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_RetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x1"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))
	height, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), height)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_MaxRetriesExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithMaxRetries(2), WithRetryDelay(time.Millisecond))
	_, err := client.ChainID(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestHTTPClient_SendRawTransactionNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))
	_, err := client.SendRawTransaction(context.Background(), []byte{0x01})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLogFilter_ToArg(t *testing.T) {
	from, to := uint64(10), uint64(20)
	arg := LogFilter{
		Addresses: []string{"0xtoken"},
		Topics:    [][]string{{TransferTopic}, nil, {"0xwallet"}},
		FromBlock: &from,
		ToBlock:   &to,
	}.toArg()

	assert.Equal(t, "0xtoken", arg["address"])
	assert.Equal(t, []interface{}{TransferTopic, nil, "0xwallet"}, arg["topics"])
	assert.Equal(t, "0xa", arg["fromBlock"])
	assert.Equal(t, "0x14", arg["toBlock"])
}
