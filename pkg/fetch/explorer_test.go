package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const explorerLogsOK = `{
	"status": "1",
	"message": "OK",
	"result": [
		{
			"address": "0x5fbdb2315678afecb367f032d93f642f64180aa3",
			"topics": [
				"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
				"0x00000000000000000000000070997970c51812dc3a010c7d01b50e0d17dc79c8"
			],
			"data": "0x0000000000000000000000000000000000000000000000000000000000000001",
			"blockNumber": "0x3039",
			"blockHash": "0x1111111111111111111111111111111111111111111111111111111111111111",
			"timeStamp": "0x65f0a1b0",
			"transactionHash": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"transactionIndex": "0x",
			"logIndex": "0x"
		},
		{
			"address": "0x5fbdb2315678afecb367f032d93f642f64180aa3",
			"topics": ["0xnot-a-topic"],
			"data": "0x",
			"blockNumber": "0x303a",
			"transactionHash": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			"logIndex": "0x1"
		},
		{
			"address": "0x5fbdb2315678afecb367f032d93f642f64180aa3",
			"topics": ["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"],
			"data": "0x",
			"blockNumber": "12346",
			"transactionHash": "0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc",
			"transactionIndex": "0x2",
			"logIndex": "0x7"
		}
	]
}`

func newExplorerServer(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var captured http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = *r
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func newTestExplorer(t *testing.T, baseURL string) *ExplorerSource {
	t.Helper()
	src, err := NewExplorerSource(&ExplorerConfig{
		BaseURL:   baseURL,
		APIKey:    "test-key",
		Timeout:   2 * time.Second,
		RateLimit: 1000,
	})
	require.NoError(t, err)
	return src
}

func TestExplorerSource_Success(t *testing.T) {
	srv, req := newExplorerServer(t, http.StatusOK, explorerLogsOK)
	src := newTestExplorer(t, srv.URL+"/api")

	logs, err := src.FetchLogs(context.Background(), testContract, 100, 200)
	require.NoError(t, err)

	q := req.URL.Query()
	assert.Equal(t, "logs", q.Get("module"))
	assert.Equal(t, "getLogs", q.Get("action"))
	assert.Equal(t, "0x5fbdb2315678afecb367f032d93f642f64180aa3", q.Get("address"))
	assert.Equal(t, "100", q.Get("fromBlock"))
	assert.Equal(t, "200", q.Get("toBlock"))
	assert.Equal(t, "test-key", q.Get("apikey"))

	// the malformed topic entry is dropped
	require.Len(t, logs, 2)

	first := logs[0]
	assert.Equal(t, uint64(12345), first.BlockNumber)
	assert.Equal(t, uint(0), first.LogIndex)
	assert.Equal(t, uint(0), first.TxIndex)
	assert.Len(t, first.Topics, 2)
	assert.Equal(t, common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"), first.Address)
	assert.Len(t, first.Data, 32)

	second := logs[1]
	assert.Equal(t, uint64(12346), second.BlockNumber)
	assert.Equal(t, uint(7), second.LogIndex)
	assert.Equal(t, uint(2), second.TxIndex)
	assert.Nil(t, second.Data)
}

func TestExplorerSource_NoRecordsIsEmptySuccess(t *testing.T) {
	srv, _ := newExplorerServer(t, http.StatusOK, `{"status":"0","message":"No records found","result":[]}`)
	src := newTestExplorer(t, srv.URL)

	logs, err := src.FetchLogs(context.Background(), testContract, 0, 10)
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
}

func TestExplorerSource_ErrorStatus(t *testing.T) {
	srv, _ := newExplorerServer(t, http.StatusOK, `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`)
	src := newTestExplorer(t, srv.URL)

	_, err := src.FetchLogs(context.Background(), testContract, 0, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExplorerStatus))
	assert.Contains(t, err.Error(), "Max rate limit reached")
}

func TestExplorerSource_HTTPError(t *testing.T) {
	srv, _ := newExplorerServer(t, http.StatusBadGateway, `bad gateway`)
	src := newTestExplorer(t, srv.URL)

	_, err := src.FetchLogs(context.Background(), testContract, 0, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestExplorerSource_MalformedBody(t *testing.T) {
	srv, _ := newExplorerServer(t, http.StatusOK, `<html>`)
	src := newTestExplorer(t, srv.URL)

	_, err := src.FetchLogs(context.Background(), testContract, 0, 10)
	assert.Error(t, err)
}

func TestExplorerSource_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	src := newTestExplorer(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.FetchLogs(ctx, testContract, 0, 10)
	assert.Error(t, err)
}

func TestNewExplorerSource_Validation(t *testing.T) {
	_, err := NewExplorerSource(nil)
	assert.Error(t, err)

	_, err = NewExplorerSource(&ExplorerConfig{})
	assert.Error(t, err)

	src, err := NewExplorerSource(&ExplorerConfig{BaseURL: "https://api.example.com/api?chainid=1"})
	require.NoError(t, err)
	assert.Equal(t, ExplorerSourceName, src.Name())
	assert.Contains(t, src.requestURL(testContract, 1, 2), "chainid=1&")
}
