package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xmhha/market-indexer/pkg/types"
)

// ExplorerSourceName identifies the explorer strategy in logs and metrics
const ExplorerSourceName = "explorer"

const (
	explorerStatusOK    = "1"
	explorerNoRecords   = "No records found"
	defaultExplorerRate = 5
	maxExplorerBody     = 32 << 20
)

// ErrExplorerStatus is wrapped by errors reported in the explorer response envelope
var ErrExplorerStatus = errors.New("explorer returned error status")

// ExplorerConfig configures the explorer log-query strategy
type ExplorerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RateLimit is requests per second; zero uses the default
	RateLimit  float64
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// ExplorerSource queries an Etherscan-compatible logs endpoint
type ExplorerSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// explorerResponse is the {status, message, result} envelope. Result is a
// log array on success and a string on most errors.
type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerLog struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	BlockHash        string   `json:"blockHash"`
	TimeStamp        string   `json:"timeStamp"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	LogIndex         string   `json:"logIndex"`
}

// NewExplorerSource creates an explorer strategy
func NewExplorerSource(cfg *ExplorerConfig) (*ExplorerSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("explorer base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid explorer base URL: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultStrategyTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultExplorerRate
	}

	return &ExplorerSource{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(limit), 1),
		logger:  logger,
	}, nil
}

// Name implements LogSource
func (s *ExplorerSource) Name() string {
	return ExplorerSourceName
}

// FetchLogs implements LogSource
func (s *ExplorerSource) FetchLogs(ctx context.Context, address common.Address, fromBlock, toBlock uint64) ([]types.RawLog, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(address, fromBlock, toBlock), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExplorerBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read explorer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("explorer returned HTTP %d", resp.StatusCode)
	}

	var envelope explorerResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode explorer response: %w", err)
	}

	if envelope.Status != explorerStatusOK {
		if strings.EqualFold(strings.TrimSpace(envelope.Message), explorerNoRecords) {
			return []types.RawLog{}, nil
		}
		detail := envelope.Message
		var resultMsg string
		if json.Unmarshal(envelope.Result, &resultMsg) == nil && resultMsg != "" {
			detail = fmt.Sprintf("%s: %s", detail, resultMsg)
		}
		return nil, fmt.Errorf("%w %q: %s", ErrExplorerStatus, envelope.Status, detail)
	}

	var entries []explorerLog
	if err := json.Unmarshal(envelope.Result, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode explorer logs: %w", err)
	}

	logs := make([]types.RawLog, 0, len(entries))
	for i := range entries {
		raw, err := entries[i].normalize()
		if err != nil {
			s.logger.Warn("dropping malformed explorer log",
				zap.String("tx_hash", entries[i].TransactionHash),
				zap.String("log_index", entries[i].LogIndex),
				zap.Error(err))
			continue
		}
		logs = append(logs, raw)
	}

	return logs, nil
}

func (s *ExplorerSource) requestURL(address common.Address, fromBlock, toBlock uint64) string {
	q := url.Values{}
	q.Set("module", "logs")
	q.Set("action", "getLogs")
	q.Set("address", strings.ToLower(address.Hex()))
	q.Set("fromBlock", strconv.FormatUint(fromBlock, 10))
	q.Set("toBlock", strconv.FormatUint(toBlock, 10))
	if s.apiKey != "" {
		q.Set("apikey", s.apiKey)
	}

	sep := "?"
	if strings.Contains(s.baseURL, "?") {
		sep = "&"
	}
	return s.baseURL + sep + q.Encode()
}

func (l *explorerLog) normalize() (types.RawLog, error) {
	address, err := types.ParseAddress(l.Address)
	if err != nil {
		return types.RawLog{}, err
	}

	topics := make([]common.Hash, 0, len(l.Topics))
	for _, t := range l.Topics {
		// some explorers pad the topic list with nulls
		if t == "" {
			continue
		}
		h, err := types.ParseHash(t)
		if err != nil {
			return types.RawLog{}, fmt.Errorf("topic: %w", err)
		}
		topics = append(topics, h)
	}

	data, err := types.ParseData(l.Data)
	if err != nil {
		return types.RawLog{}, err
	}

	blockNumber, err := types.ParseQuantity(l.BlockNumber)
	if err != nil {
		return types.RawLog{}, fmt.Errorf("blockNumber: %w", err)
	}

	logIndex, err := types.ParseQuantity(l.LogIndex)
	if err != nil {
		return types.RawLog{}, fmt.Errorf("logIndex: %w", err)
	}

	txHash, err := types.ParseHash(l.TransactionHash)
	if err != nil {
		return types.RawLog{}, fmt.Errorf("transactionHash: %w", err)
	}

	raw := types.RawLog{
		Address:     address,
		Topics:      topics,
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      txHash,
		LogIndex:    uint(logIndex),
	}

	if l.BlockHash != "" {
		if h, err := types.ParseHash(l.BlockHash); err == nil {
			raw.BlockHash = h
		}
	}
	if l.TransactionIndex != "" {
		if idx, err := types.ParseQuantity(l.TransactionIndex); err == nil {
			raw.TxIndex = uint(idx)
		}
	}

	return raw, nil
}
