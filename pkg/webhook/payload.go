// Package webhook ingests Alchemy-style custom webhook deliveries.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/market-indexer/pkg/types"
)

// Payload is the body of a custom webhook delivery
type Payload struct {
	WebhookID string `json:"webhookId"`
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Type      string `json:"type"`
	Event     struct {
		Data struct {
			Block Block `json:"block"`
		} `json:"data"`
	} `json:"event"`
}

// Block is the block section of a delivery
type Block struct {
	Number    Quantity `json:"number"`
	Hash      string   `json:"hash"`
	Timestamp Quantity `json:"timestamp"`
	Logs      []Log    `json:"logs"`
}

// Log is one log entry of a delivery. Providers send the position either
// as index or as logIndex.
type Log struct {
	Data     string    `json:"data"`
	Topics   []string  `json:"topics"`
	Index    *Quantity `json:"index,omitempty"`
	LogIndex *Quantity `json:"logIndex,omitempty"`
	Removed  bool      `json:"removed,omitempty"`
	Account  struct {
		Address string `json:"address"`
	} `json:"account"`
	Transaction struct {
		Hash  string   `json:"hash"`
		Index Quantity `json:"index"`
	} `json:"transaction"`
}

// Quantity accepts a JSON number, a decimal string or a 0x hex string
type Quantity uint64

// UnmarshalJSON implements json.Unmarshaler
func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*q = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := types.ParseQuantity(s)
		if err != nil {
			return err
		}
		*q = Quantity(v)
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid quantity %s: %w", b, err)
	}
	*q = Quantity(v)
	return nil
}

// ParsePayload decodes a delivery body
func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &p, nil
}

// MalformedLog is a delivered log entry that could not be normalized
type MalformedLog struct {
	Position int
	Err      error
}

func (m MalformedLog) Error() string {
	return fmt.Sprintf("log %d: %v", m.Position, m.Err)
}

// RawLogs normalizes the delivered logs. Block fields are copied onto
// every log. Entries that fail to normalize are returned separately so
// the rest of the block is kept; only a malformed block fails.
func (p *Payload) RawLogs() ([]types.RawLog, []MalformedLog, error) {
	block := p.Event.Data.Block
	blockHash, err := optionalHash(block.Hash)
	if err != nil {
		return nil, nil, fmt.Errorf("block hash: %w", err)
	}

	logs := make([]types.RawLog, 0, len(block.Logs))
	var malformed []MalformedLog
	for i, l := range block.Logs {
		raw, err := l.toRawLog(uint64(block.Number), blockHash)
		if err != nil {
			malformed = append(malformed, MalformedLog{Position: i, Err: err})
			continue
		}
		logs = append(logs, raw)
	}
	return logs, malformed, nil
}

func (l *Log) toRawLog(blockNumber uint64, blockHash common.Hash) (types.RawLog, error) {
	var out types.RawLog

	idx := l.Index
	if idx == nil {
		idx = l.LogIndex
	}
	if idx == nil {
		return out, fmt.Errorf("missing log index")
	}

	addr, err := types.ParseAddress(l.Account.Address)
	if err != nil {
		return out, fmt.Errorf("account address: %w", err)
	}
	txHash, err := types.ParseHash(l.Transaction.Hash)
	if err != nil {
		return out, fmt.Errorf("transaction hash: %w", err)
	}
	data, err := types.ParseData(l.Data)
	if err != nil {
		return out, fmt.Errorf("data: %w", err)
	}

	out = types.RawLog{
		Address:     addr,
		Data:        data,
		BlockNumber: blockNumber,
		BlockHash:   blockHash,
		TxHash:      txHash,
		TxIndex:     uint(l.Transaction.Index),
		LogIndex:    uint(*idx),
		Removed:     l.Removed,
	}
	for j, t := range l.Topics {
		h, err := types.ParseHash(t)
		if err != nil {
			return types.RawLog{}, fmt.Errorf("topic %d: %w", j, err)
		}
		out.Topics = append(out.Topics, h)
	}
	return out, nil
}

func optionalHash(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	h, err := types.ParseHash(s)
	if err != nil {
		return common.Hash{}, err
	}
	return h, nil
}
