package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RawLog is the source-independent shape of a contract event log.
// Every log source (explorer API, node RPC, live subscription, webhook)
// normalizes into this struct before decoding.
type RawLog struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	// TxIndex is zero when the source does not report it
	TxIndex  uint
	LogIndex uint
	Removed  bool
}

// LogKey identifies a log independently of the source it arrived from
type LogKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// String returns the "txhash:logIndex" form used for dedup and activity ids
func (k LogKey) String() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(k.TxHash.Hex()), k.LogIndex)
}

// Key returns the dedup key of the log
func (l *RawLog) Key() LogKey {
	return LogKey{TxHash: l.TxHash, LogIndex: l.LogIndex}
}

// FromGethLog converts a go-ethereum log into a RawLog
func FromGethLog(l *types.Log) RawLog {
	topics := make([]common.Hash, len(l.Topics))
	copy(topics, l.Topics)
	data := make([]byte, len(l.Data))
	copy(data, l.Data)

	return RawLog{
		Address:     l.Address,
		Topics:      topics,
		Data:        data,
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
		TxHash:      l.TxHash,
		TxIndex:     l.TxIndex,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}
}

// ParseQuantity parses a hex ("0x1a") or decimal ("26") quantity.
// Explorers report zero as the bare "0x" prefix, which parses to 0.
func ParseQuantity(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	if has0xPrefix(s) {
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" {
			return 0, nil
		}
		v, err := hexutil.DecodeUint64("0x" + digits)
		if err != nil {
			return 0, fmt.Errorf("invalid hex quantity %q: %w", s, err)
		}
		return v, nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal quantity %q: %w", s, err)
	}
	return v, nil
}

// ParseHash parses a 32-byte hex string, rejecting any other length
func ParseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q: expected %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// ParseData parses hex-encoded log data. Empty data ("" or "0x") yields nil.
func ParseData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" || s == "0X" {
		return nil, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid data %q: %w", s, err)
	}
	return b, nil
}

// ParseAddress parses a 20-byte hex address
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
