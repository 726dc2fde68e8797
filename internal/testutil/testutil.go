package testutil

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/types"
)

// Well-known addresses used across tests
var (
	ContractAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	BuyerAddress    = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	SellerAddress   = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// MarketplaceDecoder returns a decoder for the embedded Marketplace ABI
func MarketplaceDecoder(t testing.TB) *abi.Decoder {
	t.Helper()
	dec, err := abi.NewMarketplaceDecoder()
	if err != nil {
		t.Fatalf("failed to build marketplace decoder: %v", err)
	}
	return dec
}

// LogMeta carries the positional fields of a test log
type LogMeta struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// Meta builds LogMeta with a tx hash derived from seed
func Meta(block uint64, seed string, logIndex uint) LogMeta {
	return LogMeta{
		BlockNumber: block,
		TxHash:      crypto.Keccak256Hash([]byte(seed)),
		LogIndex:    logIndex,
	}
}

// EncodeLog ABI-encodes an event into a RawLog. Field values use the Go
// types go-ethereum packs: common.Address, *big.Int, uint8, string, bool.
func EncodeLog(t testing.TB, dec *abi.Decoder, event string, fields map[string]interface{}, meta LogMeta) types.RawLog {
	t.Helper()
	log, err := encodeLog(dec, event, fields, meta)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", event, err)
	}
	return log
}

func encodeLog(dec *abi.Decoder, event string, fields map[string]interface{}, meta LogMeta) (types.RawLog, error) {
	layout, ok := dec.Layout(event)
	if !ok {
		return types.RawLog{}, fmt.Errorf("unknown event %s", event)
	}

	topics := []common.Hash{abi.TopicHash(layout.Signature)}
	for _, ip := range layout.Indexed {
		v, ok := fields[ip.Param.Name]
		if !ok {
			return types.RawLog{}, fmt.Errorf("missing indexed field %s", ip.Param.Name)
		}
		topic, err := topicOf(v)
		if err != nil {
			return types.RawLog{}, fmt.Errorf("field %s: %w", ip.Param.Name, err)
		}
		topics = append(topics, topic)
	}

	values := make([]interface{}, 0, len(layout.Data))
	for _, arg := range layout.Data {
		v, ok := fields[arg.Name]
		if !ok {
			return types.RawLog{}, fmt.Errorf("missing data field %s", arg.Name)
		}
		values = append(values, v)
	}
	data, err := layout.Data.Pack(values...)
	if err != nil {
		return types.RawLog{}, err
	}

	return types.RawLog{
		Address:     ContractAddress,
		Topics:      topics,
		Data:        data,
		BlockNumber: meta.BlockNumber,
		TxHash:      meta.TxHash,
		LogIndex:    meta.LogIndex,
	}, nil
}

func topicOf(v interface{}) (common.Hash, error) {
	switch x := v.(type) {
	case common.Address:
		return common.BytesToHash(x.Bytes()), nil
	case *big.Int:
		return common.BigToHash(x), nil
	case uint8:
		return common.BigToHash(big.NewInt(int64(x))), nil
	case string:
		return crypto.Keccak256Hash([]byte(x)), nil
	case bool:
		if x {
			return common.BigToHash(big.NewInt(1)), nil
		}
		return common.Hash{}, nil
	case common.Hash:
		return x, nil
	}
	return common.Hash{}, fmt.Errorf("unsupported topic value %T", v)
}

// AccessPurchasedLog encodes an AccessPurchased event
func AccessPurchasedLog(t testing.TB, dec *abi.Decoder, buyer common.Address, resourceID, amount, purchasedAt int64, meta LogMeta) types.RawLog {
	t.Helper()
	return EncodeLog(t, dec, abi.EventAccessPurchased, map[string]interface{}{
		"buyer":       buyer,
		"resourceId":  big.NewInt(resourceID),
		"amountPaid":  big.NewInt(amount),
		"purchasedAt": big.NewInt(purchasedAt),
	}, meta)
}

// ResourceCreatedLog encodes a ResourceCreated event with placeholder metadata
func ResourceCreatedLog(t testing.TB, dec *abi.Decoder, resourceID int64, seller common.Address, name string, meta LogMeta) types.RawLog {
	t.Helper()
	return EncodeLog(t, dec, abi.EventResourceCreated, map[string]interface{}{
		"resourceId":   big.NewInt(resourceID),
		"seller":       seller,
		"name":         name,
		"description":  name + " description",
		"price":        big.NewInt(1_000_000_000_000_000),
		"serviceId":    "svc-" + name,
		"resourceType": uint8(1),
		"cid":          "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		"url":          "https://example.com/" + name,
	}, meta)
}

// WithdrawalLog encodes a Withdrawal event
func WithdrawalLog(t testing.TB, dec *abi.Decoder, seller common.Address, amount int64, meta LogMeta) types.RawLog {
	t.Helper()
	return EncodeLog(t, dec, abi.EventWithdrawal, map[string]interface{}{
		"seller": seller,
		"amount": big.NewInt(amount),
	}, meta)
}
