package abi

import (
	_ "embed"
	"fmt"
	"os"
)

// Marketplace event names
const (
	EventResourceCreated      = "ResourceCreated"
	EventAccessPurchased      = "AccessPurchased"
	EventWithdrawal           = "Withdrawal"
	EventResourceDeactivated  = "ResourceDeactivated"
	EventOwnershipTransferred = "OwnershipTransferred"
)

//go:embed marketplace.abi.json
var marketplaceABI []byte

// MarketplaceABI returns a copy of the embedded Marketplace contract ABI
func MarketplaceABI() []byte {
	out := make([]byte, len(marketplaceABI))
	copy(out, marketplaceABI)
	return out
}

// NewMarketplaceDecoder builds a decoder for the embedded Marketplace ABI
func NewMarketplaceDecoder() (*Decoder, error) {
	return NewDecoderFromJSON(marketplaceABI)
}

// LoadDecoder builds a decoder from an ABI file, or from the embedded
// Marketplace ABI when path is empty.
func LoadDecoder(path string) (*Decoder, error) {
	if path == "" {
		return NewMarketplaceDecoder()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ABI file: %w", err)
	}
	return NewDecoderFromJSON(data)
}
