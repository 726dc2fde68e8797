package abi

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicHash(t *testing.T) {
	// well-known ERC20 Transfer topic
	want := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	assert.Equal(t, want, TopicHash("Transfer(address,address,uint256)"))
	assert.Equal(t, crypto.Keccak256Hash([]byte("Withdrawal(address,uint256)")), TopicHash("Withdrawal(address,uint256)"))
}

func TestTopicRegistry(t *testing.T) {
	sigs := []string{
		"AccessPurchased(address,uint256,uint256,uint256)",
		"Withdrawal(address,uint256)",
	}
	r, err := NewTopicRegistry(sigs)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	for _, sig := range sigs {
		name, ok := r.Lookup(TopicHash(sig))
		require.True(t, ok)
		assert.Equal(t, sig[:len(name)], name)

		got, ok := r.Signature(TopicHash(sig))
		require.True(t, ok)
		assert.Equal(t, sig, got)
	}

	assert.Equal(t, UnknownEvent, r.Name(common.HexToHash("0xdeadbeef")))
	_, ok := r.Lookup(common.HexToHash("0xdeadbeef"))
	assert.False(t, ok)

	h, ok := r.Hash("Withdrawal")
	require.True(t, ok)
	assert.Equal(t, TopicHash("Withdrawal(address,uint256)"), h)

	assert.Equal(t, []string{"AccessPurchased", "Withdrawal"}, r.Names())
}

func TestTopicRegistry_DuplicateSignature(t *testing.T) {
	r, err := NewTopicRegistry([]string{"Withdrawal(address,uint256)", "Withdrawal(address,uint256)"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestTopicRegistry_Malformed(t *testing.T) {
	tests := []string{
		"Withdrawal",
		"(address)",
		"Withdrawal(address, uint256)",
		"Withdrawal(address",
	}
	for _, sig := range tests {
		t.Run(sig, func(t *testing.T) {
			_, err := NewTopicRegistry([]string{sig})
			assert.Error(t, err)
		})
	}
}

func TestTopicRegistry_OverloadedNames(t *testing.T) {
	r, err := NewTopicRegistry([]string{
		"Transfer(address,address,uint256)",
		"Transfer(address,uint256)",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "Transfer", r.Name(TopicHash("Transfer(address,uint256)")))
	assert.Equal(t, []string{"Transfer"}, r.Names())
}
