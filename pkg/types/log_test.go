package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x1a", 26, false},
		{"0x", 0, false},
		{"0x0", 0, false},
		{"0x000f", 15, false},
		{"26", 26, false},
		{"0", 0, false},
		{"", 0, true},
		{"0xzz", 0, true},
		{"12a", 0, true},
		{"99999999999999999999999", 0, true},
		{"18446744073709551615", 18446744073709551615, false},
		{"18446744073709551616", 0, true},
		{"-1", 0, true},
		{"+1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuantity(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHash(t *testing.T) {
	h, err := ParseHash("0x" + "ab" + "00000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), h[0])
	assert.Equal(t, byte(0x01), h[31])

	_, err = ParseHash("0x1234")
	assert.Error(t, err)

	_, err = ParseHash("not-hex")
	assert.Error(t, err)
}

func TestParseData(t *testing.T) {
	b, err := ParseData("0x")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = ParseData("0x0102")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	_, err = ParseData("0x012")
	assert.Error(t, err)
}

func TestLogKeyString(t *testing.T) {
	key := LogKey{TxHash: common.HexToHash("0xABCD"), LogIndex: 7}
	assert.Equal(t, "0x000000000000000000000000000000000000000000000000000000000000abcd:7", key.String())
}

func TestFromGethLog(t *testing.T) {
	gl := &types.Log{
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topics:      []common.Hash{common.HexToHash("0x01")},
		Data:        []byte{0xde, 0xad},
		BlockNumber: 100,
		TxHash:      common.HexToHash("0x02"),
		TxIndex:     3,
		Index:       4,
	}

	raw := FromGethLog(gl)
	assert.Equal(t, gl.Address, raw.Address)
	assert.Equal(t, uint64(100), raw.BlockNumber)
	assert.Equal(t, uint(4), raw.LogIndex)
	assert.Equal(t, uint(3), raw.TxIndex)
	assert.Equal(t, LogKey{TxHash: gl.TxHash, LogIndex: 4}, raw.Key())

	// the copy must not alias the source slices
	gl.Data[0] = 0x00
	assert.Equal(t, byte(0xde), raw.Data[0])
}
