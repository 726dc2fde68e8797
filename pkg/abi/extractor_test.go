package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLayouts_Marketplace(t *testing.T) {
	layouts, err := ExtractLayouts(MarketplaceABI())
	require.NoError(t, err)

	assert.Equal(t, []string{
		EventAccessPurchased,
		EventOwnershipTransferred,
		EventResourceCreated,
		EventResourceDeactivated,
		EventWithdrawal,
	}, EventNames(layouts))

	rc := layouts[EventResourceCreated]
	require.NotNil(t, rc)
	assert.Equal(t, "ResourceCreated(uint256,address,string,string,uint256,string,uint8,string,string)", rc.Signature)
	require.Len(t, rc.Params, 9)
	require.Len(t, rc.Indexed, 2)
	assert.Equal(t, "resourceId", rc.Indexed[0].Param.Name)
	assert.Equal(t, 1, rc.Indexed[0].Topic)
	assert.Equal(t, "seller", rc.Indexed[1].Param.Name)
	assert.Equal(t, 2, rc.Indexed[1].Topic)
	require.Len(t, rc.Data, 7)
	assert.Equal(t, "name", rc.Data[0].Name)
	assert.Equal(t, "url", rc.Data[6].Name)

	resourceType := rc.Params[6]
	assert.Equal(t, "resourceType", resourceType.Name)
	assert.Equal(t, PrimitiveType{Kind: KindUint, Bits: 8}, resourceType.Type)

	ap := layouts[EventAccessPurchased]
	require.NotNil(t, ap)
	require.Len(t, ap.Indexed, 1)
	assert.Equal(t, "buyer", ap.Indexed[0].Param.Name)
	assert.Equal(t, KindAddress, ap.Indexed[0].Param.Type.Kind)
	require.Len(t, ap.Data, 3)
	for i, p := range ap.Params {
		assert.Equal(t, i, p.Position)
	}
}

func TestExtractLayouts_EnumNormalization(t *testing.T) {
	abiJSON := []byte(`[
		{
			"anonymous": false,
			"type": "event",
			"name": "StatusChanged",
			"inputs": [
				{"indexed": true, "name": "id", "type": "uint256"},
				{"indexed": false, "name": "status", "type": "enum Registry.Status"}
			]
		}
	]`)

	layouts, err := ExtractLayouts(abiJSON)
	require.NoError(t, err)

	layout := layouts["StatusChanged"]
	require.NotNil(t, layout)
	assert.Equal(t, "StatusChanged(uint256,uint8)", layout.Signature)
	assert.Equal(t, "uint8", layout.Params[1].Type.String())
}

func TestExtractLayouts_Unsupported(t *testing.T) {
	abiJSON := []byte(`[
		{
			"anonymous": false,
			"type": "event",
			"name": "Batch",
			"inputs": [
				{"indexed": false, "name": "ids", "type": "uint256[]"}
			]
		}
	]`)

	_, err := ExtractLayouts(abiJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported parameter type")
}

func TestExtractLayouts_InvalidJSON(t *testing.T) {
	_, err := ExtractLayouts([]byte(`{not json`))
	assert.Error(t, err)
}

func TestExtractLayouts_SkipsAnonymous(t *testing.T) {
	abiJSON := []byte(`[
		{"anonymous": true, "type": "event", "name": "Anon", "inputs": [{"indexed": false, "name": "x", "type": "uint256"}]},
		{"anonymous": false, "type": "event", "name": "Named", "inputs": [{"indexed": false, "name": "x", "type": "uint256"}]}
	]`)

	layouts, err := ExtractLayouts(abiJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"Named"}, EventNames(layouts))
}

func TestPrimitiveTypeString(t *testing.T) {
	assert.Equal(t, "address", PrimitiveType{Kind: KindAddress}.String())
	assert.Equal(t, "uint64", PrimitiveType{Kind: KindUint, Bits: 64}.String())
	assert.Equal(t, "string", PrimitiveType{Kind: KindString}.String())
	assert.Equal(t, "bool", PrimitiveType{Kind: KindBool}.String())
	assert.Equal(t, "bytes32", PrimitiveType{Kind: KindBytes32}.String())
}
