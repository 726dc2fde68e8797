package abi

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// Value is a decoded event parameter. The concrete types are
// AddressValue, UintValue, StringValue, BoolValue and BytesValue.
type Value interface {
	// Type returns the ABI type name of the value
	Type() string
	// String returns a display form of the value
	String() string

	isValue()
}

// AddressValue is a lower-case 0x-prefixed 20-byte address
type AddressValue string

func (AddressValue) Type() string     { return "address" }
func (v AddressValue) String() string { return string(v) }
func (AddressValue) isValue()         {}

// UintValue is an unsigned integer of the declared bit width.
// Int is never nil for values produced by the decoder.
type UintValue struct {
	Bits int
	Int  *big.Int
}

func (v UintValue) Type() string { return fmt.Sprintf("uint%d", v.Bits) }
func (v UintValue) String() string {
	if v.Int == nil {
		return "0"
	}
	return v.Int.String()
}
func (UintValue) isValue() {}

// StringValue is a UTF-8 string parameter
type StringValue string

func (StringValue) Type() string     { return "string" }
func (v StringValue) String() string { return string(v) }
func (StringValue) isValue()         {}

// BoolValue is a boolean parameter
type BoolValue bool

func (BoolValue) Type() string { return "bool" }
func (v BoolValue) String() string {
	if v {
		return "true"
	}
	return "false"
}
func (BoolValue) isValue() {}

// BytesValue holds fixed-size bytes and the topic hash of indexed dynamic values
type BytesValue []byte

func (BytesValue) Type() string     { return "bytes32" }
func (v BytesValue) String() string { return "0x" + hex.EncodeToString(v) }
func (BytesValue) isValue()         {}
