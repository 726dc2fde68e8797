package abi

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/market-indexer/pkg/types"
)

// wordSize is the ABI slot width in bytes
const wordSize = 32

// DecodedEvent is a log resolved to a named event with typed fields.
// It is never mutated after the decoder returns it.
type DecodedEvent struct {
	Kind      string
	Signature string
	Fields    map[string]Value
	// Order lists field names in declaration order
	Order []string
	Log   types.RawLog
}

// Key returns the dedup key of the underlying log
func (e *DecodedEvent) Key() types.LogKey {
	return e.Log.Key()
}

// Field returns a field by name
func (e *DecodedEvent) Field(name string) (Value, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Address returns an address field
func (e *DecodedEvent) Address(name string) (string, error) {
	v, ok := e.Fields[name]
	if !ok {
		return "", fmt.Errorf("%s: missing field %q", e.Kind, name)
	}
	a, ok := v.(AddressValue)
	if !ok {
		return "", fmt.Errorf("%s: field %q is %s, not address", e.Kind, name, v.Type())
	}
	return string(a), nil
}

// Uint returns a copy of an unsigned integer field
func (e *DecodedEvent) Uint(name string) (*big.Int, error) {
	v, ok := e.Fields[name]
	if !ok {
		return nil, fmt.Errorf("%s: missing field %q", e.Kind, name)
	}
	u, ok := v.(UintValue)
	if !ok || u.Int == nil {
		return nil, fmt.Errorf("%s: field %q is %s, not uint", e.Kind, name, v.Type())
	}
	return new(big.Int).Set(u.Int), nil
}

// Uint8 returns a uint field that must fit in 8 bits (enum values)
func (e *DecodedEvent) Uint8(name string) (uint8, error) {
	n, err := e.Uint(name)
	if err != nil {
		return 0, err
	}
	if n.BitLen() > 8 {
		return 0, fmt.Errorf("%s: field %q value %s exceeds uint8", e.Kind, name, n)
	}
	return uint8(n.Uint64()), nil
}

// String returns a string field
func (e *DecodedEvent) String(name string) (string, error) {
	v, ok := e.Fields[name]
	if !ok {
		return "", fmt.Errorf("%s: missing field %q", e.Kind, name)
	}
	s, ok := v.(StringValue)
	if !ok {
		return "", fmt.Errorf("%s: field %q is %s, not string", e.Kind, name, v.Type())
	}
	return string(s), nil
}

// Decoder turns raw logs into DecodedEvents. It holds no mutable state
// and is safe for concurrent use.
type Decoder struct {
	registry *TopicRegistry
	layouts  map[common.Hash]*EventLayout
	byName   map[string]*EventLayout
}

// NewDecoder creates a decoder for the given event layouts
func NewDecoder(layouts map[string]*EventLayout) (*Decoder, error) {
	signatures := make([]string, 0, len(layouts))
	for _, name := range EventNames(layouts) {
		signatures = append(signatures, layouts[name].Signature)
	}

	registry, err := NewTopicRegistry(signatures)
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		registry: registry,
		layouts:  make(map[common.Hash]*EventLayout, len(layouts)),
		byName:   make(map[string]*EventLayout, len(layouts)),
	}
	for _, layout := range layouts {
		d.layouts[TopicHash(layout.Signature)] = layout
		if _, ok := d.byName[layout.Name]; !ok {
			d.byName[layout.Name] = layout
		}
	}

	return d, nil
}

// NewDecoderFromJSON extracts layouts from a JSON ABI and builds a decoder
func NewDecoderFromJSON(abiJSON []byte) (*Decoder, error) {
	layouts, err := ExtractLayouts(abiJSON)
	if err != nil {
		return nil, err
	}
	return NewDecoder(layouts)
}

// Registry returns the topic registry backing the decoder
func (d *Decoder) Registry() *TopicRegistry {
	return d.registry
}

// Layout returns the layout of an event by name
func (d *Decoder) Layout(name string) (*EventLayout, bool) {
	l, ok := d.byName[name]
	return l, ok
}

// Decode resolves a raw log into a DecodedEvent. Every rejection is a
// *DecodeError; panics from the ABI unpacker are converted into BadData.
func (d *Decoder) Decode(log types.RawLog) (ev *DecodedEvent, err error) {
	if len(log.Topics) == 0 {
		return nil, &DecodeError{Kind: FailureNoTopics}
	}

	topic := log.Topics[0]
	layout, ok := d.layouts[topic]
	if !ok {
		return nil, &DecodeError{Kind: FailureUnknownEvent, Topic: topic}
	}

	if len(log.Topics) < 1+len(layout.Indexed) {
		return nil, &DecodeError{
			Kind:  FailureTruncatedTopics,
			Event: layout.Name,
			Topic: topic,
			Err:   fmt.Errorf("want %d topics, got %d", 1+len(layout.Indexed), len(log.Topics)),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			ev = nil
			err = &DecodeError{Kind: FailureBadData, Event: layout.Name, Topic: topic, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	fields := make(map[string]Value, len(layout.Params))

	for _, ip := range layout.Indexed {
		v, err := decodeTopic(ip.Param.Type, log.Topics[ip.Topic])
		if err != nil {
			return nil, &DecodeError{
				Kind:  FailureBadData,
				Event: layout.Name,
				Topic: topic,
				Err:   fmt.Errorf("indexed %q: %w", ip.Param.Name, err),
			}
		}
		fields[ip.Param.Name] = v
	}

	if len(layout.Data) > 0 {
		values, err := decodeData(layout, log.Data)
		if err != nil {
			return nil, &DecodeError{Kind: FailureBadData, Event: layout.Name, Topic: topic, Err: err}
		}
		for i, desc := range layout.dataDesc {
			fields[desc.Name] = values[i]
		}
	}

	order := make([]string, len(layout.Params))
	for i, p := range layout.Params {
		order[i] = p.Name
	}

	return &DecodedEvent{
		Kind:      layout.Name,
		Signature: layout.Signature,
		Fields:    fields,
		Order:     order,
		Log:       log,
	}, nil
}

func decodeTopic(pt PrimitiveType, topic common.Hash) (Value, error) {
	if pt.dynamic() {
		return BytesValue(common.CopyBytes(topic.Bytes())), nil
	}

	switch pt.Kind {
	case KindAddress:
		return AddressValue(strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())), nil
	case KindUint:
		n := new(big.Int).SetBytes(topic.Bytes())
		if n.BitLen() > pt.Bits {
			return nil, fmt.Errorf("value exceeds uint%d", pt.Bits)
		}
		return UintValue{Bits: pt.Bits, Int: n}, nil
	case KindBool:
		n := new(big.Int).SetBytes(topic.Bytes())
		if n.BitLen() > 1 {
			return nil, fmt.Errorf("invalid bool encoding")
		}
		return BoolValue(n.Sign() == 1), nil
	case KindBytes32:
		return BytesValue(common.CopyBytes(topic.Bytes())), nil
	}
	return nil, fmt.Errorf("unsupported type %s", pt)
}

func decodeData(layout *EventLayout, data []byte) ([]Value, error) {
	if len(data)%wordSize != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of %d", len(data), wordSize)
	}
	if len(data) < wordSize*len(layout.Data) {
		return nil, fmt.Errorf("data length %d too short for %d parameters", len(data), len(layout.Data))
	}

	raw, err := layout.Data.UnpackValues(data)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(layout.dataDesc) {
		return nil, fmt.Errorf("unpacked %d values, want %d", len(raw), len(layout.dataDesc))
	}

	values := make([]Value, len(raw))
	for i, desc := range layout.dataDesc {
		v, err := convertUnpacked(desc.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", desc.Name, err)
		}
		values[i] = v
	}
	return values, nil
}

// convertUnpacked maps the Go value produced by the go-ethereum unpacker
// onto the Value variant of the declared type.
func convertUnpacked(pt PrimitiveType, raw interface{}) (Value, error) {
	switch pt.Kind {
	case KindAddress:
		a, ok := raw.(common.Address)
		if !ok {
			return nil, fmt.Errorf("unexpected %T for address", raw)
		}
		return AddressValue(strings.ToLower(a.Hex())), nil
	case KindUint:
		n, err := toBigInt(raw)
		if err != nil {
			return nil, err
		}
		return UintValue{Bits: pt.Bits, Int: n}, nil
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected %T for string", raw)
		}
		return StringValue(s), nil
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("unexpected %T for bool", raw)
		}
		return BoolValue(b), nil
	case KindBytes32:
		b, ok := raw.([32]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected %T for bytes32", raw)
		}
		return BytesValue(common.CopyBytes(b[:])), nil
	}
	return nil, fmt.Errorf("unsupported type %s", pt)
}

func toBigInt(raw interface{}) (*big.Int, error) {
	switch v := raw.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint()), nil
	}
	return nil, fmt.Errorf("unexpected %T for uint", raw)
}
