package abi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Kind is the primitive category of an event parameter
type Kind int

const (
	KindAddress Kind = iota
	KindUint
	KindString
	KindBool
	KindBytes32
)

// PrimitiveType is the closed set of parameter types the decoder supports.
// Enum-declared parameters are carried as uint8.
type PrimitiveType struct {
	Kind Kind
	// Bits is the width of uint types
	Bits int
}

// String returns the canonical ABI type name
func (p PrimitiveType) String() string {
	switch p.Kind {
	case KindAddress:
		return "address"
	case KindUint:
		return fmt.Sprintf("uint%d", p.Bits)
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindBytes32:
		return "bytes32"
	default:
		return "invalid"
	}
}

// dynamic reports whether the type is hashed when indexed
func (p PrimitiveType) dynamic() bool {
	return p.Kind == KindString
}

// ParameterDescriptor describes one event parameter in declaration order
type ParameterDescriptor struct {
	Name     string
	Type     PrimitiveType
	Indexed  bool
	Position int
}

// IndexedParam pairs an indexed parameter with the topic slot holding it
type IndexedParam struct {
	Param ParameterDescriptor
	// Topic is 1 + the parameter's position among indexed parameters
	Topic int
}

// EventLayout is the decoding plan for one event
type EventLayout struct {
	Name      string
	Signature string
	Params    []ParameterDescriptor
	Indexed   []IndexedParam
	// Data holds the non-indexed parameters in declaration order
	Data     abi.Arguments
	dataDesc []ParameterDescriptor
}

// ExtractLayouts parses a JSON ABI and returns the decoding layout of
// every event it declares, keyed by event name.
func ExtractLayouts(abiJSON []byte) (map[string]*EventLayout, error) {
	normalized, err := normalizeEnums(abiJSON)
	if err != nil {
		return nil, err
	}

	parsed, err := abi.JSON(bytes.NewReader(normalized))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	layouts := make(map[string]*EventLayout, len(parsed.Events))
	for name, event := range parsed.Events {
		if event.Anonymous {
			continue
		}
		layout, err := buildLayout(event)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", name, err)
		}
		layouts[name] = layout
	}

	return layouts, nil
}

func buildLayout(event abi.Event) (*EventLayout, error) {
	layout := &EventLayout{
		Name:      event.RawName,
		Signature: event.Sig,
	}

	for i, input := range event.Inputs {
		pt, err := primitiveOf(input.Type)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", input.Name, err)
		}

		desc := ParameterDescriptor{
			Name:     input.Name,
			Type:     pt,
			Indexed:  input.Indexed,
			Position: i,
		}
		if desc.Name == "" {
			desc.Name = fmt.Sprintf("arg%d", i)
		}
		layout.Params = append(layout.Params, desc)

		if input.Indexed {
			layout.Indexed = append(layout.Indexed, IndexedParam{
				Param: desc,
				Topic: len(layout.Indexed) + 1,
			})
			continue
		}
		layout.Data = append(layout.Data, input)
		layout.dataDesc = append(layout.dataDesc, desc)
	}

	return layout, nil
}

func primitiveOf(t abi.Type) (PrimitiveType, error) {
	switch t.T {
	case abi.AddressTy:
		return PrimitiveType{Kind: KindAddress}, nil
	case abi.UintTy:
		return PrimitiveType{Kind: KindUint, Bits: t.Size}, nil
	case abi.StringTy:
		return PrimitiveType{Kind: KindString}, nil
	case abi.BoolTy:
		return PrimitiveType{Kind: KindBool}, nil
	case abi.FixedBytesTy:
		if t.Size == 32 {
			return PrimitiveType{Kind: KindBytes32}, nil
		}
	}
	return PrimitiveType{}, fmt.Errorf("unsupported parameter type %s", t.String())
}

// normalizeEnums rewrites enum-declared parameter types to uint8.
// Solidity encodes enums as uint8; some hand-written ABIs spell them
// out as "enum Name".
func normalizeEnums(abiJSON []byte) ([]byte, error) {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(abiJSON, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	changed := false
	for _, entry := range entries {
		for _, key := range []string{"inputs", "outputs"} {
			raw, ok := entry[key]
			if !ok {
				continue
			}
			var params []map[string]json.RawMessage
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, fmt.Errorf("failed to parse ABI %s: %w", key, err)
			}
			modified := false
			for _, p := range params {
				var typ string
				if err := json.Unmarshal(p["type"], &typ); err != nil {
					continue
				}
				if strings.HasPrefix(typ, "enum ") || strings.HasPrefix(typ, "enum\t") {
					p["type"] = json.RawMessage(`"uint8"`)
					modified = true
				}
			}
			if modified {
				out, err := json.Marshal(params)
				if err != nil {
					return nil, err
				}
				entry[key] = out
				changed = true
			}
		}
	}

	if !changed {
		return abiJSON, nil
	}
	return json.Marshal(entries)
}

// EventNames returns the names of the layouts, sorted
func EventNames(layouts map[string]*EventLayout) []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
