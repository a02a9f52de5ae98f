package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueType is the declared shape of a setting's values.
type ValueType string

const (
	ValueTypeDecimal    ValueType = "decimal"
	ValueTypeInteger    ValueType = "integer"
	ValueTypeString     ValueType = "string"
	ValueTypeBoolean    ValueType = "boolean"
	ValueTypeScoreSteps ValueType = "score_steps"
	ValueTypeList       ValueType = "list"
)

// Valid reports whether t is one of the known value types.
func (t ValueType) Valid() bool {
	switch t {
	case ValueTypeDecimal, ValueTypeInteger, ValueTypeString,
		ValueTypeBoolean, ValueTypeScoreSteps, ValueTypeList:
		return true
	}
	return false
}

// Value is a resolved setting value. The concrete type is the discriminant:
// Decimal, Integer, Text, Flag, Tiers, List, or Raw for data that has not
// (or could not) be decoded as the declared ValueType.
type Value interface {
	Type() ValueType
}

type (
	Decimal float64
	Integer int64
	Text    string
	Flag    bool
	Tiers   []ScoreStep
	List    []string
)

func (Decimal) Type() ValueType { return ValueTypeDecimal }
func (Integer) Type() ValueType { return ValueTypeInteger }
func (Text) Type() ValueType    { return ValueTypeString }
func (Flag) Type() ValueType    { return ValueTypeBoolean }
func (Tiers) Type() ValueType   { return ValueTypeScoreSteps }
func (List) Type() ValueType    { return ValueTypeList }

// Raw carries undecoded JSON. Err is empty while the value is still pending
// a typed decode and holds the decode failure otherwise.
type Raw struct {
	Data json.RawMessage
	Err  string
}

// Type returns the empty ValueType; a Raw never satisfies a declared type.
func (Raw) Type() ValueType { return "" }

func (r Raw) failure() string {
	if r.Err == "" {
		return "value not decoded"
	}
	return r.Err
}

// MarshalJSON writes the original bytes back unchanged.
func (r Raw) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace(r.Data)) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}

// DecodeValue decodes data strictly as the given value type.
func DecodeValue(t ValueType, data json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("null value for type %q", t)
	}

	switch t {
	case ValueTypeDecimal:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("expected decimal: %w", err)
		}
		return Decimal(f), nil

	case ValueTypeInteger:
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("expected integer: %w", err)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer: %w", err)
		}
		return Integer(i), nil

	case ValueTypeString:
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("expected string: %w", err)
		}
		return Text(s), nil

	case ValueTypeBoolean:
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, fmt.Errorf("expected boolean: %w", err)
		}
		return Flag(b), nil

	case ValueTypeScoreSteps:
		var steps []ScoreStep
		if err := json.Unmarshal(trimmed, &steps); err != nil {
			return nil, fmt.Errorf("expected score steps: %w", err)
		}
		return Tiers(steps), nil

	case ValueTypeList:
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("expected list of strings: %w", err)
		}
		return List(items), nil

	default:
		return nil, fmt.Errorf("unknown value type %q", t)
	}
}

// decodeLenient decodes data as t, keeping it as a Raw with the failure
// recorded when it does not fit. The mismatch is surfaced at resolution time.
func decodeLenient(t ValueType, data json.RawMessage) Value {
	v, err := DecodeValue(t, data)
	if err != nil {
		return Raw{Data: append(json.RawMessage(nil), data...), Err: err.Error()}
	}
	return v
}

// retype decodes a pending Raw as t. Any other value is returned unchanged.
func retype(t ValueType, v Value) Value {
	raw, ok := v.(Raw)
	if !ok || raw.Err != "" {
		return v
	}
	return decodeLenient(t, raw.Data)
}

// Numeric returns the value as a float64 for decimal and integer values.
func Numeric(v Value) (float64, bool) {
	switch n := v.(type) {
	case Decimal:
		return float64(n), true
	case Integer:
		return float64(n), true
	}
	return 0, false
}

// TypeOf describes a value's type for error messages.
func TypeOf(v Value) string {
	if v == nil {
		return "null"
	}
	if raw, ok := v.(Raw); ok {
		if raw.Err != "" {
			return "invalid (" + raw.Err + ")"
		}
		return "undecoded"
	}
	return string(v.Type())
}
