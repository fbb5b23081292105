package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// ValueType is the static type of a value or expression.
type ValueType string

const (
	TypeNumber ValueType = "number"
	TypeBool   ValueType = "bool"
	TypeString ValueType = "string"
)

// String returns the string representation of the value type.
func (t ValueType) String() string {
	return string(t)
}

// Value is a typed scalar. Numbers are arbitrary-precision decimals so that the
// canonical form is exact: 1.50 and 1.5 are the same value.
type Value struct {
	Type ValueType
	Num  decimal.Decimal
	Bool bool
	Str  string
}

// Number returns a numeric value.
func Number(d decimal.Decimal) Value {
	return Value{Type: TypeNumber, Num: d}
}

// NumberFromString parses a decimal literal into a numeric value.
func NumberFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Number(d), nil
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{Type: TypeBool, Bool: b}
}

// StringValue returns a string value.
func StringValue(s string) Value {
	return Value{Type: TypeString, Str: s}
}

// ValueOf converts a loosely typed Go value, as decoded from YAML, JSON or a
// protobuf Struct, into a Value. Strings stay strings; every numeric kind
// becomes a decimal through its shortest exact text form.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return StringValue(x), nil
	case decimal.Decimal:
		return Number(x), nil
	case json.Number:
		return NumberFromString(x.String())
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		s, err := cast.ToStringE(x)
		if err != nil {
			return Value{}, err
		}
		return NumberFromString(s)
	case nil:
		return Value{}, fmt.Errorf("null is not a valid value")
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// IsZero reports whether the value has no type, i.e. was never set.
func (v Value) IsZero() bool {
	return v.Type == ""
}

// Equal reports whether two values have the same type and content.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNumber:
		return v.Num.Equal(o.Num)
	case TypeBool:
		return v.Bool == o.Bool
	case TypeString:
		return v.Str == o.Str
	}
	return true
}

// Canonical returns the canonical source form of the value. Numbers have
// trailing zeros removed, strings are double quoted.
func (v Value) Canonical() string {
	switch v.Type {
	case TypeNumber:
		return v.Num.String()
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeString:
		return strconv.Quote(v.Str)
	}
	return "<invalid>"
}

// Interface returns the value as a plain Go value: a float64, bool or string.
func (v Value) Interface() any {
	switch v.Type {
	case TypeNumber:
		f, _ := v.Num.Float64()
		return f
	case TypeBool:
		return v.Bool
	case TypeString:
		return v.Str
	}
	return nil
}

type valueJSON struct {
	Type   ValueType `json:"type"`
	Number string    `json:"number,omitempty"`
	Bool   *bool     `json:"bool,omitempty"`
	String *string   `json:"string,omitempty"`
}

// MarshalJSON encodes the value with its type tag. Numbers are encoded as their
// canonical decimal text.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.Type}
	switch v.Type {
	case TypeNumber:
		out.Number = v.Num.String()
	case TypeBool:
		b := v.Bool
		out.Bool = &b
	case TypeString:
		s := v.Str
		out.String = &s
	default:
		return nil, fmt.Errorf("cannot marshal untyped value")
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a value produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}
	switch in.Type {
	case TypeNumber:
		parsed, err := NumberFromString(in.Number)
		if err != nil {
			return err
		}
		*v = parsed
	case TypeBool:
		*v = Bool(in.Bool != nil && *in.Bool)
	case TypeString:
		s := ""
		if in.String != nil {
			s = *in.String
		}
		*v = StringValue(s)
	default:
		return fmt.Errorf("unknown value type %q", in.Type)
	}
	return nil
}
