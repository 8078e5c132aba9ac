package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

// Value kinds.
const (
	KindNull ValueKind = iota
	KindInteger
	KindFloat
	KindString
	KindBool
	KindTimestamp
	KindJSON
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindJSON:
		return "json"
	}
	return "unknown"
}

// Value is a closed variant for attribute values. The zero Value is null.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    bool
	t    time.Time
	raw  json.RawMessage
}

// Null returns the null value.
func Null() Value { return Value{} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInteger, i: v} }

// Float returns a float value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String returns a string value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Timestamp returns a timestamp value truncated to whole seconds, which is
// the precision persisted and exchanged with the remote.
func Timestamp(v time.Time) Value {
	return Value{kind: KindTimestamp, t: v.UTC().Truncate(time.Second)}
}

// JSON returns a JSON document value. Invalid JSON is stored as a string.
func JSON(raw []byte) Value {
	if !json.Valid(raw) {
		return String(string(raw))
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Value{kind: KindJSON, raw: cp}
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInt returns the integer held by v. Timestamps convert to Unix seconds and
// booleans to 0/1.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInteger:
		return v.i, true
	case KindTimestamp:
		return v.t.Unix(), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindFloat:
		if v.f == math.Trunc(v.f) {
			return int64(v.f), true
		}
	case KindString:
		if n, err := strconv.ParseInt(v.s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// AsFloat returns v as a float.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInteger:
		return float64(v.i), true
	case KindString:
		if f, err := strconv.ParseFloat(v.s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindJSON:
		return string(v.raw), true
	}
	return "", false
}

// AsBool returns the boolean held by v. Integers are true when non-zero.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindInteger:
		return v.i != 0, true
	}
	return false, false
}

// AsTime returns the timestamp held by v. Integers are read as Unix seconds.
func (v Value) AsTime() (time.Time, bool) {
	switch v.kind {
	case KindTimestamp:
		return v.t, true
	case KindInteger:
		return time.Unix(v.i, 0).UTC(), true
	}
	return time.Time{}, false
}

// SQL returns the driver value used as a statement argument.
func (v Value) SQL() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		if v.b {
			return int64(1)
		}
		return int64(0)
	case KindTimestamp:
		return v.t.Unix()
	case KindJSON:
		return string(v.raw)
	}
	return nil
}

// Canonical renders v the way the hashing algorithm consumes it. Null is
// the empty string, booleans are "1"/"0", timestamps are Unix seconds and
// integral floats drop their fraction.
func (v Value) Canonical() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1e15 {
			return strconv.FormatInt(int64(v.f), 10)
		}
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindBool:
		if v.b {
			return "1"
		}
		return "0"
	case KindTimestamp:
		return strconv.FormatInt(v.t.Unix(), 10)
	case KindJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, v.raw); err == nil {
			return buf.String()
		}
		return string(v.raw)
	}
	return ""
}

// Equal reports whether two values render identically.
func (v Value) Equal(o Value) bool {
	if v.kind == KindNull || o.kind == KindNull {
		return v.kind == o.kind
	}
	return v.Canonical() == o.Canonical()
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "NULL"
	}
	return v.Canonical()
}

// MarshalJSON encodes v. Timestamps are encoded as Unix seconds.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInteger:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return json.Marshal(v.b)
	case KindTimestamp:
		return []byte(strconv.FormatInt(v.t.Unix(), 10)), nil
	case KindJSON:
		return v.raw, nil
	}
	return nil, fmt.Errorf("marshal value kind %d: %w", v.kind, ErrInvalidValue)
}

// UnmarshalJSON decodes v. Numbers without a fraction become integers;
// objects and arrays become JSON values.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value: %w", ErrInvalidValue)
	}
	switch data[0] {
	case 'n':
		*v = Null()
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '{', '[':
		*v = JSON(data)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if i, err := n.Int64(); err == nil {
			*v = Int(i)
			return nil
		}
		f, err := n.Float64()
		if err != nil {
			return err
		}
		*v = Float(f)
	}
	return nil
}

// FromAny converts a Go value (as produced by database/sql scanning or
// encoding/json decoding) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", t, ErrInvalidValue)
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case bool:
		return Bool(t), nil
	case time.Time:
		return Timestamp(t), nil
	case json.RawMessage:
		return JSON(t), nil
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return Value{}, fmt.Errorf("encoding %T: %w", x, err)
		}
		return JSON(raw), nil
	}
	return Value{}, fmt.Errorf("unsupported type %T: %w", x, ErrInvalidValue)
}

// Coerce converts v to the representation expected by an attribute type.
// Values that are already compatible are returned unchanged.
func (v Value) Coerce(attrType string) (Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch attrType {
	case TypePrimaryKeyInteger, TypeInteger:
		if i, ok := v.AsInt(); ok {
			return Int(i), nil
		}
	case TypeFloat:
		if f, ok := v.AsFloat(); ok {
			return Float(f), nil
		}
	case TypeBoolean:
		if b, ok := v.AsBool(); ok {
			return Bool(b), nil
		}
		if s, ok := v.AsString(); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return Bool(b), nil
			}
		}
	case TypeTimestamp:
		if t, ok := v.AsTime(); ok {
			return Timestamp(t), nil
		}
		if s, ok := v.AsString(); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return Timestamp(t), nil
			}
		}
	case TypeJSON:
		switch v.kind {
		case KindJSON:
			return v, nil
		case KindString:
			return JSON([]byte(v.s)), nil
		}
		raw, err := v.MarshalJSON()
		if err != nil {
			return Value{}, err
		}
		return JSON(raw), nil
	case TypePrimaryKeyString, TypePrimaryKeyUUID, TypeString, TypeText,
		TypeEnum, TypeUUID, TypeRefFile:
		if s, ok := v.AsString(); ok {
			return String(s), nil
		}
		return String(v.Canonical()), nil
	default:
		return Value{}, fmt.Errorf("coerce to %q: %w", attrType, ErrInvalidAttributeType)
	}
	return Value{}, fmt.Errorf("coerce %s to %q: %w", v.kind, attrType, ErrInvalidValue)
}
