package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Field is one named attribute value.
type Field struct {
	Name  string
	Value Value
}

// F is shorthand for building a Field from a Go value. It panics on values
// FromAny cannot represent, so it is meant for literals.
func F(name string, x any) Field {
	v, err := FromAny(x)
	if err != nil {
		panic(fmt.Sprintf("field %q: %v", name, err))
	}
	return Field{Name: name, Value: v}
}

// Attributes is an ordered list of fields. Later fields win over earlier
// fields with the same name.
type Attributes []Field

// Get returns the last value recorded for name.
func (a Attributes) Get(name string) (Value, bool) {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i].Name == name {
			return a[i].Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value of name in place, or appends it.
func (a Attributes) Set(name string, v Value) Attributes {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i].Name == name {
			a[i].Value = v
			return a
		}
	}
	return append(a, Field{Name: name, Value: v})
}

// Without returns a copy of a with the named fields removed.
func (a Attributes) Without(names ...string) Attributes {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := make(Attributes, 0, len(a))
	for _, f := range a {
		if !drop[f.Name] {
			out = append(out, f)
		}
	}
	return out
}

// Dedup returns one field per name, keeping the last value and the
// position of the first occurrence.
func (a Attributes) Dedup() Attributes {
	pos := make(map[string]int, len(a))
	out := make(Attributes, 0, len(a))
	for _, f := range a {
		if i, ok := pos[f.Name]; ok {
			out[i].Value = f.Value
			continue
		}
		pos[f.Name] = len(out)
		out = append(out, f)
	}
	return out
}

// Sorted returns a deduplicated copy ordered by name.
func (a Attributes) Sorted() Attributes {
	out := a.Dedup()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Map returns the attributes keyed by name.
func (a Attributes) Map() map[string]Value {
	m := make(map[string]Value, len(a))
	for _, f := range a {
		m[f.Name] = f.Value
	}
	return m
}

// AttributesFromMap builds Attributes ordered by key.
func AttributesFromMap(m map[string]Value) Attributes {
	out := make(Attributes, 0, len(m))
	for k, v := range m {
		out = append(out, Field{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarshalJSON encodes the attributes as a JSON object preserving order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range a.Dedup() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", f.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into attributes ordered by key.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	var m map[string]Value
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*a = AttributesFromMap(m)
	return nil
}

// EntityInstance is one row of an entity, optionally with nested related
// rows keyed by relation name.
type EntityInstance struct {
	Name       string
	Attributes Attributes
	Relations  map[string][]EntityInstance
}

// ID returns the instance's primary-key value.
func (e EntityInstance) ID() Value {
	v, _ := e.Attributes.Get(AttrID)
	return v
}

// Flatten returns the instance followed by all nested instances, parents
// before children.
func (e EntityInstance) Flatten() []EntityInstance {
	own := EntityInstance{Name: e.Name, Attributes: e.Attributes}
	out := []EntityInstance{own}
	names := make([]string, 0, len(e.Relations))
	for name := range e.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, child := range e.Relations[name] {
			out = append(out, child.Flatten()...)
		}
	}
	return out
}
