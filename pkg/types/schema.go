package types

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Entity kinds. Writable entities accept local mutations; readable entities
// are refreshed from the remote only.
const (
	EntityWritable = "writable"
	EntityReadable = "readable"
)

// Attribute types as they appear in the remote migration payload.
const (
	TypePrimaryKeyInteger = "primary_key_integer"
	TypePrimaryKeyString  = "primary_key_string"
	TypePrimaryKeyUUID    = "primary_key_uuid"
	TypeInteger           = "int"
	TypeFloat             = "float"
	TypeBoolean           = "boolean"
	TypeString            = "string"
	TypeText              = "text"
	TypeJSON              = "json"
	TypeEnum              = "enum"
	TypeTimestamp         = "timestamp"
	TypeUUID              = "uuid"
	TypeRefFile           = "ref_file"
	TypeRelationOne       = "relation_one_of_one"
	TypeRelationMany      = "relation_one_of_many"
)

var validAttributeTypes = map[string]bool{
	TypePrimaryKeyInteger: true,
	TypePrimaryKeyString:  true,
	TypePrimaryKeyUUID:    true,
	TypeInteger:           true,
	TypeFloat:             true,
	TypeBoolean:           true,
	TypeString:            true,
	TypeText:              true,
	TypeJSON:              true,
	TypeEnum:              true,
	TypeTimestamp:         true,
	TypeUUID:              true,
	TypeRefFile:           true,
	TypeRelationOne:       true,
	TypeRelationMany:      true,
}

// Attribute names managed by the synchronization layer. They are excluded
// from hashing and maintained by the store when an entity declares them.
const (
	AttrID            = "id"
	AttrSyncOwnerID   = "sync_owner_id"
	AttrSyncHash      = "sync_hash"
	AttrSyncCreatedAt = "sync_created_at"
	AttrSyncUpdatedAt = "sync_updated_at"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValidIdentifier reports whether name can be used as a table or column
// name without quoting surprises.
func IsValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// IsValidAttributeType reports whether t is a recognized attribute type.
func IsValidAttributeType(t string) bool {
	return validAttributeTypes[t]
}

// Attribute describes one column (or structural relation) of an entity.
type Attribute struct {
	Name          string   `json:"name" yaml:"name"`
	Type          string   `json:"type" yaml:"type"`
	Nullable      bool     `json:"nullable" yaml:"nullable"`
	Version       int      `json:"version" yaml:"version"`
	LinkedEntity  string   `json:"linked_entity,omitempty" yaml:"linked_entity,omitempty"`
	CascadeDelete bool     `json:"delete_on_cascade" yaml:"delete_on_cascade"`
	Options       []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// UnmarshalJSON decodes an attribute, defaulting CascadeDelete to true and
// Version to 1 when the payload omits them.
func (a *Attribute) UnmarshalJSON(data []byte) error {
	type plain Attribute
	aux := struct {
		*plain
		CascadeDelete *bool `json:"delete_on_cascade"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.CascadeDelete = aux.CascadeDelete == nil || *aux.CascadeDelete
	if a.Version == 0 {
		a.Version = 1
	}
	return nil
}

// UnmarshalYAML applies the same defaults as UnmarshalJSON for schema files.
func (a *Attribute) UnmarshalYAML(unmarshal func(any) error) error {
	var raw struct {
		Name          string   `yaml:"name"`
		Type          string   `yaml:"type"`
		Nullable      bool     `yaml:"nullable"`
		Version       int      `yaml:"version"`
		LinkedEntity  string   `yaml:"linked_entity"`
		CascadeDelete *bool    `yaml:"delete_on_cascade"`
		Options       []string `yaml:"options"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*a = Attribute{
		Name:          raw.Name,
		Type:          raw.Type,
		Nullable:      raw.Nullable,
		Version:       raw.Version,
		LinkedEntity:  raw.LinkedEntity,
		CascadeDelete: raw.CascadeDelete == nil || *raw.CascadeDelete,
		Options:       raw.Options,
	}
	if a.Version == 0 {
		a.Version = 1
	}
	return nil
}

// IsStructural reports whether the attribute only describes a relation and
// therefore has no physical column.
func (a Attribute) IsStructural() bool {
	return a.Type == TypeRelationOne || a.Type == TypeRelationMany
}

// IsPrimaryKey reports whether the attribute is the entity's primary key.
func (a Attribute) IsPrimaryKey() bool {
	switch a.Type {
	case TypePrimaryKeyInteger, TypePrimaryKeyString, TypePrimaryKeyUUID:
		return true
	}
	return false
}

// IsForeignKey reports whether the attribute is a physical column that
// references another entity.
func (a Attribute) IsForeignKey() bool {
	return a.LinkedEntity != "" && !a.IsStructural()
}

// Validate checks the attribute in isolation.
func (a Attribute) Validate() error {
	if !IsValidIdentifier(a.Name) {
		return fmt.Errorf("attribute %q: %w", a.Name, ErrInvalidIdentifier)
	}
	if !IsValidAttributeType(a.Type) {
		return fmt.Errorf("attribute %q type %q: %w", a.Name, a.Type, ErrInvalidAttributeType)
	}
	if a.Version < 1 {
		return fmt.Errorf("attribute %q version %d: %w", a.Name, a.Version, ErrInvalidSchema)
	}
	if a.Type == TypeEnum && len(a.Options) == 0 {
		return fmt.Errorf("enum attribute %q has no options: %w", a.Name, ErrInvalidSchema)
	}
	if a.LinkedEntity != "" && !IsValidIdentifier(a.LinkedEntity) {
		return fmt.Errorf("attribute %q linked entity %q: %w", a.Name, a.LinkedEntity, ErrInvalidIdentifier)
	}
	return nil
}

// EntityScheme describes an entity, its attributes, and the child entities
// that reference it.
type EntityScheme struct {
	Name       string         `json:"entity" yaml:"entity"`
	Kind       string         `json:"type" yaml:"type"`
	Attributes []Attribute    `json:"attributes" yaml:"attributes"`
	Related    []EntityScheme `json:"entities,omitempty" yaml:"entities,omitempty"`
	Level      int            `json:"level,omitempty" yaml:"level,omitempty"`
}

// IsWritable reports whether local mutations are accepted for the entity.
func (e EntityScheme) IsWritable() bool {
	return e.Kind == EntityWritable
}

// CurrentVersion returns the highest attribute version across the entity
// and all of its descendants.
func (e EntityScheme) CurrentVersion() int {
	v := 0
	for _, a := range e.Attributes {
		if a.Version > v {
			v = a.Version
		}
	}
	for _, child := range e.Related {
		if cv := child.CurrentVersion(); cv > v {
			v = cv
		}
	}
	return v
}

// Attribute returns the attribute with the given name.
func (e EntityScheme) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// PrimaryKey returns the primary-key attribute.
func (e EntityScheme) PrimaryKey() (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.IsPrimaryKey() {
			return a, true
		}
	}
	return Attribute{}, false
}

// Columns returns the attributes that map to physical columns, in
// declaration order.
func (e EntityScheme) Columns() []Attribute {
	cols := make([]Attribute, 0, len(e.Attributes))
	for _, a := range e.Attributes {
		if !a.IsStructural() {
			cols = append(cols, a)
		}
	}
	return cols
}

// ColumnsAtVersion returns the physical attributes introduced exactly at
// version v, in declaration order.
func (e EntityScheme) ColumnsAtVersion(v int) []Attribute {
	var cols []Attribute
	for _, a := range e.Attributes {
		if !a.IsStructural() && a.Version == v {
			cols = append(cols, a)
		}
	}
	return cols
}

// ColumnsUpTo returns the physical attributes introduced at or before
// version v.
func (e EntityScheme) ColumnsUpTo(v int) []Attribute {
	var cols []Attribute
	for _, a := range e.Attributes {
		if !a.IsStructural() && a.Version <= v {
			cols = append(cols, a)
		}
	}
	return cols
}

// Validate checks the entity's own attributes. Cross-entity checks happen in
// PlanSchema.
func (e EntityScheme) Validate() error {
	if !IsValidIdentifier(e.Name) {
		return fmt.Errorf("entity %q: %w", e.Name, ErrInvalidIdentifier)
	}
	if e.Kind != EntityWritable && e.Kind != EntityReadable {
		return fmt.Errorf("entity %q kind %q: %w", e.Name, e.Kind, ErrInvalidSchema)
	}
	seen := make(map[string]bool, len(e.Attributes))
	pks := 0
	for _, a := range e.Attributes {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("entity %q: %w", e.Name, err)
		}
		if seen[a.Name] {
			return fmt.Errorf("entity %q duplicate attribute %q: %w", e.Name, a.Name, ErrInvalidSchema)
		}
		seen[a.Name] = true
		if a.IsPrimaryKey() {
			pks++
		}
	}
	if pks != 1 {
		return fmt.Errorf("entity %q has %d primary keys: %w", e.Name, pks, ErrInvalidSchema)
	}
	return nil
}

// SchemaVersion returns the highest version across a schema forest.
func SchemaVersion(schemes []EntityScheme) int {
	v := 0
	for _, e := range schemes {
		if ev := e.CurrentVersion(); ev > v {
			v = ev
		}
	}
	return v
}
