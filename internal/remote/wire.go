package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// relationPrefix marks keys of an entity payload that hold nested rows.
const relationPrefix = "_"

// EntityData is one bulk-data payload: {"entity", "data", "_<relation>": [...]}.
type EntityData struct {
	Entity    string
	Data      types.Attributes
	Relations map[string][]EntityData
}

// MarshalJSON renders nested relations under "_"-prefixed keys.
func (d EntityData) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, 2+len(d.Relations))
	doc["entity"] = d.Entity
	data := d.Data
	if data == nil {
		data = types.Attributes{}
	}
	doc["data"] = data
	for name, children := range d.Relations {
		doc[relationPrefix+name] = children
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads the payload, collecting every "_"-prefixed array as a
// relation.
func (d *EntityData) UnmarshalJSON(raw []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	*d = EntityData{}
	if v, ok := doc["entity"]; ok {
		if err := json.Unmarshal(v, &d.Entity); err != nil {
			return fmt.Errorf("entity name: %w", err)
		}
	}
	if v, ok := doc["data"]; ok {
		if err := json.Unmarshal(v, &d.Data); err != nil {
			return fmt.Errorf("%s data: %w", d.Entity, err)
		}
	}
	for key, v := range doc {
		if !strings.HasPrefix(key, relationPrefix) {
			continue
		}
		var children []EntityData
		if err := json.Unmarshal(v, &children); err != nil {
			return fmt.Errorf("%s relation %s: %w", d.Entity, key, err)
		}
		if d.Relations == nil {
			d.Relations = make(map[string][]EntityData)
		}
		d.Relations[strings.TrimPrefix(key, relationPrefix)] = children
	}
	return nil
}

// Instance converts the payload to an entity instance tree. Children
// without an entity name take the relation name.
func (d EntityData) Instance() types.EntityInstance {
	inst := types.EntityInstance{Name: d.Entity, Attributes: d.Data}
	if len(d.Relations) == 0 {
		return inst
	}
	inst.Relations = make(map[string][]types.EntityInstance, len(d.Relations))
	for name, children := range d.Relations {
		for _, c := range children {
			if c.Entity == "" {
				c.Entity = name
			}
			inst.Relations[name] = append(inst.Relations[name], c.Instance())
		}
	}
	return inst
}

// NewEntityData converts an entity instance tree to its payload form.
func NewEntityData(inst types.EntityInstance) EntityData {
	d := EntityData{Entity: inst.Name, Data: inst.Attributes}
	if len(inst.Relations) == 0 {
		return d
	}
	names := make([]string, 0, len(inst.Relations))
	for name := range inst.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	d.Relations = make(map[string][]EntityData, len(names))
	for _, name := range names {
		for _, c := range inst.Relations[name] {
			d.Relations[name] = append(d.Relations[name], NewEntityData(c))
		}
	}
	return d
}

// WireAction is an action as exchanged on queue/actions. ActionedAt is Unix
// seconds.
type WireAction struct {
	ID         int64           `json:"id,omitempty"`
	Action     string          `json:"action"`
	Entity     string          `json:"entity"`
	Data       json.RawMessage `json:"data"`
	ActionedAt int64           `json:"actioned_at"`
}

// NewWireAction encodes a local action for the remote.
func NewWireAction(a types.Action) (WireAction, error) {
	raw, err := types.EncodeActionData(a.Kind, a.Data)
	if err != nil {
		return WireAction{}, err
	}
	return WireAction{
		ID:         a.ID,
		Action:     string(a.Kind),
		Entity:     a.Entity,
		Data:       raw,
		ActionedAt: a.ActionedAt.Unix(),
	}, nil
}

// ToAction decodes a wire action. Remote actions are always completed.
func (w WireAction) ToAction() (types.Action, error) {
	kind := types.ActionKind(w.Action)
	if !kind.Valid() {
		return types.Action{}, fmt.Errorf("action %q: %w", w.Action, types.ErrInvalidAction)
	}
	data, err := types.DecodeActionData(kind, w.Data)
	if err != nil {
		return types.Action{}, err
	}
	return types.Action{
		ID:         w.ID,
		Kind:       kind,
		Entity:     w.Entity,
		Status:     types.ActionCompleted,
		Data:       data,
		ActionedAt: time.Unix(w.ActionedAt, 0).UTC(),
	}, nil
}

// hashingRequest is the body of POST validate/hashing.
type hashingRequest struct {
	Data types.Attributes `json:"data"`
	Hash string           `json:"hash"`
}
