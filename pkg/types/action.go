package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind identifies the mutation an action records.
type ActionKind string

// Action kinds as exchanged with the remote.
const (
	ActionInsert ActionKind = "INSERT"
	ActionUpdate ActionKind = "UPDATE"
	ActionDelete ActionKind = "DELETE"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ActionStatus is the push state of an action.
type ActionStatus string

// Action statuses. Actions move from pending to completed once the remote
// accepts them and never move back.
const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
)

// Action is one durable local mutation.
type Action struct {
	ID         int64
	Kind       ActionKind
	Entity     string
	Status     ActionStatus
	Data       ActionData
	ActionedAt time.Time
}

// ActionData is the payload of an action. Inserts carry the full attribute
// set; updates carry the row id and the changed attributes; deletes carry
// only the row id.
type ActionData struct {
	ID         Value
	Attributes Attributes
}

// InsertData builds the payload of an insert action.
func InsertData(attrs Attributes) ActionData {
	id, _ := attrs.Get(AttrID)
	return ActionData{ID: id, Attributes: attrs}
}

// UpdateData builds the payload of an update action.
func UpdateData(id Value, attrs Attributes) ActionData {
	return ActionData{ID: id, Attributes: attrs}
}

// DeleteData builds the payload of a delete action.
func DeleteData(id Value) ActionData {
	return ActionData{ID: id}
}

// EncodeActionData renders the JSON document stored in the action log and
// sent to the remote.
func EncodeActionData(kind ActionKind, d ActionData) ([]byte, error) {
	switch kind {
	case ActionInsert:
		return json.Marshal(d.Attributes)
	case ActionUpdate:
		return json.Marshal(struct {
			ID         Value      `json:"id"`
			Attributes Attributes `json:"attributes"`
		}{d.ID, d.Attributes})
	case ActionDelete:
		return json.Marshal(struct {
			ID Value `json:"id"`
		}{d.ID})
	}
	return nil, fmt.Errorf("encode action %q: %w", kind, ErrInvalidAction)
}

// DecodeActionData parses a payload produced by EncodeActionData.
func DecodeActionData(kind ActionKind, raw []byte) (ActionData, error) {
	switch kind {
	case ActionInsert:
		var attrs Attributes
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return ActionData{}, fmt.Errorf("decode insert payload: %w", err)
		}
		return InsertData(attrs), nil
	case ActionUpdate:
		var body struct {
			ID         Value      `json:"id"`
			Attributes Attributes `json:"attributes"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return ActionData{}, fmt.Errorf("decode update payload: %w", err)
		}
		return UpdateData(body.ID, body.Attributes), nil
	case ActionDelete:
		var body struct {
			ID Value `json:"id"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return ActionData{}, fmt.Errorf("decode delete payload: %w", err)
		}
		return DeleteData(body.ID), nil
	}
	return ActionData{}, fmt.Errorf("decode action %q: %w", kind, ErrInvalidAction)
}
