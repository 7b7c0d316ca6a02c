// Package protocol defines the wire contract between a list client and the
// list coordinator. Two universes share one websocket connection: structured
// JSON messages tagged by a "type" field (text frames) and opaque ledger
// frames (binary frames) whose first byte discriminates the frame kind.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

// Type tags a structured message.
type Type string

const (
	// Coordinator originated.
	TypeItemsChanged  Type = "items-changed"
	TypeItemAdded     Type = "item-added"
	TypeItemUpdated   Type = "item-updated"
	TypeItemDeleted   Type = "item-deleted"
	TypeSchemaChanged Type = "schema-changed"
	TypePresence      Type = "presence"
	TypeError         Type = "error"

	// Client originated intents.
	TypeItemAdd          Type = "item-add"
	TypeItemToggle       Type = "item-toggle"
	TypeItemUpdateFields Type = "item-update-fields"
	TypeItemDelete       Type = "item-delete"
	TypeClearDone        Type = "clear-done"
	// TypeCRDTUpdate is the legacy structured carrier for a ledger delta;
	// binary update frames are preferred but both are honoured.
	TypeCRDTUpdate Type = "crdt-update"
)

var ErrMalformed = errors.New("malformed message")

// Message is any structured wire message.
type Message interface {
	MessageType() Type
}

type ItemsChanged struct {
	Type   Type          `json:"type"`
	Items  []model.Item  `json:"items"`
	Schema []model.Field `json:"schema,omitempty"`
}

type ItemAdded struct {
	Type Type       `json:"type"`
	Item model.Item `json:"item"`
	// Bulk marks acknowledgements of bulk adds, which echo to the sender too.
	Bulk bool `json:"bulk,omitempty"`
}

type ItemUpdated struct {
	Type Type       `json:"type"`
	Item model.Item `json:"item"`
}

type ItemDeleted struct {
	Type   Type   `json:"type"`
	ItemID string `json:"id"`
}

type SchemaChanged struct {
	Type   Type          `json:"type"`
	Schema []model.Field `json:"schema"`
}

// Peer is one entry in a presence broadcast, de-duplicated by email.
type Peer struct {
	Email string     `json:"email"`
	Name  string     `json:"name"`
	Color string     `json:"color"`
	Role  model.Role `json:"role"`
}

type Presence struct {
	Type  Type   `json:"type"`
	Peers []Peer `json:"peers"`
}

type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

type ItemAdd struct {
	Type  Type         `json:"type"`
	Items []model.Item `json:"items"`
}

type ItemToggle struct {
	Type    Type   `json:"type"`
	ItemID  string `json:"id"`
	Checked bool   `json:"checked"`
}

type ItemUpdateFields struct {
	Type   Type                   `json:"type"`
	ItemID string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

type ItemDelete struct {
	Type   Type   `json:"type"`
	ItemID string `json:"id"`
}

type ClearDone struct {
	Type Type `json:"type"`
}

type CRDTUpdate struct {
	Type   Type   `json:"type"`
	Update []byte `json:"update"`
}

func (m *ItemsChanged) MessageType() Type     { return TypeItemsChanged }
func (m *ItemAdded) MessageType() Type        { return TypeItemAdded }
func (m *ItemUpdated) MessageType() Type      { return TypeItemUpdated }
func (m *ItemDeleted) MessageType() Type      { return TypeItemDeleted }
func (m *SchemaChanged) MessageType() Type    { return TypeSchemaChanged }
func (m *Presence) MessageType() Type         { return TypePresence }
func (m *Error) MessageType() Type            { return TypeError }
func (m *ItemAdd) MessageType() Type          { return TypeItemAdd }
func (m *ItemToggle) MessageType() Type       { return TypeItemToggle }
func (m *ItemUpdateFields) MessageType() Type { return TypeItemUpdateFields }
func (m *ItemDelete) MessageType() Type       { return TypeItemDelete }
func (m *ClearDone) MessageType() Type        { return TypeClearDone }
func (m *CRDTUpdate) MessageType() Type       { return TypeCRDTUpdate }

// Encode stamps the type tag and marshals the message.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *ItemsChanged:
		v.Type = TypeItemsChanged
	case *ItemAdded:
		v.Type = TypeItemAdded
	case *ItemUpdated:
		v.Type = TypeItemUpdated
	case *ItemDeleted:
		v.Type = TypeItemDeleted
	case *SchemaChanged:
		v.Type = TypeSchemaChanged
	case *Presence:
		v.Type = TypePresence
	case *Error:
		v.Type = TypeError
	case *ItemAdd:
		v.Type = TypeItemAdd
	case *ItemToggle:
		v.Type = TypeItemToggle
	case *ItemUpdateFields:
		v.Type = TypeItemUpdateFields
	case *ItemDelete:
		v.Type = TypeItemDelete
	case *ClearDone:
		v.Type = TypeClearDone
	case *CRDTUpdate:
		v.Type = TypeCRDTUpdate
	default:
		return nil, fmt.Errorf("unknown message %T", m)
	}
	return json.Marshal(m)
}

// Decode parses a structured message into its concrete type. Unknown or
// untagged payloads return ErrMalformed so callers can log and drop them
// without tearing down the connection.
func Decode(raw []byte) (Message, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var m Message
	switch envelope.Type {
	case TypeItemsChanged:
		m = &ItemsChanged{}
	case TypeItemAdded:
		m = &ItemAdded{}
	case TypeItemUpdated:
		m = &ItemUpdated{}
	case TypeItemDeleted:
		m = &ItemDeleted{}
	case TypeSchemaChanged:
		m = &SchemaChanged{}
	case TypePresence:
		m = &Presence{}
	case TypeError:
		m = &Error{}
	case TypeItemAdd:
		m = &ItemAdd{}
	case TypeItemToggle:
		m = &ItemToggle{}
	case TypeItemUpdateFields:
		m = &ItemUpdateFields{}
	case TypeItemDelete:
		m = &ItemDelete{}
	case TypeClearDone:
		m = &ClearDone{}
	case TypeCRDTUpdate:
		m = &CRDTUpdate{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, envelope.Type)
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
