package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

func TestEncodeStampsTypeTag(t *testing.T) {
	raw, err := Encode(&ItemToggle{ItemID: "a", Checked: true})
	require.NoError(t, err)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, "item-toggle", envelope["type"])
	assert.Equal(t, "a", envelope["id"])
	assert.Equal(t, true, envelope["checked"])
}

func TestDecodeDispatchesOnType(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for _, msg := range []Message{
		&ItemsChanged{Items: []model.Item{{ID: "a", Fields: map[string]interface{}{"item": "Tent"}, UpdatedAt: now}}, Schema: []model.Field{{ID: "item", Label: "Item", Type: model.FieldText}}},
		&ItemAdded{Item: model.Item{ID: "a", Fields: map[string]interface{}{}, UpdatedAt: now}, Bulk: true},
		&ItemUpdated{Item: model.Item{ID: "a", Fields: map[string]interface{}{}, Checked: true, UpdatedAt: now}},
		&ItemDeleted{ItemID: "a"},
		&SchemaChanged{Schema: []model.Field{{ID: "prio", Label: "Priority", Type: model.FieldSelect, Options: []string{"low"}}}},
		&Presence{Peers: []Peer{{Email: "a@example.com", Name: "A", Color: "#fff", Role: model.RoleEditor}}},
		&Error{Message: "View-only access"},
		&ItemAdd{Items: []model.Item{{ID: "a", Fields: map[string]interface{}{}}}},
		&ItemToggle{ItemID: "a", Checked: true},
		&ItemUpdateFields{ItemID: "a", Fields: map[string]interface{}{"item": "Rope"}},
		&ItemDelete{ItemID: "a"},
		&ClearDone{},
		&CRDTUpdate{Update: []byte{0x01, 0x02}},
	} {
		t.Run(string(msg.MessageType()), func(t *testing.T) {
			raw, err := Encode(msg)
			require.NoError(t, err)
			decoded, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, msg.MessageType(), decoded.MessageType())
			assert.IsType(t, msg, decoded)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"unknown type": `{"type":"rename-list"}`,
		"missing type": `{"id":"a"}`,
		"not json":     `hello`,
		"wrong shape":  `{"type":"item-toggle","checked":"yes"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	raw := EncodeFrame(FrameUpdate, payload)
	kind, got, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameUpdate, kind)
	assert.Equal(t, payload, got)
}

func TestFrameSyncRequestMayBeEmpty(t *testing.T) {
	raw := EncodeFrame(FrameSyncRequest, nil)
	kind, payload, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameSyncRequest, kind)
	assert.Empty(t, payload)
}

func TestDecodeFrameRejectsBadInput(t *testing.T) {
	_, _, err := DecodeFrame(nil)
	assert.Error(t, err)
	_, _, err = DecodeFrame([]byte{0x7f, 0x00})
	assert.Error(t, err)
}
