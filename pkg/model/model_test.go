package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleOwner))
	assert.True(t, RoleOwner.AtLeast(RoleEditor))
	assert.True(t, RoleOwner.AtLeast(RoleViewer))
	assert.True(t, RoleEditor.AtLeast(RoleViewer))
	assert.False(t, RoleEditor.AtLeast(RoleOwner))
	assert.False(t, RoleViewer.AtLeast(RoleEditor))

	assert.True(t, RoleOwner.CanEdit())
	assert.True(t, RoleEditor.CanEdit())
	assert.False(t, RoleViewer.CanEdit())
	assert.False(t, Role("").CanEdit())
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, RoleOwner, NormalizeRole("owner"))
	assert.Equal(t, RoleEditor, NormalizeRole("editor"))
	assert.Equal(t, RoleViewer, NormalizeRole("viewer"))
	assert.Equal(t, RoleViewer, NormalizeRole("admin"))
	assert.Equal(t, RoleViewer, NormalizeRole(""))
}

func TestFieldValid(t *testing.T) {
	for _, tc := range []struct {
		name  string
		field Field
		valid bool
	}{
		{"text", Field{ID: "item", Label: "Item", Type: FieldText}, true},
		{"number", Field{ID: "weight", Label: "Weight", Type: FieldNumber}, true},
		{"checkbox", Field{ID: "packed", Label: "Packed", Type: FieldCheckbox}, true},
		{"select with options", Field{ID: "prio", Label: "Priority", Type: FieldSelect, Options: []string{"low", "high"}}, true},
		{"select without options", Field{ID: "prio", Label: "Priority", Type: FieldSelect}, false},
		{"missing id", Field{Label: "Item", Type: FieldText}, false},
		{"missing label", Field{ID: "item", Type: FieldText}, false},
		{"unknown type", Field{ID: "item", Label: "Item", Type: "date"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.field.Valid())
		})
	}
}

func TestItemCloneIsIndependent(t *testing.T) {
	original := Item{ID: "a", Fields: map[string]interface{}{"item": "Tent"}}
	clone := original.Clone()
	clone.Fields["item"] = "Rope"
	clone.Checked = true
	assert.Equal(t, "Tent", original.Fields["item"])
	assert.False(t, original.Checked)
}

func TestRoleFor(t *testing.T) {
	l := List{
		OwnerEmail: "owner@example.com",
		Shares: []Share{
			{Email: "editor@example.com", Role: RoleEditor},
			{Email: "viewer@example.com", Role: RoleViewer},
		},
	}
	assert.Equal(t, RoleOwner, l.RoleFor("owner@example.com"))
	assert.Equal(t, RoleEditor, l.RoleFor("editor@example.com"))
	assert.Equal(t, RoleViewer, l.RoleFor("viewer@example.com"))
	assert.Equal(t, Role(""), l.RoleFor("stranger@example.com"))
}

func TestSetShareInvariants(t *testing.T) {
	l := List{OwnerEmail: "owner@example.com"}

	assert.False(t, l.SetShare("owner@example.com", RoleEditor), "owner never appears in shares")
	assert.False(t, l.SetShare("", RoleEditor))

	assert.True(t, l.SetShare("a@example.com", RoleViewer))
	assert.True(t, l.SetShare("a@example.com", RoleEditor), "re-sharing updates in place")
	assert.Len(t, l.Shares, 1)
	assert.Equal(t, RoleEditor, l.RoleFor("a@example.com"))
}

func TestRemoveShare(t *testing.T) {
	l := List{OwnerEmail: "owner@example.com"}
	l.SetShare("a@example.com", RoleViewer)
	assert.True(t, l.RemoveShare("a@example.com"))
	assert.False(t, l.RemoveShare("a@example.com"))
	assert.Equal(t, Role(""), l.RoleFor("a@example.com"))
}
