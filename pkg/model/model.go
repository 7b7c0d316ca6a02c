// Package model holds the shared data types for collaborative lists: the list
// record itself, its field schema, items, shares and the role lattice.
package model

import "time"

// Role is the capability level an identity has on a list. Capabilities are
// totally ordered: owner > editor > viewer.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r grants everything other grants.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

// CanEdit reports whether the role may mutate items, schema or the text ledger.
func (r Role) CanEdit() bool {
	return r.AtLeast(RoleEditor)
}

// NormalizeRole maps arbitrary strings onto a known role, defaulting to viewer.
func NormalizeRole(s string) Role {
	switch Role(s) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(s)
	default:
		return RoleViewer
	}
}

// FieldType enumerates the value types a schema field can declare.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldCheckbox FieldType = "checkbox"
	FieldSelect   FieldType = "select"
)

// Field is one list-scoped schema entry. Options is required for select
// fields and ignored otherwise. Changing the schema never rewrites existing
// item values; stale values are tolerated, not migrated.
type Field struct {
	ID      string    `json:"id"`
	Label   string    `json:"label"`
	Type    FieldType `json:"type"`
	Options []string  `json:"options,omitempty"`
}

// Valid reports whether the field declaration is self-consistent.
func (f Field) Valid() bool {
	if f.ID == "" || f.Label == "" {
		return false
	}
	switch f.Type {
	case FieldText, FieldNumber, FieldCheckbox:
		return true
	case FieldSelect:
		return len(f.Options) > 0
	default:
		return false
	}
}

// Item is one entry in a list. Fields maps field ids to their typed values.
// UpdatedAt carries last-writer-wins semantics for field sets.
type Item struct {
	ID        string                 `json:"id"`
	Fields    map[string]interface{} `json:"fields"`
	Checked   bool                   `json:"checked"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Clone returns a deep-enough copy: the fields map is copied, values are
// treated as immutable.
func (i Item) Clone() Item {
	out := i
	out.Fields = make(map[string]interface{}, len(i.Fields))
	for k, v := range i.Fields {
		out.Fields[k] = v
	}
	return out
}

// Share grants a non-owner identity access to a list. The owner is implicit
// and never appears in the shares set.
type Share struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// List is the metadata record for one list: everything except its items and
// ledger bytes.
type List struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	OwnerEmail string  `json:"ownerEmail"`
	Schema     []Field `json:"schema"`
	Shares     []Share `json:"shares"`
}

// RoleFor resolves the role an email has on the list, or "" when the email
// has no access at all.
func (l *List) RoleFor(email string) Role {
	if email == l.OwnerEmail {
		return RoleOwner
	}
	for _, s := range l.Shares {
		if s.Email == email {
			return s.Role
		}
	}
	return ""
}

// SetShare adds or updates a share, keeping the at-most-once-per-email
// invariant and refusing to shadow the owner.
func (l *List) SetShare(email string, role Role) bool {
	if email == "" || email == l.OwnerEmail {
		return false
	}
	for i, s := range l.Shares {
		if s.Email == email {
			l.Shares[i].Role = role
			return true
		}
	}
	l.Shares = append(l.Shares, Share{Email: email, Role: role})
	return true
}

// RemoveShare drops the share for email, reporting whether one existed.
func (l *List) RemoveShare(email string) bool {
	for i, s := range l.Shares {
		if s.Email == email {
			l.Shares = append(l.Shares[:i], l.Shares[i+1:]...)
			return true
		}
	}
	return false
}
