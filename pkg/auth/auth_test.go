package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

func TestIssueAndParse(t *testing.T) {
	j := NewJWT([]byte("secret"), time.Hour)
	identity := Identity{Email: "a@example.com", Name: "Alice", Color: "#e6194b"}
	token, err := j.Issue(identity)
	require.NoError(t, err)

	parsed, err := j.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, identity, parsed)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewJWT([]byte("one"), time.Hour).Issue(Identity{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = NewJWT([]byte("two"), time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpired(t *testing.T) {
	j := NewJWT([]byte("secret"), -time.Minute)
	token, err := j.Issue(Identity{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = j.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	j := NewJWT([]byte("secret"), time.Hour)
	_, err := j.Parse("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveMapsRoles(t *testing.T) {
	j := NewJWT([]byte("secret"), time.Hour)
	list := model.List{
		OwnerEmail: "owner@example.com",
		Shares:     []model.Share{{Email: "editor@example.com", Role: model.RoleEditor}},
	}

	for email, want := range map[string]model.Role{
		"owner@example.com":  model.RoleOwner,
		"editor@example.com": model.RoleEditor,
	} {
		token, err := j.Issue(Identity{Email: email})
		require.NoError(t, err)
		identity, role, err := j.Resolve(context.Background(), token, list)
		require.NoError(t, err)
		assert.Equal(t, email, identity.Email)
		assert.Equal(t, want, role)
	}
}

func TestResolveRejectsStrangers(t *testing.T) {
	j := NewJWT([]byte("secret"), time.Hour)
	token, err := j.Issue(Identity{Email: "stranger@example.com"})
	require.NoError(t, err)
	_, _, err = j.Resolve(context.Background(), token, model.List{OwnerEmail: "owner@example.com"})
	assert.ErrorIs(t, err, ErrNoAccess)
}
