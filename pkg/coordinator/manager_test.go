package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/store"
)

func TestManagerStartsLazilyAndCaches(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.CreateList(context.Background(), testList()))
	m := NewManager(st, WithPresenceDebounce(time.Hour))
	t.Cleanup(m.CloseAll)

	assert.Nil(t, m.Peek("camping"))

	c, err := m.Get(context.Background(), "camping")
	require.NoError(t, err)
	again, err := m.Get(context.Background(), "camping")
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Same(t, c, m.Peek("camping"))

	_, err = m.Get(context.Background(), "no-such-list")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerDropClosesSessions(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.CreateList(context.Background(), testList()))
	m := NewManager(st, WithPresenceDebounce(time.Hour))
	t.Cleanup(m.CloseAll)

	c, err := m.Get(context.Background(), "camping")
	require.NoError(t, err)
	conn := &fakeConn{}
	mustConnect(t, c, ownerID, model.RoleOwner, conn)

	m.Drop("camping")
	assert.Nil(t, m.Peek("camping"))
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond)

	_, err = c.Connect(editorID, model.RoleEditor, &fakeConn{})
	assert.ErrorIs(t, err, ErrClosed)
}
