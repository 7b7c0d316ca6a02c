package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odedindi/Collaborative-Lists/pkg/auth"
	"github.com/odedindi/Collaborative-Lists/pkg/coordinator"
	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/protocol"
	"github.com/odedindi/Collaborative-Lists/pkg/store"
)

type fixture struct {
	ts      *httptest.Server
	tokens  *auth.JWT
	manager *coordinator.Manager
	st      *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	tokens := auth.NewJWT([]byte("test-secret"), time.Hour)
	manager := coordinator.NewManager(st, coordinator.WithPresenceDebounce(time.Millisecond))
	ts := httptest.NewServer(New(st, manager, tokens).Router())
	t.Cleanup(func() {
		manager.CloseAll()
		ts.Close()
	})
	return &fixture{ts: ts, tokens: tokens, manager: manager, st: st}
}

func (f *fixture) token(t *testing.T, email string) string {
	t.Helper()
	token, err := f.tokens.Issue(auth.Identity{Email: email, Name: strings.Split(email, "@")[0]})
	require.NoError(t, err)
	return token
}

func (f *fixture) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) createList(t *testing.T, token string) model.List {
	t.Helper()
	resp := f.request(t, http.MethodPost, "/lists", token, map[string]interface{}{
		"name": "Camping",
		"schema": []model.Field{
			{ID: "item", Label: "Item", Type: model.FieldText},
			{ID: "weight", Label: "Weight", Type: model.FieldNumber},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var list model.List
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NotEmpty(t, list.ID)
	return list
}

func (f *fixture) dial(t *testing.T, listID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/lists/" + listID + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads text messages, skipping binary frames and unrelated types,
// until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.Type) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		mt, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(raw)
		require.NoError(t, err)
		if msg.MessageType() == want {
			return msg
		}
	}
}

func sendIntent(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestCreateListRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, http.MethodPost, "/lists", "", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = f.request(t, http.MethodPost, "/lists", "garbage", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateListValidatesInput(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	resp := f.request(t, http.MethodPost, "/lists", owner, map[string]interface{}{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.request(t, http.MethodPost, "/lists", owner, map[string]interface{}{
		"name":   "x",
		"schema": []model.Field{{ID: "prio", Label: "Priority", Type: model.FieldSelect}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListVisibilityFollowsShares(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	friend := f.token(t, "friend@example.com")
	list := f.createList(t, owner)

	resp := f.request(t, http.MethodGet, "/lists/"+list.ID, friend, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/lists/"+list.ID+"/shares", owner, map[string]string{
		"email": "friend@example.com", "role": "viewer",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/lists/"+list.ID, friend, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/lists", friend, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lists []model.List
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lists))
	require.Len(t, lists, 1)
	assert.Equal(t, list.ID, lists[0].ID)
}

func TestShareManagementIsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	editor := f.token(t, "editor@example.com")
	list := f.createList(t, owner)
	resp := f.request(t, http.MethodPost, "/lists/"+list.ID+"/shares", owner, map[string]string{
		"email": "editor@example.com", "role": "editor",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/lists/"+list.ID+"/shares", editor, map[string]string{
		"email": "x@example.com", "role": "viewer",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// a second owner cannot be granted
	resp = f.request(t, http.MethodPost, "/lists/"+list.ID+"/shares", owner, map[string]string{
		"email": "x@example.com", "role": "owner",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodDelete, "/lists/"+list.ID+"/shares/editor@example.com", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.request(t, http.MethodGet, "/lists/"+list.ID, editor, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebsocketRequiresAccess(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	stranger := f.token(t, "stranger@example.com")
	list := f.createList(t, owner)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/lists/" + list.ID + "/ws?token=" + stranger
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	url = "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/lists/no-such-list/ws?token=" + owner
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketSnapshotAndBroadcast(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	editor := f.token(t, "editor@example.com")
	list := f.createList(t, owner)
	resp := f.request(t, http.MethodPost, "/lists/"+list.ID+"/shares", owner, map[string]string{
		"email": "editor@example.com", "role": "editor",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ownerConn := f.dial(t, list.ID, owner)
	snapshot := readUntil(t, ownerConn, protocol.TypeItemsChanged).(*protocol.ItemsChanged)
	assert.Empty(t, snapshot.Items)
	assert.Len(t, snapshot.Schema, 2)

	editorConn := f.dial(t, list.ID, editor)
	readUntil(t, editorConn, protocol.TypeItemsChanged)

	sendIntent(t, editorConn, &protocol.ItemAdd{
		Items: []model.Item{{Fields: map[string]interface{}{"item": "Tent", "weight": 2000.0}}},
	})

	added := readUntil(t, ownerConn, protocol.TypeItemAdded).(*protocol.ItemAdded)
	assert.Equal(t, "Tent", added.Item.Fields["item"])
	assert.True(t, added.Bulk)

	// the editor gets the bulk-add acknowledgement too
	echo := readUntil(t, editorConn, protocol.TypeItemAdded).(*protocol.ItemAdded)
	assert.Equal(t, added.Item.ID, echo.Item.ID)

	sendIntent(t, editorConn, &protocol.ItemToggle{ItemID: added.Item.ID, Checked: true})
	updated := readUntil(t, ownerConn, protocol.TypeItemUpdated).(*protocol.ItemUpdated)
	assert.True(t, updated.Item.Checked)
}

func TestWebsocketViewerIsRejected(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	viewer := f.token(t, "viewer@example.com")
	list := f.createList(t, owner)
	resp := f.request(t, http.MethodPost, "/lists/"+list.ID+"/shares", owner, map[string]string{
		"email": "viewer@example.com", "role": "viewer",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	viewerConn := f.dial(t, list.ID, viewer)
	readUntil(t, viewerConn, protocol.TypeItemsChanged)
	sendIntent(t, viewerConn, &protocol.ItemAdd{Items: []model.Item{{Fields: map[string]interface{}{"item": "x"}}}})

	errMsg := readUntil(t, viewerConn, protocol.TypeError).(*protocol.Error)
	assert.Equal(t, "View-only access", errMsg.Message)
}

func TestPutSchemaBroadcasts(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	list := f.createList(t, owner)
	ownerConn := f.dial(t, list.ID, owner)
	readUntil(t, ownerConn, protocol.TypeItemsChanged)

	newSchema := []model.Field{{ID: "task", Label: "Task", Type: model.FieldText}}
	resp := f.request(t, http.MethodPut, "/lists/"+list.ID+"/schema", owner, newSchema)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	changed := readUntil(t, ownerConn, protocol.TypeSchemaChanged).(*protocol.SchemaChanged)
	assert.Equal(t, newSchema, changed.Schema)

	resp = f.request(t, http.MethodPut, "/lists/"+list.ID+"/schema", owner,
		[]model.Field{{ID: "prio", Label: "Priority", Type: model.FieldSelect}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteListClosesLiveSessions(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	list := f.createList(t, owner)
	ownerConn := f.dial(t, list.ID, owner)
	readUntil(t, ownerConn, protocol.TypeItemsChanged)

	resp := f.request(t, http.MethodDelete, "/lists/"+list.ID, owner, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, ownerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ownerConn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Nil(t, f.manager.Peek(list.ID))

	resp = f.request(t, http.MethodGet, "/lists/"+list.ID, owner, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPresenceReachesPeers(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	list := f.createList(t, owner)
	resp := f.request(t, http.MethodPost, "/lists/"+list.ID+"/shares", owner, map[string]string{
		"email": "friend@example.com", "role": "viewer",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ownerConn := f.dial(t, list.ID, owner)
	readUntil(t, ownerConn, protocol.TypeItemsChanged)
	f.dial(t, list.ID, f.token(t, "friend@example.com"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no presence with both peers arrived")
		presence := readUntil(t, ownerConn, protocol.TypePresence).(*protocol.Presence)
		if len(presence.Peers) == 2 {
			emails := []string{presence.Peers[0].Email, presence.Peers[1].Email}
			assert.Contains(t, emails, "owner@example.com")
			assert.Contains(t, emails, "friend@example.com")
			return
		}
	}
}

func TestIdentityHeaderFormats(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner@example.com")
	list := f.createList(t, owner)

	// token query parameter works for plain requests too
	resp := f.request(t, http.MethodGet, fmt.Sprintf("/lists/%s?token=%s", list.ID, owner), "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/lists/"+list.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Token "+owner)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}
