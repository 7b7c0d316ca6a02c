// Package coordinator implements the per-list authority. One Coordinator
// runs as an isolated actor per list: a single goroutine drains a command
// queue, so all operations against one list serialize without locks while
// different lists run fully in parallel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/odedindi/Collaborative-Lists/pkg/auth"
	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/protocol"
	"github.com/odedindi/Collaborative-Lists/pkg/store"
)

const viewOnlyMessage = "View-only access"

// DefaultPresenceDebounce is how long join/leave churn is coalesced before a
// presence broadcast goes out.
const DefaultPresenceDebounce = 50 * time.Millisecond

var (
	ErrClosed = errors.New("coordinator closed")
	// ErrConnClosing reports that the connection failed during the snapshot
	// handshake; the session was never registered.
	ErrConnClosing = errors.New("connection closing")
)

// Coordinator owns one list's authoritative state: the item map, the schema,
// the replicated-text ledger and the set of live sessions.
type Coordinator struct {
	listID string

	cmds   chan func()
	closed chan struct{}

	// Everything below is actor state, touched only from the run loop.
	list          model.List
	items         map[string]model.Item
	ledger        *automerge.Doc
	sessions      map[*Session]struct{}
	store         store.Store
	presenceTimer *time.Timer

	debounce time.Duration
	now      func() time.Time
}

// Option tweaks a Coordinator, mostly for tests.
type Option func(*Coordinator)

func WithPresenceDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.debounce = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Start loads the list's persisted state and spins up the actor goroutine.
func Start(ctx context.Context, st store.Store, listID string, opts ...Option) (*Coordinator, error) {
	list, err := st.GetList(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to load list: %w", err)
	}
	items, err := st.Items(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	var ledger *automerge.Doc
	if blob, err := st.Ledger(ctx, listID); errors.Is(err, store.ErrNotFound) {
		ledger = automerge.New()
	} else if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	} else if ledger, err = automerge.Load(blob); err != nil {
		return nil, fmt.Errorf("failed to load ledger doc: %w", err)
	}

	c := &Coordinator{
		listID:   listID,
		cmds:     make(chan func(), 64),
		closed:   make(chan struct{}),
		list:     list,
		items:    make(map[string]model.Item, len(items)),
		ledger:   ledger,
		sessions: map[*Session]struct{}{},
		store:    st,
		debounce: DefaultPresenceDebounce,
		now:      time.Now,
	}
	for _, item := range items {
		c.items[item.ID] = item
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c, nil
}

func (c *Coordinator) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.closed:
			// drain whatever was queued before teardown
			for {
				select {
				case fn := <-c.cmds:
					fn()
				default:
					c.teardown()
					return
				}
			}
		}
	}
}

// do runs fn on the actor goroutine and waits for it. Serialization by
// arrival order on the queue is the only synchronization in this package.
func (c *Coordinator) do(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case c.cmds <- wrapped:
	case <-c.closed:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// post is the fire-and-forget variant used by timer callbacks.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.closed:
	}
}

// Close tears the coordinator down, closing every live connection. Used on
// list deletion and on server shutdown.
func (c *Coordinator) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

func (c *Coordinator) teardown() {
	if c.presenceTimer != nil {
		c.presenceTimer.Stop()
	}
	for s := range c.sessions {
		_ = s.conn.Close()
	}
	c.sessions = map[*Session]struct{}{}
}

// ListID returns the list this coordinator is responsible for.
func (c *Coordinator) ListID() string { return c.listID }

// Connect registers a session and sends it the snapshot: one items-changed
// message with the current items and schema, then one full ledger frame when
// any ledger bytes exist. Only after that does the session receive
// broadcasts. A connection that dies during the handshake gets
// ErrConnClosing and is never registered.
func (c *Coordinator) Connect(identity auth.Identity, role model.Role, conn Conn) (*Session, error) {
	var session *Session
	err := c.do(func() {
		session = newSession(identity, role, conn)
		if !c.sendSnapshot(session) {
			_ = conn.Close()
			session = nil
			return
		}
		c.sessions[session] = struct{}{}
		c.schedulePresence()
	})
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrConnClosing
	}
	return session, nil
}

func (c *Coordinator) sendSnapshot(s *Session) bool {
	snapshot := &protocol.ItemsChanged{Items: c.itemSlice(), Schema: c.list.Schema}
	if !c.writeJSON(s, snapshot) {
		return false
	}
	if c.ledgerHasState() {
		frame := protocol.EncodeFrame(protocol.FrameUpdate, c.ledger.Save())
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return false
		}
	}
	return true
}

func (c *Coordinator) ledgerHasState() bool {
	return len(c.ledger.Heads()) > 0
}

// Disconnect removes the session and re-broadcasts presence.
func (c *Coordinator) Disconnect(s *Session) {
	_ = c.do(func() {
		c.prune(s)
	})
}

func (c *Coordinator) prune(s *Session) {
	if _, ok := c.sessions[s]; !ok {
		return
	}
	delete(c.sessions, s)
	_ = s.conn.Close()
	c.schedulePresence()
}

// HandleText decodes one structured message from a session and applies it.
// Malformed payloads are logged and dropped; the connection stays open.
func (c *Coordinator) HandleText(s *Session, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		slog.Info("dropping malformed message", "list", c.listID, "session", s.ID, "err", err)
		return
	}
	_ = c.do(func() {
		switch m := msg.(type) {
		case *protocol.ItemAdd:
			c.applyAdd(s, m)
		case *protocol.ItemToggle:
			c.applyToggle(s, m)
		case *protocol.ItemUpdateFields:
			c.applyUpdateFields(s, m)
		case *protocol.ItemDelete:
			c.applyDelete(s, m)
		case *protocol.ClearDone:
			c.applyClearDone(s)
		case *protocol.CRDTUpdate:
			c.applyLedgerDelta(s, m.Update, true)
		default:
			// coordinator-originated types arriving from a client are dropped
			slog.Info("dropping unexpected message", "list", c.listID, "session", s.ID, "type", msg.MessageType())
		}
	})
}

// HandleBinary applies one ledger frame from a session.
func (c *Coordinator) HandleBinary(s *Session, raw []byte) {
	kind, payload, err := protocol.DecodeFrame(raw)
	if err != nil {
		slog.Info("dropping malformed frame", "list", c.listID, "session", s.ID, "err", err)
		return
	}
	_ = c.do(func() {
		switch kind {
		case protocol.FrameSyncRequest:
			// the payload announces what the joiner has; answering with the
			// full merged state is always safe because merge is idempotent
			if c.ledgerHasState() {
				c.writeBinary(s, protocol.EncodeFrame(protocol.FrameUpdate, c.ledger.Save()))
			}
		case protocol.FrameUpdate:
			c.applyLedgerDelta(s, payload, false)
		}
	})
}

// applyLedgerDelta merges the delta with the CRDT's native merge operation
// and forwards the raw bytes to every other session. Concatenation would
// corrupt the document; LoadIncremental is commutative and idempotent.
func (c *Coordinator) applyLedgerDelta(s *Session, payload []byte, legacy bool) {
	if !s.Role.CanEdit() {
		c.writeJSON(s, &protocol.Error{Message: viewOnlyMessage})
		return
	}
	if err := c.ledger.LoadIncremental(payload); err != nil {
		slog.Info("dropping unmergeable ledger delta", "list", c.listID, "session", s.ID, "err", err)
		return
	}
	if err := c.store.SaveLedger(context.Background(), c.listID, c.ledger.Save()); err != nil {
		slog.Error("failed to persist ledger", "list", c.listID, "err", err)
		c.writeJSON(s, &protocol.Error{Message: "failed to persist change"})
		return
	}
	if legacy {
		c.broadcastJSON(&protocol.CRDTUpdate{Update: payload}, s)
	} else {
		c.broadcastBinary(protocol.EncodeFrame(protocol.FrameUpdate, payload), s)
	}
}

func (c *Coordinator) applyAdd(s *Session, m *protocol.ItemAdd) {
	if !c.requireEditor(s) {
		return
	}
	now := c.tick()
	for _, item := range m.Items {
		if item.ID == "" {
			item.ID = NewItemID()
		}
		if item.Fields == nil {
			item.Fields = map[string]interface{}{}
		}
		item.UpdatedAt = now
		if err := c.store.PutItem(context.Background(), c.listID, item); err != nil {
			slog.Error("failed to persist item", "list", c.listID, "item", item.ID, "err", err)
			c.writeJSON(s, &protocol.Error{Message: "failed to persist change"})
			return
		}
		c.items[item.ID] = item
		// bulk-add acknowledgements echo to the sender too
		c.broadcastJSON(&protocol.ItemAdded{Item: item, Bulk: true}, nil)
	}
}

func (c *Coordinator) applyToggle(s *Session, m *protocol.ItemToggle) {
	if !c.requireEditor(s) {
		return
	}
	item, ok := c.items[m.ItemID]
	if !ok {
		// racing delete; soft no-op
		return
	}
	item = item.Clone()
	item.Checked = m.Checked
	item.UpdatedAt = c.tick()
	if err := c.store.PutItem(context.Background(), c.listID, item); err != nil {
		slog.Error("failed to persist item", "list", c.listID, "item", item.ID, "err", err)
		c.writeJSON(s, &protocol.Error{Message: "failed to persist change"})
		return
	}
	c.items[item.ID] = item
	c.broadcastJSON(&protocol.ItemUpdated{Item: item}, s)
}

func (c *Coordinator) applyUpdateFields(s *Session, m *protocol.ItemUpdateFields) {
	if !c.requireEditor(s) {
		return
	}
	item, ok := c.items[m.ItemID]
	if !ok {
		return
	}
	item = item.Clone()
	// last-writer-wins per field set: only the provided keys move
	for k, v := range m.Fields {
		item.Fields[k] = v
	}
	item.UpdatedAt = c.tick()
	if err := c.store.PutItem(context.Background(), c.listID, item); err != nil {
		slog.Error("failed to persist item", "list", c.listID, "item", item.ID, "err", err)
		c.writeJSON(s, &protocol.Error{Message: "failed to persist change"})
		return
	}
	c.items[item.ID] = item
	c.broadcastJSON(&protocol.ItemUpdated{Item: item}, s)
}

func (c *Coordinator) applyDelete(s *Session, m *protocol.ItemDelete) {
	if !c.requireEditor(s) {
		return
	}
	if _, ok := c.items[m.ItemID]; !ok {
		return
	}
	if err := c.store.DeleteItem(context.Background(), c.listID, m.ItemID); err != nil {
		slog.Error("failed to delete item", "list", c.listID, "item", m.ItemID, "err", err)
		c.writeJSON(s, &protocol.Error{Message: "failed to persist change"})
		return
	}
	delete(c.items, m.ItemID)
	c.broadcastJSON(&protocol.ItemDeleted{ItemID: m.ItemID}, s)
}

func (c *Coordinator) applyClearDone(s *Session) {
	if !c.requireEditor(s) {
		return
	}
	for id, item := range c.items {
		if !item.Checked {
			continue
		}
		if err := c.store.DeleteItem(context.Background(), c.listID, id); err != nil {
			slog.Error("failed to delete item", "list", c.listID, "item", id, "err", err)
			c.writeJSON(s, &protocol.Error{Message: "failed to persist change"})
			return
		}
		delete(c.items, id)
	}
	c.broadcastJSON(&protocol.ItemsChanged{Items: c.itemSlice()}, s)
}

// SetSchema replaces the list schema, mirrors it into the list record and
// broadcasts to every session including the origin. Existing item field
// values are never revalidated or migrated.
func (c *Coordinator) SetSchema(ctx context.Context, schema []model.Field) error {
	for _, f := range schema {
		if !f.Valid() {
			return fmt.Errorf("invalid field %q", f.ID)
		}
	}
	var outErr error
	err := c.do(func() {
		list := c.list
		list.Schema = schema
		if err := c.store.SaveListMeta(ctx, list); err != nil {
			outErr = fmt.Errorf("failed to persist schema: %w", err)
			return
		}
		c.list = list
		c.broadcastJSON(&protocol.SchemaChanged{Schema: schema}, nil)
	})
	if err != nil {
		return err
	}
	return outErr
}

// UpdateList refreshes the coordinator's mirror of the list record after a
// CRUD-side change (rename, share changes). New connections resolve roles
// against the store; live sessions keep the role they connected with.
func (c *Coordinator) UpdateList(list model.List) {
	_ = c.do(func() {
		c.list = list
	})
}

// Presence returns the de-duplicated set of currently connected peers.
func (c *Coordinator) Presence() []protocol.Peer {
	var peers []protocol.Peer
	_ = c.do(func() {
		peers = c.presenceSet()
	})
	return peers
}

func (c *Coordinator) presenceSet() []protocol.Peer {
	seen := map[string]bool{}
	peers := make([]protocol.Peer, 0, len(c.sessions))
	for s := range c.sessions {
		if seen[s.Identity.Email] {
			continue
		}
		seen[s.Identity.Email] = true
		peers = append(peers, s.peer())
	}
	return peers
}

func (c *Coordinator) schedulePresence() {
	if c.presenceTimer != nil {
		c.presenceTimer.Stop()
	}
	c.presenceTimer = time.AfterFunc(c.debounce, func() {
		c.post(func() {
			c.broadcastJSON(&protocol.Presence{Peers: c.presenceSet()}, nil)
		})
	})
}

func (c *Coordinator) requireEditor(s *Session) bool {
	if s.Role.CanEdit() {
		return true
	}
	c.writeJSON(s, &protocol.Error{Message: viewOnlyMessage})
	return false
}

// tick returns the mutation timestamp, nudged forward if the wall clock
// stalls so updatedAt stays monotonically intended.
func (c *Coordinator) tick() time.Time {
	now := c.now().UTC()
	for _, item := range c.items {
		if !now.After(item.UpdatedAt) {
			now = item.UpdatedAt.Add(time.Millisecond)
		}
	}
	return now
}

func (c *Coordinator) itemSlice() []model.Item {
	out := make([]model.Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	sortItems(out)
	return out
}

// broadcastJSON sends to every session except skip. A failed send prunes
// that session without affecting the others.
func (c *Coordinator) broadcastJSON(msg protocol.Message, skip *Session) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("failed to encode broadcast", "list", c.listID, "err", err)
		return
	}
	for s := range c.sessions {
		if s == skip {
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			slog.Info("pruning session after failed send", "list", c.listID, "session", s.ID, "err", err)
			c.prune(s)
		}
	}
}

func (c *Coordinator) broadcastBinary(raw []byte, skip *Session) {
	for s := range c.sessions {
		if s == skip {
			continue
		}
		c.writeBinary(s, raw)
	}
}

func (c *Coordinator) writeBinary(s *Session, raw []byte) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		slog.Info("pruning session after failed send", "list", c.listID, "session", s.ID, "err", err)
		c.prune(s)
	}
}

// writeJSON sends to one session, pruning it on failure. Reports whether the
// write succeeded.
func (c *Coordinator) writeJSON(s *Session, msg protocol.Message) bool {
	raw, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("failed to encode message", "list", c.listID, "err", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.prune(s)
		return false
	}
	return true
}
