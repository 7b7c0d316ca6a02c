// Package client is the reconciliation layer: a local-first mirror of one
// list that applies edits optimistically, delivers them over the list's
// websocket, and reconciles authoritative broadcasts and reconnect
// snapshots back into the mirror.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/protocol"
)

// Status is the connection state machine's current state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusBackoff    Status = "backoff"
	StatusClosed     Status = "closed"
)

// DefaultBackoff is the constant reconnect delay. Deliberately not
// exponential: the list stays open until the user closes it.
const DefaultBackoff = 2 * time.Second

// Handlers are optional callbacks into whatever is rendering the mirror.
// They fire with the client lock released.
type Handlers struct {
	// OnChange fires whenever items or schema moved.
	OnChange func()
	// OnPresence delivers the latest peer set.
	OnPresence func([]protocol.Peer)
	// OnStatus reports state machine transitions.
	OnStatus func(Status)
	// OnError delivers error replies from the coordinator, e.g. permission
	// denials.
	OnError func(string)
	// OnText fires when a collaborative text field changed. self marks
	// locally originated edits so bound widgets can skip redundant
	// re-renders.
	OnText func(itemID, fieldID, value string, self bool)
}

// ListClient mirrors one list.
type ListClient struct {
	baseURL *url.URL
	token   string
	listID  string
	cache   *Cache
	backoff time.Duration
	h       Handlers

	mu     sync.Mutex
	items  map[string]model.Item
	schema []model.Field
	status Status
	conn   *websocket.Conn
	doc    *automerge.Doc
	cancel context.CancelFunc

	// writeMu serializes outbound frames; the websocket supports only one
	// concurrent writer.
	writeMu sync.Mutex
}

func (c *ListClient) writeMessage(conn *websocket.Conn, messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(messageType, payload)
}

// Option tweaks a ListClient.
type Option func(*ListClient)

func WithBackoff(d time.Duration) Option {
	return func(c *ListClient) { c.backoff = d }
}

// New builds a client for one list, seeding the mirror and the local ledger
// copy from the cache so a cold start renders before the first snapshot.
// cache may be nil for a purely in-memory client.
func New(baseURL, token, listID string, cache *Cache, handlers Handlers, opts ...Option) (*ListClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	c := &ListClient{
		baseURL: parsed,
		token:   token,
		listID:  listID,
		cache:   cache,
		backoff: DefaultBackoff,
		h:       handlers,
		items:   map[string]model.Item{},
		status:  StatusConnecting,
		doc:     automerge.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cache != nil {
		if items, schema, ok, err := cache.LoadMirror(listID); err != nil {
			slog.Info("ignoring unreadable cache", "list", listID, "err", err)
		} else if ok {
			for _, item := range items {
				c.items[item.ID] = item
			}
			c.schema = schema
		}
		if blob, err := cache.LoadLedger(listID); err != nil {
			slog.Info("ignoring unreadable cached ledger", "list", listID, "err", err)
		} else if len(blob) > 0 {
			if doc, err := automerge.Load(blob); err != nil {
				slog.Info("ignoring corrupt cached ledger", "list", listID, "err", err)
			} else {
				c.doc = doc
			}
		}
	}
	return c, nil
}

// Items returns the mirror's items, oldest first.
func (c *ListClient) Items() []model.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item.Clone())
	}
	sortItems(out)
	return out
}

func (c *ListClient) Schema() []model.Field {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Field(nil), c.schema...)
}

func (c *ListClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run drives the connection state machine until ctx is cancelled:
// Connecting -> Connected -> (connection lost) -> Backoff -> Connecting.
// Reconnect failures are never fatal; they retry on the constant interval.
func (c *ListClient) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer c.setStatus(StatusClosed)
	for {
		c.setStatus(StatusConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			c.setStatus(StatusConnected)
			c.readLoop(ctx, conn)
		} else {
			slog.Info("failed to connect", "list", c.listID, "err", err)
		}
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.setStatus(StatusBackoff)
		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Close stops the state machine and the connection.
func (c *ListClient) Close() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *ListClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u := c.baseURL.JoinPath("lists", c.listID, "ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	// announce what we already have; the authority answers with a full
	// update frame which merge makes safe regardless of overlap
	_ = c.writeMessage(conn, websocket.BinaryMessage, protocol.EncodeFrame(protocol.FrameSyncRequest, nil))
	return conn, nil
}

func (c *ListClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
			// this connection is gone; don't outlive it
		}
	}()
	firstSnapshot := true
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			msg, err := protocol.Decode(raw)
			if err != nil {
				slog.Info("dropping malformed message", "list", c.listID, "err", err)
				continue
			}
			c.reconcile(msg)
			if _, ok := msg.(*protocol.ItemsChanged); ok && firstSnapshot {
				firstSnapshot = false
				c.replayPending(conn)
			}
		case websocket.BinaryMessage:
			c.reconcileFrame(raw)
		}
	}
}

// replayPending re-delivers outbox records that never reached the wire. The
// fresh snapshot has already superseded local guesses; replaying re-applies
// the pending intents on top of it, server side.
func (c *ListClient) replayPending(conn *websocket.Conn) {
	if c.cache == nil {
		return
	}
	pending, err := c.cache.Pending(c.listID)
	if err != nil {
		slog.Info("ignoring unreadable outbox", "list", c.listID, "err", err)
		return
	}
	for _, rec := range pending {
		mt := websocket.TextMessage
		payload := rec.Payload
		if rec.Binary {
			mt = websocket.BinaryMessage
			payload = protocol.EncodeFrame(protocol.FrameUpdate, rec.Payload)
		} else {
			// keep the optimistic result visible on top of the snapshot
			if msg, err := protocol.Decode(rec.Payload); err == nil {
				c.applyLocal(msg)
			}
		}
		if err := c.writeMessage(conn, mt, payload); err != nil {
			return
		}
		if err := c.cache.MarkDelivered(rec.Seq); err != nil {
			slog.Info("failed to mark outbox record", "list", c.listID, "err", err)
		}
	}
}

func (c *ListClient) setStatus(status Status) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()
	if changed && c.h.OnStatus != nil {
		c.h.OnStatus(status)
	}
}

func (c *ListClient) notifyChange() {
	if c.h.OnChange != nil {
		c.h.OnChange()
	}
}
