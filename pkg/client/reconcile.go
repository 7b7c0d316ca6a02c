package client

import (
	"log/slog"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/protocol"
)

// reconcile merges one authoritative broadcast into the mirror. item-added /
// item-updated / item-deleted merge by identifier; items-changed is a full
// replace.
func (c *ListClient) reconcile(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.ItemsChanged:
		c.mu.Lock()
		c.items = make(map[string]model.Item, len(m.Items))
		for _, item := range m.Items {
			c.items[item.ID] = item
		}
		if m.Schema != nil {
			c.schema = m.Schema
		}
		c.mu.Unlock()
		c.cacheReplace(m.Items, m.Schema)
		c.notifyChange()
	case *protocol.ItemAdded:
		c.upsert(m.Item)
	case *protocol.ItemUpdated:
		c.upsert(m.Item)
	case *protocol.ItemDeleted:
		c.mu.Lock()
		delete(c.items, m.ItemID)
		c.mu.Unlock()
		c.cacheDelete(m.ItemID)
		c.notifyChange()
	case *protocol.SchemaChanged:
		c.mu.Lock()
		c.schema = m.Schema
		items := c.itemsLocked()
		c.mu.Unlock()
		c.cacheReplace(items, m.Schema)
		c.notifyChange()
	case *protocol.Presence:
		if c.h.OnPresence != nil {
			c.h.OnPresence(m.Peers)
		}
	case *protocol.Error:
		if c.h.OnError != nil {
			c.h.OnError(m.Message)
		}
	case *protocol.CRDTUpdate:
		c.mergeLedger(m.Update)
	default:
		// client intents echoed back by a confused peer; nothing to do
	}
}

func (c *ListClient) reconcileFrame(raw []byte) {
	kind, payload, err := protocol.DecodeFrame(raw)
	if err != nil {
		slog.Info("dropping malformed frame", "list", c.listID, "err", err)
		return
	}
	if kind == protocol.FrameUpdate {
		c.mergeLedger(payload)
	}
}

// mergeLedger folds remote ledger bytes into the local document with the
// CRDT's native merge and re-renders any text fields that moved.
func (c *ListClient) mergeLedger(payload []byte) {
	c.mu.Lock()
	if err := c.doc.LoadIncremental(payload); err != nil {
		c.mu.Unlock()
		slog.Info("dropping unmergeable ledger update", "list", c.listID, "err", err)
		return
	}
	blob := c.doc.Save()
	c.mu.Unlock()
	c.cacheLedger(blob)
	c.emitTexts(false)
}

func (c *ListClient) upsert(item model.Item) {
	c.mu.Lock()
	c.items[item.ID] = item
	c.mu.Unlock()
	c.cachePut(item)
	c.notifyChange()
}

func (c *ListClient) itemsLocked() []model.Item {
	out := make([]model.Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	sortItems(out)
	return out
}

func sortItems(items []model.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
}

// cache writes are best effort: a broken local cache degrades persistence,
// never the session.
func (c *ListClient) cacheReplace(items []model.Item, schema []model.Field) {
	if c.cache == nil {
		return
	}
	if schema == nil {
		schema = c.Schema()
	}
	if err := c.cache.ReplaceMirror(c.listID, items, schema); err != nil {
		slog.Info("failed to cache mirror", "list", c.listID, "err", err)
	}
}

func (c *ListClient) cachePut(item model.Item) {
	if c.cache == nil {
		return
	}
	if err := c.cache.PutItem(c.listID, item); err != nil {
		slog.Info("failed to cache item", "list", c.listID, "err", err)
	}
}

func (c *ListClient) cacheDelete(itemID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.DeleteItem(c.listID, itemID); err != nil {
		slog.Info("failed to uncache item", "list", c.listID, "err", err)
	}
}

func (c *ListClient) cacheLedger(blob []byte) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SaveLedger(c.listID, blob); err != nil {
		slog.Info("failed to cache ledger", "list", c.listID, "err", err)
	}
}

// applyLocal applies one of our own intents to the mirror, optimistically.
func (c *ListClient) applyLocal(msg protocol.Message) {
	now := time.Now().UTC()
	switch m := msg.(type) {
	case *protocol.ItemAdd:
		for _, item := range m.Items {
			item.UpdatedAt = now
			c.mu.Lock()
			c.items[item.ID] = item
			c.mu.Unlock()
			c.cachePut(item)
		}
	case *protocol.ItemToggle:
		c.mu.Lock()
		item, ok := c.items[m.ItemID]
		if ok {
			item = item.Clone()
			item.Checked = m.Checked
			item.UpdatedAt = now
			c.items[m.ItemID] = item
		}
		c.mu.Unlock()
		if ok {
			c.cachePut(item)
		}
	case *protocol.ItemUpdateFields:
		c.mu.Lock()
		item, ok := c.items[m.ItemID]
		if ok {
			item = item.Clone()
			for k, v := range m.Fields {
				item.Fields[k] = v
			}
			item.UpdatedAt = now
			c.items[m.ItemID] = item
		}
		c.mu.Unlock()
		if ok {
			c.cachePut(item)
		}
	case *protocol.ItemDelete:
		c.mu.Lock()
		delete(c.items, m.ItemID)
		c.mu.Unlock()
		c.cacheDelete(m.ItemID)
	case *protocol.ClearDone:
		c.mu.Lock()
		var dropped []string
		for id, item := range c.items {
			if item.Checked {
				dropped = append(dropped, id)
				delete(c.items, id)
			}
		}
		c.mu.Unlock()
		for _, id := range dropped {
			c.cacheDelete(id)
		}
	}
	c.notifyChange()
}

// send applies the intent locally, records it in the durable outbox, and
// attempts delivery. Connectivity loss never loses the edit: the record
// stays pending and is replayed after the next reconnect snapshot.
func (c *ListClient) send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.applyLocal(msg)
	var seq int64 = -1
	if c.cache != nil {
		if seq, err = c.cache.AppendOutbox(c.listID, false, raw); err != nil {
			slog.Info("failed to record outbox", "list", c.listID, "err", err)
			seq = -1
		}
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := c.writeMessage(conn, websocket.TextMessage, raw); err != nil {
		return nil
	}
	if seq >= 0 {
		if err := c.cache.MarkDelivered(seq); err != nil {
			slog.Info("failed to mark outbox record", "list", c.listID, "err", err)
		}
	}
	return nil
}

// AddItems adds one or more items. Missing ids are generated locally so the
// optimistic row and the authoritative echo reconcile to the same item.
func (c *ListClient) AddItems(items ...model.Item) error {
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = newID()
		}
		if items[i].Fields == nil {
			items[i].Fields = map[string]interface{}{}
		}
	}
	return c.send(&protocol.ItemAdd{Items: items})
}

func (c *ListClient) Toggle(itemID string, checked bool) error {
	return c.send(&protocol.ItemToggle{ItemID: itemID, Checked: checked})
}

func (c *ListClient) UpdateFields(itemID string, fields map[string]interface{}) error {
	return c.send(&protocol.ItemUpdateFields{ItemID: itemID, Fields: fields})
}

func (c *ListClient) Delete(itemID string) error {
	return c.send(&protocol.ItemDelete{ItemID: itemID})
}

func (c *ListClient) ClearDone() error {
	return c.send(&protocol.ClearDone{})
}
