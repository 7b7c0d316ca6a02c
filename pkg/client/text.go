package client

import (
	"fmt"
	"log/slog"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/protocol"
)

func newID() string { return ulid.Make().String() }

// textHandle lazily creates the replicated text bound to one item-field
// pair. Text state lives under "texts"/<item>/<field> in the per-list
// document.
func (c *ListClient) textHandle(itemID, fieldID string) (*automerge.Text, error) {
	p := c.doc.Path("texts", itemID, fieldID)
	v, err := p.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read text: %w", err)
	}
	if v.IsVoid() {
		if err := p.Set(automerge.NewText("")); err != nil {
			return nil, fmt.Errorf("failed to create text: %w", err)
		}
	}
	return p.Text(), nil
}

// SetText replaces the collaborative text of one item field. The edit is a
// structural delete-then-insert inside a single commit, so concurrent edits
// from peers interleave through the merge rather than clobbering. The
// resulting delta is recorded in the outbox and sent as a binary update
// frame.
func (c *ListClient) SetText(itemID, fieldID, value string) error {
	c.mu.Lock()
	t, err := c.textHandle(itemID, fieldID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if n := t.Len(); n > 0 {
		if err := t.Delete(0, n); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to clear text: %w", err)
		}
	}
	if value != "" {
		if err := t.Insert(0, value); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to insert text: %w", err)
		}
	}
	if _, err := c.doc.Commit("set " + itemID + "/" + fieldID); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to commit text: %w", err)
	}
	delta := c.doc.SaveIncremental()
	blob := c.doc.Save()
	conn := c.conn
	c.mu.Unlock()

	c.cacheLedger(blob)
	var seq int64 = -1
	if c.cache != nil {
		if seq, err = c.cache.AppendOutbox(c.listID, true, delta); err != nil {
			slog.Info("failed to record outbox", "list", c.listID, "err", err)
			seq = -1
		}
	}
	if conn != nil {
		if err := c.writeMessage(conn, websocket.BinaryMessage, protocol.EncodeFrame(protocol.FrameUpdate, delta)); err == nil && seq >= 0 {
			if err := c.cache.MarkDelivered(seq); err != nil {
				slog.Info("failed to mark outbox record", "list", c.listID, "err", err)
			}
		}
	}
	if c.h.OnText != nil {
		c.h.OnText(itemID, fieldID, value, true)
	}
	return nil
}

// TextValue reads the current merged text of one item field.
func (c *ListClient) TextValue(itemID, fieldID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.doc.Path("texts", itemID, fieldID).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	if v.IsVoid() {
		return "", nil
	}
	return v.Text().Get()
}

// emitTexts re-renders every bound text field after a remote merge.
func (c *ListClient) emitTexts(self bool) {
	if c.h.OnText == nil {
		return
	}
	schema := c.Schema()
	items := c.Items()
	for _, f := range schema {
		if f.Type != model.FieldText {
			continue
		}
		for _, item := range items {
			value, err := c.TextValue(item.ID, f.ID)
			if err != nil {
				continue
			}
			c.h.OnText(item.ID, f.ID, value, self)
		}
	}
}
