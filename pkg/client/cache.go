package client

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

// Cache is the client's durable local store: the mirrored items and schema
// used for cold-start rendering, the local ledger copy, and the outbox of
// mutations not yet delivered. It is owned exclusively by the reconciliation
// layer; cache failures degrade the client, they never crash it.
type Cache struct {
	db *sql.DB
}

// OutboxRecord is one locally applied mutation awaiting delivery.
type OutboxRecord struct {
	Seq     int64
	Binary  bool
	Payload []byte
}

func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS mirror_schemas (
		list_id text not null primary key,
		schema text not null
		)`,
		`CREATE TABLE IF NOT EXISTS mirror_items (
		list_id text not null,
		id text not null,
		fields text not null,
		checked integer not null default 0,
		updated_at text not null,
		PRIMARY KEY (list_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS mirror_ledgers (
		list_id text not null primary key,
		content text not null
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
		seq integer primary key autoincrement,
		list_id text not null,
		is_binary integer not null default 0,
		payload text not null,
		pending integer not null default 1
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create cache tables: %w", err)
		}
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// ReplaceMirror overwrites the cached items and schema for a list.
func (c *Cache) ReplaceMirror(listID string, items []model.Item, schema []model.Field) error {
	schemaRaw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		`INSERT INTO mirror_schemas (list_id, schema) VALUES (?, ?)
		 ON CONFLICT (list_id) DO UPDATE SET schema = excluded.schema`,
		listID, string(schemaRaw)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM mirror_items WHERE list_id = ?`, listID); err != nil {
		return err
	}
	for _, item := range items {
		if err := upsertItem(tx, listID, item); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *Cache) PutItem(listID string, item model.Item) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertItem(tx, listID, item); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertItem(tx *sql.Tx, listID string, item model.Item) error {
	fieldsRaw, err := json.Marshal(item.Fields)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO mirror_items (list_id, id, fields, checked, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (list_id, id) DO UPDATE SET fields = excluded.fields, checked = excluded.checked, updated_at = excluded.updated_at`,
		listID, item.ID, string(fieldsRaw), item.Checked, item.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (c *Cache) DeleteItem(listID, itemID string) error {
	_, err := c.db.Exec(`DELETE FROM mirror_items WHERE list_id = ? AND id = ?`, listID, itemID)
	return err
}

// LoadMirror returns the cached items and schema, or ok=false when nothing
// has been cached for the list yet.
func (c *Cache) LoadMirror(listID string) ([]model.Item, []model.Field, bool, error) {
	var schemaRaw string
	if err := c.db.QueryRow(
		`SELECT schema FROM mirror_schemas WHERE list_id = ?`, listID,
	).Scan(&schemaRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	var schema []model.Field
	if err := json.Unmarshal([]byte(schemaRaw), &schema); err != nil {
		return nil, nil, false, err
	}
	rows, err := c.db.Query(
		`SELECT id, fields, checked, updated_at FROM mirror_items WHERE list_id = ? ORDER BY updated_at, id`, listID)
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()
	var items []model.Item
	for rows.Next() {
		var item model.Item
		var fieldsRaw, updatedAt string
		if err := rows.Scan(&item.ID, &fieldsRaw, &item.Checked, &updatedAt); err != nil {
			return nil, nil, false, err
		}
		if err := json.Unmarshal([]byte(fieldsRaw), &item.Fields); err != nil {
			return nil, nil, false, err
		}
		if item.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, nil, false, err
		}
		items = append(items, item)
	}
	return items, schema, true, rows.Err()
}

func (c *Cache) SaveLedger(listID string, blob []byte) error {
	_, err := c.db.Exec(
		`INSERT INTO mirror_ledgers (list_id, content) VALUES (?, ?)
		 ON CONFLICT (list_id) DO UPDATE SET content = excluded.content`,
		listID, base64.StdEncoding.EncodeToString(blob))
	return err
}

func (c *Cache) LoadLedger(listID string) ([]byte, error) {
	var content string
	if err := c.db.QueryRow(
		`SELECT content FROM mirror_ledgers WHERE list_id = ?`, listID,
	).Scan(&content); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return base64.StdEncoding.DecodeString(content)
}

// AppendOutbox records a mutation as pending delivery.
func (c *Cache) AppendOutbox(listID string, binary bool, payload []byte) (int64, error) {
	res, err := c.db.Exec(
		`INSERT INTO outbox (list_id, is_binary, payload, pending) VALUES (?, ?, ?, 1)`,
		listID, binary, base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MarkDelivered clears the pending flag once the mutation reached the wire.
func (c *Cache) MarkDelivered(seq int64) error {
	_, err := c.db.Exec(`UPDATE outbox SET pending = 0 WHERE seq = ?`, seq)
	return err
}

// Pending returns undelivered mutations in append order.
func (c *Cache) Pending(listID string) ([]OutboxRecord, error) {
	rows, err := c.db.Query(
		`SELECT seq, is_binary, payload FROM outbox WHERE list_id = ? AND pending = 1 ORDER BY seq`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		var payload string
		if err := rows.Scan(&rec.Seq, &rec.Binary, &payload); err != nil {
			return nil, err
		}
		if rec.Payload, err = base64.StdEncoding.DecodeString(payload); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
