package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

// SQLite stores everything in a single sqlite3 database file. Ledger blobs
// are base64 encoded into a text column.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database and ensures the initial tables
// exist.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS lists (
		id text not null primary key,
		name text not null,
		owner_email text not null,
		schema text not null
		)`,
		`CREATE TABLE IF NOT EXISTS shares (
		list_id text not null,
		email text not null,
		role text not null,
		PRIMARY KEY (list_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS items (
		list_id text not null,
		id text not null,
		fields text not null,
		checked integer not null default 0,
		updated_at text not null,
		PRIMARY KEY (list_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS ledgers (
		list_id text not null primary key,
		content text not null
		)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateList(ctx context.Context, list model.List) error {
	schemaRaw, err := json.Marshal(list.Schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer rollback(tx)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lists (id, name, owner_email, schema) VALUES (?, ?, ?, ?)`,
		list.ID, list.Name, list.OwnerEmail, string(schemaRaw),
	); err != nil {
		return fmt.Errorf("failed to insert list: %w", err)
	}
	for _, share := range list.Shares {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO shares (list_id, email, role) VALUES (?, ?, ?)`,
			list.ID, share.Email, string(share.Role),
		); err != nil {
			return fmt.Errorf("failed to insert share: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetList(ctx context.Context, id string) (model.List, error) {
	var list model.List
	var schemaRaw string
	if err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_email, schema FROM lists WHERE id = ?`, id,
	).Scan(&list.ID, &list.Name, &list.OwnerEmail, &schemaRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.List{}, ErrNotFound
		}
		return model.List{}, fmt.Errorf("failed to query list: %w", err)
	}
	if err := json.Unmarshal([]byte(schemaRaw), &list.Schema); err != nil {
		return model.List{}, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	shares, err := s.shares(ctx, id)
	if err != nil {
		return model.List{}, err
	}
	list.Shares = shares
	return list, nil
}

func (s *SQLite) shares(ctx context.Context, listID string) ([]model.Share, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email, role FROM shares WHERE list_id = ? ORDER BY email`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer rows.Close()
	var out []model.Share
	for rows.Next() {
		var share model.Share
		var role string
		if err := rows.Scan(&share.Email, &role); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		share.Role = model.NormalizeRole(role)
		out = append(out, share)
	}
	return out, rows.Err()
}

func (s *SQLite) ListsFor(ctx context.Context, email string) ([]model.List, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM lists WHERE owner_email = ?
		 UNION
		 SELECT list_id FROM shares WHERE email = ?
		 ORDER BY 1`, email, email)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan list id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.List, 0, len(ids))
	for _, id := range ids {
		list, err := s.GetList(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, list)
	}
	return out, nil
}

func (s *SQLite) SaveListMeta(ctx context.Context, list model.List) error {
	schemaRaw, err := json.Marshal(list.Schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer rollback(tx)
	res, err := tx.ExecContext(ctx,
		`UPDATE lists SET name = ?, schema = ? WHERE id = ?`,
		list.Name, string(schemaRaw), list.ID)
	if err != nil {
		return fmt.Errorf("failed to update list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE list_id = ?`, list.ID); err != nil {
		return fmt.Errorf("failed to clear shares: %w", err)
	}
	for _, share := range list.Shares {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO shares (list_id, email, role) VALUES (?, ?, ?)`,
			list.ID, share.Email, string(share.Role),
		); err != nil {
			return fmt.Errorf("failed to insert share: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) DeleteList(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer rollback(tx)
	res, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, stmt := range []string{
		`DELETE FROM shares WHERE list_id = ?`,
		`DELETE FROM items WHERE list_id = ?`,
		`DELETE FROM ledgers WHERE list_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to cascade delete: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Items(ctx context.Context, listID string) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields, checked, updated_at FROM items WHERE list_id = ? ORDER BY updated_at, id`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()
	var out []model.Item
	for rows.Next() {
		var item model.Item
		var fieldsRaw, updatedAt string
		if err := rows.Scan(&item.ID, &fieldsRaw, &item.Checked, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsRaw), &item.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item fields: %w", err)
		}
		if item.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse item timestamp: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLite) PutItem(ctx context.Context, listID string, item model.Item) error {
	fieldsRaw, err := json.Marshal(item.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal item fields: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO items (list_id, id, fields, checked, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (list_id, id) DO UPDATE SET fields = excluded.fields, checked = excluded.checked, updated_at = excluded.updated_at`,
		listID, item.ID, string(fieldsRaw), item.Checked, item.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteItem(ctx context.Context, listID, itemID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE list_id = ? AND id = ?`, listID, itemID); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (s *SQLite) Ledger(ctx context.Context, listID string) ([]byte, error) {
	var content string
	if err := s.db.QueryRowContext(ctx,
		`SELECT content FROM ledgers WHERE list_id = ?`, listID,
	).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ledger: %w", err)
	}
	return raw, nil
}

func (s *SQLite) SaveLedger(ctx context.Context, listID string, blob []byte) error {
	content := base64.StdEncoding.EncodeToString(blob)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ledgers (list_id, content) VALUES (?, ?)
		 ON CONFLICT (list_id) DO UPDATE SET content = excluded.content`,
		listID, content,
	); err != nil {
		return fmt.Errorf("failed to upsert ledger: %w", err)
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Error("failed to rollback", "err", err)
	}
}
