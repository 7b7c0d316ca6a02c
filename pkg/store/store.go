// Package store persists list records, items and ledger blobs. The
// coordinator is the only writer for items and ledgers; the CRUD surface
// reads and writes list records.
package store

import (
	"context"
	"errors"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by the sqlite implementation and
// the in-memory one used in tests and ephemeral mode.
type Store interface {
	CreateList(ctx context.Context, list model.List) error
	GetList(ctx context.Context, id string) (model.List, error)
	// ListsFor returns every list the email owns or is shared on.
	ListsFor(ctx context.Context, email string) ([]model.List, error)
	// SaveListMeta mirrors name, schema and shares back into the list record
	// so CRUD listings stay consistent with coordinator mutations.
	SaveListMeta(ctx context.Context, list model.List) error
	// DeleteList cascades: items and ledger go with the record.
	DeleteList(ctx context.Context, id string) error

	Items(ctx context.Context, listID string) ([]model.Item, error)
	PutItem(ctx context.Context, listID string, item model.Item) error
	DeleteItem(ctx context.Context, listID, itemID string) error

	Ledger(ctx context.Context, listID string) ([]byte, error)
	SaveLedger(ctx context.Context, listID string, blob []byte) error

	Close() error
}
