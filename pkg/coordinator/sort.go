package coordinator

import (
	"sort"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

// sortItems orders items oldest-first with ids as a tiebreak, matching the
// order the store returns them in.
func sortItems(items []model.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
}
