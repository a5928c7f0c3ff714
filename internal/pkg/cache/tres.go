package cache

import (
	"sacctd/internal/pkg/model"
)

// tresTable is the in-memory TRES registry. Rows are kept even when
// deleted so historical usage can still resolve the name/type of a
// retired resource kind.
type tresTable struct {
	byID   map[uint32]*model.Tres
	byName map[tresKey]*model.Tres
	// maxID tracks monotonic assignment; built-in ids below
	// model.MinDynamicTresID are never reused.
	maxID uint32
}

type tresKey struct {
	typ  string
	name string
}

func newTresTable() *tresTable {
	return &tresTable{
		byID:   make(map[uint32]*model.Tres),
		byName: make(map[tresKey]*model.Tres),
	}
}

func (t *tresTable) upsert(rows model.Treses) {
	for i := range rows {
		row := rows[i]
		t.byID[row.ID] = &row
		t.byName[tresKey{row.Type, row.Name}] = &row
		if row.ID > t.maxID {
			t.maxID = row.ID
		}
	}
}

// Lookup finds a TRES by id; deleted rows still resolve.
func (t *tresTable) lookup(id uint32) (*model.Tres, bool) {
	r, ok := t.byID[id]
	return r, ok
}

func (t *tresTable) lookupName(typ, name string) (*model.Tres, bool) {
	r, ok := t.byName[tresKey{typ, name}]
	return r, ok
}

func (t *tresTable) all() model.Treses {
	out := make(model.Treses, 0, len(t.byID))
	for _, r := range t.byID {
		out = append(out, *r)
	}
	return out
}
