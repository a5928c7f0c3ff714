package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Built-in TRES ids. Ids below MinDynamicTresID are reserved and never
// reused, matching tres_table's seeded rows.
const (
	TresCPU    uint32 = 1
	TresMem    uint32 = 2
	TresEnergy uint32 = 3
	TresNode   uint32 = 4
	TresBB     uint32 = 5
	TresVMem   uint32 = 6
	TresPages  uint32 = 7

	MinDynamicTresID uint32 = 1000
)

// Tres represents a row in tres_table.
type Tres struct {
	CreationTime uint64 `gorm:"column:creation_time" json:"creation_time"`
	Deleted      int8   `gorm:"column:deleted" json:"deleted"`
	ID           uint32 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Type         string `gorm:"column:type" json:"type"`
	Name         string `gorm:"column:name" json:"name"`
	Count        int64  `gorm:"column:count" json:"count"`
}

func (Tres) TableName() string { return "tres_table" }

type Treses []Tres

// TresCounts is a parsed TRES string ("1=4,2=2048"): tres id to count.
// A negative count never appears in storage; INFINITE is Infinite64.
type TresCounts map[uint32]int64

// ParseTresStr parses the canonical "id=count,id=count" encoding used by
// the grp_tres/max_tres_* columns. Empty input yields an empty map.
func ParseTresStr(s string) (TresCounts, error) {
	tc := make(TresCounts)
	s = strings.Trim(s, ",")
	if s == "" {
		return tc, nil
	}
	for _, tok := range strings.Split(s, ",") {
		id, cnt, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("malformed tres token %q", tok)
		}
		idv, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed tres id %q: %w", id, err)
		}
		cv, err := strconv.ParseInt(cnt, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed tres count %q: %w", cnt, err)
		}
		tc[uint32(idv)] = cv
	}
	return tc, nil
}

// String renders the counts back into the storage encoding, ids ascending.
func (tc TresCounts) String() string {
	if len(tc) == 0 {
		return ""
	}
	ids := make([]uint32, 0, len(tc))
	for id := range tc {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d=%d", id, tc[id]))
	}
	return strings.Join(parts, ",")
}

// Get returns the count for a tres id, or -1 when the id is not tracked.
func (tc TresCounts) Get(id uint32) int64 {
	if v, ok := tc[id]; ok {
		return v
	}
	return -1
}

// FoldMin tightens tc in place with the limits in other: for every id in
// other, the result carries the smaller enforced value.
func (tc TresCounts) FoldMin(other TresCounts) {
	for id, v := range other {
		if cur, ok := tc[id]; ok {
			tc[id] = MinLimit(cur, v)
		} else {
			tc[id] = v
		}
	}
}

// Clone returns a deep copy.
func (tc TresCounts) Clone() TresCounts {
	out := make(TresCounts, len(tc))
	for id, v := range tc {
		out[id] = v
	}
	return out
}

// TresUpdateOp selects how a typed limit update combines with the stored
// value. String-level "+"/"-" parsing happens only at the HTTP layer.
type TresUpdateOp int

const (
	TresSet TresUpdateOp = iota
	TresAdd
	TresRemove
)

// TresUpdate is one typed update against a TRES-valued limit column.
type TresUpdate struct {
	Op     TresUpdateOp
	Counts TresCounts
}

// Apply reconciles the update against the current stored counts and
// returns the new value.
func (u TresUpdate) Apply(cur TresCounts) TresCounts {
	switch u.Op {
	case TresSet:
		return u.Counts.Clone()
	case TresAdd:
		out := cur.Clone()
		for id, v := range u.Counts {
			out[id] = v
		}
		return out
	case TresRemove:
		out := cur.Clone()
		for id := range u.Counts {
			delete(out, id)
		}
		return out
	}
	return cur
}
