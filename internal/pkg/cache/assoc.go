package cache

import (
	"fmt"
	"sort"

	"sacctd/internal/pkg/model"
)

// AssocRec is one cached association: the stored row plus parsed limit
// vectors, effective (ancestor-folded) limits, and the live counters the
// policy engine maintains. Records live in a slab owned by the tree;
// parent/child/sibling references are slab indices, so a tombstoned
// delete never invalidates other records.
type AssocRec struct {
	model.Association

	// Parsed TRES limit vectors.
	GrpTresC        model.TresCounts
	GrpTresMinsC    model.TresCounts
	GrpTresRunMinsC model.TresCounts
	MaxTresPJC      model.TresCounts
	MaxTresPNC      model.TresCounts
	MaxTresPUC      model.TresCounts
	MaxTresMinsPJC  model.TresCounts
	MinTresPJC      model.TresCounts

	// Effective limits: the record's own max folded with every
	// ancestor's grp counterpart, recomputed on each refresh. The
	// policy engine reads these directly instead of walking.
	EffMaxJobs       int64
	EffMaxSubmitJobs int64
	EffMaxWallPJ     int64
	EffMaxTresPJ     model.TresCounts
	EffMaxTresPN     model.TresCounts

	// Live counters, derived from running jobs; never persisted
	// authoritatively.
	UsedJobs        int64
	UsedSubmitJobs  int64
	GrpUsedCPUs     int64
	GrpUsedNodes    int64
	GrpUsedWallMins float64
	UsageRaw        float64

	slot        int
	parent      int
	firstChild  int
	nextSibling int
	tombstone   bool
}

// Parent returns the parent record, or nil at a root.
func (r *AssocRec) parentIn(t *assocTree) *AssocRec {
	if r.parent < 0 {
		return nil
	}
	return &t.slab[r.parent]
}

type assocKey struct {
	cluster   string
	acct      string
	user      string
	partition string
}

type idKey struct {
	cluster string
	id      uint32
}

// assocTree holds every cluster's association forest in one slab.
type assocTree struct {
	slab  []AssocRec
	byID  map[idKey]int
	byKey map[assocKey]int
	// defs indexes the is_def=1 row per (cluster, user).
	defs map[idKey0]int
}

type idKey0 struct {
	cluster string
	user    string
}

func newAssocTree() *assocTree {
	return &assocTree{
		byID:  make(map[idKey]int),
		byKey: make(map[assocKey]int),
		defs:  make(map[idKey0]int),
	}
}

func parseAssocTres(r *AssocRec) error {
	var err error
	parse := func(s string) model.TresCounts {
		if err != nil {
			return nil
		}
		var tc model.TresCounts
		tc, err = model.ParseTresStr(s)
		return tc
	}
	r.GrpTresC = parse(r.GrpTres)
	r.GrpTresMinsC = parse(r.GrpTresMins)
	r.GrpTresRunMinsC = parse(r.GrpTresRunMins)
	r.MaxTresPJC = parse(r.MaxTresPJ)
	r.MaxTresPNC = parse(r.MaxTresPN)
	r.MaxTresPUC = parse(r.MaxTresPU)
	r.MaxTresMinsPJC = parse(r.MaxTresMinsPJ)
	r.MinTresPJC = parse(r.MinTresPJ)
	return err
}

// rebuild replaces the whole forest from storage rows. Rows arrive for
// all clusters, deleted included; deleted rows become tombstones that
// still resolve by id for historical joins.
func (t *assocTree) rebuild(rows model.Associations) error {
	// Account rows before user rows, then lft, keeps parents ahead of
	// their children and fixes listing order for tie-breaks.
	sorted := make(model.Associations, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		if a.Lft != b.Lft {
			return a.Lft < b.Lft
		}
		return a.User < b.User // account rows (user="") ahead of user rows
	})

	t.slab = make([]AssocRec, 0, len(sorted))
	t.byID = make(map[idKey]int, len(sorted))
	t.byKey = make(map[assocKey]int, len(sorted))
	t.defs = make(map[idKey0]int)

	for i := range sorted {
		rec := AssocRec{Association: sorted[i], slot: len(t.slab), parent: -1, firstChild: -1, nextSibling: -1}
		rec.tombstone = rec.Deleted != 0
		if err := parseAssocTres(&rec); err != nil {
			return fmt.Errorf("assoc %d (%s/%s/%s): %w", rec.IDAssoc, rec.Cluster, rec.Acct, rec.User, err)
		}
		t.slab = append(t.slab, rec)
		slot := rec.slot
		t.byID[idKey{rec.Cluster, rec.IDAssoc}] = slot
	}

	// Link parents and secondary indexes in a second pass: ids resolve
	// regardless of input order.
	for i := range t.slab {
		rec := &t.slab[i]
		cluster := rec.Cluster
		if rec.IDParent != 0 {
			if pslot, ok := t.byID[idKey{cluster, rec.IDParent}]; ok {
				rec.parent = pslot
				p := &t.slab[pslot]
				rec.nextSibling = p.firstChild
				p.firstChild = i
			} else if !rec.tombstone {
				return fmt.Errorf("assoc %d: parent %d missing in cluster %s", rec.IDAssoc, rec.IDParent, cluster)
			}
		}
		if rec.tombstone {
			continue
		}
		t.byKey[assocKey{cluster, rec.Acct, rec.User, rec.Partition}] = i
		if rec.IsDef != 0 && rec.User != "" {
			t.defs[idKey0{cluster, rec.User}] = i
		}
	}

	t.foldEffective()
	return nil
}

// foldEffective recomputes every record's effective limits: own max
// folded with each ancestor's grp counterpart.
func (t *assocTree) foldEffective() {
	for i := range t.slab {
		rec := &t.slab[i]
		if rec.tombstone {
			continue
		}
		rec.EffMaxJobs = int64(rec.MaxJobs)
		rec.EffMaxSubmitJobs = int64(rec.MaxSubmitJobs)
		rec.EffMaxWallPJ = int64(rec.MaxWallPJ)
		rec.EffMaxTresPJ = rec.MaxTresPJC.Clone()
		rec.EffMaxTresPN = rec.MaxTresPNC.Clone()
		for p := rec.parentIn(t); p != nil; p = p.parentIn(t) {
			rec.EffMaxJobs = model.MinLimit(rec.EffMaxJobs, int64(p.GrpJobs))
			rec.EffMaxSubmitJobs = model.MinLimit(rec.EffMaxSubmitJobs, int64(p.GrpSubmitJobs))
			rec.EffMaxWallPJ = model.MinLimit(rec.EffMaxWallPJ, int64(p.GrpWall))
			rec.EffMaxTresPJ.FoldMin(p.GrpTresC)
			rec.EffMaxTresPN.FoldMin(p.MaxTresPNC)
		}
	}
}

// byIDLookup resolves an association by cluster-scoped id; tombstones
// resolve too, callers check Deleted.
func (t *assocTree) byIDLookup(cluster string, id uint32) *AssocRec {
	if slot, ok := t.byID[idKey{cluster, id}]; ok {
		return &t.slab[slot]
	}
	return nil
}

// lookup resolves by (cluster, acct, user, partition). A partition-
// specific row wins; absent that, the partitionless row matches any
// partition.
func (t *assocTree) lookup(cluster, acct, user, partition string) *AssocRec {
	if partition != "" {
		if slot, ok := t.byKey[assocKey{cluster, acct, user, partition}]; ok {
			return &t.slab[slot]
		}
	}
	if slot, ok := t.byKey[assocKey{cluster, acct, user, ""}]; ok {
		return &t.slab[slot]
	}
	return nil
}

// defaultFor returns the user's default association on the cluster.
func (t *assocTree) defaultFor(cluster, user string) *AssocRec {
	if slot, ok := t.defs[idKey0{cluster, user}]; ok {
		return &t.slab[slot]
	}
	return nil
}

// walkUp visits rec and then each ancestor to the root. fn returning
// false stops the walk.
func (t *assocTree) walkUp(rec *AssocRec, fn func(*AssocRec) bool) {
	for r := rec; r != nil; r = r.parentIn(t) {
		if !fn(r) {
			return
		}
	}
}

// descendantAccts collects the account names in rec's subtree, rec's own
// account included. Used by the coordinator index.
func (t *assocTree) descendantAccts(rec *AssocRec) []string {
	seen := map[string]bool{}
	var visit func(slot int)
	visit = func(slot int) {
		r := &t.slab[slot]
		if !r.tombstone && r.User == "" {
			seen[r.Acct] = true
		}
		for c := r.firstChild; c >= 0; c = t.slab[c].nextSibling {
			visit(c)
		}
	}
	visit(rec.slot)
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// all returns the live records, account rows before user rows.
func (t *assocTree) all() []*AssocRec {
	out := make([]*AssocRec, 0, len(t.slab))
	for i := range t.slab {
		if !t.slab[i].tombstone {
			out = append(out, &t.slab[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Lft < out[j].Lft })
	return out
}

// upsert applies one ADD_ASSOC/MODIFY_ASSOC row. Counters survive a
// modify; structure links are rebuilt lazily by the caller when parents
// changed.
func (t *assocTree) upsert(cluster string, row model.Association) (structural bool, err error) {
	key := idKey{cluster, row.IDAssoc}
	if slot, ok := t.byID[key]; ok {
		rec := &t.slab[slot]
		structural = rec.IDParent != row.IDParent || rec.Lft != row.Lft || (rec.Deleted != 0) != (row.Deleted != 0)
		saved := *rec
		rec.Association = row
		rec.Cluster = cluster
		if err := parseAssocTres(rec); err != nil {
			*rec = saved
			return false, err
		}
		rec.UsedJobs = saved.UsedJobs
		rec.UsedSubmitJobs = saved.UsedSubmitJobs
		rec.GrpUsedCPUs = saved.GrpUsedCPUs
		rec.GrpUsedNodes = saved.GrpUsedNodes
		rec.GrpUsedWallMins = saved.GrpUsedWallMins
		rec.UsageRaw = saved.UsageRaw
		rec.tombstone = row.Deleted != 0
		if row.IsDef != 0 && row.User != "" {
			t.defs[idKey0{cluster, row.User}] = slot
		}
		return structural, nil
	}

	rec := AssocRec{Association: row, slot: len(t.slab), parent: -1, firstChild: -1, nextSibling: -1}
	rec.Cluster = cluster
	rec.tombstone = row.Deleted != 0
	if err := parseAssocTres(&rec); err != nil {
		return false, err
	}
	t.slab = append(t.slab, rec)
	slot := rec.slot
	t.byID[key] = slot
	if !rec.tombstone {
		t.byKey[assocKey{cluster, row.Acct, row.User, row.Partition}] = slot
		if row.IsDef != 0 && row.User != "" {
			t.defs[idKey0{cluster, row.User}] = slot
		}
	}
	if row.IDParent != 0 {
		if pslot, ok := t.byID[idKey{cluster, row.IDParent}]; ok {
			t.slab[slot].parent = pslot
			p := &t.slab[pslot]
			t.slab[slot].nextSibling = p.firstChild
			p.firstChild = slot
		}
	}
	return true, nil
}

// remove tombstones a REMOVE_ASSOC row. The id stays resolvable.
func (t *assocTree) remove(cluster string, id uint32) bool {
	slot, ok := t.byID[idKey{cluster, id}]
	if !ok {
		return false
	}
	rec := &t.slab[slot]
	if rec.tombstone {
		return false
	}
	rec.tombstone = true
	rec.Deleted = 1
	rec.Lft, rec.Rgt = 0, 0
	delete(t.byKey, assocKey{cluster, rec.Acct, rec.User, rec.Partition})
	if d, ok := t.defs[idKey0{cluster, rec.User}]; ok && d == slot {
		delete(t.defs, idKey0{cluster, rec.User})
	}
	// Unlink from the parent's child list; descendants were removed by
	// their own update rows.
	if rec.parent >= 0 {
		p := &t.slab[rec.parent]
		if p.firstChild == slot {
			p.firstChild = rec.nextSibling
		} else {
			for c := p.firstChild; c >= 0; c = t.slab[c].nextSibling {
				if t.slab[c].nextSibling == slot {
					t.slab[c].nextSibling = rec.nextSibling
					break
				}
			}
		}
	}
	return true
}
