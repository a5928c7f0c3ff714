package cache

import (
	"fmt"

	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/model"
)

// QosUserUsage is the per-user sub-counter block of one QOS. Entries are
// created on first use; they are purged when the user is removed but
// survive process restarts for diagnostic continuity.
type QosUserUsage struct {
	UID        uint32  `json:"uid"`
	Jobs       int64   `json:"jobs"`
	SubmitJobs int64   `json:"submit_jobs"`
	CPUs       int64   `json:"cpus"`
	Nodes      int64   `json:"nodes"`
	UsageRaw   float64 `json:"usage_raw"`
}

// QosRec is one cached QOS: stored row, parsed limit vectors, preempt
// bitset and live counters.
type QosRec struct {
	model.Qos

	GrpTresC     model.TresCounts
	GrpTresMinsC model.TresCounts
	MaxTresPJC   model.TresCounts
	MaxTresPNC   model.TresCounts
	MaxTresPUC   model.TresCounts
	MaxTresPAC   model.TresCounts
	MinTresPJC   model.TresCounts
	PreemptBits  Bitstr

	GrpUsedJobs       int64
	GrpUsedSubmitJobs int64
	GrpUsedCPUs       int64
	GrpUsedNodes      int64
	GrpUsedWallMins   float64
	UsageRaw          float64

	UserUsage map[uint32]*QosUserUsage
}

// UserCounters returns the per-user block for uid, creating it on first
// use. The caller holds the qos write lock.
func (q *QosRec) UserCounters(uid uint32) *QosUserUsage {
	if q.UserUsage == nil {
		q.UserUsage = make(map[uint32]*QosUserUsage)
	}
	u, ok := q.UserUsage[uid]
	if !ok {
		u = &QosUserUsage{UID: uid}
		q.UserUsage[uid] = u
	}
	return u
}

type qosTable struct {
	byID   map[int32]*QosRec
	byName map[string]*QosRec
	maxID  int32
}

func newQosTable() *qosTable {
	return &qosTable{
		byID:   make(map[int32]*QosRec),
		byName: make(map[string]*QosRec),
	}
}

func buildQosRec(row model.Qos) (*QosRec, error) {
	rec := &QosRec{Qos: row}
	var err error
	parse := func(s string) model.TresCounts {
		if err != nil {
			return nil
		}
		var tc model.TresCounts
		tc, err = model.ParseTresStr(s)
		return tc
	}
	rec.GrpTresC = parse(row.GrpTres)
	rec.GrpTresMinsC = parse(row.GrpTresMins)
	rec.MaxTresPJC = parse(row.MaxTresPJ)
	rec.MaxTresPNC = parse(row.MaxTresPN)
	rec.MaxTresPUC = parse(row.MaxTresPU)
	rec.MaxTresPAC = parse(row.MaxTresPA)
	rec.MinTresPJC = parse(row.MinTresPJ)
	if err != nil {
		return nil, fmt.Errorf("qos %s: %w", row.Name, err)
	}
	for _, id := range row.PreemptIDs() {
		rec.PreemptBits.Set(id)
	}
	return rec, nil
}

func (t *qosTable) rebuild(rows model.Qoses) error {
	t.byID = make(map[int32]*QosRec, len(rows))
	t.byName = make(map[string]*QosRec, len(rows))
	t.maxID = 0
	for i := range rows {
		rec, err := buildQosRec(rows[i])
		if err != nil {
			return err
		}
		t.byID[rec.ID] = rec
		if rec.Deleted == 0 {
			t.byName[rec.Name] = rec
		}
		if rec.ID > t.maxID {
			t.maxID = rec.ID
		}
	}
	return nil
}

// upsert applies one ADD_QOS/MODIFY_QOS row, preserving live counters.
func (t *qosTable) upsert(row model.Qos) error {
	rec, err := buildQosRec(row)
	if err != nil {
		return err
	}
	if old, ok := t.byID[row.ID]; ok {
		rec.GrpUsedJobs = old.GrpUsedJobs
		rec.GrpUsedSubmitJobs = old.GrpUsedSubmitJobs
		rec.GrpUsedCPUs = old.GrpUsedCPUs
		rec.GrpUsedNodes = old.GrpUsedNodes
		rec.GrpUsedWallMins = old.GrpUsedWallMins
		rec.UsageRaw = old.UsageRaw
		rec.UserUsage = old.UserUsage
		if old.Name != row.Name {
			delete(t.byName, old.Name)
		}
	}
	t.byID[row.ID] = rec
	if rec.Deleted == 0 {
		t.byName[rec.Name] = rec
	} else {
		delete(t.byName, rec.Name)
	}
	if rec.ID > t.maxID {
		t.maxID = rec.ID
	}
	return nil
}

func (t *qosTable) remove(id int32) bool {
	rec, ok := t.byID[id]
	if !ok || rec.Deleted != 0 {
		return false
	}
	rec.Deleted = 1
	delete(t.byName, rec.Name)
	return true
}

func (t *qosTable) lookup(id int32) *QosRec     { return t.byID[id] }
func (t *qosTable) lookupName(n string) *QosRec { return t.byName[n] }

// purgeUser drops uid's sub-counters from every QOS. Called on user
// removal.
func (t *qosTable) purgeUser(uid uint32) {
	for _, rec := range t.byID {
		delete(rec.UserUsage, uid)
	}
}

// CheckPreemptLoop verifies that giving QOS id the preempt set next
// keeps the preemption graph acyclic. It DFSes the graph as it would
// look after the change and fails with accterr.ErrPreemptLoop if id is
// reachable from itself.
func (t *qosTable) CheckPreemptLoop(id int32, next []int32) error {
	edges := func(q int32) []int32 {
		if q == id {
			return next
		}
		if rec, ok := t.byID[q]; ok {
			return rec.PreemptBits.Bits()
		}
		return nil
	}
	var seen Bitstr
	var stack []int32
	for _, e := range next {
		stack = append(stack, e)
	}
	for len(stack) > 0 {
		q := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if q == id {
			return fmt.Errorf("qos %d would preempt itself transitively: %w", id, accterr.ErrPreemptLoop)
		}
		if seen.Test(q) {
			continue
		}
		seen.Set(q)
		stack = append(stack, edges(q)...)
	}
	return nil
}
