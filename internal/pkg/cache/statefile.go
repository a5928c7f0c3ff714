package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sacctd/internal/pkg/model"
)

// StateFormatVersion tags the snapshot layout. It only rises; readers
// refuse to load a snapshot newer than they understand.
const StateFormatVersion = 1

type stateSnapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Cluster string    `json:"cluster"`

	Tres   model.Treses       `json:"tres"`
	Assocs model.Associations `json:"assocs"`
	Qoses  model.Qoses        `json:"qoses"`
	Users  model.Users        `json:"users"`
	Coords []model.Coord      `json:"coords"`
	WCKeys model.WCKeys       `json:"wckeys"`
}

// saveState serializes the sub-tables to the state file. Written via a
// temp file and rename so a crash mid-write never truncates the previous
// snapshot.
func (c *Cache) saveState() error {
	if c.stateFile == "" {
		return nil
	}
	req := Locks{}
	req[LockTres], req[LockUser], req[LockQos], req[LockAssoc], req[LockWCKey] =
		ReadLock, ReadLock, ReadLock, ReadLock, ReadLock
	c.acquire(req)
	snap := stateSnapshot{
		Version: StateFormatVersion,
		SavedAt: time.Now(),
		Cluster: c.cluster,
		Tres:    c.tres.all(),
		Coords:  c.users.coords,
	}
	for i := range c.assocs.slab {
		snap.Assocs = append(snap.Assocs, c.assocs.slab[i].Association)
	}
	for _, q := range c.qoses.byID {
		snap.Qoses = append(snap.Qoses, q.Qos)
	}
	for _, u := range c.users.byName {
		snap.Users = append(snap.Users, u.User)
	}
	for _, k := range c.wckeys {
		snap.WCKeys = append(snap.WCKeys, *k)
	}
	c.release(req)

	b, err := json.Marshal(&snap)
	if err != nil {
		return err
	}
	tmp := c.stateFile + ".new"
	if err := os.MkdirAll(filepath.Dir(c.stateFile), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.stateFile)
}

// loadState restores the sub-tables from the state file.
func (c *Cache) loadState() error {
	b, err := os.ReadFile(c.stateFile)
	if err != nil {
		return err
	}
	var snap stateSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	if snap.Version > StateFormatVersion {
		return fmt.Errorf("state file version %d is newer than supported %d", snap.Version, StateFormatVersion)
	}

	nt := newTresTable()
	nt.upsert(snap.Tres)
	na := newAssocTree()
	if err := na.rebuild(snap.Assocs); err != nil {
		return err
	}
	nq := newQosTable()
	if err := nq.rebuild(snap.Qoses); err != nil {
		return err
	}
	nu := newUserTable()
	nu.rebuild(snap.Users, snap.Coords)
	nu.recomputeCoords(na)
	nw := make(map[wckeyKey]*model.WCKey, len(snap.WCKeys))
	for i := range snap.WCKeys {
		k := snap.WCKeys[i]
		nw[wckeyKey{snap.Cluster, k.User, k.Name}] = &k
	}

	all := Locks{}
	all[LockTres], all[LockUser], all[LockQos], all[LockAssoc], all[LockWCKey] =
		WriteLock, WriteLock, WriteLock, WriteLock, WriteLock
	c.acquire(all)
	c.tres, c.assocs, c.qoses, c.users, c.wckeys = nt, na, nq, nu, nw
	c.release(all)
	return nil
}
