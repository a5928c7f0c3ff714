package cache

import (
	"sort"

	"sacctd/internal/pkg/model"
)

// UserRec is one cached user with the derived coordinator set.
type UserRec struct {
	model.User
	// CoordAccts is derived; recomputed whenever the association tree or
	// an explicit coordinator grant changes.
	CoordAccts []model.CoordAcct
}

// Coordinates reports whether the user coordinates acct.
func (u *UserRec) Coordinates(acct string) bool {
	for _, c := range u.CoordAccts {
		if c.Acct == acct {
			return true
		}
	}
	return false
}

type userTable struct {
	byName map[string]*UserRec
	// explicit coordinator grants, acct -> user set
	coords []model.Coord
}

func newUserTable() *userTable {
	return &userTable{byName: make(map[string]*UserRec)}
}

func (t *userTable) rebuild(users model.Users, coords []model.Coord) {
	t.byName = make(map[string]*UserRec, len(users))
	for i := range users {
		t.byName[users[i].Name] = &UserRec{User: users[i]}
	}
	t.coords = coords
}

func (t *userTable) lookup(name string) *UserRec { return t.byName[name] }

func (t *userTable) upsert(u model.User) {
	if old, ok := t.byName[u.Name]; ok {
		coords := old.CoordAccts
		t.byName[u.Name] = &UserRec{User: u, CoordAccts: coords}
		return
	}
	t.byName[u.Name] = &UserRec{User: u}
}

func (t *userTable) remove(name string) (uint32, bool) {
	u, ok := t.byName[name]
	if !ok || u.Deleted != 0 {
		return 0, false
	}
	u.Deleted = 1
	u.CoordAccts = nil
	return u.UID, true
}

// recomputeCoords rebuilds every user's coordinator set from the two
// sources: explicit acct_coord_table grants, and inheritance through
// association rows whose account carries the users-are-coords flag (the
// user becomes coordinator of every descendant account). Returns the
// names of users whose set changed, for REMOVE_COORD distribution.
func (t *userTable) recomputeCoords(tree *assocTree) []string {
	next := make(map[string]map[string]bool, len(t.byName))
	direct := make(map[string]map[string]bool, len(t.coords))

	for _, c := range t.coords {
		if c.Deleted != 0 {
			continue
		}
		if direct[c.User] == nil {
			direct[c.User] = make(map[string]bool)
		}
		direct[c.User][c.Acct] = true
		if next[c.User] == nil {
			next[c.User] = make(map[string]bool)
		}
		next[c.User][c.Acct] = true
	}

	for _, rec := range tree.all() {
		if rec.User == "" || rec.Flags&model.AssocFlagUsersAreCoords == 0 {
			continue
		}
		acctRec := rec.parentIn(tree)
		if acctRec == nil {
			continue
		}
		if next[rec.User] == nil {
			next[rec.User] = make(map[string]bool)
		}
		for _, a := range tree.descendantAccts(acctRec) {
			next[rec.User][a] = true
		}
	}

	var changed []string
	for name, u := range t.byName {
		set := next[name]
		out := make([]model.CoordAcct, 0, len(set))
		for acct := range set {
			out = append(out, model.CoordAcct{Acct: acct, Direct: direct[name][acct]})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Acct < out[j].Acct })
		if !coordSetsEqual(u.CoordAccts, out) {
			u.CoordAccts = out
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func coordSetsEqual(a, b []model.CoordAcct) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
