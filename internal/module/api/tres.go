package api

import (
	"fmt"
	"strconv"
	"strings"

	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/model"
)

// ParseTresUpdate turns the request-string form of a TRES-valued limit
// into a typed update. Entries are comma separated "type[/name]=count";
// a "+" before every count turns the update into an add of those
// entries, a bare "-" after the "=" removes them. Ops cannot mix within
// one string. Unknown TRES kinds are an error: limits on resources the
// registry has never seen would silently never be enforced.
//
//	"cpu=100,mem=204800"      set exactly these entries
//	"gres/gpu=+8"             add or overwrite the gpu entry
//	"gres/gpu=-"              drop the gpu entry
func (e *Env) ParseTresUpdate(s string) (*model.TresUpdate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	req := cache.Locks{}
	req[cache.LockTres] = cache.ReadLock
	e.Cache.Acquire(req)
	defer e.Cache.Release(req)

	out := model.TresUpdate{Op: -1, Counts: make(model.TresCounts)}
	setOp := func(op model.TresUpdateOp) error {
		if out.Op == -1 {
			out.Op = op
			return nil
		}
		if out.Op != op {
			return fmt.Errorf("tres update %q mixes set/add/remove entries", s)
		}
		return nil
	}

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, val, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("tres entry %q is not type[/name]=count", entry)
		}
		typ, name, _ := strings.Cut(strings.TrimSpace(key), "/")
		rec, found := e.Cache.TresByName(typ, name)
		if !found {
			return nil, fmt.Errorf("unknown tres %q", key)
		}

		val = strings.TrimSpace(val)
		switch {
		case val == "-":
			if err := setOp(model.TresRemove); err != nil {
				return nil, err
			}
			out.Counts[rec.ID] = 0
		case strings.HasPrefix(val, "+"):
			if err := setOp(model.TresAdd); err != nil {
				return nil, err
			}
			n, err := strconv.ParseInt(val[1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("tres entry %q: %w", entry, err)
			}
			out.Counts[rec.ID] = n
		default:
			if err := setOp(model.TresSet); err != nil {
				return nil, err
			}
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("tres entry %q: %w", entry, err)
			}
			out.Counts[rec.ID] = n
		}
	}
	if len(out.Counts) == 0 {
		return nil, nil
	}
	return &out, nil
}
