// Package update carries add/modify/remove descriptors from the storage
// backend to every controller's cache. Each mutating storage call returns
// an ordered List; the distributor drains it exactly once, applying it
// locally and forwarding the wire form to peers.
package update

import (
	"encoding/json"
	"fmt"

	"sacctd/internal/pkg/model"
)

// Type enumerates the update kinds a mutating call may emit.
type Type int

const (
	TypeNone Type = iota
	AddUser
	ModifyUser
	RemoveUser
	AddAssoc
	ModifyAssoc
	RemoveAssoc
	AddQos
	ModifyQos
	RemoveQos
	AddCoord
	RemoveCoord
	AddTres
	ModifyTres
	AddWCKey
	ModifyWCKey
	RemoveWCKey
	UpdateFeds
	RemoveCluster
)

var typeNames = map[Type]string{
	AddUser:       "ADD_USER",
	ModifyUser:    "MODIFY_USER",
	RemoveUser:    "REMOVE_USER",
	AddAssoc:      "ADD_ASSOC",
	ModifyAssoc:   "MODIFY_ASSOC",
	RemoveAssoc:   "REMOVE_ASSOC",
	AddQos:        "ADD_QOS",
	ModifyQos:     "MODIFY_QOS",
	RemoveQos:     "REMOVE_QOS",
	AddCoord:      "ADD_COORD",
	RemoveCoord:   "REMOVE_COORD",
	AddTres:       "ADD_TRES",
	ModifyTres:    "MODIFY_TRES",
	AddWCKey:      "ADD_WCKEY",
	ModifyWCKey:   "MODIFY_WCKEY",
	RemoveWCKey:   "REMOVE_WCKEY",
	UpdateFeds:    "UPDATE_FEDS",
	RemoveCluster: "REMOVE_CLUSTER",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "NONE"
}

// Update is one typed batch of changed objects. Objects holds the full
// post-change rows; consumers replace rather than diff. COORD updates
// carry the affected user names in Users and their complete new coord
// sets in Coords.
type Update struct {
	Type    Type   `json:"type"`
	Cluster string `json:"cluster,omitempty"`

	Assocs   model.Associations           `json:"assocs,omitempty"`
	Qoses    model.Qoses                  `json:"qoses,omitempty"`
	Users    model.Users                  `json:"users,omitempty"`
	Treses   model.Treses                 `json:"treses,omitempty"`
	WCKeys   model.WCKeys                 `json:"wckeys,omitempty"`
	Clusters model.Clusters               `json:"clusters,omitempty"`
	Coords   map[string][]model.CoordAcct `json:"coords,omitempty"`
}

// List is an ordered sequence of updates produced by one storage call.
// Order is delivery order; the cache depends on it.
type List []Update

// Append merges u into the list: consecutive updates of the same type and
// cluster collapse into one batch, anything else appends.
func (l *List) Append(u Update) {
	if n := len(*l); n > 0 {
		last := &(*l)[n-1]
		if last.Type == u.Type && last.Cluster == u.Cluster && u.Coords == nil {
			last.Assocs = append(last.Assocs, u.Assocs...)
			last.Qoses = append(last.Qoses, u.Qoses...)
			last.Users = append(last.Users, u.Users...)
			last.Treses = append(last.Treses, u.Treses...)
			last.WCKeys = append(last.WCKeys, u.WCKeys...)
			last.Clusters = append(last.Clusters, u.Clusters...)
			return
		}
	}
	*l = append(*l, u)
}

// WireVersion tags the serialized form. Readers refuse to decode a higher
// version than they understand; it rises with the snapshot format.
const WireVersion = 1

type envelope struct {
	Version int  `json:"version"`
	Updates List `json:"updates"`
}

// Marshal encodes the list for cross-process distribution.
func Marshal(l List) ([]byte, error) {
	return json.Marshal(envelope{Version: WireVersion, Updates: l})
}

// Unmarshal decodes a wire message produced by Marshal.
func Unmarshal(b []byte) (List, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	if env.Version > WireVersion {
		return nil, fmt.Errorf("update message version %d is newer than supported %d", env.Version, WireVersion)
	}
	return env.Updates, nil
}
