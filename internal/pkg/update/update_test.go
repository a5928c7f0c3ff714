package update

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/internal/pkg/model"
)

func TestListAppendCollapses(t *testing.T) {
	var l List
	l.Append(Update{Type: AddUser, Users: model.Users{{Name: "alice"}}})
	l.Append(Update{Type: AddUser, Users: model.Users{{Name: "bob"}}})
	l.Append(Update{Type: AddQos, Qoses: model.Qoses{{ID: 1, Name: "normal"}}})
	l.Append(Update{Type: AddAssoc, Cluster: "a", Assocs: model.Associations{{IDAssoc: 1}}})
	l.Append(Update{Type: AddAssoc, Cluster: "b", Assocs: model.Associations{{IDAssoc: 2}}})

	require.Len(t, l, 4)
	assert.Len(t, l[0].Users, 2, "consecutive same-type batches collapse")
	assert.Equal(t, AddQos, l[1].Type)
	assert.Equal(t, "a", l[2].Cluster)
	assert.Equal(t, "b", l[3].Cluster, "different clusters stay separate")
}

func TestListAppendNeverCollapsesCoords(t *testing.T) {
	var l List
	l.Append(Update{Type: AddCoord, Coords: map[string][]model.CoordAcct{"alice": {{Acct: "physics"}}}})
	l.Append(Update{Type: AddCoord, Coords: map[string][]model.CoordAcct{"bob": {{Acct: "chemistry"}}}})
	assert.Len(t, l, 2)
}

func TestWireRoundTrip(t *testing.T) {
	var l List
	l.Append(Update{Type: AddAssoc, Cluster: "snowflake", Assocs: model.Associations{
		{IDAssoc: 3, Acct: "physics", User: "alice"},
	}})
	l.Append(Update{Type: RemoveQos, Qoses: model.Qoses{{ID: 2}}})

	b, err := Marshal(l)
	require.NoError(t, err)
	got, err := Unmarshal(b)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, AddAssoc, got[0].Type)
	assert.Equal(t, "snowflake", got[0].Cluster)
	assert.Equal(t, "alice", got[0].Assocs[0].User)
	assert.Equal(t, RemoveQos, got[1].Type)
}

func TestUnmarshalRefusesNewerVersion(t *testing.T) {
	b, err := json.Marshal(map[string]any{"version": WireVersion + 1})
	require.NoError(t, err)
	_, err = Unmarshal(b)
	assert.Error(t, err)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "ADD_ASSOC", AddAssoc.String())
	assert.Equal(t, "NONE", TypeNone.String())
}
