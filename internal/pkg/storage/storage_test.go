package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/model"
)

func TestNextFedID(t *testing.T) {
	id, err := NextFedID(nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	// The smallest free id wins, holes included.
	id, err = NextFedID([]uint32{1, 2, 4})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)

	full := make([]uint32, 0, model.MaxFedClusters)
	for i := uint32(1); i <= model.MaxFedClusters; i++ {
		full = append(full, i)
	}
	_, err = NextFedID(full)
	assert.ErrorIs(t, err, accterr.ErrFedClusterMax)
}
