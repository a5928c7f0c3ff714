package paging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetDefaults(t *testing.T) {
	var q Query
	q.SetDefaults(1, 20, 100)
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, 20, q.PageSize)

	q = Query{Page: 3, PageSize: 500}
	q.SetDefaults(1, 20, 100)
	assert.Equal(t, 3, q.Page)
	assert.Equal(t, 100, q.PageSize, "page size is capped")
}

func TestOffsetLimit(t *testing.T) {
	q := Query{Page: 1, PageSize: 20}
	assert.Equal(t, 0, q.Offset())
	assert.Equal(t, 20, q.Limit())

	q.Page = 4
	assert.Equal(t, 60, q.Offset())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Query{Page: 1, PageSize: 20}.Validate())
	assert.NoError(t, Query{}.Validate(), "zero values defer to defaults")
	assert.Error(t, Query{Page: -1}.Validate())
	assert.Error(t, Query{PageSize: 5000}.Validate())
}
