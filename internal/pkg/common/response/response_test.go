package response

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPageLinks(t *testing.T) {
	u, err := url.Parse("http://db.example.com/api/v1/users?admin_level=operator&page=2&page_size=10")
	require.NoError(t, err)

	prev, next := BuildPageLinks(u, 2, 10, 35)
	require.NotNil(t, prev)
	require.NotNil(t, next)
	assert.Contains(t, *prev, "page=1")
	assert.Contains(t, *next, "page=3")
	// Unrelated query parameters survive the rewrite.
	assert.Contains(t, *next, "admin_level=operator")

	// Page 1 has no previous; the last page has no next.
	prev, next = BuildPageLinks(u, 1, 10, 35)
	assert.Nil(t, prev)
	assert.NotNil(t, next)
	prev, next = BuildPageLinks(u, 4, 10, 35)
	assert.NotNil(t, prev)
	assert.Nil(t, next)

	prev, next = BuildPageLinks(nil, 1, 10, 35)
	assert.Nil(t, prev)
	assert.Nil(t, next)
}

func TestPage(t *testing.T) {
	rows := []int{1, 2, 3, 4, 5}

	assert.Equal(t, []int{1, 2}, Page(rows, 0, 2))
	assert.Equal(t, []int{3, 4}, Page(rows, 2, 2))
	assert.Equal(t, []int{5}, Page(rows, 4, 2), "short last page")
	assert.Empty(t, Page(rows, 10, 2), "past the end")
	assert.Equal(t, rows, Page(rows, 0, 0), "no limit returns the rest")
}
