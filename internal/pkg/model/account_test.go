package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccountsNames(t *testing.T) {
	as := Accounts{
		{Name: "physics"},
		{Name: "chemistry", Deleted: 1},
	}
	assert.Equal(t, []string{"physics", "chemistry"}, as.Names())
	assert.Empty(t, Accounts(nil).Names())
}
