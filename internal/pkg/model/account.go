package model

// Account is one acct_table row: a bank account that associations hang
// off, not a login. Removing one soft-deletes it together with every
// cluster's association subtree under it, so Deleted rows linger for
// historical usage joins.
type Account struct {
	CreationTime uint64 `gorm:"column:creation_time" json:"creation_time"`
	ModTime      uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted      int8   `gorm:"column:deleted" json:"deleted"`
	Flags        uint32 `gorm:"column:flags" json:"flags"`
	Name         string `gorm:"column:name;primaryKey" json:"name"`
	Description  string `gorm:"column:description" json:"description"`
	Organization string `gorm:"column:organization" json:"organization"`
}

func (Account) TableName() string { return "acct_table" }

type Accounts []Account

// Names lists the account names in row order.
func (as Accounts) Names() []string {
	out := make([]string, 0, len(as))
	for i := range as {
		out = append(out, as[i].Name)
	}
	return out
}
