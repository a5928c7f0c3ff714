package model

// AdminLevel is the site-wide authority of a user.
type AdminLevel int16

const (
	AdminNone AdminLevel = iota
	AdminOperator
	AdminAdministrator
)

func (l AdminLevel) String() string {
	switch l {
	case AdminOperator:
		return "Operator"
	case AdminAdministrator:
		return "Administrator"
	}
	return "None"
}

// NoUID marks a user whose uid has not been resolved yet; resolution is
// lazy through the directory client.
const NoUID uint32 = 0xfffffffe

type Users []User

// User represents a row in user_table.
type User struct {
	CreationTime uint64     `gorm:"column:creation_time" json:"creation_time"`
	ModTime      uint64     `gorm:"column:mod_time" json:"mod_time"`
	Deleted      int8       `gorm:"column:deleted" json:"deleted"`
	Name         string     `gorm:"column:name;primaryKey" json:"name"`
	AdminLevel   AdminLevel `gorm:"column:admin_level" json:"admin_level"`

	// UID is resolved lazily from the directory; not a table column.
	UID uint32 `json:"uid" gorm:"-"`
	// DefaultAcct/DefaultWCKey are derived from is_def rows per cluster.
	DefaultAcct  string `json:"default_acct" gorm:"-"`
	DefaultWCKey string `json:"default_wckey" gorm:"-"`
}

func (User) TableName() string { return "user_table" }

// Coord represents a row in acct_coord_table: an explicit grant of
// coordinator authority over one account.
type Coord struct {
	CreationTime uint64 `gorm:"column:creation_time" json:"creation_time"`
	ModTime      uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted      int8   `gorm:"column:deleted" json:"deleted"`
	Acct         string `gorm:"column:acct;primaryKey" json:"acct"`
	User         string `gorm:"column:user;primaryKey" json:"user"`
}

func (Coord) TableName() string { return "acct_coord_table" }

// CoordAcct is one entry of a user's effective coordinator set. Direct is
// true for explicit acct_coord_table grants, false for grants inherited
// through an association's users-are-coords flag.
type CoordAcct struct {
	Acct   string `json:"acct"`
	Direct bool   `json:"direct"`
}
