package model

// WCKey represents a row in <cluster>_wckey_table. WCKeys are reporting
// tags only; no policy decision consults them.
type WCKey struct {
	CreationTime uint64 `gorm:"column:creation_time" json:"creation_time"`
	ModTime      uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted      int8   `gorm:"column:deleted" json:"deleted"`
	IsDef        int8   `gorm:"column:is_def" json:"is_def"`
	IDWCKey      uint32 `gorm:"column:id_wckey;primaryKey;autoIncrement" json:"id_wckey"`
	Name         string `gorm:"column:wckey_name" json:"wckey_name"`
	User         string `gorm:"column:user" json:"user"`
}

type WCKeys []WCKey
