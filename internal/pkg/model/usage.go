package model

// Rollup period names, also the table-name infix (see
// AssocUsageTableName and friends).
const (
	PeriodHour  = "hour"
	PeriodDay   = "day"
	PeriodMonth = "month"
)

// AssocUsage represents a row in <cluster>_assoc_usage_{hour,day,month}_table:
// one (association, tres, bucket) allocation sum.
type AssocUsage struct {
	CreationTime uint64 `gorm:"column:creation_time" json:"creation_time"`
	ModTime      uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted      int8   `gorm:"column:deleted" json:"deleted"`
	IDAssoc      uint32 `gorm:"column:id;primaryKey" json:"id"`
	IDTres       uint32 `gorm:"column:id_tres;primaryKey" json:"id_tres"`
	TimeStart    uint64 `gorm:"column:time_start;primaryKey" json:"time_start"`
	AllocSecs    uint64 `gorm:"column:alloc_secs" json:"alloc_secs"`
}

type AssocUsages []AssocUsage

// ClusterUsage represents a row in <cluster>_usage_{hour,day,month}_table.
// Down/idle/resv/over seconds come from the events table so that time the
// cluster could not account for is captured, not silently dropped.
type ClusterUsage struct {
	CreationTime uint64 `gorm:"column:creation_time" json:"creation_time"`
	ModTime      uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted      int8   `gorm:"column:deleted" json:"deleted"`
	IDTres       uint32 `gorm:"column:id_tres;primaryKey" json:"id_tres"`
	TimeStart    uint64 `gorm:"column:time_start;primaryKey" json:"time_start"`
	Count        uint64 `gorm:"column:count" json:"count"`
	AllocSecs    uint64 `gorm:"column:alloc_secs" json:"alloc_secs"`
	DownSecs     uint64 `gorm:"column:down_secs" json:"down_secs"`
	PDownSecs    uint64 `gorm:"column:pdown_secs" json:"pdown_secs"`
	IdleSecs     uint64 `gorm:"column:idle_secs" json:"idle_secs"`
	ResvSecs     uint64 `gorm:"column:resv_secs" json:"resv_secs"`
	OverSecs     uint64 `gorm:"column:over_secs" json:"over_secs"`
}

type ClusterUsages []ClusterUsage

// WCKeyUsage represents a row in <cluster>_wckey_usage_*_table.
type WCKeyUsage struct {
	CreationTime uint64 `gorm:"column:creation_time" json:"creation_time"`
	ModTime      uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted      int8   `gorm:"column:deleted" json:"deleted"`
	IDWCKey      uint32 `gorm:"column:id;primaryKey" json:"id"`
	IDTres       uint32 `gorm:"column:id_tres;primaryKey" json:"id_tres"`
	TimeStart    uint64 `gorm:"column:time_start;primaryKey" json:"time_start"`
	AllocSecs    uint64 `gorm:"column:alloc_secs" json:"alloc_secs"`
}

type WCKeyUsages []WCKeyUsage

// LastRan represents the single row of <cluster>_last_ran_table: the
// rollup watermarks. Zero means "never ran"; the first rollup seeds all
// three from the earliest event time.
type LastRan struct {
	HourlyRollup  uint64 `gorm:"column:hourly_rollup" json:"hourly_rollup"`
	DailyRollup   uint64 `gorm:"column:daily_rollup" json:"daily_rollup"`
	MonthlyRollup uint64 `gorm:"column:monthly_rollup" json:"monthly_rollup"`
}

// Txn represents a row in txn_table: the transaction log appended inside
// every mutating storage call.
type Txn struct {
	ID        uint32 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Timestamp uint64 `gorm:"column:timestamp" json:"timestamp"`
	Action    int32  `gorm:"column:action" json:"action"`
	Name      string `gorm:"column:name" json:"name"`
	Actor     string `gorm:"column:actor" json:"actor"`
	Cluster   string `gorm:"column:cluster" json:"cluster"`
	Info      string `gorm:"column:info" json:"info"`
}

func (Txn) TableName() string { return "txn_table" }
