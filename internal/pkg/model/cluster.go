package model

// Cluster represents a row in cluster_table.
type Cluster struct {
	CreationTime   uint64 `gorm:"column:creation_time" json:"creation_time"`
	ModTime        uint64 `gorm:"column:mod_time" json:"mod_time"`
	Deleted        int8   `gorm:"column:deleted" json:"deleted"`
	Name           string `gorm:"column:name;primaryKey" json:"name"`
	ControlHost    string `gorm:"column:control_host" json:"control_host"`
	ControlPort    uint32 `gorm:"column:control_port" json:"control_port"`
	LastPort       uint32 `gorm:"column:last_port" json:"last_port"`
	RPCVersion     uint16 `gorm:"column:rpc_version" json:"rpc_version"`
	Classification uint16 `gorm:"column:classification" json:"classification"`
	Dimensions     uint16 `gorm:"column:dimensions" json:"dimensions"`
	Flags          uint32 `gorm:"column:flags" json:"flags"`
	FedName        string `gorm:"column:federation" json:"federation"`
	FedID          uint32 `gorm:"column:fed_id" json:"fed_id"`
	FedState       uint32 `gorm:"column:fed_state" json:"fed_state"`
	Features       string `gorm:"column:features" json:"features"`
	// TresStr is the currently configured resource counts reported by the
	// controller, e.g. "1=128,2=512000,4=16".
	TresStr string `gorm:"column:tres_str" json:"tres_str"`
}

func (Cluster) TableName() string { return "cluster_table" }

type Clusters []Cluster

// Federation states.
const (
	FedStateNone uint32 = iota
	FedStateActive
	FedStateInactive
)

// MaxFedClusters bounds fed_id assignment: ids live in 1..63.
const MaxFedClusters = 63

// Event represents a row in <cluster>_event_table. An open event has
// time_end=0; cluster-wide rows (node="") record registration and TRES
// changes, per-node rows record down time.
type Event struct {
	TimeStart    uint64 `gorm:"column:time_start" json:"time_start"`
	TimeEnd      uint64 `gorm:"column:time_end" json:"time_end"`
	NodeName     string `gorm:"column:node_name" json:"node_name"`
	ClusterNodes string `gorm:"column:cluster_nodes" json:"cluster_nodes"`
	Reason       string `gorm:"column:reason" json:"reason"`
	ReasonUID    uint32 `gorm:"column:reason_uid" json:"reason_uid"`
	State        uint32 `gorm:"column:state" json:"state"`
	Tres         string `gorm:"column:tres" json:"tres"`
}

type Events []Event

// Outcomes of the controller TRES registration flow.
type ClusterTresChange int

const (
	TresNoChange ClusterTresChange = iota
	TresFirstReg
	TresChangeDB
	TresNodesChangeDB
)

func (c ClusterTresChange) String() string {
	switch c {
	case TresFirstReg:
		return "FIRST_REG"
	case TresChangeDB:
		return "TRES_CHANGE_DB"
	case TresNodesChangeDB:
		return "NODES_CHANGE_DB"
	}
	return "NO_CHANGE"
}
