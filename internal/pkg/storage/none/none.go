// Package none is the accounting_storage/none backend: every operation
// succeeds and records nothing. Useful for controllers that enforce no
// accounting, and as the embedded base for backends that only implement
// a slice of the capability set.
package none

import (
	"context"
	"log/slog"
	"time"

	"sacctd/config"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/update"
)

const (
	pluginName    = "Accounting storage NOT INVOKED plugin"
	pluginType    = "accounting_storage/none"
	pluginVersion = 101
)

func init() {
	storage.Register("none", func() storage.Plugin { return &Plugin{} })
}

type Plugin struct{}

func (p *Plugin) PluginName() string    { return pluginName }
func (p *Plugin) PluginType() string    { return pluginType }
func (p *Plugin) PluginVersion() uint32 { return pluginVersion }

func (p *Plugin) Init(ctx context.Context, cfg *config.Server, logger *slog.Logger) error {
	return nil
}

func (p *Plugin) Fini() error { return nil }

func (p *Plugin) GetConnection(ctx context.Context, connNum int, rollback bool, cluster string) (storage.Conn, error) {
	return &Conn{}, nil
}

// Conn accepts everything and stores nothing. Exported so thinner
// backends can embed it and override just the calls they support.
type Conn struct{}

func (c *Conn) Close() error                                  { return nil }
func (c *Conn) Commit(ctx context.Context, commit bool) error { return nil }
func (c *Conn) Reset() error                                  { return nil }

func (c *Conn) AddTres(ctx context.Context, actor string, treses model.Treses) (update.List, error) {
	return nil, nil
}

func (c *Conn) GetTres(ctx context.Context, cond *storage.TresCond) (model.Treses, error) {
	return nil, nil
}

func (c *Conn) AddAssocs(ctx context.Context, actor string, assocs model.Associations) (update.List, error) {
	return nil, nil
}

func (c *Conn) ModifyAssocs(ctx context.Context, actor string, cond *storage.AssocCond, change *storage.AssocChange) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) RemoveAssocs(ctx context.Context, actor string, cond *storage.AssocCond) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) GetAssocs(ctx context.Context, cond *storage.AssocCond) (model.Associations, error) {
	return nil, nil
}

func (c *Conn) AddQos(ctx context.Context, actor string, qoses model.Qoses) (update.List, error) {
	return nil, nil
}

func (c *Conn) ModifyQos(ctx context.Context, actor string, cond *storage.QosCond, change *storage.QosChange) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) RemoveQos(ctx context.Context, actor string, cond *storage.QosCond) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) GetQos(ctx context.Context, cond *storage.QosCond) (model.Qoses, error) {
	return nil, nil
}

func (c *Conn) AddUsers(ctx context.Context, actor string, users model.Users) (update.List, error) {
	return nil, nil
}

func (c *Conn) ModifyUsers(ctx context.Context, actor string, cond *storage.UserCond, change *storage.UserChange) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) RemoveUsers(ctx context.Context, actor string, cond *storage.UserCond) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) GetUsers(ctx context.Context, cond *storage.UserCond) (model.Users, error) {
	return nil, nil
}

func (c *Conn) AddCoords(ctx context.Context, actor string, acct string, users []string) (update.List, error) {
	return nil, nil
}

func (c *Conn) RemoveCoords(ctx context.Context, actor string, acct string, users []string) (update.List, error) {
	return nil, nil
}

func (c *Conn) GetCoords(ctx context.Context, withDeleted bool) ([]model.Coord, error) {
	return nil, nil
}

func (c *Conn) AddAccts(ctx context.Context, actor string, accts model.Accounts) (update.List, error) {
	return nil, nil
}

func (c *Conn) ModifyAccts(ctx context.Context, actor string, names []string, change *storage.AcctChange) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) RemoveAccts(ctx context.Context, actor string, names []string) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) GetAccts(ctx context.Context, withDeleted bool) (model.Accounts, error) {
	return nil, nil
}

func (c *Conn) AddWCKeys(ctx context.Context, actor string, cluster string, keys model.WCKeys) (update.List, error) {
	return nil, nil
}

func (c *Conn) RemoveWCKeys(ctx context.Context, actor string, cluster string, cond *storage.WCKeyCond) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) GetWCKeys(ctx context.Context, cluster string, cond *storage.WCKeyCond) (model.WCKeys, error) {
	return nil, nil
}

func (c *Conn) AddClusters(ctx context.Context, actor string, clusters model.Clusters) (update.List, error) {
	return nil, nil
}

func (c *Conn) RemoveClusters(ctx context.Context, actor string, names []string) ([]string, update.List, error) {
	return nil, nil, nil
}

func (c *Conn) GetClusters(ctx context.Context, withDeleted bool) (model.Clusters, error) {
	return nil, nil
}

func (c *Conn) AddClusterToFederation(ctx context.Context, actor, cluster, federation string) (update.List, error) {
	return nil, nil
}

func (c *Conn) RemoveClusterFromFederation(ctx context.Context, actor, cluster, federation string) (update.List, error) {
	return nil, nil
}

func (c *Conn) GetUsage(ctx context.Context, cluster, period string, idAssoc uint32, start, end time.Time) (model.AssocUsages, error) {
	return nil, nil
}

func (c *Conn) GetClusterUsage(ctx context.Context, cluster, period string, start, end time.Time) (model.ClusterUsages, error) {
	return nil, nil
}

func (c *Conn) GetJobsInRange(ctx context.Context, cluster string, start, end time.Time) (model.Jobs, error) {
	return nil, nil
}

func (c *Conn) GetEventsInRange(ctx context.Context, cluster string, start, end time.Time) (model.Events, error) {
	return nil, nil
}

func (c *Conn) GetLastRan(ctx context.Context, cluster string) (model.LastRan, error) {
	return model.LastRan{}, nil
}

func (c *Conn) SetLastRan(ctx context.Context, cluster string, lr model.LastRan) error {
	return nil
}

func (c *Conn) UpsertAssocUsage(ctx context.Context, cluster, period string, rows model.AssocUsages) error {
	return nil
}

func (c *Conn) UpsertClusterUsage(ctx context.Context, cluster, period string, rows model.ClusterUsages) error {
	return nil
}

func (c *Conn) UpsertWCKeyUsage(ctx context.Context, cluster, period string, rows model.WCKeyUsages) error {
	return nil
}

func (c *Conn) EarliestEventTime(ctx context.Context, cluster string) (time.Time, error) {
	return time.Time{}, nil
}

func (c *Conn) Archive(ctx context.Context, cond *storage.ArchiveCond) error { return nil }

func (c *Conn) NodeDown(ctx context.Context, cluster, node string, at time.Time, reason string, reasonUID uint32) error {
	return nil
}

func (c *Conn) NodeUp(ctx context.Context, cluster, node string, at time.Time) error { return nil }

func (c *Conn) ClusterTres(ctx context.Context, cluster, nodes, tresStr string, at time.Time) (model.ClusterTresChange, update.List, error) {
	return model.TresNoChange, nil, nil
}

func (c *Conn) RegisterCtld(ctx context.Context, cluster string, host string, port uint32) error {
	return nil
}

func (c *Conn) FiniCtld(ctx context.Context, cluster string) error { return nil }

func (c *Conn) FlushJobsOnCluster(ctx context.Context, cluster string, at time.Time) error {
	return nil
}
