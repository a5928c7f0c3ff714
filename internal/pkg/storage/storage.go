// Package storage defines the accounting storage backend contract. A
// backend is a plugin: it reports its identity as
// "accounting_storage/<kind>" and exposes the capability set the cache
// manager and the usage rollup consume. Implementations live in the
// sub-packages mysql, filetxt and none.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sacctd/config"
	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/update"
)

// Plugin is the symbol surface every backend exposes.
type Plugin interface {
	PluginName() string
	PluginType() string
	PluginVersion() uint32

	Init(ctx context.Context, cfg *config.Server, logger *slog.Logger) error
	Fini() error

	// GetConnection opens a handle. connNum distinguishes concurrent
	// callers in logs; rollback selects whether an un-committed handle
	// discards (true) or persists (false) buffered work on Close.
	GetConnection(ctx context.Context, connNum int, rollback bool, cluster string) (Conn, error)
}

// RollupStats summarizes one RollUsage invocation.
type RollupStats struct {
	Cluster   string
	HourStart time.Time
	HourEnd   time.Time
	DayEnd    time.Time
	MonthEnd  time.Time
	HourRows  int
	DayRows   int
	MonthRows int
	Elapsed   time.Duration
}

// Conn is one storage connection. Mutating calls are transactional:
// either the change and its txn-log row land together or the store is
// unchanged. Every mutating call returns the ordered update list the
// cache applies without rereading. Calls respect the context deadline and
// surface accterr.ErrStorageTimeout when it elapses; the caller must then
// Reset the handle.
type Conn interface {
	Close() error
	// Commit finishes the open transaction batch; commit=false rolls back.
	Commit(ctx context.Context, commit bool) error
	// Reset discards any buffered state after a failed call.
	Reset() error

	// TRES
	AddTres(ctx context.Context, actor string, treses model.Treses) (update.List, error)
	GetTres(ctx context.Context, cond *TresCond) (model.Treses, error)

	// Associations
	AddAssocs(ctx context.Context, actor string, assocs model.Associations) (update.List, error)
	ModifyAssocs(ctx context.Context, actor string, cond *AssocCond, change *AssocChange) ([]string, update.List, error)
	RemoveAssocs(ctx context.Context, actor string, cond *AssocCond) ([]string, update.List, error)
	GetAssocs(ctx context.Context, cond *AssocCond) (model.Associations, error)

	// QOS
	AddQos(ctx context.Context, actor string, qoses model.Qoses) (update.List, error)
	ModifyQos(ctx context.Context, actor string, cond *QosCond, change *QosChange) ([]string, update.List, error)
	RemoveQos(ctx context.Context, actor string, cond *QosCond) ([]string, update.List, error)
	GetQos(ctx context.Context, cond *QosCond) (model.Qoses, error)

	// Users and coordinators
	AddUsers(ctx context.Context, actor string, users model.Users) (update.List, error)
	ModifyUsers(ctx context.Context, actor string, cond *UserCond, change *UserChange) ([]string, update.List, error)
	RemoveUsers(ctx context.Context, actor string, cond *UserCond) ([]string, update.List, error)
	GetUsers(ctx context.Context, cond *UserCond) (model.Users, error)
	AddCoords(ctx context.Context, actor string, acct string, users []string) (update.List, error)
	RemoveCoords(ctx context.Context, actor string, acct string, users []string) (update.List, error)
	GetCoords(ctx context.Context, withDeleted bool) ([]model.Coord, error)

	// Accounts
	AddAccts(ctx context.Context, actor string, accts model.Accounts) (update.List, error)
	ModifyAccts(ctx context.Context, actor string, names []string, change *AcctChange) ([]string, update.List, error)
	RemoveAccts(ctx context.Context, actor string, names []string) ([]string, update.List, error)
	GetAccts(ctx context.Context, withDeleted bool) (model.Accounts, error)

	// WCKeys
	AddWCKeys(ctx context.Context, actor string, cluster string, keys model.WCKeys) (update.List, error)
	RemoveWCKeys(ctx context.Context, actor string, cluster string, cond *WCKeyCond) ([]string, update.List, error)
	GetWCKeys(ctx context.Context, cluster string, cond *WCKeyCond) (model.WCKeys, error)

	// Clusters and federations
	AddClusters(ctx context.Context, actor string, clusters model.Clusters) (update.List, error)
	RemoveClusters(ctx context.Context, actor string, names []string) ([]string, update.List, error)
	GetClusters(ctx context.Context, withDeleted bool) (model.Clusters, error)
	AddClusterToFederation(ctx context.Context, actor, cluster, federation string) (update.List, error)
	RemoveClusterFromFederation(ctx context.Context, actor, cluster, federation string) (update.List, error)

	// Usage and rollup inputs
	GetUsage(ctx context.Context, cluster, period string, idAssoc uint32, start, end time.Time) (model.AssocUsages, error)
	GetClusterUsage(ctx context.Context, cluster, period string, start, end time.Time) (model.ClusterUsages, error)
	GetJobsInRange(ctx context.Context, cluster string, start, end time.Time) (model.Jobs, error)
	GetEventsInRange(ctx context.Context, cluster string, start, end time.Time) (model.Events, error)
	GetLastRan(ctx context.Context, cluster string) (model.LastRan, error)
	SetLastRan(ctx context.Context, cluster string, lr model.LastRan) error
	UpsertAssocUsage(ctx context.Context, cluster, period string, rows model.AssocUsages) error
	UpsertClusterUsage(ctx context.Context, cluster, period string, rows model.ClusterUsages) error
	UpsertWCKeyUsage(ctx context.Context, cluster, period string, rows model.WCKeyUsages) error
	EarliestEventTime(ctx context.Context, cluster string) (time.Time, error)

	// Archive
	Archive(ctx context.Context, cond *ArchiveCond) error

	// Controller registration flow
	NodeDown(ctx context.Context, cluster, node string, at time.Time, reason string, reasonUID uint32) error
	NodeUp(ctx context.Context, cluster, node string, at time.Time) error
	ClusterTres(ctx context.Context, cluster, nodes, tresStr string, at time.Time) (model.ClusterTresChange, update.List, error)
	RegisterCtld(ctx context.Context, cluster string, host string, port uint32) error
	FiniCtld(ctx context.Context, cluster string) error
	FlushJobsOnCluster(ctx context.Context, cluster string, at time.Time) error
}

// Factory builds an uninitialized plugin instance.
type Factory func() Plugin

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a backend factory under its kind ("mysql", "none",
// "filetxt"). Called from the implementations' init functions.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open instantiates and initializes the backend named by cfg.Storage.Kind.
func Open(ctx context.Context, cfg *config.Server, logger *slog.Logger) (Plugin, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Storage.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown accounting_storage kind %q (have %v)", cfg.Storage.Kind, Kinds())
	}
	p := f()
	if err := p.Init(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("init %s: %w", p.PluginType(), err)
	}
	return p, nil
}

// NextFedID returns the smallest free federation cluster id in
// 1..model.MaxFedClusters given the ids already assigned.
func NextFedID(used []uint32) (uint32, error) {
	taken := make(map[uint32]bool, len(used))
	for _, id := range used {
		taken[id] = true
	}
	for id := uint32(1); id <= model.MaxFedClusters; id++ {
		if !taken[id] {
			return id, nil
		}
	}
	return 0, accterr.ErrFedClusterMax
}
