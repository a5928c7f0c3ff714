// Package filetxt is the accounting_storage/filetxt backend: an
// append-only plain-text record of node and cluster events. It keeps no
// queryable state; sites use it to feed external log pipelines. All
// other capability calls are accepted and dropped, which the embedded
// none backend provides.
package filetxt

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"sacctd/config"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/storage/none"
	"sacctd/internal/pkg/update"
)

const (
	pluginName    = "Accounting storage FILETXT plugin"
	pluginType    = "accounting_storage/filetxt"
	pluginVersion = 101
)

func init() {
	storage.Register("filetxt", func() storage.Plugin { return &Plugin{} })
}

type Plugin struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	logger *slog.Logger
}

func (p *Plugin) PluginName() string    { return pluginName }
func (p *Plugin) PluginType() string    { return pluginType }
func (p *Plugin) PluginVersion() uint32 { return pluginVersion }

func (p *Plugin) Init(ctx context.Context, cfg *config.Server, logger *slog.Logger) error {
	path := cfg.Storage.Loc
	if path == "" {
		return fmt.Errorf("filetxt: storage.loc must name the log file")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	p.f = f
	p.w = bufio.NewWriter(f)
	p.logger = logger
	return nil
}

func (p *Plugin) Fini() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	if err := p.w.Flush(); err != nil {
		p.f.Close()
		return err
	}
	err := p.f.Close()
	p.f = nil
	return err
}

func (p *Plugin) GetConnection(ctx context.Context, connNum int, rollback bool, cluster string) (storage.Conn, error) {
	if p.f == nil {
		return nil, fmt.Errorf("filetxt: plugin not initialized")
	}
	return &conn{p: p, cluster: cluster}, nil
}

// writeRecord appends one line; lines are whitespace-delimited with a
// leading epoch and record kind, one record per event.
func (p *Plugin) writeRecord(kind string, at time.Time, fields ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintf(p.w, "%d %s", at.Unix(), kind); err != nil {
		return err
	}
	for _, f := range fields {
		if _, err := fmt.Fprintf(p.w, " %s", f); err != nil {
			return err
		}
	}
	return p.w.WriteByte('\n')
}

type conn struct {
	none.Conn
	p       *Plugin
	cluster string
}

func (c *conn) clusterOf(name string) string {
	if name != "" {
		return name
	}
	return c.cluster
}

// Commit flushes buffered lines. The file is the commit log; rollback
// of already-written lines is not supported, matching the plugin's
// append-only contract.
func (c *conn) Commit(ctx context.Context, commit bool) error {
	if !commit {
		return nil
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.w.Flush()
}

func (c *conn) Close() error {
	return c.Commit(context.Background(), true)
}

func (c *conn) NodeDown(ctx context.Context, cluster, node string, at time.Time, reason string, reasonUID uint32) error {
	return c.p.writeRecord("NODE_DOWN", at,
		c.clusterOf(cluster), node, fmt.Sprintf("uid=%d", reasonUID), fmt.Sprintf("reason=%q", reason))
}

func (c *conn) NodeUp(ctx context.Context, cluster, node string, at time.Time) error {
	return c.p.writeRecord("NODE_UP", at, c.clusterOf(cluster), node)
}

func (c *conn) ClusterTres(ctx context.Context, cluster, nodes, tresStr string, at time.Time) (model.ClusterTresChange, update.List, error) {
	err := c.p.writeRecord("CLUSTER_TRES", at,
		c.clusterOf(cluster), fmt.Sprintf("nodes=%q", nodes), fmt.Sprintf("tres=%q", tresStr))
	return model.TresNoChange, nil, err
}

func (c *conn) FlushJobsOnCluster(ctx context.Context, cluster string, at time.Time) error {
	return c.p.writeRecord("FLUSH_JOBS", at, c.clusterOf(cluster))
}

// Archive is native here: the log file already is the archive.
func (c *conn) Archive(ctx context.Context, cond *storage.ArchiveCond) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.w.Flush()
}
