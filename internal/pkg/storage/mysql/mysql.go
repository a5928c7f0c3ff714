// Package mysql is the accounting_storage/mysql backend. It keeps the
// SlurmDBD schema: per-cluster sharded assoc/job/event/usage tables,
// global user/account/qos/tres tables, and a txn log row inside every
// mutating transaction.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"sacctd/config"
	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/storage"
)

const (
	pluginName    = "Accounting storage MYSQL plugin"
	pluginType    = "accounting_storage/mysql"
	pluginVersion = 101
)

func init() {
	storage.Register("mysql", func() storage.Plugin { return &Plugin{} })
}

type Plugin struct {
	db        *gorm.DB
	cfg       *config.Server
	logger    *slog.Logger
	opTimeout time.Duration
}

func (p *Plugin) PluginName() string    { return pluginName }
func (p *Plugin) PluginType() string    { return pluginType }
func (p *Plugin) PluginVersion() uint32 { return pluginVersion }

func (p *Plugin) Init(ctx context.Context, cfg *config.Server, logger *slog.Logger) error {
	dsn, err := buildDSN(cfg.Storage)
	if err != nil {
		return err
	}
	gcfg := &gorm.Config{
		Logger:                 glogger.Default.LogMode(glogger.Warn),
		SkipDefaultTransaction: true,
	}
	db, err := gorm.Open(mysql.Open(dsn), gcfg)
	if err != nil {
		return fmt.Errorf("%w: %v", accterr.ErrDBConnection, err)
	}
	if sqlDB, derr := db.DB(); derr == nil {
		if cfg.Storage.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
		}
		if cfg.Storage.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.Storage.MaxIdleConns)
		}
		if d := parseDuration(cfg.Storage.ConnMaxLifetime); d > 0 {
			sqlDB.SetConnMaxLifetime(d)
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pctx); err != nil {
			return fmt.Errorf("%w: %v", accterr.ErrDBConnection, err)
		}
	}
	p.db = db
	p.cfg = cfg
	p.logger = logger
	p.opTimeout = parseDuration(cfg.Storage.Timeout)
	return nil
}

func (p *Plugin) Fini() error {
	if p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Plugin) GetConnection(ctx context.Context, connNum int, rollback bool, cluster string) (storage.Conn, error) {
	if p.db == nil {
		return nil, accterr.ErrDBConnection
	}
	c := &conn{
		p:        p,
		num:      connNum,
		rollback: rollback,
		cluster:  cluster,
		logger:   p.logger.With(slog.Int("conn", connNum), slog.String("cluster", cluster)),
	}
	c.begin()
	return c, nil
}

// buildDSN constructs the go-sql-driver DSN:
// user:pass@tcp(host:port)/dbname?param=value
func buildDSN(cfg config.Storage) (string, error) {
	if cfg.Host == "" || cfg.Loc == "" {
		return "", fmt.Errorf("storage: host and loc are required for mysql")
	}
	creds := cfg.User
	if cfg.Pass != "" {
		creds = fmt.Sprintf("%s:%s", cfg.User, cfg.Pass)
	}
	addr := fmt.Sprintf("tcp(%s:%d)", cfg.Host, cfg.Port)

	params := make([]string, 0, 8)
	if cfg.Charset != "" {
		params = append(params, "charset="+cfg.Charset)
	}
	if cfg.ParseTime {
		params = append(params, "parseTime=true")
	}
	if cfg.TimeZone != "" {
		params = append(params, "loc="+url.QueryEscape(cfg.TimeZone))
	}
	if cfg.TLS != "" {
		params = append(params, "tls="+cfg.TLS)
	}
	params = append(params, "timeout=5s")

	dsn := fmt.Sprintf("%s@%s/%s", creds, addr, cfg.Loc)
	if len(params) > 0 {
		dsn += "?" + strings.Join(params, "&")
	}
	return dsn, nil
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// mapErr normalizes driver errors into the shared sentinels: a blown
// deadline becomes ErrStorageTimeout, after which the caller must Reset.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", accterr.ErrStorageTimeout, err)
	}
	return err
}
