package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"

	driver "github.com/go-sql-driver/mysql"
)

// Config 描述 MySQL 连接参数。
type Config struct {
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// Database 持有连接池，并提供付款审计、工具目录与协作任务的存储实现。
type Database struct {
	db *sql.DB
}

// Open 建立连接池并执行尚未应用的迁移。
func Open(ctx context.Context, cfg Config) (*Database, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d := &Database{db: db}
	if _, err := d.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Payments 返回付款审计存储。
func (d *Database) Payments() *PaymentStore { return &PaymentStore{db: d.db} }

// Tools 返回工具目录存储。
func (d *Database) Tools() *ToolStore { return &ToolStore{db: d.db} }

// Jobs 返回协作任务存储。
func (d *Database) Jobs() *JobStore { return &JobStore{db: d.db} }

// Close 关闭底层连接池。
func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "MySQL DSN 不能为空")
	}
	dsnCfg, err := driver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "解析 MySQL DSN 失败")
	}
	if dsnCfg.Timeout == 0 {
		dsnCfg.Timeout = 5 * time.Second
	}

	connector, err := driver.NewConnector(dsnCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db := sql.OpenDB(connector)

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}
