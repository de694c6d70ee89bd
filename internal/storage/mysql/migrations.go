package mysql

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"time"

	"X402-Agent/deploy/migrations"
	xerrors "X402-Agent/internal/errors"
	"X402-Agent/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

type migration struct {
	version    string
	name       string
	statements []string
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// runMigrations 依次应用尚未记录在 schema_migrations 中的迁移，返回本次应用的数量。
func (d *Database) runMigrations(ctx context.Context) (int, error) {
	if _, err := d.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	pending, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return 0, err
	}

	log := logger.Named("mysql")
	count := 0
	for _, m := range pending {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := d.apply(ctx, m); err != nil {
			return count, err
		}
		log.Info("migration applied", "version", m.version, "file", m.name)
		count++
	}
	return count, nil
}

func (d *Database) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (d *Database) apply(ctx context.Context, m migration) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+m.name+" 失败")
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// loadMigrations 读取 *.sql 文件，按版本号排序。文件名前缀（第一个下划线之前）为版本号。
func loadMigrations(files fs.FS) ([]migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}

	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件 "+name+" 失败")
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{version: migrationVersion(name), name: name, statements: statements})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].version == out[j].version {
			return out[i].name < out[j].name
		}
		return out[i].version < out[j].version
	})
	return out, nil
}

func splitStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func migrationVersion(name string) string {
	name = strings.TrimSuffix(name, ".sql")
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	return name
}
