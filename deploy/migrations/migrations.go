package migrations

import "embed"

// Files 暴露付款审计、工具目录与协作任务的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
