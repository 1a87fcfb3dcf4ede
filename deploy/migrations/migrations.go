package migrations

import "embed"

// Files 暴露账本 schema 的全部 SQL 迁移文件，按文件名版本号顺序应用。
//
//go:embed *.sql
var Files embed.FS
