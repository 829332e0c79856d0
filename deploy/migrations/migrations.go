package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按方言分目录存放。
//
//go:embed sqlite/*.sql mysql/*.sql
var Files embed.FS

// ForDialect 返回指定方言目录下的迁移文件系统。
func ForDialect(dialect string) (fs.FS, error) {
	sub, err := fs.Sub(Files, dialect)
	if err != nil {
		return nil, fmt.Errorf("定位 %s 迁移目录失败: %w", dialect, err)
	}
	return sub, nil
}
