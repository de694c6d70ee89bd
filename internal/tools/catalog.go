package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "X402-Agent/internal/errors"
)

// LoadCatalog 从 JSON 文件读取预置工具列表。
func LoadCatalog(path string) ([]Tool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("工具目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析工具目录路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取工具目录文件失败: %w", err)
	}
	defer file.Close()

	var entries []Tool
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析工具目录文件失败: %w", err)
	}
	return entries, nil
}

// Seed 注册目录中尚未存在的工具，返回新注册的数量。单个工具失败只记录日志。
func (r *Registry) Seed(ctx context.Context, catalog []Tool) int {
	added := 0
	for _, t := range catalog {
		err := r.Register(ctx, t)
		switch {
		case err == nil:
			added++
		case xerrors.HasCode(err, xerrors.CodeConflict):
		default:
			r.log.Warn("skipping catalogue tool", "tool", t.Name, "error", err)
		}
	}
	return added
}
