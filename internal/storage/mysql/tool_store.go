package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/tools"
)

const (
	upsertToolSQL = `INSERT INTO tools
        (name, endpoint, description, cost_per_call, payment_address, parameters, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE endpoint = VALUES(endpoint), description = VALUES(description),
        cost_per_call = VALUES(cost_per_call), payment_address = VALUES(payment_address), parameters = VALUES(parameters)`
	selectToolsSQL = `SELECT name, endpoint, description, cost_per_call, payment_address, parameters, created_at
        FROM tools ORDER BY name`
	deleteToolSQL = `DELETE FROM tools WHERE name = ?`
)

// ToolStore 将工具目录写入 tools 表，实现 tools.Store。
type ToolStore struct {
	db *sql.DB
}

var _ tools.Store = (*ToolStore)(nil)

// Save 写入或更新工具。
func (s *ToolStore) Save(ctx context.Context, tool tools.Tool) error {
	params, err := json.Marshal(tool.Parameters)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, err, "编码工具参数失败")
	}
	if tool.Parameters == nil {
		params = []byte("{}")
	}
	if _, err := s.db.ExecContext(ctx, upsertToolSQL,
		tool.Name,
		tool.Endpoint,
		tool.Description,
		tool.CostPerCall,
		tool.PaymentAddress,
		string(params),
		tool.CreatedAt.Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工具失败", xerrors.WithMetadata("tool", tool.Name))
	}
	return nil
}

// Delete 删除工具。
func (s *ToolStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, deleteToolSQL, name); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除工具失败", xerrors.WithMetadata("tool", name))
	}
	return nil
}

// LoadAll 读取全部工具。
func (s *ToolStore) LoadAll(ctx context.Context) ([]tools.Tool, error) {
	rows, err := s.db.QueryContext(ctx, selectToolsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工具失败")
	}
	defer rows.Close()

	var out []tools.Tool
	for rows.Next() {
		var (
			t         tools.Tool
			params    string
			createdAt int64
		)
		if err := rows.Scan(&t.Name, &t.Endpoint, &t.Description, &t.CostPerCall, &t.PaymentAddress, &params, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具失败")
		}
		if params != "" {
			if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具参数失败", xerrors.WithMetadata("tool", t.Name))
			}
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工具失败")
	}
	return out, nil
}
