package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/task"

	driver "github.com/go-sql-driver/mysql"
)

const (
	jobColumns = `id, prompt, strategy, metadata, status, attempts, max_retries, last_error, error_code,
        result_swarm_id, result_report, result_successful, result_members, created_at, updated_at`

	insertJobSQL = `INSERT INTO collaborations
        (id, prompt, strategy, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	selectJobSQL = `SELECT ` + jobColumns + ` FROM collaborations WHERE id = ?`
	claimJobSQL  = `UPDATE collaborations SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`
	succeedJobSQL = `UPDATE collaborations SET status = ?, result_swarm_id = ?, result_report = ?, result_successful = ?,
        result_members = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	failJobSQL = `UPDATE collaborations SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        max_retries = CASE WHEN ? THEN LEAST(max_retries, attempts) ELSE max_retries END WHERE id = ?`
	statsJobSQL = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? AND attempts >= max_retries THEN 1 ELSE 0 END), 0) AS exhausted,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM collaborations`
)

// JobStore 使用 collaborations 表持久化协作任务，实现 task.Store。
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ task.Store = (*JobStore)(nil)

func (s *JobStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Create 插入新的协作任务。
func (s *JobStore) Create(ctx context.Context, t *task.Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "任务 ID 不能为空")
	}

	now := s.clock().Unix()
	t.CreatedAt = now
	t.UpdatedAt = now

	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, err, "编码任务 metadata 失败")
	}
	_, err = s.db.ExecContext(ctx, insertJobSQL,
		t.ID,
		t.Prompt,
		t.Strategy,
		metadata,
		string(t.Status),
		t.Attempts,
		t.MaxRetries,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *driver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return task.ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入协作任务失败", xerrors.WithMetadata("task_id", t.ID))
	}
	return nil
}

// Get 查询指定任务。
func (s *JobStore) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协作任务失败", xerrors.WithMetadata("task_id", id))
	}
	return t, nil
}

// Claim 将待执行或可重试的任务标记为运行中。
func (s *JobStore) Claim(ctx context.Context, id string) (*task.Task, error) {
	res, err := s.db.ExecContext(ctx, claimJobSQL,
		string(task.StatusRunning),
		s.clock().Unix(),
		id,
		string(task.StatusPending),
		string(task.StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return current, nil
	}
	switch current.Status {
	case task.StatusSucceeded:
		return current, task.ErrTaskCompleted
	case task.StatusRunning:
		return current, task.ErrTaskConflict
	}
	if current.Attempts >= current.MaxRetries {
		return current, task.ErrTaskExhausted
	}
	return current, task.ErrTaskConflict
}

// MarkSucceeded 记录协作结果。
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, result task.ExecutionResult) error {
	res, err := s.db.ExecContext(ctx, succeedJobSQL,
		string(task.StatusSucceeded),
		result.SwarmID,
		result.Report,
		result.Successful,
		result.Members,
		s.clock().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// MarkFailed 标记任务失败。terminal 为真时将 max_retries 收敛到已尝试次数。
func (s *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	res, err := s.db.ExecContext(ctx, failJobSQL,
		string(task.StatusFailed),
		lastError,
		string(code),
		s.clock().Unix(),
		terminal,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *JobStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	opts.Normalize()

	query := `SELECT ` + jobColumns + ` FROM collaborations`
	clause, args := buildJobFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.OldestFirst {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	out := make([]*task.Task, 0, opts.Limit)
	for rows.Next() {
		t, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return out, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *JobStore) Stats(ctx context.Context, opts task.ListOptions) (task.TaskStats, error) {
	opts.Normalize()

	query := statsJobSQL
	clause, filterArgs := buildJobFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(task.StatusPending), string(task.StatusRunning), string(task.StatusSucceeded), string(task.StatusFailed), string(task.StatusFailed)}
	args = append(args, filterArgs...)

	var stats task.TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Exhausted,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return task.TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 由 Database 统一关闭连接池。
func (s *JobStore) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*task.Task, error) {
	var (
		t         task.Task
		result    task.ExecutionResult
		status    string
		metadata  sql.NullString
		lastError sql.NullString
		report    sql.NullString
	)
	if err := row.Scan(
		&t.ID,
		&t.Prompt,
		&t.Strategy,
		&metadata,
		&status,
		&t.Attempts,
		&t.MaxRetries,
		&lastError,
		&t.ErrorCode,
		&result.SwarmID,
		&report,
		&result.Successful,
		&result.Members,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.LastError = lastError.String
	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	t.Metadata = decoded
	if report.String != "" {
		result.Report = report.String
		result.Strategy = t.Strategy
		t.Result = &result
	}
	return &t, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildJobFilter(opts task.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Strategy != "" {
		conditions = append(conditions, "strategy = ?")
		args = append(args, opts.Strategy)
	}
	if opts.UpdatedSince > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedSince)
	}
	if opts.HasReport != nil {
		if *opts.HasReport {
			conditions = append(conditions, "(result_report IS NOT NULL AND result_report <> '')")
		} else {
			conditions = append(conditions, "(result_report IS NULL OR result_report = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR prompt LIKE ? OR last_error LIKE ? OR result_report LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}
