package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/payments"

	driver "github.com/go-sql-driver/mysql"
)

const (
	insertPaymentSQL = `INSERT INTO payments
        (id, agent_id, network, amount, recipient, tool_name, status, tx_reference, error_message, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectPaymentsSQL = `SELECT id, agent_id, network, amount, recipient, tool_name, status, tx_reference, error_message, created_at
        FROM payments`

	maxErrorLength = 1024
	// mysqlDuplicateEntry 是主键冲突的错误号。
	mysqlDuplicateEntry = 1062
)

// PaymentStore 将付款审计记录写入 payments 表，实现 payments.AuditStore。
type PaymentStore struct {
	db *sql.DB
}

var _ payments.AuditStore = (*PaymentStore)(nil)

// Append 写入记录，多条记录在同一事务中提交。
func (s *PaymentStore) Append(ctx context.Context, records ...payments.Payment) error {
	switch len(records) {
	case 0:
		return nil
	case 1:
		return insertPayment(ctx, s.db, records[0])
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启付款记录事务失败")
	}
	for _, rec := range records {
		if err := insertPayment(ctx, tx, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交付款记录事务失败")
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPayment(ctx context.Context, db execer, rec payments.Payment) error {
	message := rec.Error
	if len(message) > maxErrorLength {
		message = message[:maxErrorLength]
	}
	_, err := db.ExecContext(ctx, insertPaymentSQL,
		rec.ID,
		rec.AgentID,
		rec.Network,
		rec.Amount,
		rec.Recipient,
		rec.ToolName,
		string(rec.Status),
		rec.TxReference,
		message,
		rec.Timestamp.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *driver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return xerrors.Wrap(xerrors.CodeConflict, err, "付款记录已存在", xerrors.WithMetadata("payment_id", rec.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入付款记录失败", xerrors.WithMetadata("payment_id", rec.ID))
	}
	return nil
}

// List 按时间倒序查询付款记录。
func (s *PaymentStore) List(ctx context.Context, filter payments.HistoryFilter) ([]payments.Payment, error) {
	query, args := buildPaymentQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询付款记录失败")
	}
	defer rows.Close()

	var out []payments.Payment
	for rows.Next() {
		var (
			rec       payments.Payment
			status    string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Network, &rec.Amount, &rec.Recipient,
			&rec.ToolName, &status, &rec.TxReference, &rec.Error, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析付款记录失败")
		}
		rec.Status = payments.Status(status)
		rec.Timestamp = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历付款记录失败")
	}
	return out, nil
}

func buildPaymentQuery(filter payments.HistoryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ToolName != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, filter.ToolName)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	var b strings.Builder
	b.WriteString(selectPaymentsSQL)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}
	return b.String(), args
}
