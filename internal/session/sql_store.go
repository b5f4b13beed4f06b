package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	"OnyxLab-Core/internal/artifact"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/payment"
	"OnyxLab-Core/internal/proposal"
	"OnyxLab-Core/internal/storage/database"
)

// SQLStore 使用 MySQL 或 PostgreSQL 保存会话状态。表结构由 database.Migrate 创建。
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLStore 基于已建立的连接池创建存储。
func NewSQLStore(db *sql.DB, dialect database.Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接未初始化")
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) q(query string) string {
	return database.Rebind(s.dialect, query)
}

const sessionColumns = `id, wallet_address, prompt, status, iteration_count, feedback, last_error, error_code, pending_bundle, created_at, updated_at`

// CreateSession 插入新的会话记录。
func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	bundle, err := encodeBundle(sess.PendingBundle)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID,
		sess.WalletAddress,
		sess.Prompt,
		string(sess.Status),
		sess.IterationCount,
		sess.Feedback,
		sess.LastError,
		sess.ErrorCode,
		bundle,
		sess.CreatedAt.UnixMilli(),
		sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "会话已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话失败")
	}
	return nil
}

// GetSession 查询指定会话。
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return sess, nil
}

// UpdateSession 以状态为条件写入会话。
func (s *SQLStore) UpdateSession(ctx context.Context, sess *Session, expected Status) error {
	bundle, err := encodeBundle(sess.PendingBundle)
	if err != nil {
		return err
	}
	const stmt = `UPDATE sessions SET status = ?, iteration_count = ?, feedback = ?, last_error = ?, error_code = ?,
        pending_bundle = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.q(stmt),
		string(sess.Status),
		sess.IterationCount,
		sess.Feedback,
		sess.LastError,
		sess.ErrorCode,
		bundle,
		sess.UpdatedAt.UnixMilli(),
		sess.ID,
		string(expected),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetSession(ctx, sess.ID); getErr != nil {
			return getErr
		}
		return ErrStaleSession
	}
	return nil
}

// ListSessions 返回符合条件的会话。
func (s *SQLStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	opts.applyDefaults()

	var (
		clauses []string
		args    []any
	)
	if opts.Wallet != "" {
		clauses = append(clauses, "wallet_address = ?")
		args = append(args, opts.Wallet)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	sessions := make([]*Session, 0, opts.Limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	return sessions, nil
}

// AppendIteration 在事务中分配下一个提案编号。
func (s *SQLStore) AppendIteration(ctx context.Context, it *proposal.Iteration) error {
	const maxRetries = 3
	for attempt := 1; ; attempt++ {
		err := s.appendIteration(ctx, it)
		if err == nil {
			return nil
		}
		// 并发追加时主键冲突，重新计算编号。
		if !database.IsDuplicateKey(err) || attempt >= maxRetries {
			if xerr, ok := xerrors.From(err); ok {
				return xerr
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存架构提案失败")
		}
	}
}

func (s *SQLStore) appendIteration(ctx context.Context, it *proposal.Iteration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM sessions WHERE id = ?`), it.SessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	var latest int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(iteration_number), 0) FROM architecture_iterations WHERE session_id = ?`),
		it.SessionID).Scan(&latest); err != nil {
		return err
	}
	number := latest + 1
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO architecture_iterations
        (session_id, iteration_number, diagram, feedback, approved, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		it.SessionID, number, it.Diagram, it.Feedback, false, it.CreatedAt.UnixMilli()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	it.Number = number
	it.Approved = false
	return nil
}

// ListIterations 按编号升序返回会话的全部提案。
func (s *SQLStore) ListIterations(ctx context.Context, sessionID string) ([]proposal.Iteration, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id, iteration_number, diagram, feedback, approved, created_at
        FROM architecture_iterations WHERE session_id = ? ORDER BY iteration_number ASC`), sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询架构提案失败")
	}
	defer rows.Close()

	var iterations []proposal.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析架构提案失败")
		}
		iterations = append(iterations, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历架构提案失败")
	}
	return iterations, nil
}

// LatestIteration 返回编号最大的提案。
func (s *SQLStore) LatestIteration(ctx context.Context, sessionID string) (*proposal.Iteration, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT session_id, iteration_number, diagram, feedback, approved, created_at
        FROM architecture_iterations WHERE session_id = ? ORDER BY iteration_number DESC LIMIT 1`), sessionID)
	it, err := scanIteration(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, errIterationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询最新架构提案失败")
	}
	return it, nil
}

// ApproveIteration 批准指定提案并清除其他提案的批准标记。
func (s *SQLStore) ApproveIteration(ctx context.Context, sessionID string, number int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE architecture_iterations SET approved = ? WHERE session_id = ? AND iteration_number = ?`),
		true, sessionID, number)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "批准架构提案失败")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM architecture_iterations WHERE session_id = ? AND iteration_number = ?`),
			sessionID, number).Scan(&exists); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询架构提案失败")
		}
		if exists == 0 {
			return errIterationNotFound
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE architecture_iterations SET approved = ? WHERE session_id = ? AND iteration_number <> ?`),
		false, sessionID, number); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除批准标记失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

const paymentColumns = `id, session_id, payment_protocol, amount, amount_wei, recipient_address, tx_hash, verified,
        block_number, verified_at, status, failure_code, failure_reason, created_at, expires_at`

// CreatePayment 保存支付请求。
func (s *SQLStore) CreatePayment(ctx context.Context, p *payment.Payment) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO payments (`+paymentColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID,
		p.SessionID,
		p.Protocol,
		p.Amount,
		p.AmountWei,
		p.Recipient,
		nullString(p.TxHash),
		p.Verified,
		int64(p.BlockNumber),
		nullTime(p.VerifiedAt),
		string(p.Status),
		p.FailureCode,
		p.FailureReason,
		p.CreatedAt.UnixMilli(),
		p.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "支付已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存支付失败")
	}
	return nil
}

// GetPayment 返回支付记录。
func (s *SQLStore) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	p, err := scanPayment(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, errPaymentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付失败")
	}
	return p, nil
}

// AttachTransaction 绑定交易哈希，同一交易只能绑定一个支付。
func (s *SQLStore) AttachTransaction(ctx context.Context, id, txHash string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE payments SET tx_hash = ?, status = ?
        WHERE id = ? AND verified = ? AND status <> ?`),
		txHash, string(payment.StatusProcessing), id, false, string(payment.StatusFailed))
	if err != nil {
		if database.IsDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "交易已被其他支付使用")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "绑定交易失败")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := s.GetPayment(ctx, id); getErr != nil {
			return getErr
		}
		return xerrors.New(xerrors.CodeAlreadyCompleted, "支付已结束，不能绑定新的交易")
	}
	return nil
}

// MarkVerified 将支付标记为已验证，每个会话最多一笔。
func (s *SQLStore) MarkVerified(ctx context.Context, id string, blockNumber uint64, verifiedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var (
		sessionID string
		verified  bool
		status    string
	)
	if err := tx.QueryRowContext(ctx, s.q(`SELECT session_id, verified, status FROM payments WHERE id = ? FOR UPDATE`), id).
		Scan(&sessionID, &verified, &status); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return errPaymentNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付失败")
	}
	if verified {
		return nil
	}
	if status == string(payment.StatusFailed) {
		return xerrors.New(xerrors.CodeConflict, "支付已失败")
	}

	var others int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM payments WHERE session_id = ? AND verified = ? AND id <> ?`),
		sessionID, true, id).Scan(&others); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已验证支付失败")
	}
	if others > 0 {
		return xerrors.New(xerrors.CodeConflict, "会话已有其他已验证的支付")
	}

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE payments SET verified = ?, status = ?, block_number = ?, verified_at = ? WHERE id = ?`),
		true, string(payment.StatusVerified), int64(blockNumber), verifiedAt.UnixMilli(), id); err != nil {
		if database.IsDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "会话已有其他已验证的支付")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记支付成功失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// MarkFailed 记录支付失败原因，已验证的支付不会被修改。
func (s *SQLStore) MarkFailed(ctx context.Context, id, code, reason string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE payments SET status = ?, failure_code = ?, failure_reason = ? WHERE id = ? AND verified = ?`),
		string(payment.StatusFailed), code, reason, id, false)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记支付失败出错")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := s.GetPayment(ctx, id); getErr != nil {
			return getErr
		}
		return xerrors.New(xerrors.CodeAlreadyCompleted, "支付已验证")
	}
	return nil
}

// VerifiedPayment 返回会话唯一的已验证支付。
func (s *SQLStore) VerifiedPayment(ctx context.Context, sessionID string) (*payment.Payment, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+paymentColumns+` FROM payments WHERE session_id = ? AND verified = ? LIMIT 1`),
		sessionID, true)
	p, err := scanPayment(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, errPaymentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已验证支付失败")
	}
	return p, nil
}

// CreateDeployment 保存部署记录，每个会话只能有一条。
func (s *SQLStore) CreateDeployment(ctx context.Context, d *DeployedWorkflow) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO deployed_workflows
        (session_id, cre_workflow_id, endpoint, yaml_content, js_content, cre_status, attempts, payment_id, deployed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.SessionID, d.DeploymentID, d.Endpoint, d.WorkflowYAML, d.FunctionJS, d.Status, d.Attempts, d.PaymentID, d.DeployedAt.UnixMilli())
	if err != nil {
		if database.IsDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "会话已有部署记录")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存部署记录失败")
	}
	return nil
}

// GetDeployment 返回会话的部署记录。
func (s *SQLStore) GetDeployment(ctx context.Context, sessionID string) (*DeployedWorkflow, error) {
	var (
		d          DeployedWorkflow
		deployedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT session_id, cre_workflow_id, endpoint, yaml_content, js_content, cre_status,
        attempts, payment_id, deployed_at FROM deployed_workflows WHERE session_id = ?`), sessionID).
		Scan(&d.SessionID, &d.DeploymentID, &d.Endpoint, &d.WorkflowYAML, &d.FunctionJS, &d.Status, &d.Attempts, &d.PaymentID, &deployedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}
	d.DeployedAt = time.UnixMilli(deployedAt).UTC()
	return &d, nil
}

// WalletStats 聚合钱包的会话、部署与支付情况。
func (s *SQLStore) WalletStats(ctx context.Context, wallet string) (*WalletStats, error) {
	wallet = normalizeWallet(wallet)
	stats := &WalletStats{Address: wallet}

	var firstSeen, lastActive sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*), MIN(created_at), MAX(updated_at) FROM sessions WHERE wallet_address = ?`), wallet).
		Scan(&stats.TotalSessions, &firstSeen, &lastActive); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计钱包会话失败")
	}
	if stats.TotalSessions == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "钱包没有任何会话")
	}
	stats.FirstSeen = time.UnixMilli(firstSeen.Int64).UTC()
	stats.LastActive = time.UnixMilli(lastActive.Int64).UTC()

	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM deployed_workflows d
        JOIN sessions s ON s.id = d.session_id WHERE s.wallet_address = ?`), wallet).Scan(&stats.TotalWorkflows); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计钱包部署失败")
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT p.amount_wei FROM payments p
        JOIN sessions s ON s.id = p.session_id WHERE s.wallet_address = ? AND p.verified = ?`), wallet, true)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计钱包支付失败")
	}
	defer rows.Close()
	paid := new(big.Int)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付金额失败")
		}
		if value, ok := new(big.Int).SetString(amount, 10); ok {
			paid.Add(paid, value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付失败")
	}
	stats.TotalPaidETH = payment.FormatEther(paid)
	return stats, nil
}

// Close 关闭连接池。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		status    string
		bundle    sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&sess.ID, &sess.WalletAddress, &sess.Prompt, &status, &sess.IterationCount,
		&sess.Feedback, &sess.LastError, &sess.ErrorCode, &bundle, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if bundle.Valid && bundle.String != "" {
		var decoded artifact.Bundle
		if err := json.Unmarshal([]byte(bundle.String), &decoded); err != nil {
			return nil, err
		}
		sess.PendingBundle = &decoded
	}
	return &sess, nil
}

func scanIteration(row rowScanner) (*proposal.Iteration, error) {
	var (
		it        proposal.Iteration
		createdAt int64
	)
	if err := row.Scan(&it.SessionID, &it.Number, &it.Diagram, &it.Feedback, &it.Approved, &createdAt); err != nil {
		return nil, err
	}
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &it, nil
}

func scanPayment(row rowScanner) (*payment.Payment, error) {
	var (
		p          payment.Payment
		txHash     sql.NullString
		block      int64
		verifiedAt sql.NullInt64
		status     string
		createdAt  int64
		expiresAt  int64
	)
	if err := row.Scan(&p.ID, &p.SessionID, &p.Protocol, &p.Amount, &p.AmountWei, &p.Recipient, &txHash, &p.Verified,
		&block, &verifiedAt, &status, &p.FailureCode, &p.FailureReason, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	p.TxHash = txHash.String
	p.BlockNumber = uint64(block)
	if verifiedAt.Valid {
		at := time.UnixMilli(verifiedAt.Int64).UTC()
		p.VerifiedAt = &at
	}
	p.Status = payment.Status(status)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &p, nil
}

func encodeBundle(bundle *artifact.Bundle) (sql.NullString, error) {
	if bundle == nil {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(bundle)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码待部署产物失败")
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value.UnixMilli(), Valid: true}
}

// ensure interface compliance at compile time
var _ Store = (*SQLStore)(nil)
