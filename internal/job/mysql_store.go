package job

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "superdao-relay/internal/errors"
)

const jobColumns = `id, kind, chain, dao_id, payload, status, attempts, max_retries, terminal, dispatched, last_error, error_code,
        result_tx_hash, result_chain_id, result_block_number, result_note, created_at, updated_at`

// MySQLStore 使用 MySQL 的 job_states 表记录任务状态，表结构由 migrate 命令维护。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已打开的连接池创建任务存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	const stmt = `INSERT INTO job_states
        (id, kind, chain, dao_id, payload, status, attempts, max_retries, terminal, last_error, error_code,
        result_tx_hash, result_chain_id, result_block_number, result_note, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', '', '', 0, '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		string(job.Kind),
		job.Chain,
		job.DAOID,
		string(job.Payload),
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job     Job
		result  Result
		payload sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Chain,
		&job.DAOID,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxRetries,
		&job.Terminal,
		&job.Dispatched,
		&job.LastError,
		&job.ErrorCode,
		&result.TxHash,
		&result.ChainID,
		&result.BlockNumber,
		&result.Note,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		job.Payload = []byte(payload.String)
	}
	if result.TxHash != "" || result.ChainID != "" || result.Note != "" {
		job.Result = &result
	}
	return &job, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM job_states WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const updateStmt = `UPDATE job_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND terminal = 0 AND dispatched = 0 AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch {
		case job.Status == StatusSucceeded:
			return job, ErrJobCompleted
		case job.Status == StatusRunning:
			return job, ErrJobConflict
		case job.Terminal || job.Attempts >= job.MaxRetries:
			return job, ErrJobExhausted
		case job.Dispatched:
			return job, ErrJobOutcomeUnknown
		default:
			return job, ErrJobConflict
		}
	}
	return job, nil
}

// MarkDispatched 标记 running 任务已进入发送阶段。
func (s *MySQLStore) MarkDispatched(ctx context.Context, id string) error {
	const stmt = `UPDATE job_states SET dispatched = 1, updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, s.now().Unix(), id, string(StatusRunning))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务发送状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobConflict
	}
	return nil
}

// MarkSucceeded 将任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	const stmt = `UPDATE job_states SET status = ?, result_tx_hash = ?, result_chain_id = ?, result_block_number = ?,
        result_note = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		result.TxHash,
		result.ChainID,
		result.BlockNumber,
		result.Note,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败，terminal 为 true 时终止后续重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE job_states SET status = ?, last_error = ?, error_code = ?, terminal = ?,
        dispatched = IF(?, dispatched, 0), updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		lastError,
		string(code),
		terminal,
		terminal,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ResetUnpublished 把入队失败且从未执行过的任务恢复为 pending。
func (s *MySQLStore) ResetUnpublished(ctx context.Context, id string) error {
	const stmt = `UPDATE job_states SET status = ?, terminal = 0, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ? AND error_code = ? AND attempts = 0`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusPending),
		s.now().Unix(),
		id,
		string(StatusFailed),
		string(CodeJobPublish),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复未入队任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrJobConflict
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := "SELECT " + jobColumns + " FROM job_states"
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM job_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// RequeueStale 回收超过 olderThan 未更新的非终态任务：已进入发送阶段的 running
// 任务和重试耗尽的任务置为终态失败，其余置为 pending 等待重新投递。
func (s *MySQLStore) RequeueStale(ctx context.Context, olderThan time.Duration) (StaleReport, error) {
	now := s.now()
	cutoff := now.Add(-olderThan).Unix()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, attempts, max_retries, dispatched FROM job_states
        WHERE terminal = 0 AND status IN (?, ?, ?) AND updated_at < ? ORDER BY id`,
		string(StatusPending), string(StatusRunning), string(StatusFailed), cutoff)
	if err != nil {
		return StaleReport{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询卡住的任务失败")
	}
	var candidates []*Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Status, &job.Attempts, &job.MaxRetries, &job.Dispatched); err != nil {
			rows.Close()
			return StaleReport{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		candidates = append(candidates, &job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return StaleReport{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	rows.Close()

	// 条件更新保证与正在完成的 worker 不冲突。
	const (
		terminalStmt = `UPDATE job_states SET status = ?, terminal = 1, error_code = ?,
        last_error = IF(? OR last_error = '', ?, last_error), updated_at = ?
        WHERE id = ? AND status = ? AND terminal = 0 AND dispatched = ? AND updated_at < ?`
		requeueStmt = `UPDATE job_states SET status = ?, dispatched = 0, updated_at = ?
        WHERE id = ? AND status = ? AND terminal = 0 AND updated_at < ?`
	)
	var report StaleReport
	for _, job := range candidates {
		code := staleAction(job)
		var (
			res sql.Result
			err error
		)
		switch code {
		case CodeJobOutcomeUnknown, CodeJobExhausted:
			msg := "重试次数已耗尽"
			if code == CodeJobOutcomeUnknown {
				msg = "交易可能已广播但结果未记录"
			}
			res, err = s.db.ExecContext(ctx, terminalStmt,
				string(StatusFailed), string(code), code == CodeJobOutcomeUnknown, msg, now.Unix(),
				job.ID, string(job.Status), job.Dispatched, cutoff)
		default:
			res, err = s.db.ExecContext(ctx, requeueStmt,
				string(StatusPending), now.Unix(),
				job.ID, string(job.Status), cutoff)
		}
		if err != nil {
			return report, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收任务失败")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		switch code {
		case CodeJobOutcomeUnknown:
			report.Unknown = append(report.Unknown, job.ID)
		case CodeJobExhausted:
			report.Exhausted = append(report.Exhausted, job.ID)
		default:
			report.Requeued = append(report.Requeued, job.ID)
		}
	}
	return report, nil
}

// Close 不关闭连接池，连接池与白名单存储共享，由创建方负责关闭。
func (s *MySQLStore) Close() error {
	return nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, kind := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		clauses = append(clauses, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.DAOID != "" {
		clauses = append(clauses, "dao_id = ?")
		args = append(args, opts.DAOID)
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	return strings.Join(clauses, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
