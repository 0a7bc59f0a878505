package invocation

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "monokkai/internal/errors"
)

// MySQLStore 使用 MySQL 记录调用状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store, err := NewMySQLStoreWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreWithDB 基于已有连接构造存储并执行 deploy/migrations 中的迁移。
func NewMySQLStoreWithDB(db *sql.DB) (*MySQLStore, error) {
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.runMigrations(ctx)
}

const selectColumns = `SELECT id, extension, args, status, attempts, last_error, error_code,
        created_at, updated_at, started_at, finished_at FROM invocations`

// Create 插入新的调用记录。
func (s *MySQLStore) Create(ctx context.Context, inv *Invocation) error {
	if inv == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "invocation 不能为空")
	}
	if strings.TrimSpace(inv.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用 ID 不能为空")
	}

	now := nowMillis()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	args, err := marshalArgs(inv.Args)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}

	const stmt = `INSERT INTO invocations
        (id, extension, args, status, attempts, last_error, error_code, created_at, updated_at, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, '', '', ?, ?, 0, 0)`

	_, err = s.db.ExecContext(ctx, stmt,
		inv.ID,
		inv.Extension,
		args,
		inv.Status,
		inv.Attempts,
		inv.CreatedAt,
		inv.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrInvocationConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入调用失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	var (
		inv       Invocation
		args      sql.NullString
		lastError sql.NullString
	)
	if err := row.Scan(
		&inv.ID,
		&inv.Extension,
		&args,
		&inv.Status,
		&inv.Attempts,
		&lastError,
		&inv.ErrorCode,
		&inv.CreatedAt,
		&inv.UpdatedAt,
		&inv.StartedAt,
		&inv.FinishedAt,
	); err != nil {
		return nil, err
	}
	inv.LastError = lastError.String
	decoded, err := unmarshalArgs(args)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用参数失败")
	}
	inv.Args = decoded
	return &inv, nil
}

// Get 查询指定调用。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Invocation, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	inv, err := scanInvocation(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvocationNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用失败")
	}
	return inv, nil
}

// Claim 仅当调用处于 pending 时将其标记为运行中。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Invocation, error) {
	const updateStmt = `UPDATE invocations SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	now := nowMillis()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		now,
		id,
		StatusPending,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新调用状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	inv, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch inv.Status {
		case StatusSucceeded, StatusFailed:
			return inv, ErrInvocationCompleted
		default:
			return inv, ErrInvocationConflict
		}
	}
	return inv, nil
}

// MarkSucceeded 将调用标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string) error {
	const stmt = `UPDATE invocations SET status = ?, last_error = '', error_code = '', finished_at = ?, updated_at = ? WHERE id = ?`

	now := nowMillis()
	res, err := s.db.ExecContext(ctx, stmt, StatusSucceeded, now, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记调用成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInvocationNotFound
	}
	return nil
}

// MarkFailed 将调用标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE invocations SET status = ?, last_error = ?, error_code = ?, finished_at = ?, updated_at = ? WHERE id = ?`

	now := nowMillis()
	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, lastError, string(code), now, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记调用失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInvocationNotFound
	}
	return nil
}

// List 返回符合条件的调用。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Invocation, error) {
	opts.applyDefaults()

	query := selectColumns
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用列表失败")
	}
	defer rows.Close()

	out := make([]*Invocation, 0, opts.Limit)
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用记录失败")
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历调用失败")
	}
	return out, nil
}

// Stats 返回符合过滤条件的调用聚合信息。
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
        FROM invocations`

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
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalArgs(args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalArgs(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw.String), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Extension != "" {
		conditions = append(conditions, "extension = ?")
		args = append(args, opts.Extension)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
