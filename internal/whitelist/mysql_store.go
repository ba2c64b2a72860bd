package whitelist

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "superdao-relay/internal/errors"
)

// MySQLStore 使用 whitelist_entries 表保存白名单。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore wraps an open connection pool. The schema is created by the
// migrations in deploy/migrations.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Add upserts an entry. created_at is kept on update.
func (s *MySQLStore) Add(ctx context.Context, entry Entry) (Entry, error) {
	entry, err := prepare(entry, s.now())
	if err != nil {
		return Entry{}, err
	}
	tiers, err := json.Marshal(entry.Tiers)
	if err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 tier 列表失败")
	}

	const stmt = `INSERT INTO whitelist_entries (dao_id, wallet, tiers, email, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE tiers = VALUES(tiers), email = VALUES(email), status = VALUES(status), updated_at = VALUES(updated_at)`

	now := s.now().Unix()
	if _, err := s.db.ExecContext(ctx, stmt,
		entry.DAOID,
		entry.Wallet,
		string(tiers),
		entry.Email,
		string(entry.Status),
		entry.CreatedAt.Unix(),
		now,
	); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入白名单失败")
	}
	return s.Get(ctx, entry.DAOID, entry.Wallet)
}

// Remove deletes an entry.
func (s *MySQLStore) Remove(ctx context.Context, daoID, wallet string) error {
	wallet, err := NormalizeWallet(wallet)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist_entries WHERE dao_id = ? AND wallet = ?`, daoID, wallet)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除白名单失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Get returns one entry.
func (s *MySQLStore) Get(ctx context.Context, daoID, wallet string) (Entry, error) {
	wallet, err := NormalizeWallet(wallet)
	if err != nil {
		return Entry{}, err
	}
	const stmt = `SELECT dao_id, wallet, tiers, email, status, created_at FROM whitelist_entries WHERE dao_id = ? AND wallet = ?`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, stmt, daoID, wallet))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询白名单失败")
	}
	return entry, nil
}

// List returns a page of a DAO's entries.
func (s *MySQLStore) List(ctx context.Context, daoID string, limit, offset int) ([]Entry, error) {
	limit, offset = normalizePage(limit, offset)
	const stmt = `SELECT dao_id, wallet, tiers, email, status, created_at FROM whitelist_entries
        WHERE dao_id = ? ORDER BY created_at ASC, wallet ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, stmt, daoID, limit, offset)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询白名单列表失败")
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析白名单记录失败")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历白名单失败")
	}
	return entries, nil
}

// IsWhitelisted reports whether wallet may claim tierID.
func (s *MySQLStore) IsWhitelisted(ctx context.Context, daoID, wallet, tierID string) (bool, error) {
	entry, err := s.Get(ctx, daoID, wallet)
	if err != nil {
		if stdErrors.Is(err, ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.Covers(tierID), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry     Entry
		tiers     sql.NullString
		status    string
		createdAt int64
	)
	if err := row.Scan(&entry.DAOID, &entry.Wallet, &tiers, &entry.Email, &status, &createdAt); err != nil {
		return Entry{}, err
	}
	if tiers.Valid && tiers.String != "" {
		if err := json.Unmarshal([]byte(tiers.String), &entry.Tiers); err != nil {
			return Entry{}, err
		}
	}
	entry.Status = Status(status)
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	return entry, nil
}

var _ Store = (*MySQLStore)(nil)
