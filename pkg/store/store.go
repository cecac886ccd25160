// Package store 用 SQLite 持久化主机的断线参与者缓存与进出日志，
// 主机重启后仍能在宽限期内接回断线者的列车。
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // CGO-free 的 SQLite 驱动

	"github.com/Metaphorme/railsync/pkg/session"
)

// JournalRow 对应 journal 表的一行
type JournalRow struct {
	ID    int64     `json:"id"`
	At    time.Time `json:"at"` // 写入时的墙钟时间 (UTC)
	User  string    `json:"user"`
	Kind  string    `json:"kind"`
	Train int       `json:"train,omitempty"`
	Clock float64   `json:"clock"` // 模拟时钟
}

// DB 是会话数据库的封装，实现 session.LostCache 与 session.Journal。
// 断线记录同时保存墙钟时间，打开之前写入的记录由 Rebase 换算到新的模拟时钟。
type DB struct {
	mu     sync.Mutex
	db     *sql.DB
	now    func() time.Time
	opened int64 // 打开时的墙钟毫秒数
}

var (
	_ session.LostCache = (*DB)(nil)
	_ session.Rebaser   = (*DB)(nil)
	_ session.Journal   = (*DB)(nil)
)

// Open 打开或创建数据库文件并建表
func Open(path string) (*DB, error) { return openAt(path, time.Now) }

func openAt(path string, now func() time.Time) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS lost(
  train INTEGER PRIMARY KEY,
  user TEXT NOT NULL,
  quit_time REAL NOT NULL,
  quit_wall INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_lost_user ON lost(user);
CREATE TABLE IF NOT EXISTS journal(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  at INTEGER NOT NULL,
  user TEXT NOT NULL,
  kind TEXT NOT NULL,
  train INTEGER NOT NULL DEFAULT 0,
  clock REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_at ON journal(at);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := addColumn(db, "lost", "quit_wall", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate lost: %w", err)
	}
	return &DB{db: db, now: now, opened: now().UnixMilli()}, nil
}

// addColumn 为旧版本创建的表补上列
func addColumn(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

// Close 关闭数据库连接
func (d *DB) Close() error { return d.db.Close() }

// Put 写入或覆盖一列车的断线记录
func (d *DB) Put(e session.LostEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR REPLACE INTO lost(train, user, quit_time, quit_wall) VALUES(?, ?, ?, ?)`,
		e.Train, e.User, e.QuitTime, d.now().UnixMilli())
	return err
}

// Rebase 把打开数据库之前写入的记录换算到当前模拟时钟：
// 新的 quit_time 等于 now 减去离开至今经过的墙钟秒数。
func (d *DB) Rebase(now float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE lost SET quit_time = ? - (? - quit_wall) / 1000.0 WHERE quit_wall < ?`,
		now, d.now().UnixMilli(), d.opened)
	return err
}

// ByUser 返回该用户的断线记录，按列车编号升序
func (d *DB) ByUser(user string) ([]session.LostEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query(`SELECT train, user, quit_time FROM lost WHERE user=? ORDER BY train`, user)
}

// Remove 删除一列车的断线记录，不存在时不报错
func (d *DB) Remove(train int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM lost WHERE train=?`, train)
	return err
}

// Purge 在一个事务里取出并删除 quit_time 早于 cutoff 的记录
func (d *DB) Purge(cutoff float64) ([]session.LostEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT train, user, quit_time FROM lost WHERE quit_time < ? ORDER BY train`, cutoff)
	if err != nil {
		return nil, err
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(`DELETE FROM lost WHERE quit_time < ?`, cutoff); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// All 返回全部断线记录
func (d *DB) All() ([]session.LostEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query(`SELECT train, user, quit_time FROM lost ORDER BY train`)
}

func (d *DB) query(q string, args ...any) ([]session.LostEntry, error) {
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]session.LostEntry, error) {
	defer rows.Close()
	var out []session.LostEntry
	for rows.Next() {
		var e session.LostEntry
		if err := rows.Scan(&e.Train, &e.User, &e.QuitTime); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Record 追加一条进出事件
func (d *DB) Record(e session.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT INTO journal(at, user, kind, train, clock) VALUES(?, ?, ?, ?, ?)`,
		d.now().UTC().Unix(), e.User, e.Kind, e.Train, e.Clock)
	return err
}

// Journal 返回最近的 limit 条事件，按时间先后排列
func (d *DB) Journal(limit int) ([]JournalRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query(`SELECT id, at, user, kind, train, clock FROM
  (SELECT * FROM journal ORDER BY id DESC LIMIT ?) ORDER BY id`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalRow
	for rows.Next() {
		var r JournalRow
		var at int64
		if err := rows.Scan(&r.ID, &at, &r.User, &r.Kind, &r.Train, &r.Clock); err != nil {
			return nil, err
		}
		r.At = time.Unix(at, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CleanupJournal 删除早于 before 的事件，返回删除条数
func (d *DB) CleanupJournal(before time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM journal WHERE at < ?`, before.UTC().Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
