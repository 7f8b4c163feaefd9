package opcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS items (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLitePool 把本地 SQLite 文件适配为 Pool。
// Commit 在一个事务中执行：要么全部写入，要么全部回滚。
type SQLitePool struct {
	db      *sql.DB
	mu      sync.Mutex
	pending map[string]Item
}

// OpenSQLitePool 打开（或创建）path 处的数据库。
func OpenSQLitePool(ctx context.Context, path string) (*SQLitePool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s failed: %w", path, err)
	}
	// 单连接，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema failed: %w", err)
	}
	return &SQLitePool{
		db:      db,
		pending: make(map[string]Item),
	}, nil
}

// Close 关闭底层数据库。
func (p *SQLitePool) Close() error {
	return p.db.Close()
}

func (p *SQLitePool) GetItem(ctx context.Context, key string) (Item, error) {
	var val []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM items WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return missItem(key), nil
	}
	if err != nil {
		return missItem(key), fmt.Errorf("get item %s failed: %w", key, err)
	}
	return hitItem(key, val), nil
}

func (p *SQLitePool) GetItems(ctx context.Context, keys ...string) (map[string]Item, error) {
	items := missItems(keys)
	if len(keys) == 0 {
		return items, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := `SELECT key, value FROM items WHERE key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return items, fmt.Errorf("get items failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k   string
			val []byte
		)
		if err := rows.Scan(&k, &val); err != nil {
			return missItems(keys), fmt.Errorf("scan item failed: %w", err)
		}
		items[k] = hitItem(k, val)
	}
	if err := rows.Err(); err != nil {
		return missItems(keys), fmt.Errorf("get items failed: %w", err)
	}
	return items, nil
}

func (p *SQLitePool) HasItem(ctx context.Context, key string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM items WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has item %s failed: %w", key, err)
	}
	return n > 0, nil
}

func (p *SQLitePool) Save(ctx context.Context, item Item) error {
	if _, err := p.db.ExecContext(ctx, upsertItem, item.Key, nonNil(item.Value)); err != nil {
		return fmt.Errorf("save item %s failed: %w", item.Key, err)
	}
	return nil
}

func (p *SQLitePool) SaveDeferred(_ context.Context, item Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	item.Value = cloneBytes(item.Value)
	p.pending[item.Key] = item
	return nil
}

const upsertItem = `INSERT INTO items (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`

// Commit 在单个事务中写入待提交集合。
// 任何一条失败都会回滚，此时所有待提交的 Key 都记为失败。
func (p *SQLitePool) Commit(ctx context.Context) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]Item)
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	keys := sortedKeys(pending)
	failAll := func(err error) error {
		failed := make(map[string]error, len(keys))
		for _, k := range keys {
			failed[k] = err
		}
		return commitErrorOf(failed)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return failAll(err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertItem)
	if err != nil {
		_ = tx.Rollback()
		return failAll(err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k, nonNil(pending[k].Value)); err != nil {
			_ = tx.Rollback()
			return failAll(fmt.Errorf("write %s: %w", k, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return failAll(err)
	}
	return nil
}

func (p *SQLitePool) DeleteItem(ctx context.Context, key string) error {
	return p.DeleteItems(ctx, key)
}

func (p *SQLitePool) DeleteItems(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	p.mu.Lock()
	for _, k := range keys {
		delete(p.pending, k)
	}
	p.mu.Unlock()

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := `DELETE FROM items WHERE key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete items failed: %w", err)
	}
	return nil
}

func (p *SQLitePool) Clear(ctx context.Context) error {
	p.mu.Lock()
	p.pending = make(map[string]Item)
	p.mu.Unlock()

	if _, err := p.db.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	return nil
}

// value 列为 NOT NULL，空值写入空切片
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
