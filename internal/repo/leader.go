package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MasterLockKey — ключ advisory lock лидера среди master.
const MasterLockKey int64 = 424242

// LeaderLock — advisory lock Postgres на выделенном соединении.
// Lock живёт, пока живо соединение.
type LeaderLock struct {
	conn *pgxpool.Conn
	key  int64
}

// TryLeaderLock пытается взять lock. Возвращает nil без ошибки,
// если lock держит другой процесс.
func TryLeaderLock(ctx context.Context, pool *pgxpool.Pool, key int64) (*LeaderLock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, nil
	}
	return &LeaderLock{conn: conn, key: key}, nil
}

// Ping проверяет, что соединение с lock живо.
func (l *LeaderLock) Ping(ctx context.Context) error {
	return l.conn.Ping(ctx)
}

// Release отпускает lock и возвращает соединение в пул.
func (l *LeaderLock) Release(ctx context.Context) {
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
}
