package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	ordererrors "github.com/abgdnv/farmorders/internal/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel carries the parent path of every changed node.
const notifyChannel = "tree_changes"

// PgTree implements Tree on a PostgreSQL "nodes" table. Writes publish the parent path
// with pg_notify in the same transaction, and watchers LISTEN on a dedicated connection.
type PgTree struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgTree creates a new instance of PgTree using a PostgreSQL connection pool.
func NewPgTree(dbp *pgxpool.Pool, logger *slog.Logger) *PgTree {
	return &PgTree{
		db:     dbp,
		logger: logger.With("component", "pg_tree"),
	}
}

func (p *PgTree) Read(ctx context.Context, path string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRow(ctx, `SELECT value FROM nodes WHERE path = $1`, path).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ordererrors.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to read node %s: %w", path, err)
	}
	return value, nil
}

func (p *PgTree) ReadChildren(ctx context.Context, path string) (map[string][]byte, error) {
	return p.readChildren(ctx, p.db, path)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *PgTree) readChildren(ctx context.Context, q querier, path string) (map[string][]byte, error) {
	rows, err := q.Query(ctx, `SELECT key, value FROM nodes WHERE parent = $1`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read children of %s: %w", path, err)
	}
	defer rows.Close()

	children := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan child of %s: %w", path, err)
		}
		children[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read children of %s: %w", path, err)
	}
	return children, nil
}

func (p *PgTree) ListKeys(ctx context.Context, path string) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		SELECT DISTINCT split_part(substr(path, length($1) + 1), '/', 1) AS key
		FROM nodes WHERE starts_with(path, $1)
		ORDER BY key`, path+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", path, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", path, err)
	}
	return keys, nil
}

func (p *PgTree) Write(ctx context.Context, path string, value []byte) error {
	parent, key := split(path)
	return p.withTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO nodes (path, parent, key, value, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			path, parent, key, value)
		if err != nil {
			return fmt.Errorf("failed to write node %s: %w", path, err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, parent); err != nil {
			return fmt.Errorf("failed to notify change of %s: %w", parent, err)
		}
		return nil
	})
}

func (p *PgTree) Delete(ctx context.Context, path string) error {
	return p.withTransaction(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			DELETE FROM nodes WHERE path = $1 OR starts_with(path, $2)
			RETURNING parent`, path, path+"/")
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		parents, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		notified := make(map[string]struct{}, len(parents))
		for _, parent := range parents {
			if _, ok := notified[parent]; ok {
				continue
			}
			notified[parent] = struct{}{}
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, parent); err != nil {
				return fmt.Errorf("failed to notify change of %s: %w", parent, err)
			}
		}
		return nil
	})
}

// WatchChildren holds one pooled connection per watcher for as long as ctx lives.
func (p *PgTree) WatchChildren(ctx context.Context, path string) (<-chan map[string][]byte, error) {
	conn, err := p.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen for changes: %w", err)
	}
	initial, err := p.readChildren(ctx, conn, path)
	if err != nil {
		p.release(conn)
		return nil, err
	}

	out := make(chan map[string][]byte, 1)
	out <- initial
	go func() {
		defer close(out)
		defer p.release(conn)
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("watch stopped", "path", path, "error", err)
				}
				return
			}
			if n.Payload != path {
				continue
			}
			snap, err := p.readChildren(ctx, conn, path)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to read snapshot", "path", path, "error", err)
				}
				return
			}
			// keep only the latest unread snapshot
			select {
			case <-out:
			default:
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *PgTree) NewKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// release unsubscribes the connection before returning it to the pool.
func (p *PgTree) release(conn *pgxpool.Conn) {
	if _, err := conn.Exec(context.Background(), "UNLISTEN *"); err != nil {
		// a broken connection must not go back to the pool
		_ = conn.Conn().Close(context.Background())
	}
	conn.Release()
}

func (p *PgTree) withTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("failed to rollback transaction: %w", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
