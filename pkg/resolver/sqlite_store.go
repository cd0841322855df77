package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/polisai/polis-relay/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS bindings (
	domain      TEXT PRIMARY KEY,
	address     TEXT NOT NULL UNIQUE,
	server      TEXT NOT NULL,
	application TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS allocator (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	cursor TEXT NOT NULL
);
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA temp_store = MEMORY",
}

// SQLiteStore persists bindings in a SQLite database so addresses survive
// restarts.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// OpenSQLiteStore opens or creates the database at path. ":memory:" is
// accepted for tests.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("resolver store: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// In-memory databases are per connection, so they get exactly one.
	poolSize := 2
	if path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("resolver store: opening %s: %w", path, err)
	}

	logger.Info("Resolver store opened", "path", path)
	return &SQLiteStore{pool: pool, logger: logger, path: path}, nil
}

// Load reads every binding and the allocator cursor.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolver store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var snap Snapshot
	err = sqlitex.Execute(conn, "SELECT domain, address, server, application FROM bindings ORDER BY rowid", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			addr, err := netip.ParseAddr(stmt.ColumnText(1))
			if err != nil {
				s.logger.Warn("Skipping binding with invalid address", "domain", stmt.ColumnText(0), "error", err)
				return nil
			}
			snap.Bindings = append(snap.Bindings, domain.ResolvedDomain{
				DomainName:  stmt.ColumnText(0),
				Address:     addr,
				Server:      stmt.ColumnText(2),
				Application: stmt.ColumnText(3),
			})
			return nil
		},
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolver store: load bindings: %w", err)
	}

	err = sqlitex.Execute(conn, "SELECT cursor FROM allocator WHERE id = 1", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cursor, err := netip.ParseAddr(stmt.ColumnText(0))
			if err == nil {
				snap.Cursor = cursor
			}
			return nil
		},
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolver store: load cursor: %w", err)
	}
	return snap, nil
}

// Save inserts binding and moves the cursor in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, binding domain.ResolvedDomain, cursor netip.Addr) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("resolver store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("resolver store: begin: %w", err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn,
		"INSERT INTO bindings (domain, address, server, application) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{binding.DomainName, binding.Address.String(), binding.Server, binding.Application}})
	if err != nil {
		return fmt.Errorf("resolver store: insert %s: %w", binding.DomainName, err)
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO allocator (id, cursor) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor",
		&sqlitex.ExecOptions{Args: []any{cursor.String()}})
	if err != nil {
		return fmt.Errorf("resolver store: cursor: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("resolver store: close %s: %w", s.path, err)
	}
	return nil
}
