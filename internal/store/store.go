package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/db"
	"github.com/johnplanow/substrate-sub006/internal/tracing"
)

const tracerName = "substrate-store"

// Store owns the SQLite state database. Writes go through the single-writer
// pool connection; reads use the read-only pool.
type Store struct {
	pool *db.Pool
	path string
	log  *logger.Logger

	stmtMu sync.Mutex
	stmts  map[string]*sqlx.Stmt
}

// Open opens (creating if needed) the state database at path and applies
// pending schema migrations.
func Open(ctx context.Context, path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	pool, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := migrate(ctx, pool.Writer()); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("state store ready", zap.String("path", path))
	return &Store{pool: pool, path: path, log: log, stmts: make(map[string]*sqlx.Stmt)}, nil
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes cached statements and both database handles.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, st := range s.stmts {
		_ = st.Close()
	}
	s.stmts = nil
	s.stmtMu.Unlock()
	return s.pool.Close()
}

func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }
func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }

// preparedStmt returns a lazily cached prepared statement on the writer.
// The writer pool has a single connection, so each statement is prepared
// exactly once and mark-status/cost writes skip re-parsing SQL.
func (s *Store) preparedStmt(ctx context.Context, query string) (*sqlx.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.writer().PreparexContext(ctx, s.writer().Rebind(query))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	if s.stmts == nil {
		s.stmts = make(map[string]*sqlx.Stmt)
	}
	s.stmts[query] = st
	return st, nil
}

// Tx exposes the store's write operations inside one transaction. Obtain
// one through WithTx or AppendLogAndUpdate; never retain it after the
// callback returns.
type Tx struct {
	tx *sqlx.Tx
	s  *Store
}

// exec runs a cached prepared statement bound to this transaction.
func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	st, err := t.s.preparedStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return t.tx.StmtxContext(ctx, st).ExecContext(ctx, args...)
}

// WithTx runs fn inside a single write transaction, committing on nil and
// rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	txx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: txx, s: s}); err != nil {
		if rbErr := txx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return txx.Commit()
}

// AppendLogAndUpdate is the write primitive for state changes: the journal
// entry is inserted first, then write runs, all in one transaction. Either
// both land or neither does, so statuses never get ahead of the log.
func (s *Store) AppendLogAndUpdate(ctx context.Context, entry *ExecutionLogEntry, write func(tx *Tx) error) error {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "store.AppendLogAndUpdate")
	defer span.End()

	return s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.AppendLog(ctx, entry); err != nil {
			return err
		}
		if write == nil {
			return nil
		}
		return write(tx)
	})
}

// marshalMeta serialises a metadata map for a TEXT column, falling back to
// an empty object so a bad value never blocks a write.
func marshalMeta(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func unmarshalMeta(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
