// Package relational is the Postgres system-of-record for everything
// that is not graph or chunk content: organizations, memberships,
// projects, teams, API keys, crawl sources, agent sessions, audit logs,
// and system settings. The schema ships embedded, including row-level
// security policies keyed on the app.org_id session variable; WithOrgTx
// binds that variable for the duration of one transaction.
package relational

import (
	"context"
	_ "embed"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/config"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

const defaultEmbeddingDim = 1024

// Store is the Postgres-backed relational store. One instance serves
// every repo surface in this package.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	keyMu         sync.Mutex
	encryptionKey []byte
}

// NewPool opens a pgx pool sized from config. The caller owns the pool;
// the relational and chunk stores share it.
func NewPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, appErrors.NewValidationf("invalid postgres DSN: %v", err)
	}
	poolCfg.MaxConns = cfg.MaxConns()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, appErrors.NewUnavailable("postgres connect failed", err)
	}
	return pool, nil
}

// NewStore creates a relational store on an existing pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return appErrors.NewUnavailable("postgres unreachable", err)
	}
	return nil
}

// Migrate executes the embedded schema. Every statement is idempotent,
// so running against an existing database is safe. The chunk embedding
// column is typed to the configured dimension.
func (s *Store) Migrate(ctx context.Context, embeddingDims int) error {
	if embeddingDims <= 0 {
		embeddingDims = defaultEmbeddingDim
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{EMBEDDING_DIM}}", strconv.Itoa(embeddingDims))

	for _, stmt := range splitStatements(ddl) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			s.logger.Error("migration statement failed",
				zap.String("statement", firstLine(stmt)),
				zap.Error(err))
			return appErrors.NewInternal("schema migration failed", err)
		}
	}
	s.logger.Info("relational schema up to date", zap.Int("embedding_dims", embeddingDims))
	return nil
}

// splitStatements breaks the schema file into executable statements.
// The schema contains no procedural bodies, so a bare semicolon split
// holds.
func splitStatements(ddl string) []string {
	parts := strings.Split(ddl, ";")
	stmts := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmtOnlyComments(part) {
			continue
		}
		stmts = append(stmts, strings.TrimSpace(part))
	}
	return stmts
}

func stmtOnlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

func firstLine(stmt string) string {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return line
		}
	}
	return ""
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so repo methods
// run unchanged inside or outside WithOrgTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// q returns the transaction bound to ctx by WithOrgTx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithOrgTx runs fn inside one transaction with app.org_id and
// app.user_id bound as local session variables, which arms the row-level
// security policies. Store methods called with the returned context run
// on the same transaction. Empty orgID and userID leave the variables
// unset, which the policies treat as unrestricted.
func (s *Store) WithOrgTx(ctx context.Context, orgID, userID string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translate(err, "")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT set_config('app.org_id', $1, true), set_config('app.user_id', $2, true)`,
		orgID, userID); err != nil {
		return translate(err, "")
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return translate(tx.Commit(ctx), "")
}

// withTx runs fn inside one transaction without binding session
// variables. Internal compound writes use it when no org context exists
// yet (organization creation).
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translate(err, "")
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return translate(tx.Commit(ctx), "")
}

// conflictMessages maps schema constraint names to caller-facing
// Conflict text.
var conflictMessages = map[string]string{
	"organizations_slug_key":   "organization slug already in use",
	"teams_org_id_slug_key":    "team slug already in use",
	"projects_org_id_slug_key": "project slug already in use",
	"uq_projects_shared":       "organization already has a shared project",
	"api_keys_prefix_key":      "api key prefix already in use",
}

// translate maps pgx failures onto the shared error taxonomy.
func translate(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if notFoundMsg == "" {
			notFoundMsg = "row not found"
		}
		return appErrors.NewNotFound(notFoundMsg)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if msg, ok := conflictMessages[pgErr.ConstraintName]; ok {
				return appErrors.NewConflict(msg)
			}
			return appErrors.NewConflict("row already exists")
		case "23503":
			return appErrors.NewValidation("referenced row does not exist")
		case "23514":
			return appErrors.NewValidation("value violates a schema constraint")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return appErrors.NewTimeout("relational query timed out", err)
	}
	return appErrors.NewInternal("relational query failed", err)
}
