package relational

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// orgScopedTables must each carry a forced row-level security policy so
// a leaked query can never cross tenants, not even for the table owner.
var orgScopedTables = []string{
	"organization_members",
	"teams",
	"team_members",
	"projects",
	"project_members",
	"team_projects",
	"api_keys",
	"api_key_project_scopes",
	"organization_invitations",
	"crawl_sources",
	"crawl_jobs",
	"documents",
	"chunks",
	"agent_sessions",
	"agent_messages",
	"audit_logs",
}

func TestSchemaRowLevelSecurity(t *testing.T) {
	for _, table := range orgScopedTables {
		t.Run(table, func(t *testing.T) {
			assert.Contains(t, schemaSQL, "ALTER TABLE "+table+" ENABLE ROW LEVEL SECURITY")
			assert.Contains(t, schemaSQL, "ALTER TABLE "+table+" FORCE ROW LEVEL SECURITY")
			assert.Contains(t, schemaSQL, "CREATE POLICY org_isolation ON "+table)
		})
	}

	t.Run("PoliciesKeyOnSessionVariable", func(t *testing.T) {
		assert.Contains(t, schemaSQL, "current_setting('app.org_id', true)")
	})

	t.Run("UnsetVariableMeansUnrestricted", func(t *testing.T) {
		// NULLIF folds both never-set (NULL) and reset ('') into NULL so
		// migrations and workers can run outside an org transaction.
		assert.Contains(t, schemaSQL, "NULLIF(current_setting('app.org_id', true), '') IS NULL")
	})

	t.Run("UserSessionsKeyOnUser", func(t *testing.T) {
		assert.Contains(t, schemaSQL, "CREATE POLICY user_isolation ON user_sessions")
		assert.Contains(t, schemaSQL, "current_setting('app.user_id', true)")
	})
}

func TestSchemaInvariantDDL(t *testing.T) {
	t.Run("OneSharedProjectPerOrg", func(t *testing.T) {
		assert.Contains(t, schemaSQL, "CREATE UNIQUE INDEX IF NOT EXISTS uq_projects_shared")
		assert.Contains(t, schemaSQL, "ON projects(org_id) WHERE is_shared")
	})

	t.Run("EmbeddingDimIsTemplated", func(t *testing.T) {
		assert.Contains(t, schemaSQL, "VECTOR({{EMBEDDING_DIM}})")

		ddl := strings.ReplaceAll(schemaSQL, "{{EMBEDDING_DIM}}", "1536")
		assert.NotContains(t, ddl, "{{EMBEDDING_DIM}}")
		assert.Contains(t, ddl, "VECTOR(1536)")
	})

	t.Run("ChunksCarryGeneratedTsvector", func(t *testing.T) {
		assert.Contains(t, schemaSQL, "GENERATED ALWAYS AS (to_tsvector('english', coalesce(text, ''))) STORED")
	})

	t.Run("VectorExtensionFirst", func(t *testing.T) {
		stmts := splitStatements(schemaSQL)
		require.NotEmpty(t, stmts)
		assert.Contains(t, stmts[0], "CREATE EXTENSION IF NOT EXISTS vector")
	})

	t.Run("ConstraintMessagesMatchSchema", func(t *testing.T) {
		// uq_projects_shared is spelled out in the DDL; the _key names are
		// Postgres defaults for UNIQUE columns, asserted against the columns
		// that generate them.
		assert.Contains(t, schemaSQL, "uq_projects_shared")
		assert.Contains(t, schemaSQL, "slug TEXT NOT NULL UNIQUE")
		assert.Contains(t, schemaSQL, "prefix TEXT NOT NULL UNIQUE")
		for name := range conflictMessages {
			assert.NotEmpty(t, conflictMessages[name])
		}
	})
}

func TestSplitStatements(t *testing.T) {
	t.Run("DropsCommentOnlyFragments", func(t *testing.T) {
		stmts := splitStatements("-- preamble\nCREATE TABLE a (id TEXT);\n-- trailing comment\n")
		require.Len(t, stmts, 1)
		assert.Contains(t, stmts[0], "CREATE TABLE a")
	})

	t.Run("KeepsStatementsWithInlineComments", func(t *testing.T) {
		stmts := splitStatements("-- lead\nCREATE TABLE b (\n  id TEXT -- the key\n);")
		require.Len(t, stmts, 1)
		assert.Contains(t, stmts[0], "CREATE TABLE b")
	})

	t.Run("WholeSchemaSplitsCleanly", func(t *testing.T) {
		for _, stmt := range splitStatements(schemaSQL) {
			assert.NotEmpty(t, stmt)
			assert.False(t, stmtOnlyComments(stmt))
		}
	})
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "CREATE TABLE x (", firstLine("-- comment\n  CREATE TABLE x (\n  id TEXT\n)"))
	assert.Equal(t, "", firstLine("-- only\n-- comments"))
}

func TestTranslate(t *testing.T) {
	t.Run("NilPassesThrough", func(t *testing.T) {
		assert.NoError(t, translate(nil, ""))
	})

	t.Run("NoRowsBecomesNotFound", func(t *testing.T) {
		err := translate(pgx.ErrNoRows, "project not found")
		require.Error(t, err)
		assert.True(t, appErrors.IsNotFound(err))
		assert.Contains(t, err.Error(), "project not found")
	})

	t.Run("NoRowsDefaultMessage", func(t *testing.T) {
		err := translate(pgx.ErrNoRows, "")
		assert.Contains(t, err.Error(), "row not found")
	})

	t.Run("UniqueViolationMapsConstraint", func(t *testing.T) {
		err := translate(&pgconn.PgError{Code: "23505", ConstraintName: "uq_projects_shared"}, "")
		require.Error(t, err)
		assert.True(t, appErrors.IsConflict(err))
		assert.Contains(t, err.Error(), "shared project")
	})

	t.Run("UnknownUniqueViolationStillConflicts", func(t *testing.T) {
		err := translate(&pgconn.PgError{Code: "23505", ConstraintName: "something_else"}, "")
		assert.True(t, appErrors.IsConflict(err))
	})

	t.Run("ForeignKeyViolationIsValidation", func(t *testing.T) {
		err := translate(&pgconn.PgError{Code: "23503"}, "")
		assert.True(t, appErrors.IsValidation(err))
	})

	t.Run("CheckViolationIsValidation", func(t *testing.T) {
		err := translate(&pgconn.PgError{Code: "23514"}, "")
		assert.True(t, appErrors.IsValidation(err))
	})

	t.Run("DeadlineBecomesTimeout", func(t *testing.T) {
		err := translate(context.DeadlineExceeded, "")
		assert.True(t, appErrors.IsTimeout(err))
	})

	t.Run("EverythingElseIsInternal", func(t *testing.T) {
		err := translate(assert.AnError, "")
		assert.True(t, appErrors.IsInternal(err))
	})
}
