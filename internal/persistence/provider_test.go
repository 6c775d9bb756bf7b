package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winfunc/opcode-sub004/internal/common/config"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

func TestProvideSQLite(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nested", "opcode.db")}}
	pool, cleanup, err := Provide(cfg, logger.NewNop())
	require.NoError(t, err)

	_, err = pool.Writer().Exec(`CREATE TABLE t (id TEXT)`)
	require.NoError(t, err)
	_, err = pool.Writer().Exec(`INSERT INTO t (id) VALUES ('x')`)
	require.NoError(t, err)

	var n int
	require.NoError(t, pool.Reader().Get(&n, `SELECT COUNT(*) FROM t`))
	assert.Equal(t, 1, n)

	_, err = pool.Reader().Exec(`INSERT INTO t (id) VALUES ('y')`)
	assert.Error(t, err, "reader pool is read-only")

	assert.NoError(t, pool.Ping(context.Background()))
	assert.Equal(t, "sqlite3", pool.Driver())

	require.NoError(t, cleanup())
}

func TestProvideRejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "mysql"}}
	_, _, err := Provide(cfg, logger.NewNop())
	assert.Error(t, err)
}
