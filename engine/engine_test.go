package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/hamdb/common/testutil"
)

// testEnv creates a scratch environment that is closed with the test.
func testEnv(t *testing.T, config Config) *Environment {
	t.Helper()
	if config.Path == "" && config.Flags&FlagInMemory == 0 {
		config.Path = filepath.Join(testutil.TempDir(t), "test.db")
	}
	env, err := Create(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		if env.device.IsOpen() {
			env.Close()
		}
	})
	return env
}

// testDB adds a database to a scratch environment.
func testDB(t *testing.T, env *Environment, config DatabaseConfig) *Database {
	t.Helper()
	db, err := env.CreateDatabase(1, config)
	require.NoError(t, err)
	return db
}
