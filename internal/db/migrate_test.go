// Package db tests for database migration management.
package db

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })
	return database
}

// TestMigrator_UpAndDown applies migrations from a test file system and rolls back the last one.
func TestMigrator_UpAndDown(t *testing.T) {
	ctx := context.Background()
	database := memoryDB(t)

	fsys := fstest.MapFS{
		"migrations/V1__widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
		"migrations/V1__widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"migrations/V2__gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);")},
		"migrations/V2__gadgets.down.sql": {Data: []byte("DROP TABLE gadgets;")},
		"migrations/README.md":            {Data: []byte("ignored")},
		"migrations/Vx__broken.up.sql":    {Data: []byte("ignored")},
	}

	m := NewMigrator(database, fsys)
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Up(ctx))

	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, version)

	applied, err := m.GetAppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	require.Equal(t, "widgets", applied[0].Description)
	require.Len(t, applied[0].Checksum, 64)

	require.NoError(t, m.Down(ctx))
	version, err = m.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	var name string
	err = database.QueryRow("SELECT name FROM sqlite_master WHERE name = 'gadgets'").Scan(&name)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

// TestMigrator_CurrentVersionBeforeInitialize verifies the schema table is required.
func TestMigrator_CurrentVersionBeforeInitialize(t *testing.T) {
	m := NewMigrator(memoryDB(t), Migrations)
	_, err := m.CurrentVersion(context.Background())
	require.Error(t, err)
}

// TestMigrator_DownWithoutMigrations verifies rollback on an empty schema fails.
func TestMigrator_DownWithoutMigrations(t *testing.T) {
	ctx := context.Background()
	m := NewMigrator(memoryDB(t), Migrations)
	require.NoError(t, m.Initialize(ctx))
	require.Error(t, m.Down(ctx))
}
