package cliutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDatabaseSqlite(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	db, err := SetupDatabase("sqlite://"+path, 4, nil)
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode;").Scan(&mode).Error)
	assert.Equal("wal", mode)

	sqldb, err := db.DB()
	require.NoError(t, err)
	assert.Equal(4, sqldb.Stats().MaxOpenConnections)
	assert.FileExists(path)
}

func TestSetupDatabaseMemoryForcesSingleConn(t *testing.T) {
	db, err := SetupDatabase("sqlite=:memory:", 8, nil)
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqldb.Stats().MaxOpenConnections)
}

func TestSetupDatabaseRejectsUnknown(t *testing.T) {
	_, err := SetupDatabase("mysql://root@localhost/db", 1, nil)
	assert.Error(t, err)
}

func TestSetupSlog(t *testing.T) {
	assert := assert.New(t)

	_, err := SetupSlog(LogOptions{LogLevel: "debug", LogFormat: "json", LogPath: "-"})
	assert.NoError(err)

	_, err = SetupSlog(LogOptions{LogLevel: "chatty"})
	assert.Error(err)

	_, err = SetupSlog(LogOptions{LogLevel: "info", LogFormat: "xml"})
	assert.Error(err)
}
