package metadb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigilant/raftwal/internal/metadb"
)

func TestLowWaterMarkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := metadb.Open(dir)
	require.NoError(t, err)
	defer db.Close()

	_, ok, err := db.LowWaterMark()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.SetLowWaterMark(42))
	mark, ok, err := db.LowWaterMark()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), mark)
}

func TestSyncModeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := metadb.Open(dir)
	require.NoError(t, err)
	defer db.Close()

	mode, err := db.SyncMode()
	require.NoError(t, err)
	require.Empty(t, mode)

	require.NoError(t, db.SetSyncMode("always"))
	mode, err = db.SyncMode()
	require.NoError(t, err)
	require.Equal(t, "always", mode)
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	db, err := metadb.Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.SetLowWaterMark(7))
	require.NoError(t, db.Close())

	db2, err := metadb.Open(dir)
	require.NoError(t, err)
	defer db2.Close()

	mark, ok, err := db2.LowWaterMark()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), mark)
}
