package tests

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/offsets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ offsets.Store = (*offsets.FileStore)(nil)
	_ offsets.Store = (*offsets.MemoryStore)(nil)
	_ offsets.Store = (*metadata.PostgresMetadataStore)(nil)
)

func TestFileStore_SaveLoadAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "offsets.db")

	store, err := offsets.NewFileStore(path)
	require.NoError(t, err)

	pos, err := store.Load(ctx, offsets.Key("orders", "postgres"))
	require.NoError(t, err)
	assert.Empty(t, pos)

	require.NoError(t, store.Save(ctx, offsets.Key("orders", "postgres"), "0/16B3748"))
	require.NoError(t, store.Save(ctx, offsets.Key("orders", "postgres"), "0/16B3800"))
	require.NoError(t, store.Save(ctx, offsets.Key("users", "file"), "42"))
	require.NoError(t, store.Close())

	store, err = offsets.NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	pos, err = store.Load(ctx, "orders/postgres")
	require.NoError(t, err)
	assert.Equal(t, "0/16B3800", pos)

	listed, err := store.List("orders/")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"orders/postgres": "0/16B3800"}, listed)

	require.NoError(t, store.Delete("users/file"))
	pos, err = store.Load(ctx, "users/file")
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := offsets.NewMemoryStore()

	require.NoError(t, store.Save(ctx, "b/kafka", "t/0/5"))
	require.NoError(t, store.Save(ctx, "a/file", "3"))

	pos, err := store.Load(ctx, "b/kafka")
	require.NoError(t, err)
	assert.Equal(t, "t/0/5", pos)
	assert.Equal(t, []string{"a/file", "b/kafka"}, store.Keys())
}
