package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenPath(filepath.Join(t.TempDir(), "nested", "translations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)

	_, ok, err := c.Get(ctx, "Hello", "chinese", "google")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "Hello", "chinese", "google", "你好"))
	got, ok, err := c.Get(ctx, "Hello", "chinese", "google")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "你好", got)

	// Same source, other provider or language: separate rows.
	_, ok, err = c.Get(ctx, "Hello", "chinese", "deepl")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, "Hello", "japanese", "google")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "Hello", "chinese", "google", "您好"))
	got, _, err = c.Get(ctx, "Hello", "chinese", "google")
	require.NoError(t, err)
	assert.Equal(t, "您好", got, "set replaces")
}

func TestSetManyAndStats(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)

	require.NoError(t, c.SetMany(ctx, []Row{
		{Source: "a", Lang: "chinese", Provider: "openai", Translated: "甲"},
		{Source: "b", Lang: "chinese", Provider: "openai", Translated: "乙"},
		{Source: "a", Lang: "chinese", Provider: "google", Translated: "一"},
	}))
	require.NoError(t, c.SetMany(ctx, nil))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, []ProviderCount{
		{Provider: "google", Count: 1},
		{Provider: "openai", Count: 2},
	}, st.ByProvider)

	require.NoError(t, c.Clear(ctx))
	st, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
	assert.Empty(t, st.ByProvider)
}

func TestPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "translations.db")

	c, err := OpenPath(path)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "Bye", "french", "deepl", "Au revoir"))
	require.NoError(t, c.Close())

	c, err = OpenPath(path)
	require.NoError(t, err)
	defer c.Close()
	got, ok, err := c.Get(ctx, "Bye", "french", "deepl")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Au revoir", got)
	assert.Equal(t, path, c.Path())
}

func TestOpenPathFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := OpenPath(filepath.Join(blocker, "translations.db"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCache)
}

func TestIsSQLiteBusy(t *testing.T) {
	assert.False(t, isSQLiteBusy(nil))
	assert.True(t, isSQLiteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isSQLiteBusy(errors.New("no such table")))
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(context.Background(), func() error {
		calls++
		return errors.New("constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
