package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/micasa-home/micasa/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertPlugin(t *testing.T, db *database.DB) int64 {
	t.Helper()
	id, err := db.Insert(context.Background(),
		"INSERT INTO plugins (reference, type, enabled) VALUES ('test', 'virtual', 1)")
	require.NoError(t, err)
	return id
}

func TestProcessSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	cfg := NewProcess(db)
	require.NoError(t, cfg.Load(ctx))

	cfg.Put("greeting", "hello")
	cfg.PutValue("answer", 42)
	require.True(t, cfg.IsDirty())
	require.NoError(t, cfg.Commit(ctx))
	require.False(t, cfg.IsDirty())

	// A fresh bag sees the persisted values.
	again := NewProcess(db)
	require.NoError(t, again.Load(ctx))
	require.Equal(t, "hello", again.GetString("greeting", ""))
	require.Equal(t, int64(42), again.GetInt("answer", 0))
}

func TestEntitySettingsAreScoped(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	pid := insertPlugin(t, db)

	other, err := db.Insert(ctx,
		"INSERT INTO plugins (reference, type, enabled) VALUES ('other', 'virtual', 1)")
	require.NoError(t, err)

	a := NewForPlugin(db, pid)
	require.NoError(t, a.Load(ctx))
	a.Put("host", "one")
	require.NoError(t, a.Commit(ctx))

	b := NewForPlugin(db, other)
	require.NoError(t, b.Load(ctx))
	if _, ok := b.Get("host"); ok {
		t.Error("plugin b sees plugin a's setting")
	}
}

func TestRemovePersistsDeletion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	cfg := NewProcess(db)
	require.NoError(t, cfg.Load(ctx))
	cfg.Put("doomed", "x")
	require.NoError(t, cfg.Commit(ctx))

	cfg.Remove("doomed")
	require.NoError(t, cfg.Commit(ctx))

	again := NewProcess(db)
	require.NoError(t, again.Load(ctx))
	require.False(t, again.Contains("doomed"))
}

func TestCommitUpsertsChangedValue(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	cfg := NewProcess(db)
	require.NoError(t, cfg.Load(ctx))
	cfg.Put("key", "first")
	require.NoError(t, cfg.Commit(ctx))
	cfg.Put("key", "second")
	require.NoError(t, cfg.Commit(ctx))

	again := NewProcess(db)
	require.NoError(t, again.Load(ctx))
	require.Equal(t, "second", again.GetString("key", ""))
}

func TestTypedGetters(t *testing.T) {
	db := newTestDB(t)
	cfg := NewProcess(db)
	require.NoError(t, cfg.Load(context.Background()))

	cfg.Put("f", "2.5")
	cfg.Put("b", "true")
	cfg.Put("junk", "not-a-number")

	require.Equal(t, 2.5, cfg.GetFloat("f", 0))
	require.True(t, cfg.GetBool("b", false))
	require.Equal(t, int64(7), cfg.GetInt("junk", 7))
	require.Equal(t, int64(9), cfg.GetInt("missing", 9))
}

func TestIsSystemKey(t *testing.T) {
	if !IsSystemKey("_battery_level") {
		t.Error("underscore-prefixed key must be a system key")
	}
	if IsSystemKey("rate_limit") {
		t.Error("plain key misreported as system key")
	}
}

func TestLoadClearsDirty(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	cfg := NewProcess(db)
	require.NoError(t, cfg.Load(ctx))
	cfg.Put("temp", "x")
	require.True(t, cfg.IsDirty())
	require.NoError(t, cfg.Load(ctx))
	require.False(t, cfg.IsDirty())
	require.False(t, cfg.Contains("temp"))
}
