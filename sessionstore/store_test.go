package sessionstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphdrive/graphdrive/transfer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func sampleRecord(id string) transfer.SessionRecord {
	return transfer.SessionRecord{
		ID:         id,
		LocalPath:  "/home/u/big.bin",
		RemotePath: "backups/big.bin",
		UploadURL:  "https://upload.example.com/session/" + id,
		Size:       10 << 20,
		ChunkSize:  320 * 1024,
		ExpiresAt:  time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestStore_SaveGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("rec-1")
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveIsUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("rec-1")
	require.NoError(t, s.Save(ctx, rec))

	rec.UploadURL = "https://upload.example.com/session/renewed"
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, rec.UploadURL, got.UploadURL)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecord("rec-1")))
	require.NoError(t, s.Delete(ctx, "rec-1"))
	require.NoError(t, s.Delete(ctx, "rec-1"))

	_, err := s.Get(ctx, "rec-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := sampleRecord("older")
	older.CreatedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	newer := sampleRecord("newer")

	require.NoError(t, s.Save(ctx, newer))
	require.NoError(t, s.Save(ctx, older))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "older", all[0].ID)
	assert.Equal(t, "newer", all[1].ID)
}

func TestStore_PurgeExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expired := sampleRecord("expired")
	expired.ExpiresAt = time.Now().Add(-time.Hour)

	live := sampleRecord("live")

	// Zero expiry means "unknown", never purged.
	unknown := sampleRecord("unknown")
	unknown.ExpiresAt = time.Time{}

	require.NoError(t, s.Save(ctx, expired))
	require.NoError(t, s.Save(ctx, live))
	require.NoError(t, s.Save(ctx, unknown))

	n, err := s.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sampleRecord("rec-1")))
	require.NoError(t, s.Close())

	s2, err := Open(path, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.ID)
}
