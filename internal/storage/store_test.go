package storage

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "battleTime", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "teamCrowns", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "teamCards", Type: arrow.ListOf(arrow.StructOf(
			arrow.Field{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
			arrow.Field{Name: "level", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		)), Nullable: true},
	}, nil)
	rec, _, err := array.RecordFromJSON(memory.DefaultAllocator, schema, strings.NewReader(`[
		{"battleTime": "20240101T000000.000Z", "teamCrowns": 3, "teamCards": [{"name": "Hog Rider", "level": 14}]},
		{"battleTime": "20240102T000000.000Z", "teamCrowns": null, "teamCards": []}
	]`))
	require.NoError(t, err)
	t.Cleanup(rec.Release)
	return rec
}

func fixedClock(ts string) func() time.Time {
	return func() time.Time {
		t, _ := time.Parse(time.RFC3339, ts)
		return t
	}
}

func TestNewStoreCreatesDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my_data")

	_, err := NewStore(dir, Options{})
	require.NoError(t, err)

	assert.DirExists(t, dir)
	assert.DirExists(t, filepath.Join(dir, "cold"))
}

func TestWriteAndReadSnapshot(t *testing.T) {
	store, err := NewStore(t.TempDir(), Options{Now: fixedClock("2024-11-03T20:15:12Z")})
	require.NoError(t, err)

	rec := testRecord(t)
	path, err := store.WriteSnapshot(rec)
	require.NoError(t, err)
	assert.Equal(t, "battlelog_20241103T201512Z.parquet", filepath.Base(path))

	got, err := store.ReadSnapshot(context.Background(), path)
	require.NoError(t, err)
	defer got.Release()

	assert.Equal(t, rec.NumRows(), got.NumRows())
	assert.True(t, array.RecordEqual(rec, got), "got %v", got)
}

func TestWriteSnapshotAvoidsCollisions(t *testing.T) {
	store, err := NewStore(t.TempDir(), Options{Now: fixedClock("2024-11-03T20:15:12Z")})
	require.NoError(t, err)

	first, err := store.WriteSnapshot(testRecord(t))
	require.NoError(t, err)
	second, err := store.WriteSnapshot(testRecord(t))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "battlelog_20241103T201512Z_1.parquet", filepath.Base(second))
}

func TestSnapshotsExcludeCanonicalAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, Options{})
	require.NoError(t, err)

	for _, name := range []string{
		"battlelog_20240102T000000Z.parquet",
		"battlelog_20240101T000000Z.parquet",
		"battlelog_final.parquet",
		".battlelog_final.parquet.tmp-123",
		"other.parquet",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	got, err := store.Snapshots()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "battlelog_20240101T000000Z.parquet", filepath.Base(got[0]))
	assert.Equal(t, "battlelog_20240102T000000Z.parquet", filepath.Base(got[1]))
}

func TestCanonicalSinkReplacesTable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, Options{Compression: mustCodec(t, "zstd")})
	require.NoError(t, err)
	assert.False(t, store.HasCanonical())

	sink := store.CanonicalSink()
	rec := testRecord(t)
	require.NoError(t, sink.WriteCanonical(context.Background(), rec))
	head := rec.NewSlice(0, 1)
	defer head.Release()
	require.NoError(t, sink.WriteCanonical(context.Background(), head))

	assert.True(t, store.HasCanonical())
	got, err := store.ReadSnapshot(context.Background(), store.CanonicalPath())
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, int64(1), got.NumRows())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestCanonicalSinkHonorsCancellation(t *testing.T) {
	store, err := NewStore(t.TempDir(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.CanonicalSink().WriteCanonical(ctx, testRecord(t)), context.Canceled)
	assert.False(t, store.HasCanonical())
}

func TestArchiveCompressesToCold(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, Options{})
	require.NoError(t, err)

	path := filepath.Join(dir, "battlelog_20240101T000000Z.parquet")
	require.NoError(t, os.WriteFile(path, []byte("parquet bytes"), 0644))

	coldPath, err := store.Archive(path)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
	assert.Equal(t, filepath.Join(dir, "cold", "battlelog_20240101T000000Z.parquet.gz"), coldPath)

	f, err := os.Open(coldPath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "parquet bytes", string(data))
}

func TestCodec(t *testing.T) {
	for _, name := range []string{"snappy", "ZSTD", "gzip", "none"} {
		_, ok := Codec(name)
		assert.True(t, ok, name)
	}
	_, ok := Codec("lzo")
	assert.False(t, ok)
}

func mustCodec(t *testing.T, name string) compress.Compression {
	t.Helper()
	c, ok := Codec(name)
	require.True(t, ok)
	return c
}
