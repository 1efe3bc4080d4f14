package backend

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// testBackends returns every backend available in this environment.
// Redis is included only when EXIFTIP_REDIS_URL points at a server.
func testBackends(t *testing.T) map[string]Backend {
	t.Helper()

	fs, err := NewFilesystem(filepath.Join(t.TempDir(), "fs"))
	require.NoError(t, err)

	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"), WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	backends := map[string]Backend{
		"memory":     NewMemory(),
		"filesystem": fs,
		"bolt":       bolt,
	}

	if url := os.Getenv("EXIFTIP_REDIS_URL"); url != "" {
		r, err := NewRedis(context.Background(), url, WithRedisPrefix("exiftip-test:"+t.Name()+":"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		backends["redis"] = r
	}
	return backends
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()

	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Read(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			exists, err := b.Exists(ctx, "exif-cache")
			require.NoError(t, err)
			require.False(t, exists)

			require.NoError(t, b.Write(ctx, "exif-cache", strings.NewReader("first")))
			require.NoError(t, b.Write(ctx, "exif-cache", strings.NewReader("second")))

			got, err := ReadAll(ctx, b, "exif-cache")
			require.NoError(t, err)
			require.Equal(t, "second", string(got))

			exists, err = b.Exists(ctx, "exif-cache")
			require.NoError(t, err)
			require.True(t, exists)

			require.NoError(t, b.Delete(ctx, "exif-cache"))
			require.NoError(t, b.Delete(ctx, "exif-cache"), "delete must be idempotent")

			_, err = b.Read(ctx, "exif-cache")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	err = fs.Write(context.Background(), "../outside", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, "exif-cache", strings.NewReader("payload")))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	got, err := ReadAll(ctx, b, "exif-cache")
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		location string
		kind     string
	}{
		{location: "memory://", kind: "memory"},
		{location: "file://" + filepath.Join(dir, "files"), kind: "filesystem"},
		{location: "bolt://" + filepath.Join(dir, "a.db"), kind: "bolt"},
		{location: filepath.Join(dir, "b.db"), kind: "bolt"},
	}

	for _, tt := range tests {
		t.Run(tt.kind+" "+tt.location, func(t *testing.T) {
			b, kind, err := Open(ctx, tt.location, nil)
			require.NoError(t, err)
			defer func() { _ = b.Close() }()
			require.Equal(t, tt.kind, kind)
		})
	}

	_, _, err := Open(ctx, "s3://bucket", nil)
	require.Error(t, err)

	_, _, err = Open(ctx, "bolt://", nil)
	require.Error(t, err)
}
