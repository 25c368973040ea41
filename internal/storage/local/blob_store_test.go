package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/follower-crawler/internal/storage/local"
)

func TestNewCreatesMissingDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "archive", "nested")
	_, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	require.DirExists(t, dir)
}

func TestNewRejectsBadBase(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.Error(t, err)
}

func TestPutObjectWritesSegment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "segments/crawl_success_0.txt.gz",
		"application/gzip", strings.NewReader("compressed"))
	require.NoError(t, err)

	want := filepath.Join(dir, "segments", "crawl_success_0.txt.gz")
	require.Equal(t, "file://"+want, uri)
	got, err := os.ReadFile(want) // #nosec G304 -- temp dir
	require.NoError(t, err)
	require.Equal(t, "compressed", string(got))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../outside.gz", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "escapes")
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPutObjectFailedReadLeavesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "seg.gz", "", iotest.ErrReader(errors.New("boom")))
	require.ErrorContains(t, err, "boom")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
