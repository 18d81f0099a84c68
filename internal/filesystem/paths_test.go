package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilenameFromURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/files/movie.mp4?token=abc": "movie.mp4",
		"https://example.com/":                           "download",
		"https://example.com":                            "download",
		"https://example.com/archive.tar.gz":             "archive.tar.gz",
	}
	for in, want := range cases {
		require.Equal(t, want, FilenameFromURL(in), in)
	}
}

func TestFindAvailablePathNoCollision(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "f.zip")
	require.Equal(t, base, FindAvailablePath(base))
}

func TestFindAvailablePathInsertsSuffix(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "f.zip")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o644))

	got := FindAvailablePath(base)
	require.Equal(t, filepath.Join(dir, "f (1).zip"), got)

	require.NoError(t, os.WriteFile(got, []byte("x"), 0o644))
	got2 := FindAvailablePath(base)
	require.Equal(t, filepath.Join(dir, "f (2).zip"), got2)
}

func TestCheckDiskSpace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckDiskSpace(dir, 0))
	require.Error(t, CheckDiskSpace(dir, 1<<60))
}

func TestCheckExistingDownloadNoneFound(t *testing.T) {
	dir := t.TempDir()
	info := CheckExistingDownload("https://example.com/nope.bin", dir)
	require.False(t, info.Exists)
}

func TestCheckExistingDownloadCompleted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mp4"), []byte("data"), 0o644))

	info := CheckExistingDownload("https://example.com/movie.mp4", dir)
	require.True(t, info.Exists)
	require.Equal(t, "completed", info.Type)
	require.NotEqual(t, "movie.mp4", info.SuggestedFilename)
}
