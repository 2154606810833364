package procutil_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kbootd/internal/procutil"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node")

	require.False(t, procutil.FileExists(path))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.True(t, procutil.FileExists(path))
}

func TestWaitForFileReturnsImmediatelyIfPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "already-there")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	done := make(chan error, 1)
	go func() { done <- procutil.WaitForFile(path) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForFile did not return for an already-existing file")
	}
}

func TestWaitForFileUnblocksOnCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node")

	done := make(chan error, 1)
	go func() { done <- procutil.WaitForFile(path) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForFile did not unblock after file creation")
	}
}

func TestMemAvailableReturnsNonZero(t *testing.T) {
	require.Greater(t, procutil.MemAvailable(), uint64(0))
}
