package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ResolvesOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codebase.js")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	done := make(chan error, 1)
	go func() {
		done <- Watch(context.Background(), path)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch never resolved after file change")
	}
}

func TestWatch_CancelledContextReturnsEarly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codebase.js")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch never returned after context cancellation")
	}
}
