package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead_PipesFileThroughPipeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(path, []byte("file contents"), 0o644))

	out, err := Read(path, echoBuilder)
	require.NoError(t, err)
	assert.Equal(t, "file contents", out.ToString())
}

func TestRead_MissingFileIsAnError(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent"), echoBuilder)
	assert.Error(t, err)
}
