package scratch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDirLifecycle covers creation, usage and removal of a scratch directory.
func TestDirLifecycle(t *testing.T) {
	t.Parallel()

	dir, err := New()
	require.NoError(t, err)
	require.DirExists(t, dir.Path())

	// Contents are removed together with the directory.
	file := filepath.Join(dir.Path(), "artifact.pkg")
	require.NoError(t, os.WriteFile(file, []byte("payload"), 0o600))

	path := dir.Path()
	require.NoError(t, dir.Remove())
	require.NoDirExists(t, path)

	// Second removal is a no-op.
	require.NoError(t, dir.Remove())
}
