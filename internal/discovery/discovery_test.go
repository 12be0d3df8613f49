package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireWriteReadRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".vizzly")
	h, err := Acquire(dir, Descriptor{PID: 123, Port: 47392, StartTime: time.Now().UTC()})
	require.NoError(t, err)

	d, err := Read(dir)
	require.NoError(t, err)
	require.Equal(t, 123, d.PID)
	require.Equal(t, 47392, d.Port)

	require.NoError(t, h.Release())
	_, err = Read(dir)
	require.Error(t, err)
}

func TestAcquireTwiceFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".vizzly")
	h1, err := Acquire(dir, Descriptor{PID: 1, Port: 1})
	require.NoError(t, err)
	defer h1.Release()

	_, err = Acquire(dir, Descriptor{PID: 2, Port: 2})
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestFindWalksParentDirectories(t *testing.T) {
	root := t.TempDir()
	vizzlyDir := filepath.Join(root, ".vizzly")
	h, err := Acquire(vizzlyDir, Descriptor{PID: 1, Port: 2})
	require.NoError(t, err)
	defer h.Release()

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	d, found, err := Find(nested)
	require.NoError(t, err)
	require.Equal(t, 1, d.PID)
	require.Equal(t, vizzlyDir, found)
}
