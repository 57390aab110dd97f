package dedup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutHasRemove(t *testing.T) {
	base := t.TempDir()
	idx, err := Open(base, 7)
	require.NoError(t, err)

	ok, err := idx.Has(0xabc)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.Put(0xabc, "blob-1"))
	ok, err = idx.Has(0xabc)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, idx.Remove())

	_, err = os.Stat(filepath.Join(base, "STORE", "00000007"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "CRC", "00000007"))
	require.True(t, os.IsNotExist(err))
}

func TestRemoveForDirWithoutOpening(t *testing.T) {
	base := t.TempDir()
	idx, err := Open(base, 1)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	require.NoError(t, RemoveForDir(base, 1))
	_, err = os.Stat(filepath.Join(base, "STORE", "00000001"))
	require.True(t, os.IsNotExist(err))
}
