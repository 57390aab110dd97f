package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distfd/fdcore/internal/layout"
	"github.com/distfd/fdcore/internal/shm"
)

func newTestJID(t *testing.T) *JID {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job_id_data")
	region, err := shm.Open(path, JIDRecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })
	return NewJID(region)
}

func fillJobs(j *JID, ids []uint32) {
	for i, id := range ids {
		j.region.SetCount(uint32(i + 1))
		j.Set(i, Job{JobID: id})
	}
}

func jobIDs(j *JID) []uint32 {
	out := make([]uint32, j.Len())
	for i := range out {
		out[i] = j.Get(i).JobID
	}
	return out
}

func TestCompactRemoveContiguousAndIsolatedRuns(t *testing.T) {
	j := newTestJID(t)
	fillJobs(j, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})

	j.CompactRemove([]int{7, 6, 5, 2})

	require.Equal(t, []uint32{0, 1, 3, 4, 8, 9}, jobIDs(j))
}

func TestCompactRemoveSingle(t *testing.T) {
	j := newTestJID(t)
	fillJobs(j, []uint32{10, 20, 30})

	j.CompactRemove([]int{1})

	require.Equal(t, []uint32{10, 30}, jobIDs(j))
}

func TestCompactRemoveEmptyIsNoOp(t *testing.T) {
	j := newTestJID(t)
	fillJobs(j, []uint32{10, 20, 30})

	j.CompactRemove(nil)

	require.Equal(t, []uint32{10, 20, 30}, jobIDs(j))
}

func TestReferencedSetsAndDecrement(t *testing.T) {
	j := newTestJID(t)
	j.region.SetCount(2)
	j.Set(0, Job{JobID: 1, DirIDPos: 3, FileMaskID: 0x11, DirConfigID: 9})
	j.Set(1, Job{JobID: 2, DirIDPos: 8, FileMaskID: 0x22, DirConfigID: 9})

	dirs := j.ReferencedDirs()
	require.True(t, dirs[3])
	require.True(t, dirs[8])
	require.False(t, dirs[7])

	masks := j.ReferencedFileMasks()
	require.True(t, masks[0x11])
	require.True(t, masks[0x22])

	dcs := j.ReferencedDirConfigs()
	require.Len(t, dcs, 1)
	require.True(t, dcs[9])

	j.DecrementDirIDPosAbove(3)
	require.EqualValues(t, 3, j.Get(0).DirIDPos)
	require.EqualValues(t, 7, j.Get(1).DirIDPos)
}
