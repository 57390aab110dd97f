package gc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/distfd/fdcore/internal/ackqueue"
	"github.com/distfd/fdcore/internal/auditlog"
	"github.com/distfd/fdcore/internal/catalog"
	"github.com/distfd/fdcore/internal/layout"
	"github.com/distfd/fdcore/internal/queue"
	"github.com/distfd/fdcore/internal/shm"
	"github.com/distfd/fdcore/internal/worker"
)

type harness struct {
	c       *Collector
	fileDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	fsaRegion, err := shm.Open(filepath.Join(dir, "fsa"), catalog.RecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsaRegion.Close() })

	mdbRegion, err := shm.Open(filepath.Join(dir, "mdb"), catalog.MDBRecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mdbRegion.Close() })

	jidRegion, err := shm.Open(filepath.Join(dir, "job_id_data"), catalog.JIDRecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = jidRegion.Close() })

	dirRegion, err := shm.Open(filepath.Join(dir, "dir_name"), catalog.VarRecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dirRegion.Close() })

	maskRegion, err := shm.Open(filepath.Join(dir, "file_mask"), catalog.VarRecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = maskRegion.Close() })

	pwRegion, err := shm.Open(filepath.Join(dir, "pwb_data"), catalog.VarRecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pwRegion.Close() })

	dcRegion, err := shm.Open(filepath.Join(dir, "dc_list"), catalog.VarRecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dcRegion.Close() })

	qRegion, err := shm.Open(filepath.Join(dir, "msg_queue"), queue.RecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = qRegion.Close() })

	fileDir := filepath.Join(dir, "file-dir")
	require.NoError(t, os.MkdirAll(fileDir, 0755))

	log := logrus.New()
	log.SetOutput(os.Stderr)

	audit, err := auditlog.Open(filepath.Join(dir, "delete_log"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	h := &harness{
		c: &Collector{
			FSA:               catalog.NewFSA(fsaRegion),
			MDB:               catalog.NewMDB(mdbRegion),
			JID:               catalog.NewJID(jidRegion),
			DirNames:          catalog.NewDirNameTable(dirRegion),
			FileMasks:         catalog.NewFileMaskTable(maskRegion),
			Passwords:         catalog.NewPasswordTable(pwRegion),
			DirConfigs:        catalog.NewDirConfigTable(dcRegion),
			Queue:             queue.New(qRegion),
			Worker:            worker.New(log),
			Gauge:             &worker.Gauge{},
			Audit:             audit,
			Ack:               ackqueue.New(),
			FileDir:           fileDir,
			Log:               log,
			SwitchFileTime:    time.Hour,
			MaxOutputLogFiles: 24,
		},
		fileDir: fileDir,
	}
	return h
}

// makeJobDir creates fileDir/<hex job id>/<file>, setting the
// directory's mtime to age in the past.
func makeJobDir(t *testing.T, fileDir string, jobID uint32, age time.Duration) {
	t.Helper()
	dir := filepath.Join(fileDir, jobIDHex(jobID))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte("payload"), 0644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, old, old))
}

func jobIDHex(id uint32) string {
	return hexString(id)
}

func hexString(v uint32) string {
	const digits = "0123456789abcdef"
	buf := [8]byte{}
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	// trim leading zeros the way fmt.Sprintf("%x", v) would, but keep
	// at least one digit.
	s := string(buf[:])
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

// TestGCRemovesStaleJob is spec.md §8 end-to-end scenario 5: a message
// directory entry, cache slot, and job-catalogue record for job id
// 0xdeadbeef all age out, and nothing else references directory
// position 7 or file-mask 0x11 — both should be pruned too.
func TestGCRemovesStaleJob(t *testing.T) {
	h := newHarness(t)
	c := h.c

	const jobID = 0xdeadbeef
	makeJobDir(t, h.fileDir, jobID, 21*24*time.Hour)

	c.MDB.SetLen(1)
	c.MDB.Set(0, catalog.Message{
		JobID:            jobID,
		HostName:         "hosta",
		FSAPos:           catalog.NoFSAPos,
		InCurrentFSA:     false,
		LastTransferTime: time.Now().Add(-21 * 24 * time.Hour).Unix(),
	})

	// 8 directory records (positions 0..7); the job references
	// position 7. A second, surviving job references position 3 so
	// that only position 7 is pruned.
	for i := 0; i < 8; i++ {
		c.DirNames.Append("dir")
	}
	c.FileMasks.Add(0x11, "*.dat")
	c.FileMasks.Add(0x22, "*.log")
	c.DirConfigs.Append(5)

	c.JID.Region().SetCount(2)
	c.JID.Set(0, catalog.Job{JobID: jobID, DirIDPos: 7, FileMaskID: 0x11, DirConfigID: -1, Recipient: "ftp://bob:pw@example.com/in"})
	c.JID.Set(1, catalog.Job{JobID: 0x1, DirIDPos: 3, FileMaskID: 0x22, DirConfigID: -1, Recipient: "ftp://alice:pw@other.com/in"})

	c.Passwords.Set("bob@example.com", "pw")
	c.Passwords.Set("alice@other.com", "pw")

	res, err := c.Run()
	require.NoError(t, err)

	require.Equal(t, 1, res.JobsRemoved)
	require.Equal(t, 1, res.DirsRemoved)
	require.Equal(t, 1, res.FileMasksRemoved)
	require.Equal(t, 1, res.PasswordsRemoved)

	require.Equal(t, 0, c.MDB.Len())
	require.Equal(t, 1, c.JID.Len())
	require.Equal(t, uint32(0x1), c.JID.Get(0).JobID)
	require.EqualValues(t, 3, c.JID.Get(0).DirIDPos, "dir_id_pos below the removed position 7 is unaffected (3 < 7)")

	_, ok := c.FileMasks.Pattern(0x11)
	require.False(t, ok, "file-mask 0x11 is no longer referenced by any surviving job")
	_, ok = c.FileMasks.Pattern(0x22)
	require.True(t, ok, "file-mask 0x22 still referenced by the surviving job")

	require.False(t, c.Passwords.Has("bob@example.com"))
	require.True(t, c.Passwords.Has("alice@other.com"), "alice's credential is still referenced")

	require.Equal(t, 7, c.DirNames.Len())

	_, statErr := os.Stat(filepath.Join(h.fileDir, jobIDHex(jobID)))
	require.True(t, os.IsNotExist(statErr), "stale job's message directory should be removed")
}

// TestGCPassAfterGCPassRemovesNothing is spec.md §8's idempotence law:
// "A GC pass immediately following another GC pass removes nothing."
func TestGCPassAfterGCPassRemovesNothing(t *testing.T) {
	h := newHarness(t)
	c := h.c

	const jobID = 0xdeadbeef
	makeJobDir(t, h.fileDir, jobID, 21*24*time.Hour)

	c.MDB.SetLen(1)
	c.MDB.Set(0, catalog.Message{
		JobID:            jobID,
		HostName:         "hosta",
		FSAPos:           catalog.NoFSAPos,
		LastTransferTime: time.Now().Add(-21 * 24 * time.Hour).Unix(),
	})
	c.DirNames.Append("dir")
	c.FileMasks.Add(0x11, "*.dat")
	c.JID.Region().SetCount(1)
	c.JID.Set(0, catalog.Job{JobID: jobID, DirIDPos: 0, FileMaskID: 0x11, DirConfigID: -1, Recipient: "file:///local/in"})

	first, err := c.Run()
	require.NoError(t, err)
	require.Equal(t, 1, first.JobsRemoved)

	second, err := c.Run()
	require.NoError(t, err)
	require.Equal(t, Result{}, second, "a GC pass immediately following another removes nothing")
}

// TestGCCurrentJobIsNeverRemoved exercises phase 2/3/4's "keep if
// in_current_fsa" branch even though the job's filesystem entry is
// stale.
func TestGCCurrentJobIsNeverRemoved(t *testing.T) {
	h := newHarness(t)
	c := h.c

	const jobID = 0x42
	makeJobDir(t, h.fileDir, jobID, 21*24*time.Hour)

	c.FSA.SetLen(1)
	c.FSA.Set(0, catalog.Host{Alias: "hosta", AllowedTransfers: 4})

	c.MDB.SetLen(1)
	c.MDB.Set(0, catalog.Message{
		JobID:            jobID,
		HostName:         "hosta",
		LastTransferTime: time.Now().Add(-21 * 24 * time.Hour).Unix(),
	})
	c.DirNames.Append("dir")
	c.JID.Region().SetCount(1)
	c.JID.Set(0, catalog.Job{JobID: jobID, DirIDPos: 0, DirConfigID: -1, Recipient: "file:///local/in"})

	c.CurrentJobs = []uint32{jobID}

	res, err := c.Run()
	require.NoError(t, err)
	require.Equal(t, 0, res.JobsRemoved)
	require.Equal(t, 1, c.MDB.Len())
	require.True(t, c.MDB.Get(0).InCurrentFSA)
}
