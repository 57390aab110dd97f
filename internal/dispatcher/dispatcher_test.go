package dispatcher

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/distfd/fdcore/internal/auditlog"
	"github.com/distfd/fdcore/internal/catalog"
	"github.com/distfd/fdcore/internal/layout"
	"github.com/distfd/fdcore/internal/pipereader"
	"github.com/distfd/fdcore/internal/queue"
	"github.com/distfd/fdcore/internal/shm"
	"github.com/distfd/fdcore/internal/worker"
)

// testHarness wires a full Dispatcher over temp-dir-backed shm
// regions, mirroring spec.md §8's end-to-end scenarios.
type testHarness struct {
	d       *Dispatcher
	fileDir string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	qRegion, err := shm.Open(filepath.Join(dir, "msg_queue"), queue.RecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = qRegion.Close() })

	fsaRegion, err := shm.Open(filepath.Join(dir, "fsa"), catalog.RecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsaRegion.Close() })

	fraRegion, err := shm.Open(filepath.Join(dir, "fra"), catalog.FRARecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fraRegion.Close() })

	mdbRegion, err := shm.Open(filepath.Join(dir, "mdb"), catalog.MDBRecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mdbRegion.Close() })

	fileDir := filepath.Join(dir, "file-dir")
	require.NoError(t, os.MkdirAll(fileDir, 0755))

	log := logrus.New()
	log.SetOutput(os.Stderr)

	auditPath := filepath.Join(dir, "delete_log")
	audit, err := auditlog.Open(auditPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	h := &testHarness{
		d: &Dispatcher{
			Queue:   queue.New(qRegion),
			FSA:     catalog.NewFSA(fsaRegion),
			FRA:     catalog.NewFRA(fraRegion),
			MDB:     catalog.NewMDB(mdbRegion),
			Worker:  worker.New(log),
			Gauge:   &worker.Gauge{},
			Audit:   audit,
			FileDir: fileDir,
			Log:     log,
		},
		fileDir: fileDir,
	}
	return h
}

// writeStagingFile creates fileDir/<msgDir>/<name> with the given
// contents, returning its size.
func writeStagingFile(t *testing.T, fileDir, msgDir, name string, contents []byte) int64 {
	t.Helper()
	dir := filepath.Join(fileDir, msgDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), contents, 0644))
	return int64(len(contents))
}

// spawnSleeper starts a short-lived child process and returns its
// pid, to exercise the real signal/reap protocol instead of stubbing
// it out.
func spawnSleeper(t *testing.T) int32 {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return int32(cmd.Process.Pid)
}

func TestDeleteAllJobsFromHost(t *testing.T) {
	h := newHarness(t)

	h.d.FSA.SetLen(2)
	h.d.FSA.Set(0, catalog.Host{
		Alias:            "hosta",
		TotalFileCount:   2,
		TotalFileSize:    20000,
		ActiveTransfers:  1,
		AllowedTransfers: 4,
	})
	h.d.FSA.Set(1, catalog.Host{Alias: "hostb"})

	h.d.MDB.SetLen(2)
	h.d.MDB.Set(0, catalog.Message{JobID: 1, HostName: "hosta"})
	h.d.MDB.Set(1, catalog.Message{JobID: 2, HostName: "hostb"})

	pid := spawnSleeper(t)

	size := writeStagingFile(t, h.fileDir, "5a/0/6012a_1_0", "data.bin", make([]byte, 12345))

	h.d.Queue.Append(queue.Entry{
		MsgName:        "5a/0/6012a_1_0/",
		Pos:            0,
		Pid:            pid,
		FilesToSend:    1,
		FileSizeToSend: size,
	})
	h.d.Queue.Append(queue.Entry{
		MsgName: "5a/0/6012a_2_0/",
		Pos:     1,
		Pid:     queue.Pending,
	})

	require.NoError(t, h.d.DeleteAllJobsFromHost("hosta"))

	require.Equal(t, 1, h.d.Queue.Len(), "only hostb's entry should remain")
	require.Equal(t, "5a/0/6012a_2_0/", h.d.Queue.Get(0).MsgName)

	host := h.d.FSA.Get(0)
	require.EqualValues(t, 0, host.TotalFileCount)
	require.EqualValues(t, 0, host.TotalFileSize)
	require.EqualValues(t, 0, host.ActiveTransfers)

	_, err := os.Stat(filepath.Join(h.fileDir, "5a/0/6012a_1_0", "data.bin"))
	require.True(t, os.IsNotExist(err), "staged file should be removed")
}

func TestDeleteMessageRemovesOnlyMatchingEntry(t *testing.T) {
	h := newHarness(t)
	h.d.FSA.SetLen(1)
	h.d.FSA.Set(0, catalog.Host{Alias: "hosta", AllowedTransfers: 4})
	h.d.MDB.SetLen(1)
	h.d.MDB.Set(0, catalog.Message{JobID: 1, HostName: "hosta"})

	writeStagingFile(t, h.fileDir, "5a/0/6012a_1_0", "data.bin", []byte("hello"))

	h.d.Queue.Append(queue.Entry{MsgName: "5a/0/6012a_1_0/", Pos: 0, Pid: queue.Pending})
	h.d.Queue.Append(queue.Entry{MsgName: "5a/0/6012a_2_0/", Pos: 0, Pid: queue.Pending})

	require.NoError(t, h.d.DeleteMessage("5a/0/6012a_1_0/"))

	require.Equal(t, 1, h.d.Queue.Len())
	require.Equal(t, "5a/0/6012a_2_0/", h.d.Queue.Get(0).MsgName)
}

func TestDeleteSingleFileDecrementsAndKeepsEntryUntilLastFile(t *testing.T) {
	h := newHarness(t)
	h.d.FSA.SetLen(1)
	h.d.FSA.Set(0, catalog.Host{Alias: "hosta", AllowedTransfers: 4, TotalFileCount: 2, TotalFileSize: 300})
	h.d.MDB.SetLen(1)
	h.d.MDB.Set(0, catalog.Message{JobID: 1, HostName: "hosta"})

	writeStagingFile(t, h.fileDir, "5a/0/6012a_1_0", "a.bin", make([]byte, 100))
	writeStagingFile(t, h.fileDir, "5a/0/6012a_1_0", "b.bin", make([]byte, 200))

	h.d.Queue.Append(queue.Entry{
		MsgName:        "5a/0/6012a_1_0/",
		Pos:            0,
		Pid:            queue.Pending,
		FilesToSend:    2,
		FileSizeToSend: 300,
	})

	require.NoError(t, h.d.DeleteSingleFile("5a/0/6012a_1_0/a.bin"))

	require.Equal(t, 1, h.d.Queue.Len(), "entry survives: one file still pending")
	e := h.d.Queue.Get(0)
	require.EqualValues(t, 1, e.FilesToSend)
	require.EqualValues(t, 200, e.FileSizeToSend)

	host := h.d.FSA.Get(0)
	require.EqualValues(t, 1, host.TotalFileCount)
	require.EqualValues(t, 200, host.TotalFileSize)

	require.NoError(t, h.d.DeleteSingleFile("5a/0/6012a_1_0/b.bin"))
	require.Equal(t, 0, h.d.Queue.Len(), "entry removed once last file is gone")
}

func TestDeleteRetrievesFromDirResetsFRAAndDrainsFetchEntries(t *testing.T) {
	h := newHarness(t)
	h.d.FRA.SetLen(1)
	h.d.FRA.Set(0, catalog.Dir{DirAlias: "dira", ErrorCounter: 3, DirFlag: catalog.ErrorSet, Queued: 5})
	h.d.FSA.SetLen(1)
	h.d.FSA.Set(0, catalog.Host{Alias: "hosta", AllowedTransfers: 4})

	h.d.Queue.Append(queue.Entry{MsgName: "fetch-1", Pos: 0, SpecialFlag: queue.FetchJob, Pid: queue.Pending})
	h.d.Queue.Append(queue.Entry{MsgName: "other", Pos: 0, Pid: queue.Pending})

	require.NoError(t, h.d.DeleteRetrievesFromDir("dira"))

	require.Equal(t, 1, h.d.Queue.Len())
	require.Equal(t, "other", h.d.Queue.Get(0).MsgName)

	dir := h.d.FRA.Get(0)
	require.EqualValues(t, 0, dir.Queued)
	require.EqualValues(t, 0, dir.ErrorCounter)
	require.EqualValues(t, 0, dir.DirFlag&catalog.ErrorSet)
}

func TestApplyBatchStopsOnUnknownTag(t *testing.T) {
	h := newHarness(t)
	h.d.FSA.SetLen(1)
	h.d.FSA.Set(0, catalog.Host{Alias: "hosta", AllowedTransfers: 4})
	h.d.MDB.SetLen(1)
	h.d.MDB.Set(0, catalog.Message{JobID: 1, HostName: "hosta"})
	h.d.Queue.Append(queue.Entry{MsgName: "5a/0/6012a_1_0/", Pos: 0, Pid: queue.Pending})

	cmds := []pipereader.Command{
		{Tag: 0xff, Payload: "garbage"},
		{Tag: TagDeleteAllJobsFromHost, Payload: "hosta"},
	}
	h.d.ApplyBatch(cmds)

	require.Equal(t, 1, h.d.Queue.Len(), "batch stopped at the unknown tag, second command never applied")
}
