// Package dispatcher implements the command dispatcher (spec.md
// §4.1): it applies parsed pipe commands atomically to the live
// queue, signalling/reaping workers, updating counters under
// byte-range locks, and emitting delete-log records.
package dispatcher

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/distfd/fdcore/internal/auditlog"
	"github.com/distfd/fdcore/internal/catalog"
	"github.com/distfd/fdcore/internal/logging"
	"github.com/distfd/fdcore/internal/msgname"
	"github.com/distfd/fdcore/internal/pipereader"
	"github.com/distfd/fdcore/internal/queue"
	"github.com/distfd/fdcore/internal/staging"
	"github.com/distfd/fdcore/internal/worker"
)

// Command tags, per spec.md §4.1's tag/payload table.
const (
	TagDeleteAllJobsFromHost  byte = 1
	TagDeleteMessage          byte = 2
	TagDeleteSingleFile       byte = 3
	TagDeleteRetrieve         byte = 4
	TagDeleteRetrievesFromDir byte = 5
)

// Throttler recomputes a host's (or directory's) transfer throttle
// after its active-transfer count changes. Spec.md §4.1 mentions this
// happens "if any rate limits are configured" without specifying the
// algorithm, which lives in the out-of-scope worker layer (spec.md
// §1); Dispatcher only needs to know whether to call it.
type Throttler interface {
	Recalculate(hostPos int)
}

// Dispatcher wires the queue mutator (E), worker controller (D), and
// delete-log emitter (G) together to apply §4.1's five commands.
type Dispatcher struct {
	Queue    *queue.Queue
	FSA      *catalog.FSA
	FRA      *catalog.FRA
	MDB      *catalog.MDB
	Worker   *worker.Controller
	Gauge    *worker.Gauge
	Audit    *auditlog.Writer
	FileDir  string
	Log      *logrus.Logger
	Throttle Throttler // nil if no rate limits configured
}

// ApplyBatch applies every command in cmds in order. Per spec.md
// §4.1: "Unknown tag bytes cause the entire buffer to be discarded
// with a diagnostic — commands do not attempt to re-synchronise
// mid-stream", so an unrecognised tag stops processing of the rest of
// this batch (which came from one pipe read, i.e. one "buffer").
func (d *Dispatcher) ApplyBatch(cmds []pipereader.Command) {
	for _, cmd := range cmds {
		if err := d.Apply(cmd); err != nil {
			d.Log.WithFields(logrus.Fields{"tag": cmd.Tag, "payload": cmd.Payload}).
				WithError(err).Error("dispatcher: command failed, discarding remaining buffer")
			return
		}
	}
}

// Apply applies a single command.
func (d *Dispatcher) Apply(cmd pipereader.Command) error {
	switch cmd.Tag {
	case TagDeleteAllJobsFromHost:
		return d.DeleteAllJobsFromHost(cmd.Payload)
	case TagDeleteMessage:
		return d.DeleteMessage(cmd.Payload)
	case TagDeleteSingleFile:
		return d.DeleteSingleFile(cmd.Payload)
	case TagDeleteRetrieve:
		return d.DeleteRetrieve(cmd.Payload)
	case TagDeleteRetrievesFromDir:
		return d.DeleteRetrievesFromDir(cmd.Payload)
	default:
		return errors.Errorf("dispatcher: unknown command tag %d", cmd.Tag)
	}
}

// matchesHost resolves e's host the indirect way queue entries store
// it: through the MDB cache slot for send jobs, or the FRA directory
// slot for fetch jobs.
func (d *Dispatcher) matchesHost(e queue.Entry, hostAlias string) bool {
	if e.IsFetch() {
		if int(e.Pos) < 0 || int(e.Pos) >= d.FRA.Len() {
			return false
		}
		return d.FRA.Get(int(e.Pos)).HostAlias == hostAlias
	}
	if int(e.Pos) < 0 || int(e.Pos) >= d.MDB.Len() {
		return false
	}
	return d.MDB.Get(int(e.Pos)).HostName == hostAlias
}

// killAndClearSlot runs the shared signal/reap protocol (spec.md
// §4.1 "Signal/reap protocol") for one queue entry's pid, clearing
// its FSA job_status slot and decrementing counters on success.
//
// The caller is expected to re-check pid > 0 right before calling
// this (spec.md §9 Open Question: preserved deliberately to guard a
// race where the child exits between the branches).
func (d *Dispatcher) killAndClearSlot(hostPos int, pid int32) error {
	if pid <= 0 {
		return nil
	}
	return d.Worker.KillAndReap(pid, worker.Signal, func() {
		d.FSA.ClearSlotByPid(hostPos, pid)
		d.Gauge.Dec()
		d.FSA.DecrementActiveTransfers(hostPos, -1)
		if d.Throttle != nil {
			d.Throttle.Recalculate(hostPos)
		}
	})
}

// DeleteAllJobsFromHost implements spec.md §4.1's
// DELETE_ALL_JOBS_FROM_HOST.
func (d *Dispatcher) DeleteAllJobsFromHost(hostAlias string) error {
	hostPos := d.FSA.FindByAlias(hostAlias)
	if hostPos < 0 {
		d.Log.WithField("host", hostAlias).Warn("dispatcher: delete-all-from-host: unknown host")
		return nil
	}

	var totalFiles int
	var totalBytes int64
	d.Queue.ForEachReverse(func(_ int, e queue.Entry) bool {
		if !d.matchesHost(e, hostAlias) {
			return false
		}
		if pid := e.Pid; pid > 0 {
			if err := d.killAndClearSlot(hostPos, pid); err != nil {
				d.Log.WithError(err).WithField("pid", logging.PID(pid)).Warn("dispatcher: kill/reap failed")
			}
		}
		d.FSA.ClearErrorCounterIfZero(hostPos)
		if name, err := msgname.Parse(e.MsgName); err == nil {
			files, bytes, err := staging.RemoveMessageDir(d.FileDir, name, d.Audit, d.Log, "dispatcher:delete_all_jobs_from_host")
			if err != nil {
				d.Log.WithError(err).WithField("msg", e.MsgName).Warn("dispatcher: staging removal failed")
			}
			totalFiles += files
			totalBytes += bytes
		}
		return true // compact this entry out
	})

	d.FSA.ResetCounters(hostPos)
	auditlog.Summary(d.Log, hostAlias, totalFiles, totalBytes)
	if d.Throttle != nil {
		d.Throttle.Recalculate(hostPos)
	}
	return nil
}

// DeleteMessage implements spec.md §4.1's DELETE_MESSAGE: the
// single-entry version of Delete-all-from-host, breaking out of the
// scan after the first match.
func (d *Dispatcher) DeleteMessage(fullMsgName string) error {
	name, err := msgname.Parse(fullMsgName)
	if err != nil {
		d.Log.WithError(err).WithField("payload", fullMsgName).Error("dispatcher: delete-message: malformed name")
		return nil
	}

	found := false
	d.Queue.ForEachReverse(func(_ int, e queue.Entry) bool {
		if found || e.MsgName != fullMsgName {
			return false
		}
		found = true
		if pid := e.Pid; pid > 0 {
			hostPos := d.hostPosForEntry(e)
			if hostPos >= 0 {
				if err := d.killAndClearSlot(hostPos, pid); err != nil {
					d.Log.WithError(err).Warn("dispatcher: delete-message: kill/reap failed")
				}
			}
		}
		files, bytes, err := staging.RemoveMessageDir(d.FileDir, name, d.Audit, d.Log, "dispatcher:delete_message")
		if err != nil {
			d.Log.WithError(err).Warn("dispatcher: delete-message: staging removal failed")
		}
		auditlog.Summary(d.Log, name.String(), files, bytes)
		return true
	})
	return nil
}

func (d *Dispatcher) hostPosForEntry(e queue.Entry) int {
	if e.IsFetch() {
		if int(e.Pos) < 0 || int(e.Pos) >= d.FRA.Len() {
			return -1
		}
		return d.FSA.FindByAlias(d.FRA.Get(int(e.Pos)).HostAlias)
	}
	if int(e.Pos) < 0 || int(e.Pos) >= d.MDB.Len() {
		return -1
	}
	return d.FSA.FindByAlias(d.MDB.Get(int(e.Pos)).HostName)
}

// DeleteSingleFile implements spec.md §4.1's DELETE_SINGLE_FILE.
// Payload is "<msg_name>/<file_name>", e.g. "5a/0/6012a_1_0/data.bin".
func (d *Dispatcher) DeleteSingleFile(payload string) error {
	name, err := msgname.Parse(payload)
	if err != nil || name.FileName == "" {
		d.Log.WithError(err).WithField("payload", payload).Error("dispatcher: delete-single-file: malformed payload")
		return nil
	}

	idx := -1
	var entry queue.Entry
	for i := 0; i < d.Queue.Len(); i++ {
		e := d.Queue.Get(i)
		if e.MsgName == name.StagingDir()+"/" && e.Pid == queue.Pending {
			idx = i
			entry = e
			break
		}
	}
	if idx < 0 {
		d.Log.WithField("payload", payload).Debug("dispatcher: delete-single-file: no pending entry")
		return nil
	}

	size, err := staging.RemoveFile(d.FileDir, name, name.FileName, d.Audit, "dispatcher:delete_single_file")
	if err != nil {
		return err
	}

	entry.FilesToSend--
	entry.FileSizeToSend -= size
	if entry.FilesToSend < 0 {
		entry.FilesToSend = 0
	}
	if entry.FileSizeToSend < 0 {
		entry.FileSizeToSend = 0
	}

	hostPos := d.hostPosForEntry(entry)
	if hostPos >= 0 {
		lock := d.FSA.TotalFileCountLock(hostPos)
		_ = lock.WithLock(func() error {
			d.FSA.DecrementTotalFileCount(hostPos, 1, size)
			return nil
		})
		d.FSA.ClearErrorCounterIfZero(hostPos)
	}

	if entry.FilesToSend == 0 {
		d.Queue.RemoveAt(idx)
	} else {
		d.Queue.Set(idx, entry)
	}
	return nil
}

// DeleteRetrieve implements spec.md §4.1's DELETE_RETRIEVE. Payload
// is "<msg_number> <fra_pos>".
func (d *Dispatcher) DeleteRetrieve(payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		d.Log.WithField("payload", payload).Error("dispatcher: delete-retrieve: malformed payload")
		return nil
	}
	msgNumber, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return errors.Wrap(err, "dispatcher: delete-retrieve: bad msg_number")
	}
	fraPos, err := strconv.Atoi(fields[1])
	if err != nil {
		return errors.Wrap(err, "dispatcher: delete-retrieve: bad fra_pos")
	}

	d.Queue.ForEachReverse(func(_ int, e queue.Entry) bool {
		if !e.IsFetch() || int(e.Pos) != fraPos || e.MsgNumber != msgNumber {
			return false
		}
		if pid := e.Pid; pid > 0 {
			hostPos := d.hostPosForEntry(e)
			if hostPos >= 0 {
				_ = d.killAndClearSlot(hostPos, pid)
			}
		}
		return true
	})
	return nil
}

// DeleteRetrievesFromDir implements spec.md §4.1's
// DELETE_RETRIEVES_FROM_DIR.
func (d *Dispatcher) DeleteRetrievesFromDir(dirAlias string) error {
	fraPos := d.FRA.FindByAlias(dirAlias)
	if fraPos < 0 {
		d.Log.WithField("dir", dirAlias).Warn("dispatcher: delete-retrieves-from-dir: unknown dir")
		return nil
	}

	d.Queue.ForEachReverse(func(_ int, e queue.Entry) bool {
		if !e.IsFetch() || int(e.Pos) != fraPos {
			return false
		}
		if pid := e.Pid; pid > 0 {
			hostPos := d.hostPosForEntry(e)
			if hostPos >= 0 {
				_ = d.killAndClearSlot(hostPos, pid)
			}
		}
		return true
	})

	d.FRA.ResetAfterDrain(fraPos, time.Now(), 0)
	return nil
}
