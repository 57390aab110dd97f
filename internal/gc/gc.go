// Package gc implements the catalogue garbage collector (spec.md
// component F, §4.2): at start-up it reconciles the on-disk message
// directory, the message cache, the job catalogue, and the four
// reference-counted catalogues, tearing down whatever is no longer
// referenced by a surviving job.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/distfd/fdcore/internal/ackqueue"
	"github.com/distfd/fdcore/internal/auditlog"
	"github.com/distfd/fdcore/internal/catalog"
	"github.com/distfd/fdcore/internal/dedup"
	"github.com/distfd/fdcore/internal/lifecycle"
	"github.com/distfd/fdcore/internal/logging"
	"github.com/distfd/fdcore/internal/msgname"
	"github.com/distfd/fdcore/internal/queue"
	"github.com/distfd/fdcore/internal/shm"
	"github.com/distfd/fdcore/internal/sortutil"
	"github.com/distfd/fdcore/internal/staging"
	"github.com/distfd/fdcore/internal/worker"
)

// Loader resolves a job id not yet present in the message cache into
// a new cache slot, per spec.md §4.2 phase 2: "load the job via an
// external loader and mark its new slot." The loader itself (reading
// the job's recipient/host binding) is out of this core's scope
// (spec.md §1); Collector only needs the resulting slot.
type Loader func(jobID uint32) (catalog.Message, bool)

// Collector wires every catalogue (component F) together with the
// shared-region manager (A), worker controller (D), queue mutator
// (E), delete-log emitter (G), and sort utility (I) to run spec.md
// §4.2's nine phases.
type Collector struct {
	FSA        *catalog.FSA
	MDB        *catalog.MDB
	JID        *catalog.JID
	DirNames   *catalog.DirNameTable
	FileMasks  *catalog.FileMaskTable
	Passwords  *catalog.PasswordTable
	DirConfigs *catalog.DirConfigTable
	Queue      *queue.Queue
	Worker     *worker.Controller
	Gauge      *worker.Gauge
	Audit      *auditlog.Writer
	Ack        *ackqueue.AckQueue
	FileDir    string
	Log        *logrus.Logger

	// SwitchFileTime * MaxOutputLogFiles is the staleness window of
	// spec.md §4.2 phase 3/4 ("older than SWITCH_FILE_TIME *
	// max_output_log_files seconds").
	SwitchFileTime    time.Duration
	MaxOutputLogFiles int

	// CurrentJobs is the external current-job-list input of phase 2.
	CurrentJobs []uint32
	// Loader resolves job ids from CurrentJobs missing from the cache.
	Loader Loader

	// Now returns the current time; overridable in tests.
	Now func() time.Time
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Result tallies what one Run removed, for logging and tests.
type Result struct {
	JobsRemoved       int
	DirsRemoved       int
	FileMasksRemoved  int
	PasswordsRemoved  int
	DirConfigsRemoved int
}

// Run executes all nine phases in order, per spec.md §4.2. The
// caller is responsible for the start-up wait barrier and structure
// lock described there; Run assumes both are already held (see
// WaitAndLock).
func (c *Collector) Run() (Result, error) {
	var res Result

	if err := c.phase1AttachSizeVerify(); err != nil {
		return res, errors.Wrap(err, "gc: phase 1 attach/size-verify")
	}

	c.phase2CurrentListReconciliation()

	staleFromFS := c.phase3FilesystemSweep()
	marked := c.phase4CacheConsistencySweep(staleFromFS)

	removedJobIDs, deferred := c.phase5RemovalLoop(marked)
	res.JobsRemoved = len(removedJobIDs)

	c.phase6BulkJobCompaction(removedJobIDs)

	c.phase7ReferenceCountCheck(deferred)

	if err := c.phase8ReferenceCleanup(deferred, &res); err != nil {
		return res, errors.Wrap(err, "gc: phase 8 reference cleanup")
	}

	c.phase9AlternateFileCleanup(removedJobIDs)

	return res, nil
}

// WaitAndLock implements the start-up barrier preceding phase 1:
// "poll every 100ms until a status word's WRITING_JID_STRUCT bit
// clears, at most 11s; then acquire a write lock on the first byte of
// the job-id catalogue."
func WaitAndLock(ctx context.Context, jidRegion *shm.Region, jid *catalog.JID) (*shm.RangeLock, error) {
	ok := lifecycle.WaitBarrier(ctx, 100*time.Millisecond, 11*time.Second, func() bool {
		return !jidRegion.WritingJID()
	})
	if !ok {
		return nil, errors.New("gc: timed out waiting for WRITING_JID_STRUCT to clear")
	}
	lock := jid.StructureLock()
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrap(err, "gc: acquire job-id structure lock")
	}
	return lock, nil
}

// regions lists every persistent table a fresh Collector needs to
// size-verify, for phase 1.
func (c *Collector) regions() []*shm.Region {
	regions := []*shm.Region{
		c.FSA.Region(), c.MDB.Region(), c.JID.Region(),
		c.DirNames.Region(), c.FileMasks.Region(), c.DirConfigs.Region(),
	}
	if c.Passwords != nil {
		regions = append(regions, c.Passwords.Region())
	}
	return regions
}

// phase1AttachSizeVerify is spec.md §4.2 phase 1: reject a table whose
// on-disk size doesn't yet match its header count, retrying up to 20
// times 1s apart to let a concurrent writer finish growing the file.
func (c *Collector) phase1AttachSizeVerify() error {
	for _, region := range c.regions() {
		region := region
		err := lifecycle.RetryWithBackoff(20, time.Second, func(attempt int) (bool, error) {
			verr := region.VerifySize()
			if verr == nil {
				return true, nil
			}
			if attempt < 19 {
				if rerr := region.Remap(); rerr != nil {
					return false, rerr
				}
			}
			return false, verr
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// phase2CurrentListReconciliation is spec.md §4.2 phase 2.
func (c *Collector) phase2CurrentListReconciliation() {
	c.MDB.ClearInCurrentFSA()

	for _, jobID := range c.CurrentJobs {
		pos := c.MDB.FindByJobID(jobID)
		if pos < 0 {
			if c.Loader == nil {
				continue
			}
			slot, ok := c.Loader(jobID)
			if !ok {
				continue
			}
			slot.InCurrentFSA = true
			c.MDB.SetLen(c.MDB.Len() + 1)
			c.MDB.Set(c.MDB.Len()-1, slot)
			continue
		}
		msg := c.MDB.Get(pos)
		if fsaPos := c.FSA.FindByAlias(msg.HostName); fsaPos >= 0 {
			if int(msg.FSAPos) != fsaPos {
				msg.FSAPos = int32(fsaPos)
			}
		} else if msg.FSAPos >= 0 && (int(msg.FSAPos) >= c.FSA.Len() || c.FSA.Get(int(msg.FSAPos)).Alias != msg.HostName) {
			msg.FSAPos = catalog.NoFSAPos
		}
		msg.InCurrentFSA = true
		c.MDB.Set(pos, msg)
	}
}

// phase3FilesystemSweep is spec.md §4.2 phase 3. The message directory
// is scanned for hex-job-id top-level entries; entries whose mtime
// predates the staleness window and whose cache slot is neither
// current nor recently transferred are marked for removal. Returns
// the cache positions it decided on, so phase 4 skips re-deciding
// them.
func (c *Collector) phase3FilesystemSweep() map[int]bool {
	marked := make(map[int]bool)
	entries, err := os.ReadDir(c.FileDir)
	if err != nil {
		if c.Log != nil {
			c.Log.WithError(err).Warn("gc: phase 3: read message directory")
		}
		return marked
	}

	threshold := c.now().Add(-c.SwitchFileTime * time.Duration(c.MaxOutputLogFiles))

	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		jobID, err := strconv.ParseUint(ent.Name(), 16, 32)
		if err != nil {
			continue // not a job-id directory (e.g. STORE, CRC)
		}
		info, err := ent.Info()
		if err != nil || info.ModTime().After(threshold) {
			continue
		}

		pos := c.MDB.FindByJobID(uint32(jobID))
		if pos < 0 {
			continue
		}
		msg := c.MDB.Get(pos)
		if msg.InCurrentFSA {
			continue // keep
		}
		if time.Unix(msg.LastTransferTime, 0).After(threshold) {
			continue // within window: let viewers resend
		}
		marked[pos] = true
	}
	return marked
}

// phase4CacheConsistencySweep is spec.md §4.2 phase 4: every cache
// slot not already decided by phase 3 is checked independently.
func (c *Collector) phase4CacheConsistencySweep(alreadyMarked map[int]bool) map[int]bool {
	threshold := c.now().Add(-c.SwitchFileTime * time.Duration(c.MaxOutputLogFiles))

	marked := make(map[int]bool, len(alreadyMarked))
	for pos := range alreadyMarked {
		marked[pos] = true
	}

	for i := 0; i < c.MDB.Len(); i++ {
		if alreadyMarked[i] {
			continue
		}
		msg := c.MDB.Get(i)
		changed := false
		if msg.FSAPos != catalog.NoFSAPos {
			if msg.FSAPos < 0 || int(msg.FSAPos) >= c.FSA.Len() || c.FSA.Get(int(msg.FSAPos)).Alias != msg.HostName {
				msg.FSAPos = catalog.NoFSAPos
				changed = true
			}
		}
		if changed {
			c.MDB.Set(i, msg)
		}
		if !msg.InCurrentFSA && time.Unix(msg.LastTransferTime, 0).Before(threshold) {
			marked[i] = true
		}
	}
	return marked
}

// deferredLists accumulates the candidate ids for phase 8, carried
// through phases 5-7.
type deferredLists struct {
	dirPositions []int32
	fileMaskIDs  []uint32
	dirConfigIDs []int32
	credentials  map[string]bool
}

// phase5RemovalLoop is spec.md §4.2 phase 5. Per marked cache slot it
// kills live workers, pops acknowledgements, removes staging state,
// defers the job's catalogue references, and compacts the cache slot
// and queue. It returns the removed job ids (input to phases 6 and 9)
// and the deferred-removal candidate lists (input to phases 7-8).
//
// Marked positions are processed from highest to lowest so that each
// MDB.RemoveAt/Queue.FixupPositions pair only ever invalidates
// positions already visited, per the "duplicate job entries" warning
// in spec.md §9: every matching queue entry for a slot is removed,
// never just the first.
func (c *Collector) phase5RemovalLoop(marked map[int]bool) ([]uint32, *deferredLists) {
	positions := make([]int, 0, len(marked))
	for pos := range marked {
		positions = append(positions, pos)
	}
	sortutil.HeapSortDescending(positions)

	deferred := &deferredLists{credentials: make(map[string]bool)}
	var removedJobIDs []uint32

	for _, pos := range positions {
		msg := c.MDB.Get(pos)
		jobPos := c.JID.FindByID(msg.JobID)

		var name msgname.Name
		haveName := false
		c.Queue.ForEachReverse(func(_ int, e queue.Entry) bool {
			if e.IsFetch() || int(e.Pos) != pos {
				return false
			}
			if n, err := msgname.Parse(e.MsgName); err == nil {
				name = n
				haveName = true
			}
			if e.Pid > 0 {
				pid := e.Pid
				fsaPos := msg.FSAPos
				if err := c.Worker.KillAndReap(pid, worker.Signal, func() {
					if fsaPos < 0 || int(fsaPos) >= c.FSA.Len() {
						return
					}
					c.FSA.ClearSlotByPid(int(fsaPos), pid)
					c.Gauge.Dec()
					c.FSA.DecrementActiveTransfers(int(fsaPos), -1)
				}); err != nil && c.Log != nil {
					c.Log.WithError(err).WithField("pid", logging.PID(pid)).Warn("gc: kill/reap failed")
				}
			}
			return true
		})

		if haveName {
			if c.Ack != nil {
				c.Ack.Pop(name.StagingDir())
			}
			if _, _, err := staging.RemoveMessageDir(c.FileDir, name, c.Audit, c.Log, "gc.go"); err != nil && c.Log != nil {
				c.Log.WithError(err).Warn("gc: remove staging dir")
			}
		}

		// The job's top-level message-directory entry (named by its hex
		// job id, per phase 3's filesystem sweep) is removed regardless
		// of whether a queue entry was still tracking it.
		jobDir := filepath.Join(c.FileDir, fmt.Sprintf("%x", msg.JobID))
		if err := os.RemoveAll(jobDir); err != nil && c.Log != nil {
			c.Log.WithError(err).WithField("job_id", msg.JobID).Warn("gc: remove message directory")
		}

		if jobPos >= 0 {
			job := c.JID.Get(jobPos)
			deferred.dirPositions = append(deferred.dirPositions, job.DirIDPos)
			deferred.fileMaskIDs = append(deferred.fileMaskIDs, job.FileMaskID)
			deferred.dirConfigIDs = append(deferred.dirConfigIDs, job.DirConfigID)
			if key, ok := catalog.CredentialKey(job.Recipient); ok {
				scheme := catalog.SchemeFromRecipient(job.Recipient)
				if catalog.IsCredentialBearing(scheme) {
					deferred.credentials[key] = true
				}
			}
			removedJobIDs = append(removedJobIDs, job.JobID)
		}

		c.MDB.RemoveAt(pos)
		c.Queue.FixupPositions(pos)
	}

	return removedJobIDs, deferred
}

// phase6BulkJobCompaction is spec.md §4.2 phase 6.
func (c *Collector) phase6BulkJobCompaction(removedJobIDs []uint32) {
	if len(removedJobIDs) == 0 {
		return
	}
	positions := make([]int, 0, len(removedJobIDs))
	for _, id := range removedJobIDs {
		if pos := c.JID.FindByID(id); pos >= 0 {
			positions = append(positions, pos)
		}
	}
	c.JID.CompactRemove(positions)
}

// phase7ReferenceCountCheck is spec.md §4.2 phase 7: prune from the
// deferred lists anything a surviving job still references.
func (c *Collector) phase7ReferenceCountCheck(deferred *deferredLists) {
	refDirs := c.JID.ReferencedDirs()
	refMasks := c.JID.ReferencedFileMasks()
	refConfigs := c.JID.ReferencedDirConfigs()

	deferred.dirPositions = pruneInt32(deferred.dirPositions, refDirs)
	deferred.fileMaskIDs = pruneUint32(deferred.fileMaskIDs, refMasks)
	deferred.dirConfigIDs = pruneInt32(deferred.dirConfigIDs, refConfigs)

	for i := 0; i < c.JID.Len(); i++ {
		job := c.JID.Get(i)
		if key, ok := catalog.CredentialKey(job.Recipient); ok {
			scheme := catalog.SchemeFromRecipient(job.Recipient)
			if catalog.IsCredentialBearing(scheme) {
				delete(deferred.credentials, key)
			}
		}
	}
}

func pruneInt32(candidates []int32, referenced map[int32]bool) []int32 {
	seen := make(map[int32]bool, len(candidates))
	out := candidates[:0]
	for _, v := range candidates {
		if seen[v] || referenced[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func pruneUint32(candidates []uint32, referenced map[uint32]bool) []uint32 {
	seen := make(map[uint32]bool, len(candidates))
	out := candidates[:0]
	for _, v := range candidates {
		if seen[v] || referenced[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// phase8ReferenceCleanup is spec.md §4.2 phase 8: removes whatever
// survived phase 7's pruning from each reference-counted catalogue.
// Directory removal is position-addressed and requires every
// surviving job's dir_id_pos to be fixed up afterwards, so it runs
// sequentially, highest position first, in its own goroutine; the
// file-mask, password, and dir-config sweeps are id/key-addressed and
// touch disjoint tables, so they run concurrently alongside it.
func (c *Collector) phase8ReferenceCleanup(deferred *deferredLists, res *Result) error {
	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		dirs := append([]int32(nil), deferred.dirPositions...)
		sortutil.HeapSortDescending32(dirs)
		for _, pos := range dirs {
			if int(pos) < 0 || int(pos) >= c.DirNames.Len() {
				continue
			}
			if err := dedup.RemoveForDir(c.FileDir, uint32(pos)); err != nil && c.Log != nil {
				c.Log.WithError(err).WithField("dir_pos", pos).Warn("gc: remove dedup index")
			}
			c.DirNames.RemoveAt(int(pos))
			c.JID.DecrementDirIDPosAbove(pos)
			res.DirsRemoved++
		}
		return nil
	})

	g.Go(func() error {
		for _, id := range deferred.fileMaskIDs {
			if c.FileMasks.RemoveByID(id) {
				res.FileMasksRemoved++
			}
		}
		return nil
	})

	g.Go(func() error {
		for _, id := range deferred.dirConfigIDs {
			if id < 0 {
				continue // sentinel: job carries no dir-config
			}
			if c.DirConfigs.RemoveByID(uint32(id)) {
				res.DirConfigsRemoved++
			}
		}
		return nil
	})

	g.Go(func() error {
		if c.Passwords == nil {
			return nil
		}
		for key := range deferred.credentials {
			if c.Passwords.RemoveByKey(key) {
				res.PasswordsRemoved++
			}
		}
		return nil
	})

	return g.Wait()
}

// phase9AlternateFileCleanup is spec.md §4.2 phase 9.
func (c *Collector) phase9AlternateFileCleanup(removedJobIDs []uint32) {
	for _, jobID := range removedJobIDs {
		path := filepath.Join(c.FileDir, fmt.Sprintf("ALTERNATE_FILE.%x", jobID))
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) && c.Log != nil {
				c.Log.WithError(err).WithField("job_id", jobID).Warn("gc: remove alternate file")
			}
			continue
		}
		if c.Log != nil {
			c.Log.WithField("job_id", fmt.Sprintf("%x", jobID)).Debug("gc: removed alternate file")
		}
	}
}
