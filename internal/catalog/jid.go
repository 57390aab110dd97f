package catalog

import (
	"encoding/binary"

	"github.com/distfd/fdcore/internal/shm"
	"github.com/distfd/fdcore/internal/sortutil"
)

const recipientLen = 256

// Job is one job-id catalogue record (spec.md §3 "Job-id catalogue").
type Job struct {
	JobID       uint32
	DirIDPos    int32
	FileMaskID  uint32
	DirConfigID int32
	Recipient   string
}

// JIDRecSize is the fixed marshalled size of one Job record.
const JIDRecSize = 4 + 4 + 4 + 4 + recipientLen

func marshalJob(buf []byte, j Job) {
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], j.JobID)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(j.DirIDPos))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], j.FileMaskID)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(j.DirConfigID))
	o += 4
	putString(buf[o:o+recipientLen], recipientLen, j.Recipient)
}

func unmarshalJob(buf []byte) Job {
	var j Job
	o := 0
	j.JobID = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	j.DirIDPos = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	j.FileMaskID = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	j.DirConfigID = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	j.Recipient = getString(buf[o:o+recipientLen], recipientLen)
	return j
}

// JID wraps the job-id catalogue.
type JID struct {
	region *shm.Region
}

// NewJID wraps an already-opened region. The caller must hold
// StructureLock (header byte 1) around any call that compacts, per
// spec.md §5 ("header byte 1 = catalogue structure lock").
func NewJID(region *shm.Region) *JID { return &JID{region: region} }

// Region returns the underlying shared region.
func (j *JID) Region() *shm.Region { return j.region }

// Len returns the number of surviving jobs.
func (j *JID) Len() int { return int(j.region.Count()) }

// Get returns the job at position pos.
func (j *JID) Get(pos int) Job { return unmarshalJob(j.region.Record(pos)) }

// Set overwrites the job at position pos.
func (j *JID) Set(pos int, job Job) { marshalJob(j.region.Record(pos), job) }

// FindByID returns the position of jobID, or -1.
func (j *JID) FindByID(jobID uint32) int {
	for i := 0; i < j.Len(); i++ {
		if j.Get(i).JobID == jobID {
			return i
		}
	}
	return -1
}

// StructureLock returns the range lock guarding catalogue-structure
// changes (spec.md §5, header byte 1).
func (j *JID) StructureLock() *shm.RangeLock {
	return j.region.NewRangeLock(shm.StructureLock, 1)
}

// CompactRemove removes the job catalogue positions in removePositions
// (spec.md §4.2 phase 6: "sort the list ... in descending order using
// heap sort; then compact contiguous runs in one memmove per run").
//
// It sorts a copy of removePositions descending with
// sortutil.HeapSortDescending, then walks the result compacting each
// contiguous descending run (e.g. removing 7,6,5 from a 10-entry
// array is one shift of the tail over positions 5..7) in a single
// pass per run rather than one shift per index.
func (j *JID) CompactRemove(removePositions []int) {
	if len(removePositions) == 0 {
		return
	}
	sorted := append([]int(nil), removePositions...)
	sortutil.HeapSortDescending(sorted)

	n := j.Len()
	i := 0
	for i < len(sorted) {
		runEnd := i
		for runEnd+1 < len(sorted) && sorted[runEnd+1] == sorted[runEnd]-1 {
			runEnd++
		}
		// sorted[i..runEnd] is a contiguous descending run
		// [hi, hi-1, ..., lo]; shift everything above hi down by
		// (runEnd-i+1) slots in one pass.
		hi := sorted[i]
		lo := sorted[runEnd]
		shift := runEnd - i + 1
		for src := hi + 1; src < n; src++ {
			j.Set(src-shift, j.Get(src))
		}
		n -= shift
		_ = lo
		i = runEnd + 1
	}
	j.region.SetCount(uint32(n))
}

// ReferencedDirs returns the set of dir_id_pos values still referenced
// by a surviving job (spec.md §4.2 phase 7).
func (j *JID) ReferencedDirs() map[int32]bool {
	out := make(map[int32]bool, j.Len())
	for i := 0; i < j.Len(); i++ {
		out[j.Get(i).DirIDPos] = true
	}
	return out
}

// ReferencedFileMasks returns the set of file_mask_id values still
// referenced by a surviving job.
func (j *JID) ReferencedFileMasks() map[uint32]bool {
	out := make(map[uint32]bool, j.Len())
	for i := 0; i < j.Len(); i++ {
		out[j.Get(i).FileMaskID] = true
	}
	return out
}

// ReferencedDirConfigs returns the set of dir_config_id values still
// referenced by a surviving job.
func (j *JID) ReferencedDirConfigs() map[int32]bool {
	out := make(map[int32]bool, j.Len())
	for i := 0; i < j.Len(); i++ {
		out[j.Get(i).DirConfigID] = true
	}
	return out
}

// DecrementDirIDPosAbove decrements DirIDPos on every surviving job
// whose DirIDPos is greater than removedPos, per spec.md §4.2 phase 8:
// "for every surviving job whose dir_id_pos > removed_pos, decrement
// by one".
func (j *JID) DecrementDirIDPosAbove(removedPos int32) {
	for i := 0; i < j.Len(); i++ {
		job := j.Get(i)
		if job.DirIDPos > removedPos {
			job.DirIDPos--
			j.Set(i, job)
		}
	}
}
