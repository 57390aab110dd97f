// Package catalog holds the four persistent catalogues (job, dir,
// file-mask, password) plus the FSA/FRA/MDB tables that the catalogue
// GC in package gc operates on (spec.md component F, §4.2).
package catalog

import (
	"encoding/binary"

	"github.com/distfd/fdcore/internal/shm"
)

const (
	aliasLen       = 64
	displayLen     = 64
	errorHistSize  = 5
	maxJobSlots    = 10
	fileNameLen    = 256
	uniqueNameLen  = 64
)

// DisconnectStatus is the per-slot connect_status value written after
// a worker is reaped (spec.md §4.1 "connect_status=DISCONNECT").
const DisconnectStatus int32 = 0

// JobStatus is one per-slot job_status sub-record of an FSA host
// (spec.md §3).
type JobStatus struct {
	Pid           int32
	ConnectStatus int32
	FileSizeInUse int64
	FileSizeDone  int64
	FileNameInUse string
	UniqueName    string
	JobID         uint32
}

// Clear zeros a JobStatus in place, per spec.md §4.1's reap protocol:
// "zero all per-slot no_of_files*, file_size*, file_name_in_use, and
// unique_name".
func (s *JobStatus) Clear() {
	*s = JobStatus{ConnectStatus: DisconnectStatus}
}

// Host is one FSA record (spec.md §3 "Host status record").
type Host struct {
	Alias            string
	DisplayName      string
	TotalFileCount   int32
	TotalFileSize    int64
	ActiveTransfers  int32
	AllowedTransfers int32
	ErrorCounter     int32
	ErrorHistory     [errorHistSize]byte
	JobsQueued       int32
	Jobs             [maxJobSlots]JobStatus
}

// RecSize is the fixed marshalled size of one Host record.
const RecSize = aliasLen + displayLen + 4 + 8 + 4 + 4 + 4 + errorHistSize + 4 + maxJobSlots*jobStatusSize

const jobStatusSize = 4 + 4 + 8 + 8 + fileNameLen + uniqueNameLen + 4

func putString(buf []byte, n int, s string) {
	for i := range buf[:n] {
		buf[i] = 0
	}
	copy(buf[:n], s)
}

func getString(buf []byte, n int) string {
	end := 0
	for end < n && buf[end] != 0 {
		end++
	}
	return string(buf[:end])
}

func marshalJobStatus(buf []byte, s JobStatus) {
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], uint32(s.Pid))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(s.ConnectStatus))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(s.FileSizeInUse))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(s.FileSizeDone))
	o += 8
	putString(buf[o:o+fileNameLen], fileNameLen, s.FileNameInUse)
	o += fileNameLen
	putString(buf[o:o+uniqueNameLen], uniqueNameLen, s.UniqueName)
	o += uniqueNameLen
	binary.LittleEndian.PutUint32(buf[o:], s.JobID)
}

func unmarshalJobStatus(buf []byte) JobStatus {
	var s JobStatus
	o := 0
	s.Pid = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	s.ConnectStatus = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	s.FileSizeInUse = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	s.FileSizeDone = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	s.FileNameInUse = getString(buf[o:o+fileNameLen], fileNameLen)
	o += fileNameLen
	s.UniqueName = getString(buf[o:o+uniqueNameLen], uniqueNameLen)
	o += uniqueNameLen
	s.JobID = binary.LittleEndian.Uint32(buf[o:])
	return s
}

func marshalHost(buf []byte, h Host) {
	o := 0
	putString(buf[o:o+aliasLen], aliasLen, h.Alias)
	o += aliasLen
	putString(buf[o:o+displayLen], displayLen, h.DisplayName)
	o += displayLen
	binary.LittleEndian.PutUint32(buf[o:], uint32(h.TotalFileCount))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(h.TotalFileSize))
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(h.ActiveTransfers))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(h.AllowedTransfers))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(h.ErrorCounter))
	o += 4
	copy(buf[o:o+errorHistSize], h.ErrorHistory[:])
	o += errorHistSize
	binary.LittleEndian.PutUint32(buf[o:], uint32(h.JobsQueued))
	o += 4
	for _, s := range h.Jobs {
		marshalJobStatus(buf[o:o+jobStatusSize], s)
		o += jobStatusSize
	}
}

func unmarshalHost(buf []byte) Host {
	var h Host
	o := 0
	h.Alias = getString(buf[o:o+aliasLen], aliasLen)
	o += aliasLen
	h.DisplayName = getString(buf[o:o+displayLen], displayLen)
	o += displayLen
	h.TotalFileCount = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	h.TotalFileSize = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	h.ActiveTransfers = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	h.AllowedTransfers = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	h.ErrorCounter = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	copy(h.ErrorHistory[:], buf[o:o+errorHistSize])
	o += errorHistSize
	h.JobsQueued = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	for i := range h.Jobs {
		h.Jobs[i] = unmarshalJobStatus(buf[o : o+jobStatusSize])
		o += jobStatusSize
	}
	return h
}

// FSA wraps the host-status table.
type FSA struct {
	region *shm.Region
}

// NewFSA wraps an already-opened region (shm.Open(path, catalog.RecSize, version)).
func NewFSA(region *shm.Region) *FSA { return &FSA{region: region} }

// Region returns the underlying shared region, for the GC's
// attach/size-verify phase (spec.md §4.2 phase 1).
func (f *FSA) Region() *shm.Region { return f.region }

// Len returns the number of host slots.
func (f *FSA) Len() int { return int(f.region.Count()) }

// SetLen grows or shrinks the table's slot count, used by the
// start-up loader when FSA is (re)built from the host configuration.
func (f *FSA) SetLen(n int) { f.region.SetCount(uint32(n)) }

// Get returns the host at position pos.
func (f *FSA) Get(pos int) Host { return unmarshalHost(f.region.Record(pos)) }

// Set overwrites the host at position pos.
func (f *FSA) Set(pos int, h Host) { marshalHost(f.region.Record(pos), h) }

// FindByAlias returns the position of the host with the given alias,
// or -1 if not present.
func (f *FSA) FindByAlias(alias string) int {
	for i := 0; i < f.Len(); i++ {
		if f.Get(i).Alias == alias {
			return i
		}
	}
	return -1
}

// TotalFileCountLock returns the range lock guarding pos's
// total-file-count arithmetic (spec.md §5 "LOCK_TFC").
func (f *FSA) TotalFileCountLock(pos int) *shm.RangeLock {
	off := int64(pos)*RecSize + shm.LockTFC
	return f.region.NewRangeLock(off, 4)
}

// ErrorCounterLock returns the range lock guarding pos's error
// counter (spec.md §5 "LOCK_EC").
func (f *FSA) ErrorCounterLock(pos int) *shm.RangeLock {
	off := int64(pos)*RecSize + shm.LockEC
	return f.region.NewRangeLock(off, 4)
}

// ResetCounters hard-resets the host's aggregate counters and every
// per-slot job_status, per spec.md §4.1's end-of-loop step in
// Delete-all-from-host.
func (f *FSA) ResetCounters(pos int) {
	h := f.Get(pos)
	h.TotalFileCount = 0
	h.TotalFileSize = 0
	h.ActiveTransfers = 0
	h.ErrorCounter = 0
	h.JobsQueued = 0
	for i := range h.ErrorHistory {
		h.ErrorHistory[i] = 0
	}
	for i := range h.Jobs {
		h.Jobs[i].Clear()
	}
	f.Set(pos, h)
}

// DecrementActiveTransfers adjusts pos's active-transfer count by
// delta, clamped to [0, allowed_transfers] per spec.md §4.1's
// signal/reap protocol.
func (f *FSA) DecrementActiveTransfers(pos int, delta int32) {
	h := f.Get(pos)
	h.ActiveTransfers += delta
	if h.ActiveTransfers < 0 {
		h.ActiveTransfers = 0
	}
	if h.ActiveTransfers > h.AllowedTransfers {
		h.ActiveTransfers = h.AllowedTransfers
	}
	f.Set(pos, h)
}

// DecrementTotalFileCount adjusts pos's total file count/size by the
// given deltas, clamping at zero (spec.md §8 invariant:
// "total_file_count[h] == 0 => total_file_size[h] == 0").
func (f *FSA) DecrementTotalFileCount(pos int, files int32, bytes int64) {
	h := f.Get(pos)
	h.TotalFileCount -= files
	h.TotalFileSize -= bytes
	if h.TotalFileCount <= 0 {
		h.TotalFileCount = 0
		h.TotalFileSize = 0
	}
	if h.TotalFileSize < 0 {
		h.TotalFileSize = 0
	}
	f.Set(pos, h)
}

// ClearErrorCounterIfZero resets the error-queue membership once the
// error counter returns to zero, per spec.md §4.1's single-file
// delete step.
func (f *FSA) ClearErrorCounterIfZero(pos int) {
	h := f.Get(pos)
	if h.ErrorCounter == 0 {
		for i := range h.ErrorHistory {
			h.ErrorHistory[i] = 0
		}
		f.Set(pos, h)
	}
}

// ClearSlotByPid finds the job_status slot owned by pid in host pos
// and clears it, returning whether a slot was found.
func (f *FSA) ClearSlotByPid(pos int, pid int32) bool {
	h := f.Get(pos)
	for i := range h.Jobs {
		if h.Jobs[i].Pid == pid {
			h.Jobs[i].Clear()
			f.Set(pos, h)
			return true
		}
	}
	return false
}
