// Package queue is the queue mutator (spec.md component E): it holds
// the ordered array of pending/active messages and compacts it as
// entries are removed.
package queue

import (
	"encoding/binary"
	"math"

	"github.com/distfd/fdcore/internal/shm"
)

// Pending is the sentinel pid of a queue entry with no worker child
// yet assigned (spec.md §3, "pid ... or sentinel PENDING").
const Pending int32 = -1

// FetchJob marks a queue entry as a retrieve (pull-mode) job rather
// than a send job, per spec.md §3's special_flag bit set.
const FetchJob uint32 = 0x01

// RecSize is the fixed size of one marshalled queue record:
// msg_name(256) + msg_number(8) + pos(4) + pid(4) + connect_pos(4) +
// special_flag(4) + files_to_send(4) + file_size_to_send(8).
const RecSize = 256 + 8 + 4 + 4 + 4 + 4 + 4 + 8

const nameLen = 256

// Entry is one queue entry (spec.md §3 "Queue entry").
type Entry struct {
	MsgName        string
	MsgNumber      float64
	Pos            int32
	Pid            int32
	ConnectPos     int32
	SpecialFlag    uint32
	FilesToSend    int32
	FileSizeToSend int64
}

// IsFetch reports whether the entry is a retrieve job.
func (e Entry) IsFetch() bool { return e.SpecialFlag&FetchJob != 0 }

func marshal(buf []byte, e Entry) {
	for i := range buf[:nameLen] {
		buf[i] = 0
	}
	copy(buf[:nameLen], e.MsgName)
	o := nameLen
	binary.LittleEndian.PutUint64(buf[o:], math.Float64bits(e.MsgNumber))
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(e.Pos))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(e.Pid))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(e.ConnectPos))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], e.SpecialFlag)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(e.FilesToSend))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(e.FileSizeToSend))
}

func unmarshal(buf []byte) Entry {
	var e Entry
	end := 0
	for end < nameLen && buf[end] != 0 {
		end++
	}
	e.MsgName = string(buf[:end])
	o := nameLen
	e.MsgNumber = math.Float64frombits(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	e.Pos = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	e.Pid = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	e.ConnectPos = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	e.SpecialFlag = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	e.FilesToSend = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	e.FileSizeToSend = int64(binary.LittleEndian.Uint64(buf[o:]))
	return e
}

// Queue wraps a shm.Region holding queue_buf records. Mutation is
// single-writer by convention (spec.md §3 "Ownership"): the
// dispatcher and GC are the only writers and never run concurrently.
type Queue struct {
	region *shm.Region
}

// New wraps an already-opened region. Callers open the region with
// shm.Open(path, queue.RecSize, wantVersion).
func New(region *shm.Region) *Queue {
	return &Queue{region: region}
}

// Len returns the number of live queue entries.
func (q *Queue) Len() int { return int(q.region.Count()) }

// Get returns the entry at index i.
func (q *Queue) Get(i int) Entry {
	return unmarshal(q.region.Record(i))
}

// Set overwrites the entry at index i.
func (q *Queue) Set(i int, e Entry) {
	marshal(q.region.Record(i), e)
}

// Append adds e as a new last entry.
func (q *Queue) Append(e Entry) {
	n := q.Len()
	q.region.SetCount(uint32(n + 1))
	q.Set(n, e)
}

// RemoveAt compacts entry i out of the array by shifting every
// following entry down by one slot, then shrinking the count. This is
// spec.md's "compact the queue" applied after a single removal; O(n)
// per removal, matching the reference daemon's own shift-left
// compaction (no reordering of survivors).
func (q *Queue) RemoveAt(i int) {
	n := q.Len()
	for j := i; j < n-1; j++ {
		q.Set(j, q.Get(j+1))
	}
	q.region.SetCount(uint32(n - 1))
}

// ForEachReverse walks live entries back-to-front, calling fn for
// each. If fn returns true the entry at that index is removed via
// RemoveAt. Walking in reverse means RemoveAt's shift never disturbs
// an index still to be visited, which is what lets
// Delete-retrieves-from-dir's spec wording ("loops, decrementing the
// scan index on each removal") be expressed as a plain backward scan.
func (q *Queue) ForEachReverse(fn func(i int, e Entry) bool) {
	for i := q.Len() - 1; i >= 0; i-- {
		if fn(i, q.Get(i)) {
			q.RemoveAt(i)
		}
	}
}

// FixupPositions decrements Pos on every send-job entry whose Pos is
// greater than cachePos, the fix-up required after a cache slot at
// cachePos is compacted out (spec.md §4.2 phase 5: "adjusting all
// qb[*].pos > cache_pos in the queue").
func (q *Queue) FixupPositions(cachePos int) {
	for i := 0; i < q.Len(); i++ {
		e := q.Get(i)
		if e.IsFetch() {
			continue
		}
		if e.Pos > int32(cachePos) {
			e.Pos--
			q.Set(i, e)
		}
	}
}
