package catalog

import (
	"encoding/binary"

	"github.com/distfd/fdcore/internal/shm"
)

const hostNameLen = 64

// Message is one MDB record (spec.md §3 "Message cache record").
type Message struct {
	JobID            uint32
	HostName         string
	FSAPos           int32
	Port             int32
	Type             int32
	AgeLimit         int32
	MsgTime          int64
	LastTransferTime int64
	InCurrentFSA     bool
}

// NoFSAPos is the sentinel written into FSAPos when HostName no
// longer resolves in FSA, per spec.md §4.2 phase 4: "clear fsa_pos to
// a sentinel so subsequent work does not touch FSA".
const NoFSAPos int32 = -1

// MDBRecSize is the fixed marshalled size of one Message record.
const MDBRecSize = 4 + hostNameLen + 4 + 4 + 4 + 4 + 8 + 8 + 1

func marshalMessage(buf []byte, m Message) {
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], m.JobID)
	o += 4
	putString(buf[o:o+hostNameLen], hostNameLen, m.HostName)
	o += hostNameLen
	binary.LittleEndian.PutUint32(buf[o:], uint32(m.FSAPos))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(m.Port))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(m.Type))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(m.AgeLimit))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(m.MsgTime))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(m.LastTransferTime))
	o += 8
	if m.InCurrentFSA {
		buf[o] = 1
	} else {
		buf[o] = 0
	}
}

func unmarshalMessage(buf []byte) Message {
	var m Message
	o := 0
	m.JobID = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	m.HostName = getString(buf[o:o+hostNameLen], hostNameLen)
	o += hostNameLen
	m.FSAPos = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	m.Port = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	m.Type = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	m.AgeLimit = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	m.MsgTime = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	m.LastTransferTime = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	m.InCurrentFSA = buf[o] != 0
	return m
}

// MDB wraps the message-cache table.
type MDB struct {
	region *shm.Region
}

// NewMDB wraps an already-opened region.
func NewMDB(region *shm.Region) *MDB { return &MDB{region: region} }

// Region returns the underlying shared region.
func (m *MDB) Region() *shm.Region { return m.region }

// Len returns the number of cache slots.
func (m *MDB) Len() int { return int(m.region.Count()) }

// SetLen grows or shrinks the table's slot count, used when the job
// catalogue loader appends a newly seen job's message-cache slot.
func (m *MDB) SetLen(n int) { m.region.SetCount(uint32(n)) }

// Get returns the message at position pos.
func (m *MDB) Get(pos int) Message { return unmarshalMessage(m.region.Record(pos)) }

// Set overwrites the message at position pos.
func (m *MDB) Set(pos int, msg Message) { marshalMessage(m.region.Record(pos), msg) }

// FindByJobID returns the position of the cache slot for jobID, or -1.
func (m *MDB) FindByJobID(jobID uint32) int {
	for i := 0; i < m.Len(); i++ {
		if m.Get(i).JobID == jobID {
			return i
		}
	}
	return -1
}

// ClearInCurrentFSA clears the in_current_fsa flag on every slot, the
// first step of spec.md §4.2 phase 2.
func (m *MDB) ClearInCurrentFSA() {
	for i := 0; i < m.Len(); i++ {
		msg := m.Get(i)
		if msg.InCurrentFSA {
			msg.InCurrentFSA = false
			m.Set(i, msg)
		}
	}
}

// RemoveAt compacts slot pos out of the array, matching spec.md §4.2
// phase 5 ("compact the cache slot out"). Callers are responsible for
// the matching queue.FixupPositions(pos) fix-up described there.
func (m *MDB) RemoveAt(pos int) {
	n := m.Len()
	for j := pos; j < n-1; j++ {
		m.Set(j, m.Get(j+1))
	}
	m.region.SetCount(uint32(n - 1))
}
