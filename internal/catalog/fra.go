package catalog

import (
	"encoding/binary"
	"time"

	"github.com/distfd/fdcore/internal/layout"
	"github.com/distfd/fdcore/internal/shm"
)

// DirFlag bits for Dir.DirFlag (spec.md §3 "dir_flag (bit set
// includes ERROR_SET)").
const (
	ErrorSet uint32 = 0x01
)

const dirAliasLen = 64
const hostAliasLen = 64

// Dir is one FRA record (spec.md §3 "Retrieve-directory record").
type Dir struct {
	DirAlias      string
	HostAlias     string
	ErrorCounter  int32
	DirFlag       uint32
	Queued        int32
	NextCheckTime int64
}

// FRARecSize is the fixed marshalled size of one Dir record.
const FRARecSize = dirAliasLen + hostAliasLen + 4 + 4 + 4 + 8

func marshalDir(buf []byte, d Dir) {
	o := 0
	putString(buf[o:o+dirAliasLen], dirAliasLen, d.DirAlias)
	o += dirAliasLen
	putString(buf[o:o+hostAliasLen], hostAliasLen, d.HostAlias)
	o += hostAliasLen
	binary.LittleEndian.PutUint32(buf[o:], uint32(d.ErrorCounter))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], d.DirFlag)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(d.Queued))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(d.NextCheckTime))
}

func unmarshalDir(buf []byte) Dir {
	var d Dir
	o := 0
	d.DirAlias = getString(buf[o:o+dirAliasLen], dirAliasLen)
	o += dirAliasLen
	d.HostAlias = getString(buf[o:o+hostAliasLen], hostAliasLen)
	o += hostAliasLen
	d.ErrorCounter = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	d.DirFlag = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	d.Queued = int32(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	d.NextCheckTime = int64(binary.LittleEndian.Uint64(buf[o:]))
	return d
}

// FRA wraps the retrieve-directory-status table.
type FRA struct {
	region *shm.Region
}

// NewFRA wraps an already-opened region.
func NewFRA(region *shm.Region) *FRA { return &FRA{region: region} }

// Region returns the underlying shared region.
func (f *FRA) Region() *shm.Region { return f.region }

// Len returns the number of directory slots.
func (f *FRA) Len() int { return int(f.region.Count()) }

// SetLen grows or shrinks the table's slot count, used by the
// start-up loader when FRA is (re)built from the directory
// configuration.
func (f *FRA) SetLen(n int) { f.region.SetCount(uint32(n)) }

// Get returns the dir at position pos.
func (f *FRA) Get(pos int) Dir { return unmarshalDir(f.region.Record(pos)) }

// Set overwrites the dir at position pos.
func (f *FRA) Set(pos int, d Dir) { marshalDir(f.region.Record(pos), d) }

// FindByAlias returns the position of the directory with the given
// alias, or -1 if not present.
func (f *FRA) FindByAlias(alias string) int {
	for i := 0; i < f.Len(); i++ {
		if f.Get(i).DirAlias == alias {
			return i
		}
	}
	return -1
}

// ErrorCounterLock returns the range lock guarding pos's error
// counter (spec.md §3 "Locked on the byte range of error_counter").
func (f *FRA) ErrorCounterLock(pos int) *shm.RangeLock {
	off := int64(layout.HeaderSize) + int64(pos)*FRARecSize + dirAliasLen + hostAliasLen
	return f.region.NewRangeLock(off, 4)
}

// ResetAfterDrain clears a directory's queued count, error counter and
// ErrorSet flag. When scanInterval is positive it also sets
// next_check_time to now+scanInterval; with a zero scanInterval
// next_check_time is left unchanged.
func (f *FRA) ResetAfterDrain(pos int, now time.Time, scanInterval time.Duration) {
	d := f.Get(pos)
	d.Queued = 0
	d.ErrorCounter = 0
	d.DirFlag &^= ErrorSet
	if scanInterval > 0 {
		d.NextCheckTime = now.Add(scanInterval).Unix()
	}
	f.Set(pos, d)
}
