// Package shm is the shared-region manager (spec.md component A): it
// opens, sizes, and memory-maps the persistent tables and hands out
// byte-range write locks on designated offsets.
//
// Grounded on the teacher's lib/mmap (observed contract: MustAlloc/
// MustFree over a flat byte slice, lib/mmap/mmap_test.go) generalised
// from anonymous to file-backed mappings, using the teacher's direct
// golang.org/x/sys dependency for the mmap/flock syscalls themselves.
package shm

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/distfd/fdcore/internal/layout"
)

// Region is one mapped, header-prefixed table file. RecSize is the
// fixed size of each record following the header; variable-length
// tables (directory names, file masks) pass RecSize as their maximum
// slot size and track real lengths out of band.
type Region struct {
	path    string
	file    *os.File
	data    []byte
	RecSize int
}

// Open maps path, creating it with an empty header if it does not
// exist. wantVersion is checked against the on-disk version byte;
// mismatch is a fatal attach error per spec.md §4.2 phase 1.
func Open(path string, recSize int, wantVersion byte) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: open %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "shm: stat %s", path)
	}
	if st.Size() < int64(layout.HeaderSize) {
		if err := initHeader(f, wantVersion); err != nil {
			f.Close()
			return nil, err
		}
		st, err = f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "shm: re-stat %s", path)
		}
	}
	r := &Region{path: path, file: f, RecSize: recSize}
	if err := r.mmap(st.Size()); err != nil {
		f.Close()
		return nil, err
	}
	if v := r.data[layout.VersionOffset]; v != wantVersion {
		r.munmapOnly()
		f.Close()
		return nil, errors.Errorf("shm: %s: version mismatch: have %d want %d", path, v, wantVersion)
	}
	return r, nil
}

func initHeader(f *os.File, version byte) error {
	buf := make([]byte, layout.HeaderSize)
	buf[layout.VersionOffset] = version
	binary.LittleEndian.PutUint32(buf[layout.HeaderSize-layout.SizeofInt:], uint32(os.Getpagesize()))
	if _, err := f.WriteAt(buf, 0); err != nil {
		return errors.Wrapf(err, "shm: init header %s", f.Name())
	}
	return nil
}

func (r *Region) mmap(size int64) error {
	if size < int64(layout.HeaderSize) {
		size = int64(layout.HeaderSize)
	}
	data, err := unix.Mmap(int(r.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "shm: mmap %s", r.path)
	}
	r.data = data
	return nil
}

func (r *Region) munmapOnly() {
	if r.data != nil {
		_ = unix.Munmap(r.data)
		r.data = nil
	}
}

// Count returns the header's element count.
func (r *Region) Count() uint32 {
	return binary.LittleEndian.Uint32(r.data[0:4])
}

// SetCount writes the header's element count.
func (r *Region) SetCount(n uint32) {
	binary.LittleEndian.PutUint32(r.data[0:4], n)
}

// WritingJID reports whether the configuration loader's
// write-in-progress bit is set, per spec.md §4.2's start-up barrier.
func (r *Region) WritingJID() bool {
	return r.data[layout.SizeofInt+1]&layout.WritingJIDStructBit != 0
}

// Record returns a live slice into the mapped bytes for record i:
// mutations through it are visible to every process sharing the
// mapping immediately, matching the teacher's "typed record
// accessor" design note. The backing file is grown and remapped
// on demand the first time a slot past the current mapping is
// touched, so callers can Set a new slot right after bumping the
// header count without a separate resize step.
func (r *Region) Record(i int) []byte {
	off := int(layout.HeaderSize) + i*r.RecSize
	need := off + r.RecSize
	if need > len(r.data) {
		if err := r.growTo(need); err != nil {
			panic(errors.Wrapf(err, "shm: %s: grow to hold record %d", r.path, i))
		}
	}
	return r.data[off : off+r.RecSize]
}

// growTo extends the backing file to at least need bytes (rounded up
// to a whole number of records past the header) and remaps it.
func (r *Region) growTo(need int) error {
	extra := need - int(layout.HeaderSize)
	records := (extra + r.RecSize - 1) / r.RecSize
	newSize := layout.RecordSize(records, r.RecSize)
	if err := r.file.Truncate(newSize); err != nil {
		return errors.Wrapf(err, "shm: truncate %s", r.path)
	}
	r.munmapOnly()
	return r.mmap(newSize)
}

// Size returns the file's current apparent size, used by the GC's
// size-verify retry loop (spec.md §4.2 phase 1).
func (r *Region) Size() (int64, error) {
	st, err := r.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Resize grows or shrinks the backing file to hold n records and
// remaps it. Nothing in this module calls it; the GC's
// reference-cleanup phase leaves file sizes unchanged.
func (r *Region) Resize(n int) error {
	newSize := layout.RecordSize(n, r.RecSize)
	r.munmapOnly()
	if err := r.file.Truncate(newSize); err != nil {
		return errors.Wrapf(err, "shm: truncate %s", r.path)
	}
	return r.mmap(newSize)
}

// VerifySize reports whether the file's apparent size on disk is at
// least large enough to hold Count() records after the header, per
// spec.md §4.2 phase 1's invariant "count * sizeof(record) + header ==
// file_size (else retry or fail)".
func (r *Region) VerifySize() error {
	expected := layout.RecordSize(int(r.Count()), r.RecSize)
	actual, err := r.Size()
	if err != nil {
		return err
	}
	if actual < expected {
		return errors.Errorf("shm: %s: size %d smaller than expected %d for %d records", r.path, actual, expected, r.Count())
	}
	return nil
}

// Remap re-stats the backing file and remaps it, used by the GC's
// attach/size-verify retry loop between attempts: another process may
// still be growing the file underneath it.
func (r *Region) Remap() error {
	st, err := r.file.Stat()
	if err != nil {
		return errors.Wrapf(err, "shm: re-stat %s", r.path)
	}
	r.munmapOnly()
	return r.mmap(st.Size())
}

// Sync flushes the mapping to disk (msync). Close calls it before
// unmapping.
func (r *Region) Sync() error {
	if r.data == nil {
		return nil
	}
	return unix.Msync(r.data, unix.MS_SYNC)
}

// Close syncs, unmaps, and closes the backing file.
func (r *Region) Close() error {
	err := r.Sync()
	r.munmapOnly()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Lock offsets for the range locks named in spec.md §5.
const (
	// StructureLock is header byte 1, guarding catalogue-structure
	// changes (e.g. the GC's compaction pass).
	StructureLock = 1
	// LockTFC is added to a host's lock_offset to guard its
	// total-file-count arithmetic.
	LockTFC = 0
	// LockEC is added to a host's lock_offset to guard its
	// error-counter arithmetic.
	LockEC = 4
	// LockExec guards the post-transfer exec critical section.
	LockExec = 8
)

// RangeLock is an advisory byte-range write lock on a single offset of
// a Region's backing file (spec.md GLOSSARY "Range lock").
type RangeLock struct {
	file   *os.File
	offset int64
	length int64
	held   bool
}

// NewRangeLock describes (but does not yet acquire) a lock on
// [offset, offset+length) of r's backing file.
func (r *Region) NewRangeLock(offset int64, length int64) *RangeLock {
	return &RangeLock{file: r.file, offset: offset, length: length}
}

// Lock blocks until the write lock is acquired.
func (l *RangeLock) Lock() error {
	fl := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  l.offset,
		Len:    l.length,
	}
	if err := unix.FcntlFlock(l.file.Fd(), unix.F_SETLKW, &fl); err != nil {
		return errors.Wrapf(err, "shm: lock %s @%d", l.file.Name(), l.offset)
	}
	l.held = true
	return nil
}

// Unlock releases the lock if held.
func (l *RangeLock) Unlock() error {
	if !l.held {
		return nil
	}
	fl := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  l.offset,
		Len:    l.length,
	}
	err := unix.FcntlFlock(l.file.Fd(), unix.F_SETLK, &fl)
	l.held = false
	return err
}

// WithLock runs fn while holding the lock, always unlocking
// afterwards. Locks are acquired only around the arithmetic they
// protect per spec.md §5.3, never held across I/O.
func (l *RangeLock) WithLock(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
