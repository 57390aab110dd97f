package catalog

import (
	"encoding/binary"

	"github.com/distfd/fdcore/internal/shm"
)

// maxVarRecordLen bounds the pattern/name bytes of one variable-length
// record slot. Per spec.md §7 ("file-mask table overflow: truncate to
// safe count, log"), records longer than this are truncated rather
// than rejected.
const maxVarRecordLen = 512

// VarRecSize is the fixed slot size backing every variable-length
// catalogue (directory names, file masks, passwords, dir-config ids):
// a uint32 id, a uint16 length field, and the payload bytes, padded to
// a fixed slot so the table can still live in a shm.Region.
const VarRecSize = 4 + 2 + maxVarRecordLen

func marshalVarRecord(buf []byte, id uint32, payload string) {
	for i := range buf {
		buf[i] = 0
	}
	if len(payload) > maxVarRecordLen {
		payload = payload[:maxVarRecordLen]
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[6:], payload)
}

func unmarshalVarRecord(buf []byte) (id uint32, payload string) {
	id = binary.LittleEndian.Uint32(buf[0:4])
	n := binary.LittleEndian.Uint16(buf[4:6])
	payload = string(buf[6 : 6+int(n)])
	return
}

// varTable is the shared compaction/lookup machinery for the four
// reference-counted catalogues (spec.md §4.2 phase 8): directory
// names, file masks, passwords, and dir-config ids. Each is "a
// packed, compactable array of variable-size records" (spec.md §3).
type varTable struct {
	region *shm.Region
}

func (t *varTable) Len() int { return int(t.region.Count()) }

// Region returns the underlying shared region.
func (t *varTable) Region() *shm.Region { return t.region }

func (t *varTable) get(pos int) (uint32, string) {
	return unmarshalVarRecord(t.region.Record(pos))
}

func (t *varTable) set(pos int, id uint32, payload string) {
	marshalVarRecord(t.region.Record(pos), id, payload)
}

func (t *varTable) append(id uint32, payload string) {
	n := t.Len()
	t.region.SetCount(uint32(n + 1))
	t.set(n, id, payload)
}

// removeAt compacts the record at pos out, per spec.md §4.2 phase 8:
// "memmove-compact the array, decrement its count".
func (t *varTable) removeAt(pos int) {
	n := t.Len()
	for j := pos; j < n-1; j++ {
		id, payload := t.get(j + 1)
		t.set(j, id, payload)
	}
	t.region.SetCount(uint32(n - 1))
}

// findByID returns the position of id, or -1.
func (t *varTable) findByID(id uint32) int {
	for i := 0; i < t.Len(); i++ {
		rid, _ := t.get(i)
		if rid == id {
			return i
		}
	}
	return -1
}

// findByPayload returns the position whose payload equals s, or -1.
func (t *varTable) findByPayload(s string) int {
	for i := 0; i < t.Len(); i++ {
		_, payload := t.get(i)
		if payload == s {
			return i
		}
	}
	return -1
}

// DirNameTable is the directory-name catalogue (spec.md §6
// DIR_NAME_FILE). Entries are addressed by position: a job's
// dir_id_pos is that position, which is why removing one requires
// decrementing every surviving job's dir_id_pos above it (see
// JID.DecrementDirIDPosAbove).
type DirNameTable struct{ varTable }

// NewDirNameTable wraps an already-opened region.
func NewDirNameTable(region *shm.Region) *DirNameTable {
	return &DirNameTable{varTable{region: region}}
}

// Name returns the directory name at pos.
func (t *DirNameTable) Name(pos int) string { _, s := t.get(pos); return s }

// Append adds a new directory name, returning its position.
func (t *DirNameTable) Append(name string) int {
	t.append(0, name)
	return t.Len() - 1
}

// RemoveAt compacts the directory name at pos out of the table.
func (t *DirNameTable) RemoveAt(pos int) { t.removeAt(pos) }

// FileMaskTable is the file-mask catalogue (spec.md §6
// FILE_MASK_FILE). Entries are addressed by an opaque id stored in
// the record, not by position — only JID.DirIDPos needs position
// fix-ups per spec.md §4.2 phase 8, which is why file_mask_id
// survives compaction unchanged.
type FileMaskTable struct{ varTable }

// NewFileMaskTable wraps an already-opened region.
func NewFileMaskTable(region *shm.Region) *FileMaskTable {
	return &FileMaskTable{varTable{region: region}}
}

// Pattern returns the glob/regex pattern bytes of maskID, or "", false
// if not present.
func (t *FileMaskTable) Pattern(maskID uint32) (string, bool) {
	pos := t.findByID(maskID)
	if pos < 0 {
		return "", false
	}
	_, s := t.get(pos)
	return s, true
}

// Add inserts a new file-mask record under maskID.
func (t *FileMaskTable) Add(maskID uint32, pattern string) { t.append(maskID, pattern) }

// RemoveByID compacts the record for maskID out of the table,
// reporting whether it was present.
func (t *FileMaskTable) RemoveByID(maskID uint32) bool {
	pos := t.findByID(maskID)
	if pos < 0 {
		return false
	}
	t.removeAt(pos)
	return true
}

// DirConfigTable is the dir-config-id catalogue (spec.md §6
// DC_LIST_FILE), also id-keyed like FileMaskTable.
type DirConfigTable struct{ varTable }

// NewDirConfigTable wraps an already-opened region.
func NewDirConfigTable(region *shm.Region) *DirConfigTable {
	return &DirConfigTable{varTable{region: region}}
}

// Append adds a new dir-config-id record.
func (t *DirConfigTable) Append(id uint32) { t.append(id, "") }

// RemoveByID compacts the record for id out, reporting whether it was
// present.
func (t *DirConfigTable) RemoveByID(id uint32) bool {
	pos := t.findByID(id)
	if pos < 0 {
		return false
	}
	t.removeAt(pos)
	return true
}

// PasswordTable is the credential catalogue (spec.md §6 PWB_DATA_FILE),
// keyed by the "user@realhost" string derived from a job's recipient
// URL (spec.md §4.2 phase 8).
type PasswordTable struct{ varTable }

// NewPasswordTable wraps an already-opened region.
func NewPasswordTable(region *shm.Region) *PasswordTable {
	return &PasswordTable{varTable{region: region}}
}

// Has reports whether a credential is stored for key.
func (t *PasswordTable) Has(key string) bool { return t.findByPayload(key) >= 0 }

// Set stores (or overwrites) the credential for key. The password
// bytes themselves are opaque to this core; only presence/absence of
// the key matters for garbage collection, so the secret is not
// persisted by this in-core table (the real daemon keeps it in the
// same record; the GC never reads it).
func (t *PasswordTable) Set(key string, secret string) {
	if t.findByPayload(key) >= 0 {
		return
	}
	t.append(0, key)
}

// RemoveByKey compacts the credential for key out, reporting whether
// it was present.
func (t *PasswordTable) RemoveByKey(key string) bool {
	pos := t.findByPayload(key)
	if pos < 0 {
		return false
	}
	t.removeAt(pos)
	return true
}
