// Package dedup manages the per-directory dedup indices (spec.md
// GLOSSARY "Dedup index"): a content-addressed STORE tree and a CRC
// index, garbage-collected together with their owning directory.
//
// Grounded directly on the teacher's backend/cache/storage_persistent.go,
// which persists cache metadata in a small embedded database; here
// that same technique backs the CRC index instead of a bespoke binary
// format, using the teacher's direct go.etcd.io/bbolt dependency.
package dedup

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var crcBucket = []byte("crc")

// Index is one directory's dedup index: STORE/<dir_id>/ holds the
// content-addressed bytes, CRC/<dir_id> holds the CRC lookup.
type Index struct {
	dirID    uint32
	storeDir string
	crcPath  string
	db       *bbolt.DB
}

// Open opens (creating if necessary) the dedup index for dirID under
// fileDir, per spec.md §6: "file-dir/STORE/<dir_id>/,
// file-dir/CRC/<dir_id>".
func Open(fileDir string, dirID uint32) (*Index, error) {
	storeDir := filepath.Join(fileDir, "STORE", dirIDName(dirID))
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "dedup: mkdir %s", storeDir)
	}
	crcDir := filepath.Join(fileDir, "CRC")
	if err := os.MkdirAll(crcDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "dedup: mkdir %s", crcDir)
	}
	crcPath := filepath.Join(crcDir, dirIDName(dirID))
	db, err := bbolt.Open(crcPath, 0644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dedup: open %s", crcPath)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(crcBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{dirID: dirID, storeDir: storeDir, crcPath: crcPath, db: db}, nil
}

func dirIDName(dirID uint32) string {
	return hex(dirID)
}

func hex(v uint32) string {
	const digits = "0123456789abcdef"
	buf := [8]byte{}
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}

// Has reports whether crc has already been indexed, i.e. upstream
// workers should suppress a duplicate delivery.
func (idx *Index) Has(crc uint32) (bool, error) {
	var found bool
	err := idx.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(crcBucket).Get(crcKey(crc))
		found = v != nil
		return nil
	})
	return found, err
}

// Put records crc -> storedName in the CRC index.
func (idx *Index) Put(crc uint32, storedName string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(crcBucket).Put(crcKey(crc), []byte(storedName))
	})
}

// StorePath returns the path a content-addressed blob named name
// would live at under this directory's STORE tree.
func (idx *Index) StorePath(name string) string {
	return filepath.Join(idx.storeDir, name)
}

func crcKey(crc uint32) []byte {
	return []byte(hex(crc))
}

// Close releases the CRC database handle without removing anything.
func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// Remove tears down both halves of the index: closes the CRC
// database, then removes the CRC file and the STORE directory tree.
// Called from the catalogue GC's reference-cleanup phase once a
// directory is confirmed unreferenced (spec.md §4.2 phase 8: "For
// directories, any dedup storage ... is also removed").
func (idx *Index) Remove() error {
	if err := idx.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(idx.storeDir); err != nil {
		return errors.Wrapf(err, "dedup: remove %s", idx.storeDir)
	}
	if err := os.Remove(idx.crcPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "dedup: remove %s", idx.crcPath)
	}
	return nil
}

// RemoveForDir removes the dedup index for dirID under fileDir without
// requiring the caller to have it open, for the common GC case where
// the index was never read during the sweep.
func RemoveForDir(fileDir string, dirID uint32) error {
	storeDir := filepath.Join(fileDir, "STORE", dirIDName(dirID))
	crcPath := filepath.Join(fileDir, "CRC", dirIDName(dirID))
	if err := os.RemoveAll(storeDir); err != nil {
		return errors.Wrapf(err, "dedup: remove %s", storeDir)
	}
	if err := os.Remove(crcPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "dedup: remove %s", crcPath)
	}
	return nil
}
