// Package auditlog is the delete-log emitter (spec.md component G):
// it writes one audit record per file or message removed.
package auditlog

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Separator is the character joining the "FD" tag and the source
// annotation in a record's trailing text, per spec.md §6.
const Separator = '#'

// Record is one delete-log entry (spec.md §6 "Delete-log record").
type Record struct {
	FileSize     int64
	JobID        uint32
	DirID        uint32
	InputTime    uint32
	SplitCounter uint32
	UniqueNumber uint32
	FileName     string
	// Source is the trailing "(file line)" annotation identifying the
	// call site that triggered the deletion, e.g. "dispatcher.go:142".
	Source string
}

// prefixSize is the fixed binary prefix before the variable file
// name: 5 uint32 fields + int64 file size + uint32 name length.
const prefixSize = 8 + 4*5 + 4

// Writer appends Records to an append-only audit file.
type Writer struct {
	f   *os.File
	log *logrus.Logger
}

// Open opens (creating if necessary) the delete-log file at path for
// appending.
func Open(path string, log *logrus.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "auditlog: open %s", path)
	}
	return &Writer{f: f, log: log}, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error { return w.f.Close() }

// Emit appends r as one binary record and logs a human-readable
// summary at DEBUG, matching spec.md §4.1's "emit a delete-log
// record" steps.
func (w *Writer) Emit(r Record) error {
	buf := make([]byte, prefixSize+len(r.FileName)+1+len(r.annotation()))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.FileSize))
	binary.LittleEndian.PutUint32(buf[8:12], r.JobID)
	binary.LittleEndian.PutUint32(buf[12:16], r.DirID)
	binary.LittleEndian.PutUint32(buf[16:20], r.InputTime)
	binary.LittleEndian.PutUint32(buf[20:24], r.SplitCounter)
	binary.LittleEndian.PutUint32(buf[24:28], r.UniqueNumber)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(r.FileName)))
	o := prefixSize
	o += copy(buf[o:], r.FileName)
	buf[o] = 0
	o++
	copy(buf[o:], r.annotation())

	if _, err := w.f.Write(buf); err != nil {
		return errors.Wrapf(err, "auditlog: write %s", r.FileName)
	}
	if w.log != nil {
		w.log.WithFields(logrus.Fields{
			"job_id": fmt.Sprintf("%x", r.JobID),
			"dir_id": fmt.Sprintf("%x", r.DirID),
			"file":   r.FileName,
			"size":   humanize.Bytes(uint64(r.FileSize)),
		}).Debug("auditlog: removed")
	}
	return nil
}

// annotation renders the "FD<sep>(file line)" trailing text.
func (r Record) annotation() string {
	return fmt.Sprintf("FD%c(%s)", Separator, r.Source)
}

// Summary renders a DEBUG-level line summarising a batch removal,
// e.g. after Delete-all-from-host, using humanize for counts/sizes
// the way an operator-facing log line should read.
func Summary(log *logrus.Logger, host string, files int, bytes int64) {
	if log == nil {
		return
	}
	log.WithFields(logrus.Fields{
		"host":  host,
		"files": humanize.Comma(int64(files)),
		"bytes": humanize.Bytes(uint64(bytes)),
	}).Debug("auditlog: batch removal complete")
}
