// Package staging removes files and message directories from the
// on-disk staging area (spec.md §6 "file-dir/<msg_name>/<files>"),
// emitting one auditlog.Record per file removed.
package staging

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/distfd/fdcore/internal/auditlog"
	"github.com/distfd/fdcore/internal/msgname"
)

// RemoveFile unlinks one file belonging to msg inside fileDir,
// emitting a delete-log record via w. Returns the file's size as
// reported by stat before it was removed.
func RemoveFile(fileDir string, msg msgname.Name, fileName string, w *auditlog.Writer, source string) (int64, error) {
	path := filepath.Join(fileDir, msg.StagingDir(), fileName)
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "staging: stat %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return 0, errors.Wrapf(err, "staging: remove %s", path)
	}
	if w != nil {
		_ = w.Emit(auditlog.Record{
			FileSize:     st.Size(),
			JobID:        msg.JobID,
			DirID:        msg.DirNum,
			InputTime:    msg.InputTime,
			SplitCounter: msg.SplitCounter,
			UniqueNumber: msg.UniqueNumber,
			FileName:     fileName,
			Source:       source,
		})
	}
	return st.Size(), nil
}

// RemoveMessageDir removes every file under msg's staging directory
// and the directory itself, returning the count and total size of
// files removed. Used by Delete-all-from-host, Delete-message, and
// the GC's removal loop.
func RemoveMessageDir(fileDir string, msg msgname.Name, w *auditlog.Writer, log *logrus.Logger, source string) (int, int64, error) {
	dir := filepath.Join(fileDir, msg.StagingDir())
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, errors.Wrapf(err, "staging: readdir %s", dir)
	}
	var files int
	var bytes int64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		size, err := RemoveFile(fileDir, msg, ent.Name(), w, source)
		if err != nil {
			if log != nil {
				log.WithError(err).WithField("file", ent.Name()).Warn("staging: failed to remove file")
			}
			continue
		}
		files++
		bytes += size
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		if log != nil {
			log.WithError(err).WithField("dir", dir).Warn("staging: failed to remove message directory")
		}
	}
	return files, bytes, nil
}
