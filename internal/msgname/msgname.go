// Package msgname parses and builds message names: the path-like
// identifiers encoding job, directory, time, unique counter, and
// split counter used as the staging-directory key (spec.md GLOSSARY
// "Message name", §6 "Wire/file formats").
package msgname

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Name is a parsed message name: jobid/dirnum/date_unique_splitcounter[/filename].
type Name struct {
	JobID        uint32
	DirNum       uint32
	InputTime    uint32 // "date" token, hex
	UniqueNumber uint32
	SplitCounter uint32
	FileName     string // empty when the name has no trailing file component
}

// Parse decodes a full message name, or a "<msg_name>/<file>" command
// payload such as spec.md §8's "5a/0/6012a_0001_0/data.bin". Malformed
// input yields an error; per spec.md §7 the caller discards the
// command and logs rather than propagating further.
func Parse(s string) (Name, error) {
	parts := strings.SplitN(s, "/", 4)
	if len(parts) < 3 {
		return Name{}, errors.Errorf("msgname: %q: expected at least 3 %q-separated tokens", s, "/")
	}
	var n Name
	jobID, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return Name{}, errors.Wrapf(err, "msgname: %q: bad job id", s)
	}
	n.JobID = uint32(jobID)

	dirNum, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Name{}, errors.Wrapf(err, "msgname: %q: bad dir number", s)
	}
	n.DirNum = uint32(dirNum)

	dateUniqueSplit := strings.Split(parts[2], "_")
	if len(dateUniqueSplit) != 3 {
		return Name{}, errors.Errorf("msgname: %q: expected date_unique_splitcounter, got %q", s, parts[2])
	}
	dateU, err := strconv.ParseUint(dateUniqueSplit[0], 16, 32)
	if err != nil {
		return Name{}, errors.Wrapf(err, "msgname: %q: bad date token", s)
	}
	n.InputTime = uint32(dateU)
	uniqueU, err := strconv.ParseUint(dateUniqueSplit[1], 16, 32)
	if err != nil {
		return Name{}, errors.Wrapf(err, "msgname: %q: bad unique token", s)
	}
	n.UniqueNumber = uint32(uniqueU)
	splitU, err := strconv.ParseUint(dateUniqueSplit[2], 16, 32)
	if err != nil {
		return Name{}, errors.Wrapf(err, "msgname: %q: bad split-counter token", s)
	}
	n.SplitCounter = uint32(splitU)

	if len(parts) == 4 {
		n.FileName = parts[3]
	}
	return n, nil
}

// String renders n back into its wire form.
func (n Name) String() string {
	base := fmt.Sprintf("%x/%d/%x_%x_%x/", n.JobID, n.DirNum, n.InputTime, n.UniqueNumber, n.SplitCounter)
	return base + n.FileName
}

// StagingDir returns the message name without its trailing file
// component, i.e. the directory under the staging area holding its
// files (spec.md §6 "file-dir/<msg_name>/<files>").
func (n Name) StagingDir() string {
	n2 := n
	n2.FileName = ""
	return strings.TrimSuffix(n2.String(), "/")
}

// NewUnique generates a fresh 32-bit unique token the way a synthetic
// test/tool message is minted, using the low bits of a random UUID
// rather than a process-local counter (there is no daemon-wide
// sequence to consult from a standalone tool).
func NewUnique() uint32 {
	id := uuid.New()
	return uint32(id[12])<<24 | uint32(id[13])<<16 | uint32(id[14])<<8 | uint32(id[15])
}
