// Package pipereader is the framed, restartable byte-stream parser
// over the command pipe (spec.md component C, §4.1 "Framing
// protocol").
package pipereader

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Command is one parsed tag+payload pair (spec.md §4.1).
type Command struct {
	Tag     byte
	Payload string
}

// Reader owns a reusable buffer sized to the pipe's capacity and the
// unparsed tail left over from the previous Read call.
type Reader struct {
	r    io.Reader
	buf  []byte
	tail int // bytes of unparsed data at the front of buf
	log  *logrus.Logger
}

// New returns a Reader over r with a buffer of the given capacity
// (conventionally the pipe's PIPE_BUF / fcntl F_GETPIPE_SZ size).
func New(r io.Reader, capacity int, log *logrus.Logger) *Reader {
	return &Reader{r: r, buf: make([]byte, capacity), log: log}
}

// Read performs one wake-up's worth of work: it reads once into the
// space remaining after any retained tail, then scans forward parsing
// whole tag+NUL-terminated commands. A payload lacking a terminator
// is kept as the new tail. A short (zero-byte) read returns (nil,
// nil) without disturbing the tail. A read error resets the buffer
// (the tail is discarded) and is returned for the caller to log,
// matching spec.md §4.1: "unknown tag bytes cause the entire buffer
// to be discarded ... commands do not attempt to re-synchronise
// mid-stream" and "a read error resets the buffer and logs".
func (p *Reader) Read() ([]Command, error) {
	if p.tail >= len(p.buf) {
		// Tail somehow filled the whole buffer with no terminator;
		// there is nowhere to read more into. Treat as corruption:
		// discard and resync on the next write boundary.
		p.log.Warn("pipereader: tail filled buffer with no terminator, discarding")
		p.tail = 0
		return nil, nil
	}
	n, err := p.r.Read(p.buf[p.tail:])
	if err != nil && err != io.EOF {
		p.tail = 0
		if p.log != nil {
			p.log.WithError(err).Error("pipereader: read failed, buffer reset")
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	total := p.tail + n
	var cmds []Command
	scan := 0
	for scan < total {
		tag := p.buf[scan]
		payloadStart := scan + 1
		nulAt := indexByte(p.buf[payloadStart:total], 0)
		if nulAt < 0 {
			// incomplete payload: keep [scan:total) as the new tail
			copy(p.buf, p.buf[scan:total])
			p.tail = total - scan
			return cmds, nil
		}
		payload := string(p.buf[payloadStart : payloadStart+nulAt])
		cmds = append(cmds, Command{Tag: tag, Payload: payload})
		scan = payloadStart + nulAt + 1
	}
	p.tail = 0
	return cmds, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
