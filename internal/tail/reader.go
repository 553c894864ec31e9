// Package tail reads append-only log files incrementally. It never returns
// a partial trailing line: bytes after the last newline are left unconsumed
// and come back, complete, on a later call.
package tail

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Cursor is the byte offset already consumed from a file.
type Cursor struct {
	Offset int64
}

// Result is the outcome of one incremental read.
type Result struct {
	// Lines holds every newline-complete line appended since the previous
	// cursor, in file order, without the trailing newline.
	Lines []string

	// Cursor is the position to pass to the next ReadNew call. It only
	// moves past the last complete line.
	Cursor Cursor

	// Truncated reports that the file shrank below the previous cursor and
	// was re-read from the start.
	Truncated bool

	// Size and ModTime describe the file at the time of the read.
	Size    int64
	ModTime time.Time

	// Bytes is the number of bytes consumed by this read.
	Bytes int64
}

// ReadNew returns the lines appended to path since cur.
//
// If the file is shorter than cur it is treated as truncated and read from
// offset 0. If nothing new is available the cursor is returned unchanged.
// A read error leaves the cursor untouched so the caller can retry.
func ReadNew(path string, cur Cursor) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{Cursor: cur}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{Cursor: cur}, fmt.Errorf("stat %s: %w", path, err)
	}

	res := Result{
		Cursor:  cur,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	start := cur.Offset
	if start < 0 || start > info.Size() {
		start = 0
		res.Truncated = true
		res.Cursor = Cursor{}
	}
	if start == info.Size() {
		return res, nil
	}

	buf := make([]byte, info.Size()-start)
	if _, err := io.ReadFull(io.NewSectionReader(f, start, int64(len(buf))), buf); err != nil {
		return Result{Cursor: cur, Size: info.Size(), ModTime: info.ModTime()}, fmt.Errorf("read %s at %d: %w", path, start, err)
	}

	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		// Only an incomplete line so far.
		return res, nil
	}

	res.Lines = splitLines(buf[:last])
	res.Bytes = int64(last + 1)
	res.Cursor = Cursor{Offset: start + res.Bytes}
	return res, nil
}

// splitLines splits newline-separated data into lines. The input must not
// include the final terminating newline.
func splitLines(data []byte) []string {
	parts := bytes.Split(data, []byte{'\n'})
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = decode(p)
	}
	return lines
}

// decode converts raw bytes to a string, replacing invalid UTF-8 sequences.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
