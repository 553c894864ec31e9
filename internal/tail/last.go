package tail

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// chunkSize is the block size used when scanning backwards from EOF.
const chunkSize = 64 * 1024

// ReadLastLines returns the last n lines of path without loading the whole
// file. A missing trailing newline is tolerated: the final bytes count as a
// line. Lines longer than one chunk are assembled across chunks.
func ReadLastLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return lastLines(f, info.Size(), n)
}

// SeedFromEnd reads the last n complete lines of path and returns a cursor
// just past them, so that later ReadNew calls continue from there. An
// incomplete trailing line is left for ReadNew, as it would be after a
// full read.
func SeedFromEnd(path string, n int) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}
	res := Result{Size: info.Size(), ModTime: info.ModTime()}

	end, err := completeEnd(f, info.Size())
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", path, err)
	}
	res.Cursor = Cursor{Offset: end}
	if end == 0 || n <= 0 {
		return res, nil
	}

	lines, err := lastLines(f, end, n)
	if err != nil {
		return res, err
	}
	res.Lines = lines
	for _, l := range lines {
		res.Bytes += int64(len(l)) + 1
	}
	return res, nil
}

// lastLines returns the last n lines of the first size bytes of f.
func lastLines(f *os.File, size int64, n int) ([]string, error) {
	if n <= 0 || size == 0 {
		return nil, nil
	}

	trailing, err := endsWithNewline(f, size)
	if err != nil {
		return nil, err
	}

	var (
		buf        []byte
		pos        = size
		separators = 0
	)
	if trailing {
		// The terminating newline closes the last line; it does not
		// separate two lines.
		separators = -1
	}

	for pos > 0 && separators < n {
		readSize := int64(chunkSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize

		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s at %d: %w", f.Name(), pos, err)
		}
		separators += bytes.Count(chunk, []byte{'\n'})
		buf = append(chunk, buf...)
	}

	if trailing {
		buf = buf[:len(buf)-1]
	}

	lines := splitLines(buf)
	if pos > 0 {
		// The first segment may be the tail of an earlier line.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// completeEnd returns the offset just past the last newline in the first
// size bytes of f, or 0 if there is none.
func completeEnd(f *os.File, size int64) (int64, error) {
	pos := size
	chunk := make([]byte, chunkSize)
	for pos > 0 {
		readSize := int64(chunkSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		if _, err := f.ReadAt(chunk[:readSize], pos); err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk[:readSize], '\n'); i >= 0 {
			return pos + int64(i) + 1, nil
		}
	}
	return 0, nil
}

func endsWithNewline(f *os.File, size int64) (bool, error) {
	var last [1]byte
	if _, err := f.ReadAt(last[:], size-1); err != nil && err != io.EOF {
		return false, err
	}
	return last[0] == '\n', nil
}
