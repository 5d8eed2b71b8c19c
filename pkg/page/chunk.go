package page

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// overflowError is raised internally when a chunk has no room left for a
// record; the container catches it and grows.
type overflowError struct{}

func (overflowError) Error() string { return "chunk overflow" }

// headerBytes mirrors the paged data file's 8-byte reserved capacity
// header (spec.md §3, resolved in SPEC_FULL.md to 8 bytes, matching
// original_source Page.java's SKIP_CAPACITY_BYTES).
const headerBytes = 8

// lengthPrefixBytes is the 4-byte length prefix preceding each record.
const lengthPrefixBytes = 4

// chunk is one fixed-capacity chunk file: header(8) + records(length:4|bytes)*.
type chunk struct {
	beginPosition int64 // absolute container-wide offset of this chunk's first byte
	capacity      int64
	path          string
	file          *os.File
	size          int64 // current body size (bytes written after header), i.e. next append position within chunk
}

func openChunk(dir string, beginPosition, capacity int64) (*chunk, error) {
	path := filepath.Join(dir, fmt.Sprintf("%d", beginPosition))
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open chunk %s: %w", path, err)
	}

	c := &chunk{beginPosition: beginPosition, capacity: capacity, path: path, file: f}

	if !existed {
		hdr := make([]byte, headerBytes)
		binary.BigEndian.PutUint64(hdr, uint64(capacity))
		if _, err := f.WriteAt(hdr, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("write chunk header %s: %w", path, err)
		}
		c.size = 0
		return c, nil
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat chunk %s: %w", path, err)
	}
	c.size = stat.Size() - headerBytes
	if c.size < 0 {
		c.size = 0
	}
	return c, nil
}

// endPosition returns the container-wide offset of the last byte this
// chunk could ever hold (its capacity boundary); the next chunk's
// beginPosition on roll-forward is endPosition()+1.
func (c *chunk) endPosition() int64 {
	return c.beginPosition + c.capacity - 1
}

func (c *chunk) append(record []byte) (int64, error) {
	needed := int64(lengthPrefixBytes + len(record))
	if c.size+needed > c.capacity {
		return 0, overflowError{}
	}

	buf := make([]byte, needed)
	binary.BigEndian.PutUint32(buf, uint32(len(record)))
	copy(buf[lengthPrefixBytes:], record)

	if _, err := c.file.WriteAt(buf, headerBytes+c.size); err != nil {
		return 0, fmt.Errorf("append to chunk %s: %w", c.path, err)
	}

	positionWithinChunk := c.size
	c.size += needed
	return c.beginPosition + positionWithinChunk, nil
}

func (c *chunk) get(offset int64) ([]byte, error) {
	positionWithinChunk := offset - c.beginPosition
	if positionWithinChunk < 0 || positionWithinChunk >= c.size {
		return nil, fmt.Errorf("offset %d out of range for chunk %s", offset, c.path)
	}

	lenBuf := make([]byte, lengthPrefixBytes)
	if _, err := c.file.ReadAt(lenBuf, headerBytes+positionWithinChunk); err != nil {
		return nil, fmt.Errorf("read chunk length %s: %w", c.path, err)
	}
	length := binary.BigEndian.Uint32(lenBuf)

	record := make([]byte, length)
	if _, err := c.file.ReadAt(record, headerBytes+positionWithinChunk+lengthPrefixBytes); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk record %s: %w", c.path, err)
	}
	return record, nil
}

// truncateAt drops everything from offset onward within this chunk,
// leaving the chunk open for further appends starting at offset.
func (c *chunk) truncateAt(offset int64) error {
	positionWithinChunk := offset - c.beginPosition
	if positionWithinChunk < 0 || positionWithinChunk > c.size {
		return fmt.Errorf("truncate offset %d out of range for chunk %s", offset, c.path)
	}
	if err := c.file.Truncate(headerBytes + positionWithinChunk); err != nil {
		return fmt.Errorf("truncate chunk %s: %w", c.path, err)
	}
	c.size = positionWithinChunk
	return nil
}

func (c *chunk) flush() error {
	return c.file.Sync()
}

func (c *chunk) close() error {
	return c.file.Close()
}

func (c *chunk) erase() error {
	if err := c.file.Close(); err != nil {
		return err
	}
	return os.Remove(c.path)
}

// sortChunksByBeginPosition sorts in place, ascending.
func sortChunksByBeginPosition(chunks []*chunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].beginPosition < chunks[j].beginPosition })
}
