// Package page implements IPage, the paged record container: an ordered
// list of fixed-capacity chunk files addressed by a single container-wide
// offset (spec.md §4.1). It is a standalone container: the file-backed
// hash index (pkg/hashindex) keeps its own memory-mapped file and does
// not store anything through it.
package page

import (
	"fmt"
	"os"
	"sort"
	"strconv"
)

// MinChunkCapacity is the smallest allowed chunk capacity.
const MinChunkCapacity = 4096

// Page is the paged record container (IPage in spec.md).
type Page struct {
	dir           string
	chunkCapacity int64
	chunks        []*chunk // ascending beginPosition order
}

// Open opens or creates a Page rooted at dir, with the given chunk
// capacity (minimum MinChunkCapacity; 0 selects the minimum).
func Open(dir string, chunkCapacity int64) (*Page, error) {
	if chunkCapacity == 0 {
		chunkCapacity = MinChunkCapacity
	}
	if chunkCapacity < MinChunkCapacity {
		return nil, fmt.Errorf("chunk capacity %d below minimum %d", chunkCapacity, MinChunkCapacity)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create page dir %s: %w", dir, err)
	}

	p := &Page{dir: dir, chunkCapacity: chunkCapacity}
	if err := p.loadExistingChunks(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Page) loadExistingChunks() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("read page dir %s: %w", p.dir, err)
	}

	var positions []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		positions = append(positions, n)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	for _, pos := range positions {
		c, err := openChunk(p.dir, pos, p.chunkCapacity)
		if err != nil {
			return err
		}
		p.chunks = append(p.chunks, c)
	}
	return nil
}

func (p *Page) newestChunk() (*chunk, error) {
	if len(p.chunks) == 0 {
		return p.grow()
	}
	return p.chunks[len(p.chunks)-1], nil
}

func (p *Page) grow() (*chunk, error) {
	var begin int64
	if len(p.chunks) > 0 {
		begin = p.chunks[len(p.chunks)-1].endPosition() + 1
	}
	c, err := openChunk(p.dir, begin, p.chunkCapacity)
	if err != nil {
		return nil, err
	}
	p.chunks = append(p.chunks, c)
	return c, nil
}

// Append appends record and returns its container-wide offset. It rolls
// forward to a new chunk when the current one would overflow.
func (p *Page) Append(record []byte) (int64, error) {
	c, err := p.newestChunk()
	if err != nil {
		return 0, err
	}
	offset, err := c.append(record)
	if _, isOverflow := err.(overflowError); isOverflow {
		if _, err := p.grow(); err != nil {
			return 0, err
		}
		return p.Append(record)
	}
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// chunkIndexFor finds the chunk whose range contains offset, via binary
// search over ascending begin positions (spec.md §4.1).
func (p *Page) chunkIndexFor(offset int64) (int, bool) {
	n := len(p.chunks)
	i := sort.Search(n, func(i int) bool { return p.chunks[i].endPosition() >= offset })
	if i >= n || p.chunks[i].beginPosition > offset {
		return 0, false
	}
	return i, true
}

// Get reads the record at offset.
func (p *Page) Get(offset int64) ([]byte, error) {
	if len(p.chunks) == 0 {
		return nil, nil
	}
	idx, ok := p.chunkIndexFor(offset)
	if !ok {
		return nil, fmt.Errorf("no chunk contains offset %d", offset)
	}
	return p.chunks[idx].get(offset)
}

// Truncate drops all chunks strictly newer than the one containing offset,
// then truncates that chunk so it ends at offset, leaving it open for new
// appends (spec.md §4.1).
func (p *Page) Truncate(offset int64) error {
	idx, ok := p.chunkIndexFor(offset)
	if !ok {
		return fmt.Errorf("no chunk contains offset %d", offset)
	}

	for _, stale := range p.chunks[idx+1:] {
		if err := stale.erase(); err != nil {
			return err
		}
	}
	p.chunks = p.chunks[:idx+1]

	if err := p.chunks[idx].truncateAt(offset); err != nil {
		return err
	}
	return nil
}

// Flush syncs the currently-appending chunk to disk.
func (p *Page) Flush() error {
	if len(p.chunks) == 0 {
		return nil
	}
	c, err := p.newestChunk()
	if err != nil {
		return err
	}
	return c.flush()
}

// Close closes all open chunk files.
func (p *Page) Close() error {
	var firstErr error
	for _, c := range p.chunks {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Iterate calls f for every record in container order (oldest chunk
// first); it stops early if f returns false.
func (p *Page) Iterate(f func(offset int64, record []byte) bool) error {
	for _, c := range p.chunks {
		var pos int64
		for pos < c.size {
			rec, err := c.get(c.beginPosition + pos)
			if err != nil {
				return err
			}
			if !f(c.beginPosition+pos, rec) {
				return nil
			}
			pos += int64(lengthPrefixBytes + len(rec))
		}
	}
	return nil
}

// Dir reports the container's backing directory, used by callers that
// need to size or inspect it externally (e.g. the observability surface).
func (p *Page) Dir() string { return p.dir }
