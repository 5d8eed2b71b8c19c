// Package segment implements the data+log file pair that backs one
// journal segment (spec.md §4.4): a data file of length-prefixed value
// records behind an 8-byte capacity header, a log file of fixed-size
// OpItems, and an atomic live-record reference count that drives deletion
// eligibility.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"os"
	"sync/atomic"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/internal/errs"
)

const headerBytes = 8
const lengthPrefixBytes = 4
const checksumBytes = 8

// RecordOverheadBytes is the per-record bookkeeping width Append adds
// around a value's raw bytes (length prefix + CRC64 trailer): callers
// sizing a rollover check against a value need this, not just the
// length prefix.
const RecordOverheadBytes = lengthPrefixBytes + checksumBytes

var crcTable = crc64.MakeTable(crc64.ISO)

// Pair is one segment: data file `name.N` + log file `name.N.log`.
type Pair struct {
	Number int

	dataPath string
	logPath  string

	dataFile *os.File
	logFile  *os.File

	dataSize atomic.Int64 // body size, i.e. next append position relative to the data file body
	refCount atomic.Int32
	opCount  atomic.Int32 // total log entries ever appended, live or cancelled

	force bool
}

// Open opens (or creates) the data/log file pair for segment number n,
// rooted at path/name.
func Open(path, name string, n int, capacity int64, force bool) (*Pair, error) {
	dataPath := fmt.Sprintf("%s/%s.%d", path, name, n)
	logPath := dataPath + ".log"

	flags := os.O_CREATE | os.O_RDWR
	if force {
		flags |= os.O_SYNC
	}

	dataExisted := fileExists(dataPath)
	df, err := os.OpenFile(dataPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open data file %s: %w", dataPath, err)
	}

	lf, err := os.OpenFile(logPath, flags, 0644)
	if err != nil {
		df.Close()
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	p := &Pair{Number: n, dataPath: dataPath, logPath: logPath, dataFile: df, logFile: lf, force: force}

	if !dataExisted {
		hdr := make([]byte, headerBytes)
		binary.BigEndian.PutUint64(hdr, uint64(capacity))
		if _, err := df.WriteAt(hdr, 0); err != nil {
			df.Close()
			lf.Close()
			return nil, fmt.Errorf("write data file header %s: %w", dataPath, err)
		}
		p.dataSize.Store(0)
	} else {
		stat, err := df.Stat()
		if err != nil {
			df.Close()
			lf.Close()
			return nil, fmt.Errorf("stat data file %s: %w", dataPath, err)
		}
		size := stat.Size() - headerBytes
		if size < 0 {
			size = 0
		}
		p.dataSize.Store(size)
	}

	logStat, err := lf.Stat()
	if err != nil {
		df.Close()
		lf.Close()
		return nil, fmt.Errorf("stat log file %s: %w", logPath, err)
	}
	p.opCount.Store(int32(logStat.Size() / binfmt.OpItemBytes))

	return p, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Append writes a length-prefixed value record, trailed by an 8-byte
// CRC64-ISO checksum over the prefix and value, and returns the offset of
// the value bytes themselves (relative to the data file body, past the
// 4-byte length prefix), which is what callers read back with Read.
func (p *Pair) Append(value []byte) (int64, error) {
	needed := int64(lengthPrefixBytes + len(value) + checksumBytes)
	buf := make([]byte, needed)
	binary.BigEndian.PutUint32(buf, uint32(len(value)))
	copy(buf[lengthPrefixBytes:], value)
	sum := crc64.Checksum(buf[:lengthPrefixBytes+len(value)], crcTable)
	binary.BigEndian.PutUint64(buf[lengthPrefixBytes+len(value):], sum)

	recordStart := p.dataSize.Add(needed) - needed
	if _, err := p.dataFile.WriteAt(buf, headerBytes+recordStart); err != nil {
		return 0, fmt.Errorf("append to data file %s: %w", p.dataPath, err)
	}
	return recordStart + lengthPrefixBytes, nil
}

// Read reads length bytes at offset (relative to the data file body).
func (p *Pair) Read(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := p.dataFile.ReadAt(buf, headerBytes+offset); err != nil {
		return nil, fmt.Errorf("read data file %s at %d: %w", p.dataPath, offset, err)
	}
	return buf, nil
}

// ReadValue reads the value record whose value bytes begin at offset
// (the offset Append returns), recovering its length from the 4-byte
// prefix that precedes it rather than requiring the caller to already
// know it. This is what lets the hash index's 12-byte item-index
// (segment#+offset, no length — spec.md §3) stay sufficient on its own.
// It also verifies the record's CRC64 trailer, returning errs.ErrChecksum
// on a corrupt record rather than handing back bytes that silently
// disagree with what was written.
func (p *Pair) ReadValue(offset int64) ([]byte, error) {
	prefix := make([]byte, lengthPrefixBytes)
	if _, err := p.dataFile.ReadAt(prefix, headerBytes+offset-lengthPrefixBytes); err != nil {
		return nil, fmt.Errorf("read length prefix %s at %d: %w", p.dataPath, offset, err)
	}
	length := binary.BigEndian.Uint32(prefix)

	record := make([]byte, lengthPrefixBytes+int(length)+checksumBytes)
	if _, err := p.dataFile.ReadAt(record, headerBytes+offset-lengthPrefixBytes); err != nil {
		return nil, fmt.Errorf("read value record %s at %d: %w", p.dataPath, offset, err)
	}
	dataSize := lengthPrefixBytes + int(length)
	stored := binary.BigEndian.Uint64(record[dataSize:])
	if crc64.Checksum(record[:dataSize], crcTable) != stored {
		return nil, errs.ErrChecksum
	}

	value := make([]byte, length)
	copy(value, record[lengthPrefixBytes:dataSize])
	return value, nil
}

// AppendLog writes one OpItem to the log file.
func (p *Pair) AppendLog(op binfmt.OpItem) error {
	buf := binfmt.EncodeOpItem(op)
	stat, err := p.logFile.Stat()
	if err != nil {
		return fmt.Errorf("stat log file %s: %w", p.logPath, err)
	}
	if _, err := p.logFile.WriteAt(buf, stat.Size()); err != nil {
		return fmt.Errorf("append log file %s: %w", p.logPath, err)
	}
	p.opCount.Add(1)
	return nil
}

// OpCount returns the total number of log entries ever appended to this
// segment, live or since-cancelled. Used to estimate a segment's dead
// space ratio for compaction (spec.md §7's auto-merge supplement).
func (p *Pair) OpCount() int32 { return p.opCount.Load() }

// SyncData fsyncs the data file.
func (p *Pair) SyncData() error {
	return p.dataFile.Sync()
}

// SyncLog fsyncs the log file.
func (p *Pair) SyncLog() error {
	return p.logFile.Sync()
}

// Increment bumps the live-ADD reference count.
func (p *Pair) Increment() { p.refCount.Add(1) }

// Decrement drops the live-ADD reference count.
func (p *Pair) Decrement() { p.refCount.Add(-1) }

// SetRefCount sets the reference count directly, used by recovery once a
// segment's log has been fully replayed.
func (p *Pair) SetRefCount(n int32) { p.refCount.Store(n) }

// RefCount returns the current reference count.
func (p *Pair) RefCount() int32 { return p.refCount.Load() }

// IsUnused reports whether the segment has no live records.
func (p *Pair) IsUnused() bool { return p.refCount.Load() == 0 }

// Length returns the current data file body size (excluding header).
func (p *Pair) Length() int64 { return p.dataSize.Load() }

// LogLength returns the current size of the log file in bytes.
func (p *Pair) LogLength() (int64, error) {
	stat, err := p.logFile.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// ReadLogAt reads one OpItemBytes-sized entry from the log file at byte
// offset off.
func (p *Pair) ReadLogAt(off int64) (binfmt.OpItem, error) {
	buf := make([]byte, binfmt.OpItemBytes)
	if _, err := p.logFile.ReadAt(buf, off); err != nil {
		return binfmt.OpItem{}, fmt.Errorf("read log file %s at %d: %w", p.logPath, off, err)
	}
	return binfmt.DecodeOpItem(buf)
}

// LogModTime returns the log file's mtime, used by recovery to backfill
// last-modified times for keys it contributed (spec.md §4.7).
func (p *Pair) LogModTime() (int64, error) {
	stat, err := p.logFile.Stat()
	if err != nil {
		return 0, err
	}
	return stat.ModTime().UnixMilli(), nil
}

// Close closes both files.
func (p *Pair) Close() error {
	errData := p.dataFile.Close()
	errLog := p.logFile.Close()
	if errData != nil {
		return errData
	}
	return errLog
}

// Delete unlinks both files. The pair must already be closed.
func (p *Pair) Delete() error {
	if err := os.Remove(p.dataPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(p.logPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DataPath and LogPath expose the segment's file paths for the
// observability surface (spec.md §6).
func (p *Pair) DataPath() string { return p.dataPath }
func (p *Pair) LogPath() string  { return p.logPath }
