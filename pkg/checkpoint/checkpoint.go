// Package checkpoint persists the journal store's replay resume point: a
// single (segment number, log offset) pair written on clean close,
// segment rollover, and a fixed interval (grounded on JournalStore's
// Checkpoint/JournalLocation collaborators). pkg/journal loads it at
// startup but still replays every segment's log in full; the location
// does not shorten recovery.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
)

const fileBytes = 12 // segment (4) + offset (8)

// Location is a replay resume point.
type Location struct {
	Segment uint32
	Offset  uint64
}

// Store persists a single Location to a file, fsyncing on every write so
// a checkpoint is never torn.
type Store struct {
	path string
}

// Open returns a Store rooted at path. The file is created lazily on
// first Save.
func Open(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted Location. A missing file is not an error: it
// reports the zero Location, meaning "replay everything".
func (s *Store) Load() (Location, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Location{}, nil
	}
	if err != nil {
		return Location{}, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}
	if len(data) != fileBytes {
		return Location{}, fmt.Errorf("checkpoint %s: corrupt length %d", s.path, len(data))
	}
	return Location{
		Segment: binary.BigEndian.Uint32(data[0:4]),
		Offset:  binary.BigEndian.Uint64(data[4:12]),
	}, nil
}

// Save overwrites the checkpoint with loc, via a temp-file-then-rename so
// a crash mid-write never leaves a torn checkpoint behind.
func (s *Store) Save(loc Location) error {
	buf := make([]byte, fileBytes)
	binary.BigEndian.PutUint32(buf[0:4], loc.Segment)
	binary.BigEndian.PutUint64(buf[4:12], loc.Offset)

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create checkpoint tmp %s: %w", tmp, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint tmp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync checkpoint tmp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename checkpoint %s: %w", s.path, err)
	}
	return nil
}
