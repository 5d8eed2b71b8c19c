// Package memindex provides the pluggable in-memory index abstraction
// that pkg/journal consults before falling back to the on-disk hash
// index: a fully in-RAM sharded concurrent map (Concurrent) or a
// bounded LRU cache that spills to the on-disk hash index (LRU).
package memindex

import "github.com/ferdiknight/finjournal/internal/binfmt"

// Index is the in-memory key -> item-index index a journal store
// consults on the hot path. Get/Put/Remove/PutAll/Foreach/Size/Close
// mirror spec.md §4.3's capability exactly; Foreach plays the role of
// "keyIterator" as a push-style callback, the Go idiom for it.
type Index interface {
	Put(key binfmt.Key, item binfmt.ItemIndex) (prev *binfmt.ItemIndex, err error)
	Get(key binfmt.Key) (item binfmt.ItemIndex, found bool, err error)
	Remove(key binfmt.Key) (item binfmt.ItemIndex, found bool, err error)
	// PutAll bulk-loads entries, used by recovery to populate the index
	// from replayed segments without per-key overhead.
	PutAll(entries map[binfmt.Key]binfmt.ItemIndex) error
	Foreach(f func(key binfmt.Key, item binfmt.ItemIndex) bool) error
	Size() int
	Close() error
}
