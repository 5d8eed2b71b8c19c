package journal

import (
	"time"

	"github.com/ferdiknight/finjournal/config"
)

// Options configures a Store at Open time (spec.md §6's consumer
// configuration surface). Fields not covered by config.Tunables are
// fixed for the store's lifetime; IntervalForCompact/IntervalForRemove/
// MaxFileCount may still be changed afterwards via config.Set or a
// watched config file (Store.check reads config.Get() on every run).
type Options struct {
	Path string // store root directory
	Name string // segment file base name

	Force bool // O_SYNC-equivalent durability on every segment file

	FileSize           int64         // segment rollover threshold, default 64 MiB
	MaxBatchBytes      int64         // writer batch size, buffered write bytes, default 4 MiB
	CheckpointInterval time.Duration // default 30s

	EnableIndexLRU      bool // use the LRU+spill in-memory index instead of the fully in-RAM one
	IndexLRUCapacity    int  // hot-cache size when EnableIndexLRU
	IndexBuckets        int  // hash-index bucket count, only used when EnableIndexLRU
	EnableDataFileCheck bool // on Get, drop an index entry whose offset lies past its segment's data length

	IndexShardCount int    // shard count for the fully in-RAM concurrent index
	IndexSizeHint   uint32 // expected key count, sizing hint for the concurrent index

	SyncInterval time.Duration // writer autosync ticker; 0 disables

	CompactionCheckInterval time.Duration // how often the background compaction loop runs

	Tunables config.Tunables // initial compaction thresholds; config.Set overrides later
}

// Option mutates an Options value; the functional-options pattern the
// teacher uses throughout storage/options.go.
type Option func(*Options)

// DefaultOptions returns spec.md §6's constants plus sane ambient
// defaults for everything spec.md leaves as an implementer's choice.
func DefaultOptions() Options {
	return Options{
		Name:                    "store",
		FileSize:                64 << 20,
		MaxBatchBytes:           4 << 20,
		CheckpointInterval:      30 * time.Second,
		EnableIndexLRU:          false,
		IndexLRUCapacity:        1 << 16,
		IndexBuckets:            1 << 10,
		EnableDataFileCheck:     true,
		IndexShardCount:         1 << 6,
		IndexSizeHint:           1 << 12,
		SyncInterval:            5 * time.Second,
		CompactionCheckInterval: time.Hour,
		Tunables:                config.DefaultTunables(),
	}
}

func WithPath(path string) Option   { return func(o *Options) { o.Path = path } }
func WithName(name string) Option   { return func(o *Options) { o.Name = name } }
func WithForce(force bool) Option   { return func(o *Options) { o.Force = force } }
func WithFileSize(n int64) Option   { return func(o *Options) { o.FileSize = n } }
func WithMaxBatchBytes(n int64) Option { return func(o *Options) { o.MaxBatchBytes = n } }
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *Options) { o.CheckpointInterval = d }
}
func WithIndexLRU(capacity, buckets int) Option {
	return func(o *Options) {
		o.EnableIndexLRU = true
		o.IndexLRUCapacity = capacity
		o.IndexBuckets = buckets
	}
}
func WithEnableDataFileCheck(enable bool) Option {
	return func(o *Options) { o.EnableDataFileCheck = enable }
}
func WithIndexShardCount(n int) Option { return func(o *Options) { o.IndexShardCount = n } }
func WithSyncInterval(d time.Duration) Option {
	return func(o *Options) { o.SyncInterval = d }
}
func WithCompactionCheckInterval(d time.Duration) Option {
	return func(o *Options) { o.CompactionCheckInterval = d }
}
func WithTunables(t config.Tunables) Option { return func(o *Options) { o.Tunables = t } }
func WithMaxFileCount(n int) Option {
	return func(o *Options) { o.Tunables.MaxFileCount = n }
}
