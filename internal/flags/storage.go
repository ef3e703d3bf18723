package flags

import (
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/kakao/replblk/internal/localstore"
	"github.com/kakao/replblk/internal/storage"
	"github.com/kakao/replblk/internal/synctracker"
	"github.com/kakao/replblk/pkg/util/units"
)

const (
	CategoryStorage = "Storage:"

	DefaultDataDir      = "./data"
	DefaultMemTableSize = "4MiB"
)

var (
	DataDir = &cli.StringFlag{
		Name:     "data-dir",
		Category: CategoryStorage,
		Aliases:  []string{"datadir"},
		EnvVars:  []string{"REPLBLK_DATA_DIR"},
		Value:    DefaultDataDir,
		Usage:    "Directory of the stores backing the local disk and its metadata.",
	}
	InMemory = &cli.BoolFlag{
		Name:     "in-memory",
		Category: CategoryStorage,
		EnvVars:  []string{"REPLBLK_IN_MEMORY"},
		Usage:    "Keep the stores in memory. Nothing survives a restart.",
	}
	StorageSyncWAL = &cli.BoolFlag{
		Name:     "storage-sync-wal",
		Category: CategoryStorage,
		EnvVars:  []string{"REPLBLK_STORAGE_SYNC_WAL"},
		Usage:    "Sync the write-ahead log of the stores on every commit.",
	}
	StorageMemTableSize = &cli.StringFlag{
		Name:     "storage-memtable-size",
		Category: CategoryStorage,
		EnvVars:  []string{"REPLBLK_STORAGE_MEMTABLE_SIZE"},
		Value:    DefaultMemTableSize,
		Usage:    "Size of a memtable of the stores.",
		Action: func(_ *cli.Context, value string) error {
			if _, err := units.FromByteSizeString(value, 1); err != nil {
				return fmt.Errorf("invalid value \"%s\" for flag --storage-memtable-size: %w", value, err)
			}
			return nil
		},
	}
	StorageVerbose = &cli.BoolFlag{
		Name:     "storage-verbose",
		Category: CategoryStorage,
		EnvVars:  []string{"REPLBLK_STORAGE_VERBOSE"},
		Usage:    "Log flushes and compactions of the stores.",
	}
	LocalWorkers = &cli.IntFlag{
		Name:     "local-workers",
		Category: CategoryStorage,
		EnvVars:  []string{"REPLBLK_LOCAL_WORKERS"},
		Value:    localstore.DefaultNumWorkers,
		Usage:    "Number of goroutines executing local disk I/O.",
		Action:   positiveInt("local-workers"),
	}
	LocalQueueSize = &cli.IntFlag{
		Name:     "local-queue-size",
		Category: CategoryStorage,
		EnvVars:  []string{"REPLBLK_LOCAL_QUEUE_SIZE"},
		Value:    localstore.DefaultQueueSize,
		Usage:    "Number of local disk I/Os queued before submissions block.",
		Action:   positiveInt("local-queue-size"),
	}
	MaxActiveExtents = &cli.IntFlag{
		Name:     "max-active-extents",
		Category: CategoryStorage,
		Aliases:  []string{"al-extents"},
		EnvVars:  []string{"REPLBLK_MAX_ACTIVE_EXTENTS"},
		Value:    synctracker.DefaultMaxActiveExtents,
		Usage:    "Number of 4MiB extents of the activity log that can be written concurrently.",
		Action:   positiveInt("max-active-extents"),
	}
	BitmapFlushInterval = &cli.DurationFlag{
		Name:     "bitmap-flush-interval",
		Category: CategoryStorage,
		EnvVars:  []string{"REPLBLK_BITMAP_FLUSH_INTERVAL"},
		Value:    synctracker.DefaultFlushInterval,
		Usage:    "Interval between two flushes of dirty pages of the out-of-sync bitmap.",
	}
	IOErrorThreshold = &cli.IntFlag{
		Name:     "io-error-threshold",
		Category: CategoryStorage,
		EnvVars:  []string{"REPLBLK_IO_ERROR_THRESHOLD"},
		Value:    synctracker.DefaultIOErrorThreshold,
		Usage:    "Number of local I/O errors after which the local disk is detached. Zero never detaches it.",
		Action:   nonNegativeInt("io-error-threshold"),
	}
)

// ParseStorageFlags returns the options of the store named name under the
// data directory.
func ParseStorageFlags(c *cli.Context, name string) ([]storage.Option, error) {
	memTableSize, err := units.FromByteSizeString(c.String(StorageMemTableSize.Name), 1)
	if err != nil {
		return nil, err
	}
	opts := []storage.Option{
		storage.WithMemTableSize(int(memTableSize)),
	}
	if c.Bool(InMemory.Name) {
		opts = append(opts, storage.WithInMemory())
	} else {
		dataDir, err := filepath.Abs(c.String(DataDir.Name))
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			storage.WithPath(filepath.Join(dataDir, name)),
			storage.WithWAL(true),
			storage.WithSyncWAL(c.Bool(StorageSyncWAL.Name)),
		)
	}
	if c.Bool(StorageVerbose.Name) {
		opts = append(opts, storage.WithVerboseLogging())
	}
	return opts, nil
}

// ParseLocalStoreFlags returns the options of the local disk except its
// store and size.
func ParseLocalStoreFlags(c *cli.Context) []localstore.Option {
	return []localstore.Option{
		localstore.WithNumWorkers(c.Int(LocalWorkers.Name)),
		localstore.WithQueueSize(c.Int(LocalQueueSize.Name)),
	}
}

// ParseSyncTrackerFlags returns the options of the sync tracker except its
// store, size and detach handler.
func ParseSyncTrackerFlags(c *cli.Context) []synctracker.Option {
	return []synctracker.Option{
		synctracker.WithMaxActiveExtents(c.Int(MaxActiveExtents.Name)),
		synctracker.WithFlushInterval(c.Duration(BitmapFlushInterval.Name)),
		synctracker.WithIOErrorThreshold(c.Int(IOErrorThreshold.Name)),
	}
}

// StorageFlags returns all flags of the storage category.
func StorageFlags() []cli.Flag {
	return []cli.Flag{
		DataDir,
		InMemory,
		StorageSyncWAL,
		StorageMemTableSize,
		StorageVerbose,
		LocalWorkers,
		LocalQueueSize,
		MaxActiveExtents,
		BitmapFlushInterval,
		IOErrorThreshold,
	}
}
