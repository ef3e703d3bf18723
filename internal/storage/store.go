// Package storage wraps a pebble database used to persist block data and
// replication metadata.
package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

// Store is a key-value store on pebble.
type Store struct {
	config

	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// Open opens the database, creating it if it does not exist.
func Open(opts ...Option) (*Store, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{config: cfg}
	s.writeOpts = &pebble.WriteOptions{Sync: cfg.syncWAL}

	pebbleOpts := &pebble.Options{
		DisableWAL:                  !s.wal,
		L0CompactionThreshold:       s.l0CompactionThreshold,
		L0StopWritesThreshold:       s.l0StopWritesThreshold,
		MaxOpenFiles:                s.maxOpenFiles,
		MemTableSize:                uint64(s.memTableSize),
		MemTableStopWritesThreshold: s.memTableStopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return s.maxConcurrentCompaction },
		ErrorIfExists:               false,
		Logger:                      newPebbleLogger(s.logger, s.verbose),
	}
	path := s.path
	if s.inMemory {
		pebbleOpts.FS = vfs.NewMem()
		if len(path) == 0 {
			path = "replblk"
		}
	}
	pebbleOpts.EnsureDefaults()

	el := pebble.MakeLoggingEventListener(newPebbleLogger(s.logger, s.verbose))
	pebbleOpts.EventListener = &el
	// Enabled events:
	//  - BackgroundError
	//  - DiskSlow
	//  - WriteStallBegin
	//  - WriteStallEnd
	pebbleOpts.EventListener.FlushBegin = nil
	pebbleOpts.EventListener.FlushEnd = nil
	pebbleOpts.EventListener.ManifestCreated = nil
	pebbleOpts.EventListener.ManifestDeleted = nil
	pebbleOpts.EventListener.TableCreated = nil
	pebbleOpts.EventListener.TableDeleted = nil
	pebbleOpts.EventListener.TableIngested = nil
	pebbleOpts.EventListener.TableStatsLoaded = nil
	pebbleOpts.EventListener.TableValidated = nil
	pebbleOpts.EventListener.WALCreated = nil
	pebbleOpts.EventListener.WALDeleted = nil
	if !s.verbose {
		pebbleOpts.EventListener.CompactionBegin = nil
		pebbleOpts.EventListener.CompactionEnd = nil
	}

	var sb strings.Builder
	sb.WriteString("opening database: path=")
	sb.WriteString(path)
	sb.WriteString(", in_memory=")
	sb.WriteString(strconv.FormatBool(s.inMemory))
	sb.WriteString(", wal=")
	sb.WriteString(strconv.FormatBool(s.wal))
	sb.WriteString(", wal_sync=")
	sb.WriteString(strconv.FormatBool(s.syncWAL))
	if s.verbose {
		sb.WriteString("\n")
		sb.WriteString(pebbleOpts.String())
	}
	s.logger.Info(sb.String())

	s.db, err = pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the value of key. It returns false if the key does
// not exist.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() {
		_ = closer.Close()
	}()
	ret := make([]byte, len(value))
	copy(ret, value)
	return ret, true, nil
}

// GetInto copies the value of key into buf and returns the number of bytes
// copied. It returns zero if the key does not exist.
func (s *Store) GetInto(key, buf []byte) (int, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n := copy(buf, value)
	return n, closer.Close()
}

func (s *Store) Set(key, value []byte) error {
	return s.db.Set(key, value, s.writeOpts)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, s.writeOpts)
}

// NewBatch returns a batch whose writes are applied atomically by Commit.
func (s *Store) NewBatch() *Batch {
	return &Batch{
		b:         s.db.NewBatch(),
		writeOpts: s.writeOpts,
	}
}

// Metrics returns a summary of the pebble metrics.
func (s *Store) Metrics() string {
	return s.db.Metrics().String()
}

func (s *Store) Close() error {
	err := s.db.Close()
	s.logger.Info("closed database", zap.Error(err))
	return err
}

// Batch is a set of writes applied atomically.
type Batch struct {
	b         *pebble.Batch
	writeOpts *pebble.WriteOptions
}

func (b *Batch) Set(key, value []byte) error {
	return b.b.Set(key, value, nil)
}

func (b *Batch) Delete(key []byte) error {
	return b.b.Delete(key, nil)
}

func (b *Batch) Len() int {
	return int(b.b.Count())
}

func (b *Batch) Commit() error {
	return b.b.Commit(b.writeOpts)
}

// Close releases the batch. A batch not committed is discarded.
func (b *Batch) Close() error {
	return b.b.Close()
}
