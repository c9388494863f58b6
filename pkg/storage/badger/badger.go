package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/timeindex/pkg/storage"
)

// Key prefixes. Every key is [prefix (1 byte)][...fixed width fields].
const (
	prefixEntry    byte = 'e' // e | addr -> entry bytes
	prefixTreeEdge byte = 't' // t | parent addr | child addr -> framed child path
	prefixLink     byte = 'l' // l | base addr | link id -> json link
	prefixLinkBase byte = 'x' // x | link id -> base addr
)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db    *badger.DB
	clock func() time.Time
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64

	// Clock overrides time.Now (for testing)
	Clock func() time.Time
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Index data is small keys and small values; keep the memory footprint
	// laptop-sized unless told otherwise.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Storage{db: db, clock: clock}, nil
}

// EnsurePath records every parent -> child edge along path
func (s *Storage) EnsurePath(ctx context.Context, path storage.Path) error {
	if len(path) == 0 {
		return fmt.Errorf("cannot ensure empty path")
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for i := 1; i < len(path); i++ {
			child := path.Prefix(i + 1)
			key := edgeKey(storage.HashPath(path.Prefix(i)), storage.HashPath(child))
			if err := txn.Set(key, storage.EncodePath(child)); err != nil {
				return fmt.Errorf("failed to write tree edge: %w", err)
			}
		}
		return nil
	})
}

// ChildrenOf scans the edge prefix of path
func (s *Storage) ChildrenOf(ctx context.Context, path storage.Path) ([]storage.Path, error) {
	parent := storage.HashPath(path)
	prefix := append([]byte{prefixTreeEdge}, parent[:]...)

	return view(ctx, s.db, func(txn *badger.Txn) ([]storage.Path, error) {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var out []storage.Path
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			err := it.Item().Value(func(val []byte) error {
				child, err := storage.DecodePath(val)
				if err != nil {
					return fmt.Errorf("failed to decode child of %s: %w", parent, err)
				}
				out = append(out, child)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

// PathAddr returns the content address of path
func (s *Storage) PathAddr(path storage.Path) storage.Addr {
	return storage.HashPath(path)
}

// CreateEntry stores data under its content address
func (s *Storage) CreateEntry(ctx context.Context, data []byte) (storage.Addr, error) {
	addr := storage.HashBytes(data)
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(entryKey(addr), data)
	})
	if err != nil {
		return storage.Addr{}, fmt.Errorf("failed to write entry: %w", err)
	}
	return addr, nil
}

// GetEntry returns the bytes stored at addr
func (s *Storage) GetEntry(ctx context.Context, addr storage.Addr) ([]byte, bool, error) {
	type entry struct {
		data  []byte
		found bool
	}
	e, err := view(ctx, s.db, func(txn *badger.Txn) (entry, error) {
		item, err := txn.Get(entryKey(addr))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return entry{}, nil
		}
		if err != nil {
			return entry{}, err
		}
		data, err := item.ValueCopy(nil)
		return entry{data: data, found: true}, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entry %s: %w", addr, err)
	}
	return e.data, e.found, nil
}

// CreateLink stores a link, replacing an identical one
func (s *Storage) CreateLink(ctx context.Context, req storage.LinkRequest) (storage.Link, error) {
	link := storage.NewLink(req)
	value, err := json.Marshal(link)
	if err != nil {
		return storage.Link{}, fmt.Errorf("failed to encode link: %w", err)
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(linkKey(link.Base, link.ID), value); err != nil {
			return err
		}
		return txn.Set(linkBaseKey(link.ID), link.Base[:])
	})
	if err != nil {
		return storage.Link{}, fmt.Errorf("failed to write link: %w", err)
	}
	return link, nil
}

// GetLinks returns links from base matching tagPrefix, oldest first
func (s *Storage) GetLinks(ctx context.Context, base storage.Addr, tagPrefix storage.Tag) ([]storage.Link, error) {
	prefix := append([]byte{prefixLink}, base[:]...)

	results, err := view(ctx, s.db, func(txn *badger.Txn) ([]storage.Link, error) {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		var results []storage.Link
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			err := it.Item().Value(func(val []byte) error {
				var link storage.Link
				if err := json.Unmarshal(val, &link); err != nil {
					return fmt.Errorf("failed to decode link: %w", err)
				}
				if link.Tag.Matches(tagPrefix) {
					results = append(results, link)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}

	storage.SortLinks(results)
	return results, nil
}

// DeleteLink removes a link. Deleting an unknown id is not an error.
func (s *Storage) DeleteLink(ctx context.Context, id storage.LinkID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(linkBaseKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var base storage.Addr
		if len(raw) != len(base) {
			return fmt.Errorf("corrupt link index for %d", id)
		}
		copy(base[:], raw)

		if err := txn.Delete(linkKey(base, id)); err != nil {
			return err
		}
		return txn.Delete(linkBaseKey(id))
	})
}

// Now returns the configured clock's time
func (s *Storage) Now() time.Time {
	return s.clock()
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns badger.ErrNoRewrite when there was nothing to reclaim.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Size returns the on-disk LSM + value log size in bytes
func (s *Storage) Size() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog
}

// update runs fn in a read-write transaction, giving up when ctx is done
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

type viewResult[T any] struct {
	val T
	err error
}

// view runs fn in a read-only transaction, giving up when ctx is done.
// Results only leave the transaction goroutine through the channel.
func view[T any](ctx context.Context, db *badger.DB, fn func(txn *badger.Txn) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	done := make(chan viewResult[T], 1)
	go func() {
		var res viewResult[T]
		res.err = db.View(func(txn *badger.Txn) error {
			var err error
			res.val, err = fn(txn)
			return err
		})
		done <- res
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		return zero, fmt.Errorf("read operation cancelled: %w", ctx.Err())
	}
}

func entryKey(addr storage.Addr) []byte {
	return append([]byte{prefixEntry}, addr[:]...)
}

func edgeKey(parent, child storage.Addr) []byte {
	key := make([]byte, 0, 1+2*len(parent))
	key = append(key, prefixTreeEdge)
	key = append(key, parent[:]...)
	return append(key, child[:]...)
}

func linkKey(base storage.Addr, id storage.LinkID) []byte {
	key := make([]byte, 1+len(base)+8)
	key[0] = prefixLink
	copy(key[1:], base[:])
	binary.BigEndian.PutUint64(key[1+len(base):], uint64(id))
	return key
}

func linkBaseKey(id storage.LinkID) []byte {
	key := make([]byte, 9)
	key[0] = prefixLinkBase
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}
