package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/timeindex/pkg/storage"
)

// Storage keeps entries, links and tree edges in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	entries  map[storage.Addr][]byte
	links    map[storage.Addr]map[storage.LinkID]storage.Link
	linkBase map[storage.LinkID]storage.Addr
	children map[storage.Addr]map[storage.Addr]storage.Path
	clock    func() time.Time
	mu       sync.RWMutex
}

// Option configures the in-memory backend
type Option func(*Storage)

// WithClock overrides the source of Now
func WithClock(clock func() time.Time) Option {
	return func(s *Storage) {
		s.clock = clock
	}
}

// New creates an in-memory storage backend
func New(opts ...Option) *Storage {
	s := &Storage{
		entries:  make(map[storage.Addr][]byte),
		links:    make(map[storage.Addr]map[storage.LinkID]storage.Link),
		linkBase: make(map[storage.LinkID]storage.Addr),
		children: make(map[storage.Addr]map[storage.Addr]storage.Path),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsurePath records every parent -> child edge along path
func (s *Storage) EnsurePath(ctx context.Context, path storage.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(path) == 0 {
		return fmt.Errorf("cannot ensure empty path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 1; i < len(path); i++ {
		parent := storage.HashPath(path.Prefix(i))
		child := path.Prefix(i + 1)
		kids, ok := s.children[parent]
		if !ok {
			kids = make(map[storage.Addr]storage.Path)
			s.children[parent] = kids
		}
		kids[storage.HashPath(child)] = clonePath(child)
	}
	return nil
}

// ChildrenOf returns the immediate children of path in a stable order
func (s *Storage) ChildrenOf(ctx context.Context, path storage.Path) ([]storage.Path, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	kids := s.children[storage.HashPath(path)]
	addrs := make([]storage.Addr, 0, len(kids))
	for addr := range kids {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})

	out := make([]storage.Path, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, clonePath(kids[addr]))
	}
	return out, nil
}

// PathAddr returns the content address of path
func (s *Storage) PathAddr(path storage.Path) storage.Addr {
	return storage.HashPath(path)
}

// CreateEntry stores data under its content address
func (s *Storage) CreateEntry(ctx context.Context, data []byte) (storage.Addr, error) {
	if err := ctx.Err(); err != nil {
		return storage.Addr{}, err
	}
	addr := storage.HashBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[addr]; !ok {
		s.entries[addr] = append([]byte(nil), data...)
	}
	return addr, nil
}

// GetEntry returns the bytes stored at addr
func (s *Storage) GetEntry(ctx context.Context, addr storage.Addr) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.entries[addr]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// CreateLink stores a link, replacing an identical one
func (s *Storage) CreateLink(ctx context.Context, req storage.LinkRequest) (storage.Link, error) {
	if err := ctx.Err(); err != nil {
		return storage.Link{}, err
	}
	link := storage.NewLink(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.links[link.Base]
	if !ok {
		byID = make(map[storage.LinkID]storage.Link)
		s.links[link.Base] = byID
	}
	byID[link.ID] = link
	s.linkBase[link.ID] = link.Base
	return link, nil
}

// GetLinks returns links from base matching tagPrefix, oldest first
func (s *Storage) GetLinks(ctx context.Context, base storage.Addr, tagPrefix storage.Tag) ([]storage.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []storage.Link
	for _, link := range s.links[base] {
		if link.Tag.Matches(tagPrefix) {
			results = append(results, link)
		}
	}
	storage.SortLinks(results)
	return results, nil
}

// DeleteLink removes a link. Deleting an unknown id is not an error.
func (s *Storage) DeleteLink(ctx context.Context, id storage.LinkID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.linkBase[id]
	if !ok {
		return nil
	}
	delete(s.links[base], id)
	if len(s.links[base]) == 0 {
		delete(s.links, base)
	}
	delete(s.linkBase, id)
	return nil
}

// Now returns the configured clock's time
func (s *Storage) Now() time.Time {
	return s.clock()
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

func clonePath(p storage.Path) storage.Path {
	out := make(storage.Path, len(p))
	for i, c := range p {
		out[i] = append(storage.Component(nil), c...)
	}
	return out
}
