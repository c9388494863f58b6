package metrics

import (
	"context"
	"time"

	"github.com/nicktill/timeindex/pkg/storage"
)

// Store wraps a storage.Store and records every call
type Store struct {
	storage.Store
	m *Metrics
}

// WrapStore instruments s with m
func WrapStore(s storage.Store, m *Metrics) *Store {
	return &Store{Store: s, m: m}
}

// Unwrap returns the instrumented store
func (s *Store) Unwrap() storage.Store {
	return s.Store
}

func (s *Store) EnsurePath(ctx context.Context, path storage.Path) error {
	start := time.Now()
	err := s.Store.EnsurePath(ctx, path)
	s.m.RecordStoreOperation("ensure_path", time.Since(start), err)
	return err
}

func (s *Store) ChildrenOf(ctx context.Context, path storage.Path) ([]storage.Path, error) {
	start := time.Now()
	children, err := s.Store.ChildrenOf(ctx, path)
	s.m.RecordStoreOperation("children_of", time.Since(start), err)
	return children, err
}

func (s *Store) CreateEntry(ctx context.Context, data []byte) (storage.Addr, error) {
	start := time.Now()
	addr, err := s.Store.CreateEntry(ctx, data)
	s.m.RecordStoreOperation("create_entry", time.Since(start), err)
	return addr, err
}

func (s *Store) GetEntry(ctx context.Context, addr storage.Addr) ([]byte, bool, error) {
	start := time.Now()
	data, found, err := s.Store.GetEntry(ctx, addr)
	s.m.RecordStoreOperation("get_entry", time.Since(start), err)
	return data, found, err
}

func (s *Store) CreateLink(ctx context.Context, req storage.LinkRequest) (storage.Link, error) {
	start := time.Now()
	link, err := s.Store.CreateLink(ctx, req)
	s.m.RecordStoreOperation("create_link", time.Since(start), err)
	return link, err
}

func (s *Store) GetLinks(ctx context.Context, base storage.Addr, tagPrefix storage.Tag) ([]storage.Link, error) {
	start := time.Now()
	links, err := s.Store.GetLinks(ctx, base, tagPrefix)
	s.m.RecordStoreOperation("get_links", time.Since(start), err)
	return links, err
}

func (s *Store) DeleteLink(ctx context.Context, id storage.LinkID) error {
	start := time.Now()
	err := s.Store.DeleteLink(ctx, id)
	s.m.RecordStoreOperation("delete_link", time.Since(start), err)
	return err
}
