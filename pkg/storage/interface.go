package storage

import (
	"context"
	"time"
)

// Store is the capability the time index needs from the underlying
// content-addressed graph. Implementations: memory (testing), badger (production).
type Store interface {
	// EnsurePath materializes a path and all of its prefixes, recording a
	// parent -> child edge for each level. Safe to call repeatedly.
	EnsurePath(ctx context.Context, path Path) error

	// ChildrenOf returns the immediate tree children of a path
	ChildrenOf(ctx context.Context, path Path) ([]Path, error)

	// PathAddr returns the content address of a path
	PathAddr(path Path) Addr

	// CreateEntry stores raw entry bytes under their content address
	CreateEntry(ctx context.Context, data []byte) (Addr, error)

	// GetEntry loads entry bytes. found is false when nothing is stored at addr.
	GetEntry(ctx context.Context, addr Addr) (data []byte, found bool, err error)

	// CreateLink links base -> target. Creating an identical link twice is a no-op.
	CreateLink(ctx context.Context, req LinkRequest) (Link, error)

	// GetLinks returns links from base whose tag starts with tagPrefix (empty = all)
	GetLinks(ctx context.Context, base Addr, tagPrefix Tag) ([]Link, error)

	// DeleteLink removes a link by id
	DeleteLink(ctx context.Context, id LinkID) error

	// Now is the current time as seen by this node
	Now() time.Time

	// Close cleanly shuts down the storage
	Close() error
}

// LinkRequest describes a link to create
type LinkRequest struct {
	Base   Addr
	Target Addr
	Tag    Tag

	// Timestamp of the linked entry (not of link creation)
	Timestamp time.Time
}
