/*
Package storage provides the pluggable storage abstraction behind the time index.

# Storage Interface

The index engine never talks to a concrete database. It consumes the Store
capability, which models a content-addressed graph with three kinds of data:

  - entries: opaque bytes addressed by their sha256 (CreateEntry / GetEntry)
  - links: tagged, directed edges between addresses (CreateLink / GetLinks / DeleteLink)
  - tree edges: parent -> child adjacency between paths (EnsurePath / ChildrenOf)

Backends:
  - memory: maps guarded by an RWMutex, for tests and ephemeral workloads
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

# Paths

A Path is a list of opaque components. The time index puts the index name in
component 0 and encoded time values after it, but storage does not interpret
components. Paths are addressed by HashPath, so both backends agree on the
address of a path and links created against it.

# Links

Link ids are xxhash digests of (base, target, tag, timestamp). Creating the
same link twice therefore overwrites rather than duplicates, which makes
indexing an entry idempotent.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	path := storage.Path{storage.Component("feed")}
	if err := store.EnsurePath(ctx, path); err != nil {
	    return err
	}
*/
package storage
