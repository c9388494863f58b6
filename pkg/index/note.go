package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nicktill/timeindex/pkg/storage"
	"github.com/nicktill/timeindex/pkg/timetree"
)

// Encodable is an Entry that knows its stored byte form. Address must be
// the content address of those bytes.
type Encodable interface {
	Entry
	Encode() ([]byte, error)
}

// Put stores entry and indexes it under index with tag
func Put[T Encodable](ctx context.Context, ix *Indexer, index string, entry T, tag storage.Tag) (timetree.BucketRef, error) {
	data, err := entry.Encode()
	if err != nil {
		return timetree.BucketRef{}, fmt.Errorf("failed to encode entry: %w", err)
	}
	addr, err := ix.store.CreateEntry(ctx, data)
	if err != nil {
		return timetree.BucketRef{}, fmt.Errorf("failed to store entry: %w", err)
	}
	if addr != entry.Address() {
		return timetree.BucketRef{}, fmt.Errorf("%w: stored address %s does not match entry address %s",
			timetree.ErrInternal, addr, entry.Address())
	}
	return ix.IndexEntry(ctx, index, entry, tag)
}

// Note is a small timestamped document, the entry type served over HTTP
type Note struct {
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewNote builds a note, normalizing its time to UTC
func NewNote(title, body string, createdAt time.Time) (Note, error) {
	if strings.TrimSpace(title) == "" {
		return Note{}, fmt.Errorf("%w: note title is required", timetree.ErrRequest)
	}
	if createdAt.IsZero() {
		return Note{}, fmt.Errorf("%w: note created_at is required", timetree.ErrRequest)
	}
	return Note{Title: title, Body: body, CreatedAt: createdAt.UTC()}, nil
}

func (n Note) EntryTime() time.Time {
	return n.CreatedAt
}

func (n Note) Encode() ([]byte, error) {
	return json.Marshal(n)
}

func (n Note) Address() storage.Addr {
	data, err := n.Encode()
	if err != nil {
		return storage.Addr{}
	}
	return storage.HashBytes(data)
}

// DecodeNote parses a stored note
func DecodeNote(data []byte) (Note, error) {
	var n Note
	if err := json.Unmarshal(data, &n); err != nil {
		return Note{}, err
	}
	return n, nil
}
