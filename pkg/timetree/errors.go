package timetree

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks a malformed path component, bucket or entry. It
	// indicates stored data is corrupt and is never skipped silently.
	ErrDecode = errors.New("decode error")

	// ErrRequest marks invalid caller input, rejected before any I/O
	ErrRequest = errors.New("invalid request")

	// ErrInternal marks a broken invariant, such as a malformed tree
	ErrInternal = errors.New("internal error")
)

func decodeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrDecode}, args...)...)
}

func requestErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRequest}, args...)...)
}

func internalErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInternal}, args...)...)
}
