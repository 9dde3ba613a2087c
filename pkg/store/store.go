// Package store defines the per-user file storage used by the sharebox server.
//
// Every file belongs to exactly one owner and is addressed by a relative path
// inside that owner's tree. Implementations must never let a relative path
// resolve outside the owner's tree; ResolvePath enforces the rules shared by
// all backends.
package store

import (
	"context"
	"io"
	"time"
)

// FileInfo describes a stored file.
type FileInfo struct {
	// Path is relative to the owner's tree, always with forward slashes.
	Path string

	// Size is the content length in bytes.
	Size int64

	// ModTime is the last modification time reported by the backend.
	ModTime time.Time
}

// Upload is an in-progress write of a single file.
//
// Exactly one of Commit or Abort must be called. Abort removes any bytes
// already written so an interrupted upload leaves no file behind.
type Upload interface {
	io.Writer

	// Commit makes the written content visible under the target path.
	Commit(ctx context.Context) error

	// Abort discards the partially written content.
	Abort() error
}

// FileStore is the storage backend behind every session.
//
// Implementations must be safe for concurrent use by multiple sessions.
type FileStore interface {
	// EnsureUserDir creates the owner's tree if it does not exist.
	EnsureUserDir(ctx context.Context, owner string) error

	// Stat returns information about a stored file.
	// Returns ErrNotFound if the file does not exist.
	Stat(ctx context.Context, owner, rel string) (FileInfo, error)

	// Create starts writing a file, replacing any existing content.
	Create(ctx context.Context, owner, rel string) (Upload, error)

	// Open returns the file content and its size.
	// Returns ErrNotFound if the file does not exist.
	Open(ctx context.Context, owner, rel string) (io.ReadCloser, int64, error)

	// Rename moves oldRel to newRel inside the owner's tree.
	// Returns ErrNotFound if oldRel is missing and ErrExists if newRel is taken.
	Rename(ctx context.Context, owner, oldRel, newRel string) error

	// Remove deletes a file.
	// Returns ErrNotFound if the file does not exist.
	Remove(ctx context.Context, owner, rel string) error

	// List returns every file in the owner's tree, sorted by path.
	List(ctx context.Context, owner string) ([]FileInfo, error)

	// Close releases backend resources.
	Close() error
}
