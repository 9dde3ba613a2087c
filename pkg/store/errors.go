package store

import "errors"

var (
	// ErrNotFound indicates the requested file does not exist
	ErrNotFound = errors.New("file not found")

	// ErrExists indicates the target path is already taken
	ErrExists = errors.New("file already exists")

	// ErrInvalidPath indicates a relative path that is empty, absolute,
	// escapes the owner's tree, or contains forbidden characters
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidOwner indicates a username that cannot name a directory
	ErrInvalidOwner = errors.New("invalid owner name")

	// ErrIsDirectory indicates the path names a directory, not a file
	ErrIsDirectory = errors.New("path is a directory")
)
