package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/marmos91/sharebox/pkg/store"
)

// FSStore implements store.FileStore on the local filesystem.
//
// Layout: every owner gets a directory directly under the root, and files are
// stored at <root>/<owner>/<relative path> with intermediate directories
// created on demand.
//
// Thread Safety:
// Operations on different owners never touch the same paths. Concurrent
// writes to the same path by the same owner are last-writer-wins, which the
// one-session-per-user rule makes impossible in practice.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at root, creating the
// directory with permissions 0755 if it does not exist.
func NewFSStore(ctx context.Context, root string) (*FSStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if root == "" {
		return nil, fmt.Errorf("root path is required")
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	return &FSStore{root: root}, nil
}

// Root returns the directory under which owner trees are stored.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) ownerDir(owner string) (string, error) {
	if err := store.ValidateOwner(owner); err != nil {
		return "", err
	}
	return filepath.Join(s.root, owner), nil
}

func (s *FSStore) EnsureUserDir(ctx context.Context, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := s.ownerDir(owner)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", owner, err)
	}
	return nil
}

func (s *FSStore) Stat(ctx context.Context, owner, rel string) (store.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return store.FileInfo{}, err
	}

	full, cleaned, err := store.ResolvePath(s.root, owner, rel)
	if err != nil {
		return store.FileInfo{}, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return store.FileInfo{}, mapError(err, owner, cleaned)
	}
	if info.IsDir() {
		return store.FileInfo{}, fmt.Errorf("%s/%s: %w", owner, cleaned, store.ErrIsDirectory)
	}

	return store.FileInfo{Path: cleaned, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Create opens the destination for writing, truncating any previous content.
//
// The bytes land directly in the destination; Abort deletes the file so a
// failed upload leaves nothing behind.
func (s *FSStore) Create(ctx context.Context, owner, rel string) (store.Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, cleaned, err := store.ResolvePath(s.root, owner, rel)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory for %s/%s: %w", owner, cleaned, err)
	}

	file, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, mapError(err, owner, cleaned)
	}

	return &fileUpload{file: file, path: full}, nil
}

func (s *FSStore) Open(ctx context.Context, owner, rel string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	full, cleaned, err := store.ResolvePath(s.root, owner, rel)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(full)
	if err != nil {
		return nil, 0, mapError(err, owner, cleaned)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("failed to stat %s/%s: %w", owner, cleaned, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, 0, fmt.Errorf("%s/%s: %w", owner, cleaned, store.ErrIsDirectory)
	}

	// *os.File is returned as-is so io.Copy into a TCP connection can use sendfile
	return file, info.Size(), nil
}

func (s *FSStore) Rename(ctx context.Context, owner, oldRel, newRel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	oldFull, oldClean, err := store.ResolvePath(s.root, owner, oldRel)
	if err != nil {
		return err
	}
	newFull, newClean, err := store.ResolvePath(s.root, owner, newRel)
	if err != nil {
		return err
	}

	info, err := os.Stat(oldFull)
	if err != nil {
		return mapError(err, owner, oldClean)
	}
	if info.IsDir() {
		return fmt.Errorf("%s/%s: %w", owner, oldClean, store.ErrIsDirectory)
	}

	if _, err := os.Lstat(newFull); err == nil {
		return fmt.Errorf("%s/%s: %w", owner, newClean, store.ErrExists)
	} else if !errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s/%s: %w", owner, newClean, err)
	}

	if err := os.MkdirAll(filepath.Dir(newFull), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s/%s: %w", owner, newClean, err)
	}

	if err := os.Rename(oldFull, newFull); err != nil {
		return fmt.Errorf("failed to rename %s/%s to %s: %w", owner, oldClean, newClean, err)
	}
	return nil
}

func (s *FSStore) Remove(ctx context.Context, owner, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, cleaned, err := store.ResolvePath(s.root, owner, rel)
	if err != nil {
		return err
	}

	info, err := os.Lstat(full)
	if err != nil {
		return mapError(err, owner, cleaned)
	}
	if info.IsDir() {
		return fmt.Errorf("%s/%s: %w", owner, cleaned, store.ErrIsDirectory)
	}

	if err := os.Remove(full); err != nil {
		return mapError(err, owner, cleaned)
	}
	return nil
}

// List walks the owner's tree and returns every regular file.
// A missing owner directory yields an empty listing.
func (s *FSStore) List(ctx context.Context, owner string) ([]store.FileInfo, error) {
	dir, err := s.ownerDir(owner)
	if err != nil {
		return nil, err
	}

	var files []store.FileInfo
	err = filepath.WalkDir(dir, func(p string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == dir && errors.Is(walkErr, iofs.ErrNotExist) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		files = append(files, store.FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files for %s: %w", owner, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *FSStore) Close() error {
	return nil
}

func mapError(err error, owner, rel string) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("%s/%s: %w", owner, rel, store.ErrNotFound)
	}
	return fmt.Errorf("%s/%s: %w", owner, rel, err)
}

// fileUpload writes straight into the destination file.
type fileUpload struct {
	file *os.File
	path string
	done bool
}

func (u *fileUpload) Write(p []byte) (int, error) {
	return u.file.Write(p)
}

func (u *fileUpload) Commit(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true

	if err := u.file.Close(); err != nil {
		_ = os.Remove(u.path)
		return fmt.Errorf("failed to close %s: %w", u.path, err)
	}
	return nil
}

func (u *fileUpload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true

	_ = u.file.Close()
	if err := os.Remove(u.path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("failed to remove partial file %s: %w", u.path, err)
	}
	return nil
}

var _ store.FileStore = (*FSStore)(nil)
