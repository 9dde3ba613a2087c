package flatfile

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/pkg/sharing"
)

// FileName is the registry file created under the server root.
const FileName = "share.txt"

// FlatFileStore keeps the sharing registry in a line-oriented text file.
//
// File format, one record per line:
//
//	username | owner/file1 | owner/dir/file2
//
// A user with no grants is a line holding only the username. Lines that do
// not parse (blank lines, stray text) are preserved verbatim on rewrite.
//
// Locking:
// A single mutex is held for the whole read-scan-rewrite of every operation,
// file I/O included. Rewrites go to a temporary file in the same directory
// which is then renamed over the registry, so readers never observe a
// partially written file.
type FlatFileStore struct {
	path string
	mu   sync.Mutex
}

// New creates a registry backed by the file at path. Call Init before use.
func New(path string) *FlatFileStore {
	return &FlatFileStore{path: path}
}

// NewInRoot creates a registry at <root>/share.txt.
func NewInRoot(root string) *FlatFileStore {
	return New(filepath.Join(root, FileName))
}

// Path returns the registry file location.
func (s *FlatFileStore) Path() string {
	return s.path
}

func (s *FlatFileStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("failed to create sharing registry %s: %w", s.path, err)
	}
	logger.Info("Created sharing registry at %s", s.path)
	return f.Close()
}

func (s *FlatFileStore) EnsureUser(ctx context.Context, username string) error {
	if err := validUsername(username); err != nil {
		return err
	}
	return s.update(ctx, func(lines []line) ([]line, bool, error) {
		if findRecord(lines, username) >= 0 {
			return lines, false, nil
		}
		rec := sharing.Record{Username: username}
		return append(lines, line{record: &rec}), true, nil
	})
}

func (s *FlatFileStore) Grant(ctx context.Context, grantee, token string) error {
	if !sharing.ValidToken(token) {
		return fmt.Errorf("%w: %q", sharing.ErrInvalidToken, token)
	}
	return s.update(ctx, func(lines []line) ([]line, bool, error) {
		idx := findRecord(lines, grantee)
		if idx < 0 {
			return nil, false, fmt.Errorf("%s: %w", grantee, sharing.ErrUserNotFound)
		}
		rec := lines[idx].record
		if rec.Has(token) {
			return lines, false, nil
		}
		rec.Tokens = append(rec.Tokens, token)
		return lines, true, nil
	})
}

func (s *FlatFileStore) Revoke(ctx context.Context, grantee, token string) (bool, error) {
	removed := false
	err := s.update(ctx, func(lines []line) ([]line, bool, error) {
		idx := findRecord(lines, grantee)
		if idx < 0 {
			return lines, false, nil
		}
		removed = removeToken(lines[idx].record, token) > 0
		return lines, removed, nil
	})
	return removed, err
}

func (s *FlatFileStore) RevokeAll(ctx context.Context, token string) (int, error) {
	count := 0
	err := s.update(ctx, func(lines []line) ([]line, bool, error) {
		for _, l := range lines {
			if l.record != nil {
				count += removeToken(l.record, token)
			}
		}
		return lines, count > 0, nil
	})
	return count, err
}

func (s *FlatFileStore) HasGrant(ctx context.Context, grantee, token string) (bool, error) {
	found := false
	err := s.view(ctx, func(lines []line) error {
		if idx := findRecord(lines, grantee); idx >= 0 {
			found = lines[idx].record.Has(token)
		}
		return nil
	})
	return found, err
}

func (s *FlatFileStore) Grants(ctx context.Context, grantee string) ([]string, error) {
	var tokens []string
	err := s.view(ctx, func(lines []line) error {
		idx := findRecord(lines, grantee)
		if idx < 0 {
			return fmt.Errorf("%s: %w", grantee, sharing.ErrUserNotFound)
		}
		tokens = append([]string(nil), lines[idx].record.Tokens...)
		return nil
	})
	return tokens, err
}

func (s *FlatFileStore) Records(ctx context.Context) ([]sharing.Record, error) {
	var records []sharing.Record
	err := s.view(ctx, func(lines []line) error {
		for _, l := range lines {
			if l.record == nil {
				continue
			}
			records = append(records, sharing.Record{
				Username: l.record.Username,
				Tokens:   append([]string(nil), l.record.Tokens...),
			})
		}
		return nil
	})
	return records, err
}

func (s *FlatFileStore) Close() error {
	return nil
}

// line is either a parsed record or raw text kept as-is.
type line struct {
	record *sharing.Record
	raw    string
}

func (l line) String() string {
	if l.record == nil {
		return l.raw
	}
	if len(l.record.Tokens) == 0 {
		return l.record.Username
	}
	return l.record.Username + sharing.Separator + strings.Join(l.record.Tokens, sharing.Separator)
}

// parseLine splits on the literal separator. Empty fields are dropped.
func parseLine(text string) line {
	trimmed := strings.TrimRight(text, "\r")
	if strings.TrimSpace(trimmed) == "" {
		return line{raw: trimmed}
	}

	fields := strings.Split(trimmed, sharing.Separator)
	username := fields[0]
	if username == "" || strings.Contains(username, "|") {
		return line{raw: trimmed}
	}

	rec := &sharing.Record{Username: username}
	for _, f := range fields[1:] {
		if f != "" {
			rec.Tokens = append(rec.Tokens, f)
		}
	}
	return line{record: rec}
}

func findRecord(lines []line, username string) int {
	for i, l := range lines {
		if l.record != nil && l.record.Username == username {
			return i
		}
	}
	return -1
}

func removeToken(rec *sharing.Record, token string) int {
	kept := rec.Tokens[:0]
	removed := 0
	for _, t := range rec.Tokens {
		if t == token {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	rec.Tokens = kept
	return removed
}

func validUsername(username string) error {
	if username == "" || strings.ContainsAny(username, "|\r\n") {
		return fmt.Errorf("invalid username %q", username)
	}
	return nil
}

// view runs fn over the current registry contents under the lock.
func (s *FlatFileStore) view(ctx context.Context, fn func([]line) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.read()
	if err != nil {
		return err
	}
	return fn(lines)
}

// update performs one read-modify-write under the lock. fn reports whether
// the registry changed; unchanged registries are not rewritten.
func (s *FlatFileStore) update(ctx context.Context, fn func([]line) ([]line, bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.read()
	if err != nil {
		return err
	}

	lines, changed, err := fn(lines)
	if err != nil || !changed {
		return err
	}
	return s.write(lines)
}

func (s *FlatFileStore) read() ([]line, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sharing registry: %w", err)
	}

	var lines []line
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, parseLine(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse sharing registry: %w", err)
	}
	return lines, nil
}

func (s *FlatFileStore) write(lines []line) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l.String())
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".share-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary registry file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write sharing registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync sharing registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close sharing registry: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		logger.Debug("Could not set registry permissions: %v", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace sharing registry: %w", err)
	}
	return nil
}

var _ sharing.Store = (*FlatFileStore)(nil)
