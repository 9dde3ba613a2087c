package store

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

// ValidateOwner checks that owner can be used as a single directory name.
// Names starting with "." are reserved for server bookkeeping.
func ValidateOwner(owner string) error {
	if owner == "" || strings.HasPrefix(owner, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	if strings.ContainsAny(owner, `/\|`) || strings.ContainsFunc(owner, unicode.IsControl) {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	return nil
}

// CleanPath normalizes a client-supplied relative path.
//
// Backslashes are treated as separators. The result uses forward slashes,
// has no "." or ".." elements, and is guaranteed to stay inside the owner's
// tree. The "|" character is rejected because it delimits share tokens.
func CleanPath(rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, '|') || strings.ContainsFunc(rel, unicode.IsControl) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}

	slashed := strings.ReplaceAll(rel, `\`, "/")
	if strings.HasPrefix(slashed, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, rel)
	}

	cleaned := path.Clean(slashed)
	if cleaned == "." || !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("%w: %q escapes owner directory", ErrInvalidPath, rel)
	}
	return cleaned, nil
}

// ResolvePath joins root, owner and rel into a host filesystem path after
// validating owner and rel.
func ResolvePath(root, owner, rel string) (string, string, error) {
	if err := ValidateOwner(owner); err != nil {
		return "", "", err
	}
	cleaned, err := CleanPath(rel)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(root, owner, filepath.FromSlash(cleaned)), cleaned, nil
}
