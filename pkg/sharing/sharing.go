// Package sharing records which users may download files owned by others.
//
// The registry holds one record per known username. A record lists the share
// tokens granted to that user; a token names one file as "owner/relpath".
// Records are created lazily the first time a username connects and are
// never deleted.
//
// Every mutation is a read-modify-write of the whole registry performed under
// a single process-wide lock, so concurrent sessions always observe a
// consistent set of records.
package sharing

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	// ErrUserNotFound indicates the grantee has no record in the registry
	ErrUserNotFound = errors.New("user not found in sharing registry")

	// ErrInvalidToken indicates a token that cannot be stored in a record
	ErrInvalidToken = errors.New("invalid share token")
)

// Separator delimits the username and tokens inside a flat-file record.
const Separator = " | "

// Record is one user's entry in the registry.
type Record struct {
	Username string
	Tokens   []string
}

// Has reports whether the record contains token.
func (r Record) Has(token string) bool {
	for _, t := range r.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// Store is the sharing registry.
//
// Implementations must hold one lock across each whole read-modify-write and
// must always release it, including when I/O fails.
type Store interface {
	// Init creates the backing storage if it does not exist.
	Init(ctx context.Context) error

	// EnsureUser adds an empty record for username. No-op if one exists.
	EnsureUser(ctx context.Context, username string) error

	// Grant appends token to grantee's record. Granting a token the grantee
	// already holds succeeds without duplicating it.
	// Returns ErrUserNotFound if grantee has no record.
	Grant(ctx context.Context, grantee, token string) error

	// Revoke removes token from grantee's record and reports whether it was present.
	Revoke(ctx context.Context, grantee, token string) (bool, error)

	// RevokeAll removes token from every record and returns how many grants were removed.
	RevokeAll(ctx context.Context, token string) (int, error)

	// HasGrant reports whether grantee's record contains token.
	HasGrant(ctx context.Context, grantee, token string) (bool, error)

	// Grants returns the tokens held by grantee.
	// Returns ErrUserNotFound if grantee has no record.
	Grants(ctx context.Context, grantee string) ([]string, error)

	// Records returns a snapshot of every record.
	Records(ctx context.Context) ([]Record, error)

	// Close releases backend resources.
	Close() error
}

// Token builds the canonical share token for owner's file rel.
//
// Backslashes in rel are treated as separators and the path is cleaned, so
// every operation that names the same file produces the same token.
func Token(owner, rel string) string {
	rel = path.Clean(strings.ReplaceAll(rel, `\`, "/"))
	return owner + "/" + strings.TrimPrefix(rel, "/")
}

// ParseToken splits a token into owner and relative path.
func ParseToken(token string) (owner, rel string, ok bool) {
	owner, rel, ok = strings.Cut(token, "/")
	if !ok || owner == "" || rel == "" {
		return "", "", false
	}
	return owner, rel, true
}

// ValidToken reports whether token can be stored without corrupting a record.
func ValidToken(token string) bool {
	if _, _, ok := ParseToken(token); !ok {
		return false
	}
	return !strings.ContainsAny(token, "|\r\n")
}
