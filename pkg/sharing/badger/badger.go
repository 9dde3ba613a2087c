package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/pkg/sharing"
)

const userKeyPrefix = "user:"

// BadgerStore keeps the sharing registry in BadgerDB.
//
// Key layout:
//   - "user:<username>" -> newline-separated share tokens (empty for no grants)
//
// Each operation runs inside a single Badger transaction and additionally
// holds a process-wide mutex, giving the same serialization the flat-file
// registry provides.
type BadgerStore struct {
	db *badger.DB
	mu sync.Mutex
}

// BadgerStoreConfig configures the Badger-backed registry.
type BadgerStoreConfig struct {
	// DBPath is the directory holding the Badger files
	DBPath string

	// InMemory runs Badger without touching disk (tests)
	InMemory bool
}

// New opens (or creates) the registry database.
func New(ctx context.Context, cfg BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("badger sharing store: db path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}

	// Records are tiny text values
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	logger.Debug("Badger sharing registry opened (path=%q in_memory=%v)", cfg.DBPath, cfg.InMemory)
	return &BadgerStore{db: db}, nil
}

func userKey(username string) []byte {
	return []byte(userKeyPrefix + username)
}

func decodeTokens(val []byte) []string {
	if len(val) == 0 {
		return nil
	}
	return strings.Split(string(val), "\n")
}

func encodeTokens(tokens []string) []byte {
	return []byte(strings.Join(tokens, "\n"))
}

// getTokens loads a user's tokens. found is false if the user has no record.
func getTokens(txn *badger.Txn, username string) (tokens []string, found bool, err error) {
	item, err := txn.Get(userKey(username))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return decodeTokens(val), true, nil
}

func (s *BadgerStore) Init(ctx context.Context) error {
	return ctx.Err()
}

func (s *BadgerStore) EnsureUser(ctx context.Context, username string) error {
	if username == "" || strings.ContainsAny(username, "|\r\n") {
		return fmt.Errorf("invalid username %q", username)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		_, found, err := getTokens(txn, username)
		if err != nil || found {
			return err
		}
		return txn.Set(userKey(username), nil)
	})
}

func (s *BadgerStore) Grant(ctx context.Context, grantee, token string) error {
	if !sharing.ValidToken(token) {
		return fmt.Errorf("%w: %q", sharing.ErrInvalidToken, token)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		tokens, found, err := getTokens(txn, grantee)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s: %w", grantee, sharing.ErrUserNotFound)
		}
		rec := sharing.Record{Username: grantee, Tokens: tokens}
		if rec.Has(token) {
			return nil
		}
		return txn.Set(userKey(grantee), encodeTokens(append(tokens, token)))
	})
}

func (s *BadgerStore) Revoke(ctx context.Context, grantee, token string) (bool, error) {
	removed := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		tokens, found, err := getTokens(txn, grantee)
		if err != nil || !found {
			return err
		}
		kept, n := without(tokens, token)
		if n == 0 {
			return nil
		}
		removed = true
		return txn.Set(userKey(grantee), encodeTokens(kept))
	})
	return removed, err
}

func (s *BadgerStore) RevokeAll(ctx context.Context, token string) (int, error) {
	count := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		count = 0
		updates := make(map[string][]string)

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte(userKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			kept, n := without(decodeTokens(val), token)
			if n > 0 {
				count += n
				updates[string(item.KeyCopy(nil))] = kept
			}
		}
		it.Close()

		for key, kept := range updates {
			if err := txn.Set([]byte(key), encodeTokens(kept)); err != nil {
				return err
			}
		}
		return nil
	})
	return count, err
}

func (s *BadgerStore) HasGrant(ctx context.Context, grantee, token string) (bool, error) {
	has := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		tokens, _, err := getTokens(txn, grantee)
		if err != nil {
			return err
		}
		has = sharing.Record{Tokens: tokens}.Has(token)
		return nil
	})
	return has, err
}

func (s *BadgerStore) Grants(ctx context.Context, grantee string) ([]string, error) {
	var tokens []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		t, found, err := getTokens(txn, grantee)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s: %w", grantee, sharing.ErrUserNotFound)
		}
		tokens = t
		return nil
	})
	return tokens, err
}

func (s *BadgerStore) Records(ctx context.Context) ([]sharing.Record, error) {
	var records []sharing.Record
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(userKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			records = append(records, sharing.Record{
				Username: strings.TrimPrefix(string(item.Key()), userKeyPrefix),
				Tokens:   decodeTokens(val),
			})
		}
		return nil
	})

	sort.Slice(records, func(i, j int) bool { return records[i].Username < records[j].Username })
	return records, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(fn)
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.View(fn)
}

func without(tokens []string, token string) ([]string, int) {
	kept := make([]string, 0, len(tokens))
	removed := 0
	for _, t := range tokens {
		if t == token {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	return kept, removed
}

var _ sharing.Store = (*BadgerStore)(nil)
