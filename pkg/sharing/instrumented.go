package sharing

import (
	"context"
	"time"

	"github.com/marmos91/sharebox/pkg/metrics"
)

// Instrument wraps s so every call is timed and reported to m.
// A nil m returns s unchanged.
func Instrument(s Store, m metrics.StoreMetrics) Store {
	if m == nil {
		return s
	}
	return &instrumentedStore{next: s, metrics: m}
}

type instrumentedStore struct {
	next    Store
	metrics metrics.StoreMetrics
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	s.metrics.RecordOperation(op, time.Since(start), err)
}

func (s *instrumentedStore) Init(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe("Init", start, err) }(time.Now())
	return s.next.Init(ctx)
}

func (s *instrumentedStore) EnsureUser(ctx context.Context, username string) (err error) {
	defer func(start time.Time) { s.observe("EnsureUser", start, err) }(time.Now())
	return s.next.EnsureUser(ctx, username)
}

func (s *instrumentedStore) Grant(ctx context.Context, grantee, token string) (err error) {
	defer func(start time.Time) { s.observe("Grant", start, err) }(time.Now())
	return s.next.Grant(ctx, grantee, token)
}

func (s *instrumentedStore) Revoke(ctx context.Context, grantee, token string) (ok bool, err error) {
	defer func(start time.Time) { s.observe("Revoke", start, err) }(time.Now())
	return s.next.Revoke(ctx, grantee, token)
}

func (s *instrumentedStore) RevokeAll(ctx context.Context, token string) (n int, err error) {
	defer func(start time.Time) { s.observe("RevokeAll", start, err) }(time.Now())
	return s.next.RevokeAll(ctx, token)
}

func (s *instrumentedStore) HasGrant(ctx context.Context, grantee, token string) (ok bool, err error) {
	defer func(start time.Time) { s.observe("HasGrant", start, err) }(time.Now())
	return s.next.HasGrant(ctx, grantee, token)
}

func (s *instrumentedStore) Grants(ctx context.Context, grantee string) (tokens []string, err error) {
	defer func(start time.Time) { s.observe("Grants", start, err) }(time.Now())
	return s.next.Grants(ctx, grantee)
}

func (s *instrumentedStore) Records(ctx context.Context) (records []Record, err error) {
	defer func(start time.Time) { s.observe("Records", start, err) }(time.Now())
	return s.next.Records(ctx)
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
