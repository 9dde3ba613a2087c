package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/sharebox/pkg/store"
)

// S3Store implements store.FileStore on Amazon S3 or S3-compatible storage.
//
// Key Design:
//   - Format: "<prefix><owner>/<relative path>" (e.g., "sharebox/alice/docs/a.txt")
//   - The bucket mirrors the per-user directory tree of the filesystem backend
//   - Owner "directories" are implicit, EnsureUserDir is a no-op
//
// Uploads are spooled to a local temporary file and sent with a single
// PutObject on Commit, so an interrupted upload never creates an object.
//
// Rename is CopyObject followed by DeleteObject and is therefore not atomic.
//
// Thread Safety:
// Safe for concurrent use. The S3 client is shared by all sessions.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	tempDir   string
}

// S3StoreConfig contains configuration for the S3 store.
type S3StoreConfig struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name. The bucket must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	KeyPrefix string

	// TempDir is where uploads are spooled before PutObject.
	// Empty uses os.TempDir().
	TempDir string
}

// NewS3Store creates a new S3-backed file store and verifies bucket access.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", cfg.Bucket, err)
	}

	return &S3Store{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: prefix,
		tempDir:   cfg.TempDir,
	}, nil
}

func (s *S3Store) ownerPrefix(owner string) (string, error) {
	if err := store.ValidateOwner(owner); err != nil {
		return "", err
	}
	return s.keyPrefix + owner + "/", nil
}

func (s *S3Store) objectKey(owner, rel string) (string, string, error) {
	prefix, err := s.ownerPrefix(owner)
	if err != nil {
		return "", "", err
	}
	cleaned, err := store.CleanPath(rel)
	if err != nil {
		return "", "", err
	}
	return prefix + cleaned, cleaned, nil
}

func (s *S3Store) EnsureUserDir(ctx context.Context, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.ownerPrefix(owner)
	return err
}

func (s *S3Store) Stat(ctx context.Context, owner, rel string) (store.FileInfo, error) {
	key, cleaned, err := s.objectKey(owner, rel)
	if err != nil {
		return store.FileInfo{}, err
	}

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return store.FileInfo{}, mapError(err, key)
	}

	return store.FileInfo{
		Path:    cleaned,
		Size:    aws.ToInt64(result.ContentLength),
		ModTime: aws.ToTime(result.LastModified),
	}, nil
}

func (s *S3Store) Create(ctx context.Context, owner, rel string) (store.Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, _, err := s.objectKey(owner, rel)
	if err != nil {
		return nil, err
	}

	spool, err := os.CreateTemp(s.tempDir, "sharebox-upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file for %s: %w", key, err)
	}

	return &objectUpload{store: s, key: key, spool: spool}, nil
}

func (s *S3Store) Open(ctx context.Context, owner, rel string) (io.ReadCloser, int64, error) {
	key, _, err := s.objectKey(owner, rel)
	if err != nil {
		return nil, 0, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, mapError(err, key)
	}

	return result.Body, aws.ToInt64(result.ContentLength), nil
}

func (s *S3Store) Rename(ctx context.Context, owner, oldRel, newRel string) error {
	oldKey, _, err := s.objectKey(owner, oldRel)
	if err != nil {
		return err
	}
	newKey, _, err := s.objectKey(owner, newRel)
	if err != nil {
		return err
	}

	if _, err := s.head(ctx, oldKey); err != nil {
		return err
	}
	if _, err := s.head(ctx, newKey); err == nil {
		return fmt.Errorf("%s: %w", newKey, store.ErrExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(newKey),
		CopySource: aws.String(s.bucket + "/" + escapeKey(oldKey)),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", oldKey, newKey, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oldKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s after copy: %w", oldKey, err)
	}
	return nil
}

func (s *S3Store) Remove(ctx context.Context, owner, rel string) error {
	key, _, err := s.objectKey(owner, rel)
	if err != nil {
		return err
	}

	// DeleteObject succeeds on missing keys, so check first to report ErrNotFound
	if _, err := s.head(ctx, key); err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, owner string) ([]store.FileInfo, error) {
	prefix, err := s.ownerPrefix(owner)
	if err != nil {
		return nil, err
	}

	var files []store.FileInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			files = append(files, store.FileInfo{
				Path:    rel,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError(err, key)
	}
	return result, nil
}

// mapError converts S3 "missing key" errors into store.ErrNotFound.
// HeadObject reports NotFound while GetObject reports NoSuchKey.
func mapError(err error, key string) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", key, err)
}

// escapeKey URL-encodes each segment of key, keeping the separators.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// objectUpload buffers an upload in a spool file until Commit.
type objectUpload struct {
	store *S3Store
	key   string
	spool *os.File
	done  bool
}

func (u *objectUpload) Write(p []byte) (int, error) {
	return u.spool.Write(p)
}

func (u *objectUpload) Commit(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	defer u.cleanup()

	size, err := u.spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to size spool file for %s: %w", u.key, err)
	}
	if _, err := u.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file for %s: %w", u.key, err)
	}

	_, err = u.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.store.bucket),
		Key:           aws.String(u.key),
		Body:          u.spool,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", u.key, err)
	}
	return nil
}

func (u *objectUpload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.cleanup()
	return nil
}

func (u *objectUpload) cleanup() {
	name := u.spool.Name()
	_ = u.spool.Close()
	_ = os.Remove(name)
}

var _ store.FileStore = (*S3Store)(nil)
