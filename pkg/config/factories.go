package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/sharebox/internal/logger"
	"github.com/marmos91/sharebox/pkg/metrics"
	"github.com/marmos91/sharebox/pkg/sharing"
	sharingBadger "github.com/marmos91/sharebox/pkg/sharing/badger"
	"github.com/marmos91/sharebox/pkg/sharing/flatfile"
	"github.com/marmos91/sharebox/pkg/store"
	storeFs "github.com/marmos91/sharebox/pkg/store/fs"
	storeS3 "github.com/marmos91/sharebox/pkg/store/s3"
	"github.com/mitchellh/mapstructure"
)

// CreateFileStore creates the file store selected by cfg.Storage.Type.
//
// Supported types:
//   - "filesystem": Uses pkg/store/fs rooted at server.root
//   - "s3": Uses pkg/store/s3 (Amazon S3 or compatible storage)
func CreateFileStore(ctx context.Context, cfg *Config) (store.FileStore, error) {
	switch cfg.Storage.Type {
	case "filesystem":
		fsStore, err := storeFs.NewFSStore(ctx, cfg.Server.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem store: %w", err)
		}
		return fsStore, nil
	case "s3":
		return createS3FileStore(ctx, cfg.Storage.S3)
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}
}

// s3StoreOptions are the keys accepted under storage.s3.
type s3StoreOptions struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
	TempDir         string `mapstructure:"temp_dir"`
}

// createS3FileStore creates an S3-based file store.
func createS3FileStore(ctx context.Context, options map[string]any) (store.FileStore, error) {
	var opts s3StoreOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode S3 store config: %w", err)
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 store: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 store: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(opts.Region))

	// Static credentials if provided, otherwise the default credential chain
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 File Store
	// ========================================================================

	s3Store, err := storeS3.NewS3Store(ctx, storeS3.S3StoreConfig{
		Client:    client,
		Bucket:    opts.Bucket,
		KeyPrefix: opts.KeyPrefix,
		TempDir:   opts.TempDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}

	logger.Info("S3 file store initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)

	return s3Store, nil
}

// CreateSharingStore creates the sharing registry selected by cfg.Sharing.Type.
//
// Supported types:
//   - "flatfile": <server.root>/share.txt, the canonical line format
//   - "badger": BadgerDB at sharing.badger.db_path (default <server.root>/.sharing)
//
// The returned store is wrapped with m for operation metrics; a nil m skips
// instrumentation. The caller must call Init before use.
func CreateSharingStore(ctx context.Context, cfg *Config, m metrics.StoreMetrics) (sharing.Store, error) {
	var s sharing.Store

	switch cfg.Sharing.Type {
	case "flatfile":
		s = flatfile.NewInRoot(cfg.Server.Root)
	case "badger":
		bs, err := createBadgerSharingStore(ctx, cfg.Server.Root, cfg.Sharing.Badger)
		if err != nil {
			return nil, err
		}
		s = bs
	default:
		return nil, fmt.Errorf("unknown sharing type: %q (supported: flatfile, badger)", cfg.Sharing.Type)
	}

	return sharing.Instrument(s, m), nil
}

// createBadgerSharingStore creates a BadgerDB-backed sharing registry.
func createBadgerSharingStore(ctx context.Context, root string, options map[string]any) (sharing.Store, error) {
	type BadgerSharingOptions struct {
		DBPath   string `mapstructure:"db_path"`
		InMemory bool   `mapstructure:"in_memory"`
	}

	var opts BadgerSharingOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode badger sharing config: %w", err)
	}

	if opts.DBPath == "" && !opts.InMemory {
		// Dot-prefixed names can never collide with a user directory
		opts.DBPath = filepath.Join(root, ".sharing")
	}

	bs, err := sharingBadger.New(ctx, sharingBadger.BadgerStoreConfig{
		DBPath:   opts.DBPath,
		InMemory: opts.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger sharing store: %w", err)
	}
	return bs, nil
}
