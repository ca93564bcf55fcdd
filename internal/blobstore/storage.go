// Package blobstore wraps MinIO/S3 interactions for cold-storage offload of
// tiles and originals.
package blobstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gigapix/gigapix/internal/config"
	"github.com/gigapix/gigapix/internal/model"
)

// Storage wraps a MinIO client plus the bucket layout.
type Storage struct {
	client     *minio.Client
	tileBucket string
	origBucket string
	cdnDomain  string
	region     string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:     client,
		tileBucket: cfg.TileBucket,
		origBucket: cfg.OriginalsBucket,
		cdnDomain:  cfg.CDNDomain,
		region:     cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the tile/originals buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.tileBucket, s.origBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// CDNDomain is the domain recorded on an image once it is fully offloaded.
func (s *Storage) CDNDomain() string {
	return s.cdnDomain
}

// CDNDomainSetter marks an image as offloaded in the document store.
// Satisfied by *repository.ImageRepository.
type CDNDomainSetter interface {
	SetCDNDomain(ctx context.Context, fileid, domain string) error
}

// UploadTiles pushes at most maxCount tiles of an image that are not yet in
// the tile bucket. When markComplete is set and a pass finds nothing left to
// push, the image is marked with the CDN domain, which suppresses further
// offload attempts. Callers whose tile listing may be partial (the on-demand
// nudge path) pass markComplete false.
func (s *Storage) UploadTiles(ctx context.Context, repo CDNDomainSetter, fileid, root string, maxCount int, markComplete bool) error {
	tilesRoot := model.TilesRoot(root, model.ShardPath(fileid))
	uploaded := 0
	missing := false
	err := filepath.Walk(tilesRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if maxCount > 0 && uploaded >= maxCount {
			missing = true
			return filepath.SkipAll
		}
		key := objectKey(root, path)
		if _, err := s.client.StatObject(ctx, s.tileBucket, key, minio.StatObjectOptions{}); err == nil {
			return nil
		}
		contentType := contentTypeFor(path)
		if _, err := s.client.FPutObject(ctx, s.tileBucket, key, path, minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("upload tile %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk tiles for %s: %w", fileid, err)
	}
	log.Printf("uploaded %d tiles for %s", uploaded, fileid)
	if !missing && markComplete && s.cdnDomain != "" {
		if err := repo.SetCDNDomain(ctx, fileid, s.cdnDomain); err != nil {
			return fmt.Errorf("mark offloaded: %w", err)
		}
	}
	return nil
}

// UploadOriginal pushes the original source file into the given bucket.
func (s *Storage) UploadOriginal(ctx context.Context, fileid, extension, root, bucket string) error {
	if bucket == "" {
		bucket = s.origBucket
	}
	path := model.OriginalPath(root, fileid, extension)
	key := objectKey(root, path)
	if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err == nil {
		return nil
	}
	if _, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentTypeFor(path)}); err != nil {
		return fmt.Errorf("upload original %s: %w", key, err)
	}
	return nil
}

// objectKey maps an on-disk artifact path to its bucket key: the path
// relative to the static root, with forward slashes.
func objectKey(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return filepath.ToSlash(rel)
}

func contentTypeFor(path string) string {
	if strings.HasSuffix(path, ".jpg") {
		return "image/jpeg"
	}
	return "image/png"
}
