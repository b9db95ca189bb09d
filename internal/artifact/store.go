// Package artifact offloads oversized command results to S3/MinIO object
// storage and replaces them with presigned references.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/switchboard/switchboard/internal/protocol"
)

const (
	defaultURLExpiry = time.Hour
	maxURLExpiry     = 7 * 24 * time.Hour
)

// StoreConfig holds object storage connection settings.
type StoreConfig struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	URLExpiry       time.Duration
}

// Store implements result offload on top of a MinIO/S3 client.
type Store struct {
	client     *minio.Client
	bucket     string
	logger     *slog.Logger
	pathPrefix string
	urlExpiry  time.Duration
}

// NewStore creates a Store from the given configuration.
func NewStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	// Remove protocol prefix if present
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	urlExpiry := cfg.URLExpiry
	if urlExpiry <= 0 {
		urlExpiry = defaultURLExpiry
	}

	return &Store{
		client:     client,
		bucket:     cfg.Bucket,
		logger:     logger.With("component", "artifact_store"),
		pathPrefix: "results",
		urlExpiry:  urlExpiry,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		s.logger.Info("created bucket", "bucket", s.bucket)
	}

	return nil
}

// Put uploads a raw command result and returns a reference carrying a
// presigned GET URL.
func (s *Store) Put(ctx context.Context, commandID string, data []byte) (*protocol.ArtifactRef, error) {
	objectPath := s.objectPath(commandID)

	s.logger.Debug("uploading result artifact",
		"command_id", commandID,
		"path", objectPath,
		"size", len(data),
	)

	info, err := s.client.PutObject(ctx, s.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload artifact: %w", err)
	}

	presignedURL, expiresAt, err := s.Presign(ctx, objectPath, s.urlExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to presign artifact: %w", err)
	}

	sum := sha256.Sum256(data)

	s.logger.Info("uploaded result artifact",
		"command_id", commandID,
		"path", objectPath,
		"size", info.Size,
	)

	return &protocol.ArtifactRef{
		Key:         objectPath,
		Size:        info.Size,
		SHA256:      hex.EncodeToString(sum[:]),
		ContentType: "application/json",
		URL:         presignedURL,
		ExpiresAt:   expiresAt,
	}, nil
}

// Presign generates a presigned GET URL for a stored artifact. The expiry is
// clamped to at most seven days; zero or negative selects the default hour.
func (s *Store) Presign(ctx context.Context, objectPath string, expires time.Duration) (string, time.Time, error) {
	expires = clampExpiry(expires)

	reqParams := make(url.Values)
	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucket, objectPath, expires, reqParams)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignedURL.String(), time.Now().UTC().Add(expires), nil
}

// Delete removes a stored artifact.
func (s *Store) Delete(ctx context.Context, objectPath string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	s.logger.Debug("deleted artifact", "path", objectPath)
	return nil
}

// ListOlderThan returns up to limit artifact keys last modified before the
// cutoff.
func (s *Store) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var keys []string

	objectsCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.pathPrefix + "/",
		Recursive: true,
	})

	for object := range objectsCh {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}
		if !object.LastModified.Before(cutoff) {
			continue
		}

		keys = append(keys, object.Key)
		if limit > 0 && len(keys) >= limit {
			break
		}
	}

	return keys, nil
}

// HealthCheck checks if the storage backend is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

// objectPath generates the storage path for a command's result.
func (s *Store) objectPath(commandID string) string {
	// Sanitize the id to prevent path traversal
	commandID = strings.ReplaceAll(commandID, "..", "")
	commandID = path.Clean("/" + commandID)
	commandID = strings.TrimPrefix(commandID, "/")
	if commandID == "" || commandID == "." {
		commandID = "unknown"
	}

	return fmt.Sprintf("%s/%s", s.pathPrefix, commandID)
}

// clampExpiry bounds a presign expiry to the supported window.
func clampExpiry(expires time.Duration) time.Duration {
	if expires <= 0 {
		return defaultURLExpiry
	}
	if expires > maxURLExpiry {
		return maxURLExpiry
	}
	return expires
}
