// Package objectstore is the Object Store Adapter (C6 in SPEC_FULL.md):
// photo upload and presigned retrieval, with deterministic key derivation
// so the key itself never needs to be persisted (spec.md §4.6). Grounded on
// the teacher's internal/archive package's S3API subset-interface pattern.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner is the subset of S3's presign client used by Store.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*s3.PresignedHTTPRequest, error)
}

const (
	minPresignTTL     = 60 * time.Second
	maxPresignTTL     = 3600 * time.Second
	defaultPresignTTL = 300 * time.Second
	maxUploadBytes    = 10 << 20
)

// Store uploads locksmith-job photos and mints presigned view URLs.
type Store struct {
	bucket    string
	prefix    string
	s3Client  S3API
	presigner Presigner
	logger    *slog.Logger
}

// NewStore wraps an S3 client and presign client for bucket, with every
// key prefixed by prefix (config PHOTO_PREFIX).
func NewStore(s3Client S3API, presigner Presigner, bucket, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{bucket: bucket, prefix: prefix, s3Client: s3Client, presigner: presigner, logger: logger}
}

// DeriveKey computes the S3 key for a photo. Exactly one of sessionID/jobID
// must be non-empty. The key is a pure function of its inputs and is never
// persisted (spec.md §4.6, invariant 5): it can always be recomputed from
// the Photo row's session_id/job_id and id.
func (s *Store) DeriveKey(photoID, sessionID, jobID string) string {
	switch {
	case sessionID != "":
		return fmt.Sprintf("%ssessions/%s/%s.jpg", s.prefix, sessionID, photoID)
	case jobID != "":
		return fmt.Sprintf("%sjobs/%s/%s.jpg", s.prefix, jobID, photoID)
	default:
		return fmt.Sprintf("%s%s.jpg", s.prefix, photoID)
	}
}

// Upload stores photo bytes under the derived key with server-side
// encryption. contentType must start with "image/" and data must be at
// most 10 MiB (spec.md §4.6 upload contract).
func (s *Store) Upload(ctx context.Context, key, contentType string, data []byte) error {
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("objectstore: content type %q is not an image", contentType)
	}
	if len(data) > maxUploadBytes {
		return fmt.Errorf("objectstore: upload of %d bytes exceeds the 10 MiB limit", len(data))
	}
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: "AES256",
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// PresignView mints a time-limited GET URL for key. ttl is clamped to
// [60s, 3600s]; zero selects the 300s default (spec.md §4.6).
func (s *Store) PresignView(ctx context.Context, key string, ttl time.Duration) (string, error) {
	switch {
	case ttl == 0:
		ttl = defaultPresignTTL
	case ttl < minPresignTTL:
		ttl = minPresignTTL
	case ttl > maxPresignTTL:
		ttl = maxPresignTTL
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return req.URL, nil
}
