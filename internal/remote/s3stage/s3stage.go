// Package s3stage stages local bundles in an S3-compatible bucket and hands the service
// a presigned download URL.
package s3stage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dsup/internal/remote"
)

type Config struct {
	Endpoint   string
	Region     string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Prefix     string
	UseSSL     bool
	PresignTTL time.Duration
}

type Stager struct {
	cfg    Config
	client *minio.Client
}

var _ remote.Stager = (*Stager)(nil)

func New(cfg Config) (*Stager, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, remote.ValidationError{Field: "staging.s3", Value: cfg.Endpoint, Message: "endpoint and bucket are required"}
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Stager{cfg: cfg, client: client}, nil
}

func (s *Stager) Name() string { return "s3" }

// Stage uploads bundlePath under Prefix/projKey and returns a presigned GET URL that
// stays valid for PresignTTL.
func (s *Stager) Stage(ctx context.Context, projKey, bundlePath string) (string, error) {
	key := path.Join(s.cfg.Prefix, projKey, uuid.NewString()[:8]+"-"+filepath.Base(bundlePath))
	info, err := s.client.FPutObject(ctx, s.cfg.Bucket, key, bundlePath, minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	log.Debug().Str("bucket", s.cfg.Bucket).Str("key", key).Int64("bytes", info.Size).Msg("bundle uploaded")

	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, s.cfg.PresignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
