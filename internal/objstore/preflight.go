// Package objstore checks that object-storage coordinates given by the caller point at
// a reachable bucket before a task is submitted for them.
package objstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dsup/pkg/api"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrEmptyPrefix    = errors.New("no objects under key prefix")
)

// Checker runs preflight checks with a per-check timeout.
type Checker struct {
	Timeout time.Duration
}

// NewChecker returns a Checker; a non-positive timeout means 30s.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Checker{Timeout: timeout}
}

// Check verifies the bucket exists and at least one object lives under KeyPrefix.
func (c *Checker) Check(ctx context.Context, coords api.S3Coordinates) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	client := newClient(coords)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(coords.Bucket)}); err != nil {
		return classify("head bucket", coords.Bucket, err)
	}
	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(coords.Bucket),
		Prefix:  aws.String(coords.KeyPrefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return classify("list objects", coords.Bucket, err)
	}
	if len(out.Contents) == 0 {
		return fmt.Errorf("%w: s3://%s/%s", ErrEmptyPrefix, coords.Bucket, coords.KeyPrefix)
	}
	log.Debug().Str("bucket", coords.Bucket).Str("prefix", coords.KeyPrefix).Msg("object storage preflight passed")
	return nil
}

func newClient(coords api.S3Coordinates) *s3.Client {
	scheme := "http"
	if coords.SSL {
		scheme = "https"
	}
	region := coords.Location
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		BaseEndpoint: aws.String(scheme + "://" + coords.Endpoint()),
		UsePathStyle: true,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: coords.AccessKey, SecretAccessKey: coords.SecretKey, Source: "dsup"}, nil
		})),
		RetryMaxAttempts: 2,
	}
	if coords.SSL && !coords.VerifySSL {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // the caller asked not to verify
		opts.HTTPClient = &http.Client{Transport: tr}
	}
	return s3.New(opts)
}

func classify(op, bucket string, err error) error {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, bucket, ErrBucketNotFound)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%s %s: %w", op, bucket, ErrAccessDenied)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s %s: %s: %s", op, bucket, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("%s %s: %w", op, bucket, err)
}
