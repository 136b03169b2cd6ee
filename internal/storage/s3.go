package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Config configures the object-store provider. Endpoint switches the client
// into path-style addressing for MinIO and other S3-compatible services.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Validate checks the configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	return nil
}

// S3Provider stores artifacts as bucket objects keyed
// reports/{reportId}/{filename}, with the metadata record carried as object
// metadata headers.
type S3Provider struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3Provider creates an S3-backed provider.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
		}
	})

	return &S3Provider{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Save uploads the artifact with its metadata record as object metadata.
func (p *S3Provider) Save(ctx context.Context, reportID, filename string, data []byte, meta Meta) (string, error) {
	key := Key(reportID, filename)

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.ContentType),
		Metadata: map[string]string{
			"checksum":   meta.Checksum,
			"created-at": meta.CreatedAt.UTC().Format(time.RFC3339),
			"expires-at": meta.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Debug().Str("report_id", reportID).Str("key", key).Int("size_bytes", len(data)).Msg("Uploaded artifact")
	return key, nil
}

// objectFor locates the single artifact object stored under the report prefix.
func (p *S3Provider) objectFor(ctx context.Context, reportID string) (string, error) {
	prefix := fmt.Sprintf("reports/%s/", reportID)
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(out.Contents) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	return aws.ToString(out.Contents[0].Key), nil
}

func metaFromHead(key string, contentLength int64, contentType string, objMeta map[string]string) *Meta {
	m := &Meta{
		Filename:    key[strings.LastIndex(key, "/")+1:],
		SizeBytes:   contentLength,
		ContentType: contentType,
		Checksum:    objMeta["checksum"],
	}
	if t, err := time.Parse(time.RFC3339, objMeta["created-at"]); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, objMeta["expires-at"]); err == nil {
		m.ExpiresAt = t
	}
	return m
}

// Get downloads the artifact bytes and reconstructs the metadata record.
func (p *S3Provider) Get(ctx context.Context, reportID string) ([]byte, *Meta, error) {
	key, err := p.objectFor(ctx, reportID)
	if err != nil {
		return nil, nil, err
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, reportID)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	meta := metaFromHead(key, aws.ToInt64(out.ContentLength), aws.ToString(out.ContentType), out.Metadata)
	if meta.Expired(time.Now()) {
		return nil, nil, fmt.Errorf("%w: %s expired", ErrNotFound, reportID)
	}
	return data, meta, nil
}

// Delete removes every object under the report prefix.
func (p *S3Provider) Delete(ctx context.Context, reportID string) error {
	prefix := fmt.Sprintf("reports/%s/", reportID)
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, obj := range out.Contents {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    obj.Key,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// SignedURL presigns a GetObject request valid for ttl.
func (p *S3Provider) SignedURL(ctx context.Context, reportID string, ttl time.Duration) (string, error) {
	key, err := p.objectFor(ctx, reportID)
	if err != nil {
		return "", err
	}

	meta, err := p.head(ctx, key)
	if err != nil {
		return "", err
	}
	if meta.Expired(time.Now()) {
		return "", fmt.Errorf("%w: %s expired", ErrNotFound, reportID)
	}

	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return req.URL, nil
}

func (p *S3Provider) head(ctx context.Context, key string) (*Meta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return metaFromHead(key, aws.ToInt64(out.ContentLength), aws.ToString(out.ContentType), out.Metadata), nil
}

// Exists reports whether a non-expired artifact is stored.
func (p *S3Provider) Exists(ctx context.Context, reportID string) (bool, error) {
	key, err := p.objectFor(ctx, reportID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	meta, err := p.head(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !meta.Expired(time.Now()), nil
}

// ListExpired scans the reports prefix and returns expired report IDs.
func (p *S3Provider) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string
	var continuation *string

	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String("reports/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			meta, err := p.head(ctx, key)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Skipping unreadable object during expiry scan")
				continue
			}
			if meta.Expired(now) {
				// key layout: reports/{reportId}/{filename}
				parts := strings.Split(key, "/")
				if len(parts) >= 2 {
					expired = append(expired, parts[1])
				}
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return expired, nil
}
