package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// Static errors for the S3 mirror
var (
	ErrS3BucketRequired = errors.New("S3 bucket is required")
	ErrS3NotConfigured  = errors.New("S3 mirror is not configured")
)

// S3Config holds the settings for mirroring artifacts to S3-compatible storage
type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

// Enabled reports whether a bucket is configured
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// S3Mirror keeps a copy of every successfully uploaded artifact in a bucket
type S3Mirror struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
	template *PathTemplate
	logger   *slog.Logger
}

// NewS3Mirror creates a session and an s3manager uploader for cfg
func NewS3Mirror(cfg S3Config, logger *slog.Logger) (*S3Mirror, error) {
	if !cfg.Enabled() {
		return nil, ErrS3NotConfigured
	}

	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return NewS3MirrorWithUploader(s3manager.NewUploader(sess), cfg, logger)
}

// NewS3MirrorWithUploader creates a mirror over an existing uploader
func NewS3MirrorWithUploader(u s3manageriface.UploaderAPI, cfg S3Config, logger *slog.Logger) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, ErrS3BucketRequired
	}
	template := cfg.PathTemplate
	if template == "" {
		template = "{observer}/{YYYY}/{MM}"
	}
	return &S3Mirror{
		uploader: u,
		bucket:   cfg.Bucket,
		template: NewPathTemplate(template),
		logger:   logger,
	}, nil
}

// Mirror streams body to the bucket under key and returns the object location
func (m *S3Mirror) Mirror(ctx context.Context, key string, body io.Reader) (string, error) {
	m.logger.Debug(fmt.Sprintf("  ☁️  Mirroring to s3://%s/%s", m.bucket, key))

	out, err := m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("S3 mirror upload failed: %w", err)
	}
	return out.Location, nil
}

// Template returns the key template used for mirrored objects
func (m *S3Mirror) Template() *PathTemplate {
	return m.template
}

// Key builds the object key for an artifact uploaded by observer at ts
func (m *S3Mirror) Key(observer string, ts time.Time, filename string) string {
	return m.template.Key(observer, ts, filename)
}
