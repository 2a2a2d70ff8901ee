package artifacts

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"loom/internal/config"
)

// Uploader pushes a stored artifact to remote storage and returns its public
// locator.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// S3Uploader stores artifacts in an S3 bucket under an optional key prefix.
type S3Uploader struct {
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Uploader builds an uploader from the artifact configuration, or
// returns nil when no bucket is configured. Credentials come from the
// default AWS provider chain.
func NewS3Uploader(cfg config.Artifacts) (*S3Uploader, error) {
	bucket := strings.TrimSpace(cfg.S3Bucket)
	if bucket == "" {
		return nil, nil
	}

	awsConf := &aws.Config{}
	if region := strings.TrimSpace(cfg.S3Region); region != "" {
		awsConf.Region = aws.String(region)
	}
	sess, err := session.NewSession(awsConf)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}

	return &S3Uploader{
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
		prefix:   strings.Trim(cfg.S3Prefix, "/"),
	}, nil
}

// Upload streams the file to the bucket and returns its s3 locator.
func (u *S3Uploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	fullKey := key
	if u.prefix != "" {
		fullKey = path.Join(u.prefix, key)
	}
	if _, err := u.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(fullKey),
		Body:   file,
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", fullKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, fullKey), nil
}
