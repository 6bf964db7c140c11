package upload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfstat/pkg/config"
	"github.com/ethpandaops/perfstat/pkg/storage"
)

// preflightKey is the object written by Preflight.
const preflightKey = ".perfstat-write-test"

// s3PutAPI is the subset of the S3 client used by the uploader.
type s3PutAPI interface {
	PutObject(
		ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client s3PutAPI
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3Config,
) Uploader {
	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: storage.NewS3Client(cfg),
	}
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("perfstat write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(preflightKey),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// UploadBuild uploads all files of localDir under {prefix}/builds/{buildID}/.
func (u *s3Uploader) UploadBuild(
	ctx context.Context, buildID int64, localDir string,
) (int, error) {
	files, err := collectBuildFiles(localDir)
	if err != nil {
		return 0, err
	}

	prefix := u.resolvePrefix(buildID)

	for i, f := range files {
		if err := u.uploadFile(ctx, f.path, prefix+f.rel); err != nil {
			return i, fmt.Errorf("uploading %s: %w", f.rel, err)
		}
	}

	u.log.WithFields(logrus.Fields{
		"files":  len(files),
		"bucket": u.cfg.Bucket,
		"prefix": prefix,
	}).Info("Upload completed")

	return len(files), nil
}

// uploadFile uploads a single file to S3.
func (u *s3Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": u.cfg.Bucket,
	}).Debug("Uploading file")

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(detectContentType(localPath)),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// resolvePrefix builds the S3 key prefix of a build directory.
func (u *s3Uploader) resolvePrefix(buildID int64) string {
	return storage.BuildsKeyPrefix(u.cfg.Prefix) + buildDirName(buildID) + "/"
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
