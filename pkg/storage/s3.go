package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ethpandaops/perfstat/pkg/config"
)

// Compile-time interface check.
var _ Reader = (*s3Reader)(nil)

// s3API is the subset of the S3 client used by the reader.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(
		ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options),
	) (*s3.GetObjectOutput, error)
}

type s3Reader struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Reader creates a Reader backed by S3-compatible storage.
func NewS3Reader(cfg *config.S3Config) Reader {
	return newS3ReaderWithClient(NewS3Client(cfg), cfg.Bucket, cfg.Prefix)
}

func newS3ReaderWithClient(client s3API, bucket, prefix string) *s3Reader {
	return &s3Reader{
		client: client,
		bucket: bucket,
		prefix: BuildsKeyPrefix(prefix),
	}
}

// BuildsKeyPrefix returns the object key prefix under which builds are
// stored for the configured bucket prefix. The result ends with "/".
func BuildsKeyPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return prefix + BuildsDir + "/"
}

// ListBuildIDs lists build IDs (common prefixes) under {prefix}/builds/.
func (r *s3Reader) ListBuildIDs(ctx context.Context) ([]string, error) {
	ids, _, err := r.list(ctx, r.prefix)
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)

	return ids, nil
}

// GetBuildFile reads {prefix}/builds/{buildID}/{filename} from S3.
// Returns (nil, nil) when the key does not exist.
func (r *s3Reader) GetBuildFile(
	ctx context.Context, buildID, filename string,
) ([]byte, error) {
	key := r.prefix + buildID + "/" + filename

	body, err := r.getObject(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// ListArtifacts lists object names under {prefix}/builds/{buildID}/artifacts/.
func (r *s3Reader) ListArtifacts(
	ctx context.Context, buildID string,
) ([]string, error) {
	_, names, err := r.list(ctx, r.prefix+buildID+"/"+ArtifactsDir+"/")
	if err != nil {
		return nil, err
	}

	sort.Strings(names)

	return names, nil
}

// OpenArtifact streams {prefix}/builds/{buildID}/artifacts/{name}.
func (r *s3Reader) OpenArtifact(
	ctx context.Context, buildID, name string,
) (io.ReadCloser, error) {
	return r.getObject(ctx, r.prefix+buildID+"/"+ArtifactsDir+"/"+name)
}

// list returns the base names of common prefixes and objects directly
// below prefix.
func (r *s3Reader) list(
	ctx context.Context, prefix string,
) ([]string, []string, error) {
	paginator := s3.NewListObjectsV2Paginator(
		r.client, &s3.ListObjectsV2Input{
			Bucket:    aws.String(r.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		},
	)

	var dirs, objects []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix != nil {
				// "builds/123/" -> "123"
				dirs = append(dirs, path.Base(strings.TrimRight(*cp.Prefix, "/")))
			}
		}

		for _, obj := range page.Contents {
			if obj.Key != nil && !strings.HasSuffix(*obj.Key, "/") {
				objects = append(objects, path.Base(*obj.Key))
			}
		}
	}

	return dirs, objects, nil
}

func (r *s3Reader) getObject(
	ctx context.Context, key string,
) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	return out.Body, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

// NewS3Client creates an S3 client from the storage configuration.
func NewS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = config.DefaultS3Region
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
