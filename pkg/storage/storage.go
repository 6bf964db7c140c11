package storage

import (
	"context"
	"errors"
	"io"
)

const (
	// BuildsDir is the directory holding one sub-directory per build.
	BuildsDir = "builds"

	// ArtifactsDir is the per-build directory holding build artifacts.
	ArtifactsDir = "artifacts"

	// BuildFile is the per-build descriptor file.
	BuildFile = "build.json"
)

// ErrNotFound is returned when a requested artifact does not exist.
var ErrNotFound = errors.New("not found")

// Reader provides read access to builds and their artifacts stored in a
// backend (local filesystem or S3).
type Reader interface {
	// ListBuildIDs returns the build IDs (directory names) under the builds
	// directory.
	ListBuildIDs(ctx context.Context) ([]string, error)

	// GetBuildFile reads a file from a specific build directory.
	// Returns (nil, nil) when the file does not exist.
	GetBuildFile(ctx context.Context, buildID, filename string) ([]byte, error)

	// ListArtifacts returns the artifact file names of a build.
	ListArtifacts(ctx context.Context, buildID string) ([]string, error)

	// OpenArtifact opens an artifact of a build for streaming. The error
	// wraps ErrNotFound when the artifact does not exist.
	OpenArtifact(ctx context.Context, buildID, name string) (io.ReadCloser, error)
}
