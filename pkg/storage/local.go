package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethpandaops/perfstat/pkg/config"
)

// Compile-time interface check.
var _ Reader = (*localReader)(nil)

type localReader struct {
	dir string
}

// NewLocalReader creates a Reader backed by a local directory.
func NewLocalReader(cfg *config.LocalStorageConfig) Reader {
	return &localReader{dir: cfg.Dir}
}

// ListBuildIDs returns build directory names under {dir}/builds/, sorted.
func (r *localReader) ListBuildIDs(_ context.Context) ([]string, error) {
	names, err := listDir(filepath.Join(r.dir, BuildsDir), true)
	if err != nil {
		return nil, fmt.Errorf("reading builds directory: %w", err)
	}

	return names, nil
}

// GetBuildFile reads {dir}/builds/{buildID}/{filename}.
// Returns (nil, nil) when the file does not exist.
func (r *localReader) GetBuildFile(
	_ context.Context, buildID, filename string,
) ([]byte, error) {
	p, err := r.buildPath(buildID, filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // path is confined to the builds directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

// ListArtifacts returns file names under {dir}/builds/{buildID}/artifacts/.
func (r *localReader) ListArtifacts(
	_ context.Context, buildID string,
) ([]string, error) {
	p, err := r.buildPath(buildID, ArtifactsDir)
	if err != nil {
		return nil, err
	}

	names, err := listDir(p, false)
	if err != nil {
		return nil, fmt.Errorf("reading artifacts directory: %w", err)
	}

	return names, nil
}

// OpenArtifact opens {dir}/builds/{buildID}/artifacts/{name}.
func (r *localReader) OpenArtifact(
	_ context.Context, buildID, name string,
) (io.ReadCloser, error) {
	p, err := r.buildPath(buildID, ArtifactsDir, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p) //nolint:gosec // path is confined to the builds directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", p, ErrNotFound)
		}

		return nil, fmt.Errorf("opening artifact %s: %w", p, err)
	}

	return f, nil
}

// buildPath joins elements below the build directory, rejecting elements
// that would escape it.
func (r *localReader) buildPath(buildID string, elem ...string) (string, error) {
	for _, e := range append([]string{buildID}, elem...) {
		if e == "" || e == "." || e == ".." || strings.ContainsAny(e, `/\`) {
			return "", fmt.Errorf("invalid path element %q", e)
		}
	}

	return filepath.Join(append([]string{r.dir, BuildsDir, buildID}, elem...)...), nil
}

// listDir returns sorted entry names of dir, either directories or regular
// files. A missing directory yields nil.
func listDir(dir string, dirs bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() == dirs {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}
