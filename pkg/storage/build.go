package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/ethpandaops/perfstat/pkg/correlate"
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

// Build is a build descriptor read from build.json.
type Build struct {
	BuildID    int64                     `json:"id"`
	Reasons    []correlate.FailureReason `json:"failure_reasons"`
	TestRuns   []testrun.Identity        `json:"tests"`
	Parameters map[string]string         `json:"parameters"`
}

// ID returns the build identity.
func (b *Build) ID() int64 { return b.BuildID }

// FailureReasons returns every failure reason reported for the build.
func (b *Build) FailureReasons() []correlate.FailureReason { return b.Reasons }

// Tests returns the discovered tests in discovery order.
func (b *Build) Tests() []testrun.Identity { return b.TestRuns }

// Parameter returns a build parameter.
func (b *Build) Parameter(name string) (string, bool) {
	v, ok := b.Parameters[name]

	return v, ok
}

// LoadBuild reads and decodes the descriptor of a build. The error wraps
// ErrNotFound when the build has no descriptor.
func LoadBuild(ctx context.Context, reader Reader, buildID string) (*Build, error) {
	id, err := strconv.ParseInt(buildID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid build id %q: %w", buildID, err)
	}

	data, err := reader.GetBuildFile(ctx, buildID, BuildFile)
	if err != nil {
		return nil, fmt.Errorf("reading build %s: %w", buildID, err)
	}

	if data == nil {
		return nil, fmt.Errorf("build %s: %w", buildID, ErrNotFound)
	}

	var build Build
	if err := json.Unmarshal(data, &build); err != nil {
		return nil, fmt.Errorf("parsing build %s: %w", buildID, err)
	}

	// The directory name is authoritative.
	build.BuildID = id

	return &build, nil
}

// ArtifactLocator finds build artifacts by exact file name.
type ArtifactLocator struct {
	reader Reader
}

// NewArtifactLocator creates a locator over reader.
func NewArtifactLocator(reader Reader) *ArtifactLocator {
	return &ArtifactLocator{reader: reader}
}

// Locate opens the artifact of the build whose name equals name. The error
// wraps ErrNotFound when no artifact matches.
func (l *ArtifactLocator) Locate(
	ctx context.Context, buildID int64, name string,
) (io.ReadCloser, error) {
	id := strconv.FormatInt(buildID, 10)

	names, err := l.reader.ListArtifacts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts of build %s: %w", id, err)
	}

	for _, n := range names {
		if n == name {
			return l.reader.OpenArtifact(ctx, id, n)
		}
	}

	return nil, fmt.Errorf("artifact %q of build %s: %w", name, id, ErrNotFound)
}
