package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethpandaops/perfstat/pkg/storage"
)

// Uploader publishes a local build directory to build storage.
type Uploader interface {
	// Preflight verifies that the storage is reachable and writable.
	Preflight(ctx context.Context) error

	// UploadBuild uploads every file of localDir as build buildID. The
	// directory must hold a build descriptor.
	UploadBuild(ctx context.Context, buildID int64, localDir string) (int, error)
}

// file is one file of a build directory with its slash-separated path
// relative to the directory.
type file struct {
	path string
	rel  string
}

// collectBuildFiles walks localDir and returns its files. It fails when the
// directory has no build descriptor so that unreadable builds are never
// published.
func collectBuildFiles(localDir string) ([]file, error) {
	info, err := os.Stat(filepath.Join(localDir, storage.BuildFile))
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%s has no %s", localDir, storage.BuildFile)
	}

	var files []file

	err = filepath.WalkDir(localDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		files = append(files, file{path: path, rel: filepath.ToSlash(rel)})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory %s: %w", localDir, err)
	}

	return files, nil
}

func buildDirName(buildID int64) string {
	return strconv.FormatInt(buildID, 10)
}
