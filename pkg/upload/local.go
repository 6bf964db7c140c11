package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfstat/pkg/config"
	"github.com/ethpandaops/perfstat/pkg/storage"
)

// localUploader implements Uploader by copying into a local storage
// directory.
type localUploader struct {
	log logrus.FieldLogger
	cfg *config.LocalStorageConfig
}

// Ensure interface compliance.
var _ Uploader = (*localUploader)(nil)

// NewLocalUploader creates an uploader writing into local build storage.
func NewLocalUploader(
	log logrus.FieldLogger,
	cfg *config.LocalStorageConfig,
) Uploader {
	return &localUploader{
		log: log.WithField("component", "local-uploader"),
		cfg: cfg,
	}
}

// Preflight ensures the builds directory exists.
func (u *localUploader) Preflight(_ context.Context) error {
	if err := os.MkdirAll(filepath.Join(u.cfg.Dir, storage.BuildsDir), 0o755); err != nil {
		return fmt.Errorf("creating builds directory: %w", err)
	}

	return nil
}

// UploadBuild copies all files of localDir into builds/{buildID}/.
func (u *localUploader) UploadBuild(
	ctx context.Context, buildID int64, localDir string,
) (int, error) {
	files, err := collectBuildFiles(localDir)
	if err != nil {
		return 0, err
	}

	dest := filepath.Join(u.cfg.Dir, storage.BuildsDir, buildDirName(buildID))

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		if err := copyFile(f.path, filepath.Join(dest, filepath.FromSlash(f.rel))); err != nil {
			return i, fmt.Errorf("copying %s: %w", f.rel, err)
		}
	}

	u.log.WithFields(logrus.Fields{
		"files": len(files),
		"dest":  dest,
	}).Info("Upload completed")

	return len(files), nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return fmt.Errorf("copying data: %w", err)
	}

	return out.Close()
}
