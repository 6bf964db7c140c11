package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/perfstat/pkg/upload"
)

var (
	uploadBuild int64
	uploadDir   string
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Publish a local build directory to build storage",
	Long: `Publish a local build directory holding build.json and an artifacts/
directory to the configured storage backend.`,
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().Int64Var(&uploadBuild, "build", 0, "build ID to publish as")
	uploadCmd.Flags().StringVar(&uploadDir, "dir", "", "local build directory")
	_ = uploadCmd.MarkFlagRequired("build")
	_ = uploadCmd.MarkFlagRequired("dir")

	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var uploader upload.Uploader
	if cfg.Storage.S3.Enabled {
		uploader = upload.NewS3Uploader(log, &cfg.Storage.S3)
	} else {
		uploader = upload.NewLocalUploader(log, &cfg.Storage.Local)
	}

	ctx := context.Background()

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("storage preflight: %w", err)
	}

	n, err := uploader.UploadBuild(ctx, uploadBuild, uploadDir)
	if err != nil {
		return fmt.Errorf("uploading build: %w", err)
	}

	log.WithField("build_id", uploadBuild).
		WithField("files", n).
		Info("Build published")

	return nil
}
