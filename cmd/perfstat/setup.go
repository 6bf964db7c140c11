package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/perfstat/pkg/config"
	"github.com/ethpandaops/perfstat/pkg/ingest"
	"github.com/ethpandaops/perfstat/pkg/logline"
	"github.com/ethpandaops/perfstat/pkg/storage"
)

// newLogger creates the process logger. Its level is set once the
// command line and config are known.
func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return l
}

// setLogLevel applies level to the process logger. source names where the
// level came from in the error.
func setLogLevel(level, source string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", source, level, err)
	}

	log.SetLevel(parsed)

	return nil
}

// logLevelNames lists the accepted --log-level values.
func logLevelNames() []string {
	names := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		names = append(names, level.String())
	}

	return names
}

// loadConfig loads and validates the configuration. The config file's log
// level applies unless --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		if err := setLogLevel(cfg.Global.LogLevel, "global.log_level"); err != nil {
			return nil, err
		}
	}

	if !cfg.HasStorage() {
		return nil, fmt.Errorf("a storage backend (storage.local or storage.s3) is required")
	}

	return cfg, nil
}

// newReader creates the storage reader of the enabled backend.
func newReader(cfg *config.Config) storage.Reader {
	if cfg.Storage.S3.Enabled {
		return storage.NewS3Reader(&cfg.Storage.S3)
	}

	return storage.NewLocalReader(&cfg.Storage.Local)
}

// newIngestor creates the log ingestor for the configured line format.
func newIngestor(cfg *config.Config) (*ingest.Ingestor, error) {
	codec, err := logline.NewCodec(cfg.Log.Delimiter, logline.DefaultSanitizer)
	if err != nil {
		return nil, fmt.Errorf("creating line codec: %w", err)
	}

	return ingest.NewIngestor(log, codec), nil
}
