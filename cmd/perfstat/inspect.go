package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/perfstat/pkg/cache"
	"github.com/ethpandaops/perfstat/pkg/storage"
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

var inspectBuild string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the per-test results of one build",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectBuild, "build", "", "build ID to inspect")
	_ = inspectCmd.MarkFlagRequired("build")

	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	reader := newReader(cfg)

	build, err := storage.LoadBuild(ctx, reader, inspectBuild)
	if err != nil {
		return fmt.Errorf("loading build: %w", err)
	}

	ingestor, err := newIngestor(cfg)
	if err != nil {
		return err
	}

	c := cache.New(log, ingestor, storage.NewArtifactLocator(reader), cache.Options{
		AggregateFileParam: cfg.Log.AggregateFileParam,
	})

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Build %d\n", build.ID())
	fmt.Fprintf(out, "Columns: %s\n\n", strings.Join(c.LogColumnTitles(ctx, build), ", "))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OUTCOME\tGROUP\tTEST\tSAMPLES\tCODES")

	for _, run := range c.FailedTestRuns(ctx, build) {
		writeRun(w, run)
	}

	for _, run := range c.SucceededTestRuns(ctx, build) {
		writeRun(w, run)
	}

	return w.Flush()
}

func writeRun(w *tabwriter.Writer, run *testrun.TestRun) {
	codes := run.ResponseCodes()
	parts := make([]string, 0, len(codes))

	for _, code := range slices.Sorted(maps.Keys(codes)) {
		parts = append(parts, fmt.Sprintf("%s=%d", code, codes[code]))
	}

	fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
		run.Outcome(), run.GroupName(), run.FullName(),
		run.SampleCount(), strings.Join(parts, " "))
}
