package indexstore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfstat/pkg/cache"
	"github.com/ethpandaops/perfstat/pkg/correlate"
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

// Export writes the summaries of every run in partition to store.
func Export(
	ctx context.Context, store Store, buildID int64, partition *correlate.Partition,
) error {
	runs := partition.All()

	summaries := make([]testrun.Summary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, run.Summarize())
	}

	return store.UpsertTestSummaries(ctx, buildID, summaries)
}

// NewRebuildHook returns a cache hook exporting every rebuild into store.
// Export failures are logged and never affect the cache.
func NewRebuildHook(
	log logrus.FieldLogger, store Store, timeout time.Duration,
) cache.RebuildHook {
	log = log.WithField("component", "indexstore")

	return func(buildID int64, partition *correlate.Partition, _ []string) {
		ctx := context.Background()

		if timeout > 0 {
			var cancel context.CancelFunc

			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := Export(ctx, store, buildID, partition); err != nil {
			log.WithError(err).WithField("build_id", buildID).
				Warn("Failed to export test summaries")

			return
		}

		log.WithFields(logrus.Fields{
			"build_id": buildID,
			"tests":    partition.Failed.Len() + partition.Succeeded.Len(),
		}).Debug("Exported test summaries")
	}
}
