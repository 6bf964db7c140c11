package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/perfstat/pkg/logline"
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

// Lookup resolves a decoded label to a test run.
type Lookup interface {
	Find(name string) (*testrun.TestRun, bool)
}

// Opener opens the log stream to ingest.
type Opener func() (io.ReadCloser, error)

// Stats counts what happened to the lines of a log.
type Stats struct {
	Lines     int
	Decoded   int
	Malformed int
	Unmatched int
	// Degenerate counts lines whose elapsed field passed validation but did
	// not parse as a number. Their response code and raw fields are kept.
	Degenerate int
	Bytes      int64
}

// Ingestor streams aggregate logs into test runs.
type Ingestor struct {
	log   logrus.FieldLogger
	codec *logline.Codec
}

// NewIngestor creates an ingestor using the given codec.
func NewIngestor(log logrus.FieldLogger, codec *logline.Codec) *Ingestor {
	return &Ingestor{
		log:   log.WithField("component", "ingest"),
		codec: codec,
	}
}

// Ingest reads the title line and feeds every following sample line into
// the matching test run. Titles read before a stream error are returned
// alongside it; accumulation already applied is kept. A line whose elapsed
// field is empty records its response code and raw fields but adds no
// time sample, and is counted in Stats.Degenerate.
func (i *Ingestor) Ingest(r io.Reader, lookup Lookup) ([]string, Stats, error) {
	var (
		stats  Stats
		titles []string
	)

	reader := bufio.NewReader(r)

	for {
		line, err := reader.ReadString('\n')
		stats.Bytes += int64(len(line))

		if line != "" || err == nil {
			if titles == nil {
				titles = i.codec.Split(line)
			} else {
				stats.Lines++
				i.ingestLine(line, lookup, &stats)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return titles, stats, nil
			}

			return titles, stats, fmt.Errorf("reading log: %w", err)
		}
	}
}

func (i *Ingestor) ingestLine(line string, lookup Lookup, stats *Stats) {
	decoded, err := i.codec.Decode(line)
	if err != nil {
		stats.Malformed++

		i.log.WithError(err).Warn("Skipping malformed log line")

		return
	}

	stats.Decoded++

	run, ok := lookup.Find(decoded.Label)
	if !ok {
		stats.Unmatched++

		return
	}

	run.AddResponseCode(decoded.ResponseCode)

	if decoded.ElapsedValid {
		run.AddTimeValue(decoded.StartTime, decoded.Elapsed)
	} else {
		stats.Degenerate++

		i.log.WithFields(logrus.Fields{
			"test":       decoded.Label,
			"start_time": decoded.StartTime,
		}).Warn("Log line has no numeric elapsed time, sample not recorded")
	}

	run.AddLogLine(decoded.StartTime, decoded.Fields)
}

// IngestFile opens the named log, ingests it and always closes it. Open,
// read and close failures are logged and never returned: callers observe
// whatever data was accumulated before the failure.
func (i *Ingestor) IngestFile(name string, open Opener, lookup Lookup) ([]string, Stats) {
	log := i.log.WithField("file", name)

	rc, err := open()
	if err != nil {
		log.WithError(err).Error("Failed to open performance log")

		return nil, Stats{}
	}

	titles, stats, err := i.Ingest(rc, lookup)

	if closeErr := rc.Close(); closeErr != nil {
		log.WithError(closeErr).Error("Failed to close performance log")
	}

	if err != nil {
		log.WithError(err).Error("Failed to read performance log")
	}

	log.WithFields(logrus.Fields{
		"lines":     stats.Lines,
		"decoded":   stats.Decoded,
		"malformed": stats.Malformed,
		"unmatched": stats.Unmatched,
		"size":      units.HumanSize(float64(stats.Bytes)),
		"columns":   strings.Join(titles, ","),
	}).Debug("Performance log ingested")

	return titles, stats
}
