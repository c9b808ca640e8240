// Package backfill rebuilds address history from archived server logs.
package backfill

import (
	"bufio"
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/iplog/internal/history"
	"github.com/goodtune/iplog/internal/logline"
	"github.com/goodtune/iplog/internal/metrics"
	"github.com/rs/zerolog"
)

// maxLineSize bounds a single log line; longer lines fail the archive.
const maxLineSize = 1 << 20

// Merger receives observations and flushes them once the run completes.
// *history.Store satisfies it.
type Merger interface {
	Merge(ctx context.Context, username, address, firstSeen string) (history.Outcome, error)
	Save(ctx context.Context) error
}

// Report summarises a backfill run.
type Report struct {
	Archives       int
	FailedArchives []string
	Lines          int
	Matched        int
	Created        int
	Lowered        int
}

// Run reads archives strictly in the given order and merges every
// connection line, stamped with the archive's date and the line's clock
// time. An archive that cannot be read is logged and skipped. The history is
// saved once more after the last archive.
func Run(ctx context.Context, merger Merger, archives []Archive, logger zerolog.Logger) (Report, error) {
	logger = logger.With().Str("component", "backfill").Logger()
	var report Report

	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		archiveLog := logger.With().Str("archive", archive.Name).Logger()
		archiveLog.Debug().Msg("Processing archive")

		stats, err := processArchive(ctx, merger, archive)
		report.Lines += stats.Lines
		report.Matched += stats.Matched
		report.Created += stats.Created
		report.Lowered += stats.Lowered

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}
			report.FailedArchives = append(report.FailedArchives, archive.Name)
			metrics.BackfillArchivesTotal.WithLabelValues("failed").Inc()
			archiveLog.Error().Err(err).Msg("Error reading archive, skipping")
			continue
		}

		report.Archives++
		metrics.BackfillArchivesTotal.WithLabelValues("ok").Inc()
		archiveLog.Debug().
			Int("lines", stats.Lines).
			Int("matched", stats.Matched).
			Msg("Archive processed")
	}

	if err := merger.Save(ctx); err != nil {
		return report, fmt.Errorf("save after backfill: %w", err)
	}

	logger.Info().
		Int("archives", report.Archives).
		Int("failed", len(report.FailedArchives)).
		Int("matched", report.Matched).
		Int("created", report.Created).
		Int("lowered", report.Lowered).
		Msg("Backfill complete")
	return report, nil
}

func processArchive(ctx context.Context, merger Merger, archive Archive) (Report, error) {
	var stats Report

	r, err := archive.Open()
	if err != nil {
		return stats, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		stats.Lines++

		m, ok := logline.Parse(scanner.Text())
		if !ok {
			metrics.BackfillLinesTotal.WithLabelValues("ignored").Inc()
			continue
		}
		stats.Matched++
		metrics.BackfillLinesTotal.WithLabelValues("matched").Inc()

		outcome, err := merger.Merge(ctx, m.Username, m.Address, m.Timestamp(archive.Date))
		if err != nil && !history.IsSaveFailure(err) {
			return stats, fmt.Errorf("merge %s/%s: %w", m.Username, m.Address, err)
		}
		metrics.ObservationsTotal.WithLabelValues("backfill", outcome.String()).Inc()

		switch outcome {
		case history.OutcomeCreated:
			stats.Created++
		case history.OutcomeLowered:
			stats.Lowered++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read archive: %w", err)
	}
	return stats, nil
}
