package store

import (
	"context"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
)

// QuotaConfig bounds local storage growth.
type QuotaConfig struct {
	// MaxItemsPerCollection caps any single collection's record count.
	MaxItemsPerCollection int
	// MaxTotalItems caps the sum across collections; the usage ratio is
	// computed against it.
	MaxTotalItems int
	// WarnRatio / CriticalRatio are the usage watermarks.
	WarnRatio     float64
	CriticalRatio float64
}

// CheckQuota computes per-collection stats and the overall usage report.
func (s *Store) CheckQuota(ctx context.Context) (models.QuotaReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.collectionNames(ctx)
	if err != nil {
		return models.QuotaReport{}, err
	}

	report := models.QuotaReport{
		Collections: make(map[string]models.CollectionStats, len(names)),
	}
	for _, name := range names {
		records, err := s.loadCollection(ctx, name)
		if err != nil {
			return models.QuotaReport{}, err
		}
		stats := countRecords(records)
		report.Collections[name] = stats
		report.TotalItems += stats.Total()

		// the cap itself is still fine; one past it is not
		if s.quota.MaxItemsPerCollection > 0 && stats.Total() > s.quota.MaxItemsPerCollection {
			report.NeedsCleanup = true
			report.Warning = true
		}
	}

	if s.quota.MaxTotalItems > 0 {
		report.UsageRatio = float64(report.TotalItems) / float64(s.quota.MaxTotalItems)
		if s.quota.CriticalRatio > 0 && report.UsageRatio >= s.quota.CriticalRatio {
			report.Critical = true
			report.Warning = true
			report.NeedsCleanup = true
		} else if s.quota.WarnRatio > 0 && report.UsageRatio >= s.quota.WarnRatio {
			report.Warning = true
			report.NeedsCleanup = true
		}
	}

	if report.Warning {
		sev := common.SeverityWarning
		if report.Critical {
			sev = common.SeverityCritical
		}
		s.faults.Report(ctx, sev, "store.quota", nil, map[string]any{
			"totalItems": report.TotalItems,
			"usageRatio": report.UsageRatio,
		})
	}

	return report, nil
}

func countRecords(records []models.Record) models.CollectionStats {
	var stats models.CollectionStats
	for _, rec := range records {
		if rec.Deleted() {
			stats.Deleted++
		} else {
			stats.Active++
		}
		if rec.Synced() {
			stats.Synced++
		} else {
			stats.Unsynced++
		}
	}
	return stats
}

