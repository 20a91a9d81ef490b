package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/storage"
)

// ArchiveConfig controls the movement of cold records out of live
// collections.
type ArchiveConfig struct {
	// Horizon is the age beyond which a synced record becomes eligible.
	Horizon time.Duration
	// MaxPerBucket caps each collection's archive bucket; the oldest
	// archived records are evicted first when the cap is exceeded.
	MaxPerBucket int
}

// ArchiveResult reports what one archival pass moved.
type ArchiveResult struct {
	Moved   map[string]int `json:"moved"`
	Evicted int            `json:"evicted"`
}

// archiveBuckets is the persisted shape at the archive key: one bucket of
// records per collection.
type archiveBuckets map[string][]models.Record

// ArchiveOld moves records that are synced, not deleted and untouched for
// longer than the horizon into the per-collection archive bucket. Unsynced
// and soft-deleted records are never archived regardless of age.
func (s *Store) ArchiveOld(ctx context.Context) (ArchiveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ArchiveResult{Moved: map[string]int{}}
	if s.archive.Horizon <= 0 {
		return result, nil
	}

	if err := s.migrateIfNeeded(ctx); err != nil {
		return result, err
	}

	buckets, err := s.loadArchive(ctx)
	if err != nil {
		return result, err
	}
	cutoff := s.now().Add(-s.archive.Horizon)

	names, err := s.collectionNames(ctx)
	if err != nil {
		return result, err
	}

	// Every write of the pass is staged and lands in one atomic batch:
	// a record leaves its active collection only if it reached the archive.
	writes := make(map[string][]byte)
	for _, name := range names {
		records, err := s.loadCollection(ctx, name)
		if err != nil {
			return result, err
		}

		keep := records[:0]
		var cold []models.Record
		for _, rec := range records {
			if rec.Synced() && !rec.Deleted() && rec.LastTouched().Before(cutoff) && !rec.LastTouched().IsZero() {
				cold = append(cold, rec)
			} else {
				keep = append(keep, rec)
			}
		}
		if len(cold) == 0 {
			continue
		}

		bucket := append(buckets[name], cold...)
		bucket, evicted := trimBucket(bucket, s.archive.MaxPerBucket)
		buckets[name] = bucket
		result.Evicted += evicted
		result.Moved[name] = len(cold)

		blob, err := s.encodeCollection(ctx, name, keep)
		if err != nil {
			return ArchiveResult{Moved: map[string]int{}}, err
		}
		writes[storage.CollectionKey(name)] = blob
	}

	if len(writes) == 0 {
		return result, nil
	}

	archiveBlob, err := s.encodeArchive(ctx, buckets)
	if err != nil {
		return ArchiveResult{Moved: map[string]int{}}, err
	}
	writes[storage.KeyArchive] = archiveBlob

	if err := s.repo.SetMany(ctx, writes); err != nil {
		return ArchiveResult{Moved: map[string]int{}}, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	s.log.Info(ctx, "archival pass complete", "moved", result.Moved, "evicted", result.Evicted)
	return result, nil
}

// Archived returns the archive bucket for one collection.
func (s *Store) Archived(ctx context.Context, collection string) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets, err := s.loadArchive(ctx)
	if err != nil {
		return nil, err
	}
	return buckets[collection], nil
}

// trimBucket drops the oldest records (by last-touched time) until the
// bucket fits the cap. Zero cap means unbounded.
func trimBucket(bucket []models.Record, limit int) ([]models.Record, int) {
	if limit <= 0 || len(bucket) <= limit {
		return bucket, 0
	}
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].LastTouched().Before(bucket[j].LastTouched())
	})
	evicted := len(bucket) - limit
	return bucket[evicted:], evicted
}

func (s *Store) loadArchive(ctx context.Context) (archiveBuckets, error) {
	blob, err := s.repo.Get(ctx, storage.KeyArchive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if len(blob) == 0 {
		return archiveBuckets{}, nil
	}

	payload, err := s.codec.Decode(ctx, blob)
	if err != nil {
		s.faults.Report(ctx, common.SeverityError, "store.archive", err, nil)
		return archiveBuckets{}, nil
	}

	var buckets archiveBuckets
	if err := json.Unmarshal(payload, &buckets); err != nil {
		s.faults.Report(ctx, common.SeverityError, "store.archive", err, nil)
		return archiveBuckets{}, nil
	}
	return buckets, nil
}

func (s *Store) encodeArchive(ctx context.Context, buckets archiveBuckets) ([]byte, error) {
	payload, err := json.Marshal(buckets)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	blob, err := s.codec.Encode(ctx, payload, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return blob, nil
}
