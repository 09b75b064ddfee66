package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/common/models"
	"github.com/synaptica-ai/omopwide/pkg/extract"
	"github.com/synaptica-ai/omopwide/pkg/observability/metrics"
)

var ErrFeaturesNotFound = errors.New("features not found")

// FeatureCache is the subset of the Redis client the feature store needs.
type FeatureCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// FeatureStore keeps the most recent wide-table row of every visit in Redis
// for online lookups.
type FeatureStore struct {
	client   FeatureCache
	cacheTTL time.Duration
}

func NewFeatureStore(client FeatureCache, cacheTTL time.Duration) *FeatureStore {
	return &FeatureStore{client: client, cacheTTL: cacheTTL}
}

func featureKey(visitID int64) string {
	return fmt.Sprintf("features:visit:%d", visitID)
}

// LatestFeatures folds a table into one feature set per visit holding, for
// each column, the value at the latest bucket where it was present.
func LatestFeatures(table *extract.Table, version int) []models.FeatureSet {
	var sets []models.FeatureSet
	index := make(map[int64]int)
	for i, row := range table.Rows {
		pos, ok := index[row.VisitID]
		if !ok {
			pos = len(sets)
			index[row.VisitID] = pos
			sets = append(sets, models.FeatureSet{
				VisitID:  row.VisitID,
				PersonID: row.PersonID,
				Features: make(map[string]models.Feature),
				Version:  version,
			})
		}
		set := &sets[pos]
		set.Time = table.Value(i, extract.ColumnTime)
		for j, col := range table.Columns {
			if row.Values[j] == nil {
				continue
			}
			set.Features[col.Name] = models.Feature{
				Name:  col.Name,
				Value: row.Values[j],
				Metadata: map[string]interface{}{
					"concept_id": col.ConceptID,
					"time":       set.Time,
				},
			}
		}
	}
	return sets
}

// MaterializeLatest writes the latest features of every visit in table and
// returns the number of visits cached.
func (f *FeatureStore) MaterializeLatest(ctx context.Context, table *extract.Table, version int) (int, error) {
	now := time.Now().UTC()
	sets := LatestFeatures(table, version)
	for _, set := range sets {
		for name, feature := range set.Features {
			feature.Timestamp = now
			set.Features[name] = feature
		}
		data, err := json.Marshal(set)
		if err != nil {
			return 0, err
		}
		if err := f.client.Set(ctx, featureKey(set.VisitID), data, f.cacheTTL).Err(); err != nil {
			return 0, fmt.Errorf("cache features of visit %d: %w", set.VisitID, err)
		}
	}
	metrics.ObserveMaterialized(len(sets))
	logger.Log.WithField("visits", len(sets)).Debug("Materialized latest features")
	return len(sets), nil
}

func (f *FeatureStore) GetFeatures(ctx context.Context, visitID int64) (models.FeatureSet, error) {
	data, err := f.client.Get(ctx, featureKey(visitID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.FeatureSet{}, fmt.Errorf("%w: visit %d", ErrFeaturesNotFound, visitID)
	}
	if err != nil {
		return models.FeatureSet{}, err
	}
	var set models.FeatureSet
	if err := json.Unmarshal(data, &set); err != nil {
		return models.FeatureSet{}, err
	}
	return set, nil
}
