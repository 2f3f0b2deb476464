package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/store"
	"github.com/quantpond/driftline/internal/train"
)

// LoadedModel is a production model ready to score.
type LoadedModel struct {
	Name         string
	Version      string
	ModelType    string
	Model        []byte
	FeatureOrder []string
	ChecksumOK   bool
}

// Service resolves production models through the TTL cache, verifying the
// artifact checksum on every cold load. A checksum mismatch flags the model
// and counts it, but does not refuse to serve: the operator decides.
type Service struct {
	registry store.ModelRegistry
	metrics  *obs.Metrics
	cache    *modelCache
}

// NewService builds the model-serving service. metrics may be nil.
func NewService(registry store.ModelRegistry, metrics *obs.Metrics, cacheTTL time.Duration) *Service {
	return &Service{
		registry: registry,
		metrics:  metrics,
		cache:    newModelCache(cacheTTL),
	}
}

// Close stops the cache sweep.
func (s *Service) Close() {
	s.cache.close()
}

// Production returns the current production model for (name, modelType),
// from cache when fresh.
func (s *Service) Production(ctx context.Context, name, modelType string) (LoadedModel, error) {
	if e, ok := s.cache.get(name); ok {
		return LoadedModel{
			Name:         name,
			Version:      e.version,
			ModelType:    modelType,
			Model:        e.model,
			FeatureOrder: e.order,
			ChecksumOK:   e.checksumOK,
		}, nil
	}

	row, err := s.registry.FetchProduction(ctx, name, modelType)
	if err != nil {
		return LoadedModel{}, fmt.Errorf("failed to resolve production model: %w", err)
	}

	artifact, err := train.LoadArtifact(row.ArtifactPath)
	if err != nil {
		return LoadedModel{}, fmt.Errorf("failed to load artifact for %s@%s: %w", row.Name, row.Version, err)
	}
	model, err := artifact.Model()
	if err != nil {
		return LoadedModel{}, err
	}

	checksumOK, err := artifact.Verify()
	if err != nil {
		return LoadedModel{}, err
	}
	if !checksumOK {
		if s.metrics != nil {
			s.metrics.ChecksumMismatch.Inc()
		}
		log.Warn().
			Str("model", row.Name).
			Str("version", row.Version).
			Msg("Artifact checksum mismatch")
	}

	s.cache.put(name, cacheEntry{
		version:    row.Version,
		model:      model,
		order:      artifact.FeatureOrder,
		checksumOK: checksumOK,
	})

	return LoadedModel{
		Name:         row.Name,
		Version:      row.Version,
		ModelType:    row.ModelType,
		Model:        model,
		FeatureOrder: artifact.FeatureOrder,
		ChecksumOK:   checksumOK,
	}, nil
}

// Invalidate drops a cached model, called after promotion so the next
// inference reads the new production row.
func (s *Service) Invalidate(name string) {
	s.cache.invalidate(name)
}

// Latest lists recent registry rows for the ops surface.
func (s *Service) Latest(ctx context.Context, name, modelType string, limit int) ([]domain.ModelRow, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.registry.FetchLatest(ctx, name, modelType, limit)
}

// CachedModels reports the cache size for status reads.
func (s *Service) CachedModels() int {
	return s.cache.size()
}
