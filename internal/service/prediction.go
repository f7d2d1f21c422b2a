// Package service combines the backend client, the prediction caches and
// the prediction history behind the interfaces the intake controller uses.
package service

import (
	"context"
	"errors"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/history"
	"github.com/mediguard-intake/internal/metrics"
	"github.com/mediguard-intake/internal/registry"
	"github.com/mediguard-intake/pkg/backend"
)

// Options configures optional collaborators of PredictionService
type Options struct {
	// MemoryCacheSize bounds the in-process cache; 0 disables it
	MemoryCacheSize int
	CacheTTL        time.Duration
	Cache           *backend.CacheClient
	History         history.Store
	Metrics         *metrics.Metrics
	Registry        *registry.Registry
}

type memoryEntry struct {
	result    *domain.PredictionResult
	expiresAt time.Time
}

// PredictionService implements domain.Predictor and domain.Extractor
type PredictionService struct {
	api      backend.API
	memory   *lru.Cache
	cache    *backend.CacheClient
	history  history.Store
	metrics  *metrics.Metrics
	registry *registry.Registry
	ttl      time.Duration
	logger   *logrus.Logger
}

// NewPredictionService creates a new prediction service
func NewPredictionService(api backend.API, logger *logrus.Logger, opts Options) (*PredictionService, error) {
	if api == nil {
		return nil, domain.NewIntakeError(domain.ErrInvalidInput, "backend client is required", "")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}

	s := &PredictionService{
		api:      api,
		cache:    opts.Cache,
		history:  opts.History,
		metrics:  opts.Metrics,
		registry: opts.Registry,
		ttl:      opts.CacheTTL,
		logger:   logger,
	}
	if opts.MemoryCacheSize > 0 {
		memory, err := lru.New(opts.MemoryCacheSize)
		if err != nil {
			return nil, err
		}
		s.memory = memory
	}
	return s, nil
}

// Predict returns the backend's prediction for features, serving repeats
// from cache, and records the outcome in the history.
func (s *PredictionService) Predict(ctx context.Context, userID string, source domain.Source, features domain.FeatureValue) (*domain.PredictionResult, error) {
	if len(features) == 0 {
		return nil, domain.NewIntakeError(domain.ErrInvalidInput, "no features to predict from", "")
	}
	if err := features.Validate(s.registry.HasLabel); err != nil {
		return nil, domain.WrapIntakeError(domain.ErrValidation, "features cannot be sent for prediction", err)
	}

	key, err := backend.PredictionKey(features)
	if err != nil {
		return nil, domain.WrapIntakeError(domain.ErrInvalidInput, "features cannot be encoded", err)
	}

	result := s.lookup(ctx, key, features)
	if result == nil {
		started := time.Now()
		result, err = s.api.Predict(ctx, features)
		s.metrics.BackendCall("predict", started, err)
		if err != nil {
			return nil, domain.WrapIntakeError(domain.ErrExternalAPI, "prediction backend request failed", err)
		}
		s.remember(ctx, key, features, result)
	}

	out := *result
	if out.InputFeatures == nil {
		out.InputFeatures = features.Clone()
	}

	s.record(ctx, userID, source, features, &out)
	s.metrics.Prediction(string(source), out.PredictedDisease)

	s.logger.WithFields(logrus.Fields{
		"user_id":           userID,
		"source":            source,
		"predicted_disease": out.PredictedDisease,
	}).Info("Prediction completed")

	return &out, nil
}

func (s *PredictionService) lookup(ctx context.Context, key string, features domain.FeatureValue) *domain.PredictionResult {
	if s.memory != nil {
		if v, ok := s.memory.Get(key); ok {
			entry := v.(memoryEntry)
			if time.Now().Before(entry.expiresAt) {
				s.metrics.CacheLookup("memory", true)
				return entry.result
			}
			s.memory.Remove(key)
		}
		s.metrics.CacheLookup("memory", false)
	}

	if s.cache != nil {
		result, ok, err := s.cache.GetPrediction(ctx, features)
		if err != nil {
			s.logger.WithError(err).Warn("Prediction cache lookup failed")
			return nil
		}
		s.metrics.CacheLookup("redis", ok)
		if ok {
			if s.memory != nil {
				s.memory.Add(key, memoryEntry{result: result, expiresAt: time.Now().Add(s.ttl)})
			}
			return result
		}
	}
	return nil
}

func (s *PredictionService) remember(ctx context.Context, key string, features domain.FeatureValue, result *domain.PredictionResult) {
	if s.memory != nil {
		s.memory.Add(key, memoryEntry{result: result, expiresAt: time.Now().Add(s.ttl)})
	}
	if s.cache != nil {
		if err := s.cache.SetPrediction(ctx, features, result, s.ttl); err != nil {
			s.logger.WithError(err).Warn("Failed to cache prediction")
		}
	}
}

// record appends to the history. A failed write never fails the prediction.
func (s *PredictionService) record(ctx context.Context, userID string, source domain.Source, features domain.FeatureValue, result *domain.PredictionResult) {
	if s.history == nil {
		return
	}
	rec := history.NewRecord(userID, source, features, result)
	err := s.history.Append(ctx, rec)
	s.metrics.HistoryAppend(err)
	if err != nil {
		s.logger.WithError(err).WithField("record_id", rec.ID).Error("Failed to append prediction history")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"seq":       rec.Seq,
	}).Debug("Prediction recorded")
}

// Extract uploads a report for feature extraction
func (s *PredictionService) Extract(ctx context.Context, kind domain.UploadKind, filename string, body io.Reader) (*domain.ExtractionResult, error) {
	started := time.Now()
	result, err := s.api.Upload(ctx, kind, filename, body)
	s.metrics.BackendCall("upload_"+string(kind), started, err)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, domain.WrapIntakeError(domain.ErrExternalAPI, "upload to prediction backend failed", err)
	}
	if result.Message == "" {
		result.Message = result.SummaryMessage(s.registry.Len())
	}

	s.logger.WithFields(logrus.Fields{
		"kind":     kind,
		"filename": filename,
		"usable":   len(result.Usable()),
	}).Info("Report extracted")
	return result, nil
}

// History returns the configured history store, which may be nil
func (s *PredictionService) History() history.Store {
	return s.history
}

// ListHistory returns userID's recorded predictions, newest first. An
// empty userID lists every user.
func (s *PredictionService) ListHistory(ctx context.Context, userID string, limit, offset int) ([]*history.Record, int64, error) {
	if s.history == nil {
		return nil, 0, domain.NewIntakeError(domain.ErrNotFound, "prediction history is disabled", "")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	records, err := s.history.List(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.history.Count(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// HistoryStats aggregates userID's predictions for dashboards. An empty
// userID covers every user.
func (s *PredictionService) HistoryStats(ctx context.Context, userID string) (*history.Stats, error) {
	if s.history == nil {
		return nil, domain.NewIntakeError(domain.ErrNotFound, "prediction history is disabled", "")
	}
	return s.history.Stats(ctx, userID)
}

// VerifyHistory walks the history chain
func (s *PredictionService) VerifyHistory(ctx context.Context) (*history.VerifyResult, error) {
	if s.history == nil {
		return nil, domain.NewIntakeError(domain.ErrNotFound, "prediction history is disabled", "")
	}
	return s.history.Verify(ctx)
}

// HealthReport summarizes the service's dependencies
type HealthReport struct {
	Status         string                `json:"status"`
	Backend        *domain.BackendHealth `json:"backend,omitempty"`
	BackendError   string                `json:"backend_error,omitempty"`
	CircuitBreaker string                `json:"circuit_breaker,omitempty"`
	Cache          string                `json:"cache"`
	History        string                `json:"history"`
	HistoryEntries int64                 `json:"history_entries,omitempty"`
}

type breakerReporter interface {
	BreakerState() gobreaker.State
}

// Health checks the backend, cache and history. Status is "healthy" when
// everything answers and "degraded" otherwise.
func (s *PredictionService) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{Status: "healthy", Cache: "disabled", History: "disabled"}

	if b, ok := s.api.(breakerReporter); ok {
		report.CircuitBreaker = b.BreakerState().String()
	}

	health, err := s.api.Health(ctx)
	if err != nil {
		report.Status = "degraded"
		report.BackendError = err.Error()
	} else {
		report.Backend = health
		if health.Status != "healthy" {
			report.Status = "degraded"
		}
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			report.Status = "degraded"
			report.Cache = "unavailable"
		} else {
			report.Cache = "ok"
		}
	}

	if s.history != nil {
		count, err := s.history.Count(ctx, "")
		if err != nil {
			report.Status = "degraded"
			report.History = "unavailable"
		} else {
			report.History = "ok"
			report.HistoryEntries = count
		}
	}
	return report
}

// Close releases the cache and history
func (s *PredictionService) Close() error {
	var firstErr error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			firstErr = err
		}
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
