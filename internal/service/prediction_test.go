package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/history"
	"github.com/mediguard-intake/internal/metrics"
	"github.com/mediguard-intake/pkg/backend"
)

// MockAPI is a mock implementation of backend.API
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) Predict(ctx context.Context, features domain.FeatureValue) (*domain.PredictionResult, error) {
	args := m.Called(ctx, features)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PredictionResult), args.Error(1)
}

func (m *MockAPI) Upload(ctx context.Context, kind domain.UploadKind, filename string, body io.Reader) (*domain.ExtractionResult, error) {
	args := m.Called(ctx, kind, filename, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ExtractionResult), args.Error(1)
}

func (m *MockAPI) Health(ctx context.Context) (*domain.BackendHealth, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BackendHealth), args.Error(1)
}

// MockStore is a mock implementation of history.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(ctx context.Context, rec *history.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) List(ctx context.Context, userID string, limit, offset int) ([]*history.Record, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*history.Record), args.Error(1)
}

func (m *MockStore) Count(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Stats(ctx context.Context, userID string) (*history.Stats, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.Stats), args.Error(1)
}

func (m *MockStore) Verify(ctx context.Context) (*history.VerifyResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.VerifyResult), args.Error(1)
}

func (m *MockStore) ExportJSON(ctx context.Context, w io.Writer) error {
	return m.Called(ctx, w).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func features() domain.FeatureValue {
	return domain.FeatureValue{"Glucose": 110, "BMI": 24}
}

func prediction() *domain.PredictionResult {
	return &domain.PredictionResult{
		PredictedDisease: "Diabetes",
		Probabilities:    map[string]float64{"Diabetes": 0.8, "Healthy": 0.2},
	}
}

func TestNewPredictionService_RequiresAPI(t *testing.T) {
	_, err := NewPredictionService(nil, quietLogger(), Options{})
	assert.True(t, domain.IsCode(err, domain.ErrInvalidInput))
}

func TestPredictionService_Predict(t *testing.T) {
	api := new(MockAPI)
	store := new(MockStore)
	api.On("Predict", mock.Anything, features()).Return(prediction(), nil).Once()
	store.On("Append", mock.Anything, mock.MatchedBy(func(rec *history.Record) bool {
		return rec.UserID == "user-1" && rec.Source == domain.SourcePDF && rec.InputFeatures["Glucose"] == 110
	})).Return(nil)

	svc, err := NewPredictionService(api, quietLogger(), Options{History: store, Metrics: metrics.New()})
	require.NoError(t, err)

	result, err := svc.Predict(context.Background(), "user-1", domain.SourcePDF, features())
	require.NoError(t, err)
	assert.Equal(t, "Diabetes", result.PredictedDisease)
	assert.Equal(t, features(), result.InputFeatures, "input features are echoed when the backend omits them")

	api.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestPredictionService_Predict_EmptyFeatures(t *testing.T) {
	api := new(MockAPI)
	svc, err := NewPredictionService(api, quietLogger(), Options{})
	require.NoError(t, err)

	_, err = svc.Predict(context.Background(), "user-1", domain.SourceManual, domain.FeatureValue{})
	assert.True(t, domain.IsCode(err, domain.ErrInvalidInput))
	api.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything)
}

func TestPredictionService_Predict_RejectsMalformedFeatures(t *testing.T) {
	tests := []struct {
		name     string
		features domain.FeatureValue
	}{
		{"not a number", domain.FeatureValue{"Glucose": math.NaN(), "BMI": 24}},
		{"infinite", domain.FeatureValue{"Glucose": 110, "BMI": math.Inf(1)}},
		{"unknown label", domain.FeatureValue{"Glucose": 110, "Shoe Size": 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := new(MockAPI)
			store := new(MockStore)
			svc, err := NewPredictionService(api, quietLogger(), Options{History: store})
			require.NoError(t, err)

			_, err = svc.Predict(context.Background(), "user-1", domain.SourceManual, tt.features)
			require.Error(t, err)
			assert.True(t, domain.IsCode(err, domain.ErrValidation))
			api.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything)
			store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
		})
	}
}

func TestPredictionService_Predict_BackendError(t *testing.T) {
	api := new(MockAPI)
	store := new(MockStore)
	backendErr := &backend.APIError{StatusCode: 503, Detail: "Prediction service not available"}
	api.On("Predict", mock.Anything, mock.Anything).Return(nil, backendErr)

	svc, err := NewPredictionService(api, quietLogger(), Options{History: store})
	require.NoError(t, err)

	_, err = svc.Predict(context.Background(), "user-1", domain.SourceManual, features())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrExternalAPI))

	var apiErr *backend.APIError
	assert.True(t, errors.As(err, &apiErr))
	store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestPredictionService_Predict_MemoryCache(t *testing.T) {
	api := new(MockAPI)
	api.On("Predict", mock.Anything, mock.Anything).Return(prediction(), nil).Once()

	svc, err := NewPredictionService(api, quietLogger(), Options{MemoryCacheSize: 8})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := svc.Predict(ctx, "user-1", domain.SourceManual, features())
	require.NoError(t, err)

	// same values, different map instance
	second, err := svc.Predict(ctx, "user-2", domain.SourceCSV, domain.FeatureValue{"BMI": 24, "Glucose": 110})
	require.NoError(t, err)

	assert.Equal(t, first.PredictedDisease, second.PredictedDisease)
	api.AssertNumberOfCalls(t, "Predict", 1)
}

func TestPredictionService_Predict_CacheHitStillRecorded(t *testing.T) {
	api := new(MockAPI)
	store := new(MockStore)
	api.On("Predict", mock.Anything, mock.Anything).Return(prediction(), nil).Once()
	store.On("Append", mock.Anything, mock.Anything).Return(nil).Twice()

	svc, err := NewPredictionService(api, quietLogger(), Options{MemoryCacheSize: 8, History: store})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Predict(ctx, "user-1", domain.SourceManual, features())
	require.NoError(t, err)
	_, err = svc.Predict(ctx, "user-1", domain.SourceManual, features())
	require.NoError(t, err)

	store.AssertNumberOfCalls(t, "Append", 2)
}

func TestPredictionService_Predict_HistoryFailureIsNotFatal(t *testing.T) {
	api := new(MockAPI)
	store := new(MockStore)
	api.On("Predict", mock.Anything, mock.Anything).Return(prediction(), nil)
	store.On("Append", mock.Anything, mock.Anything).
		Return(domain.NewIntakeError(domain.ErrDatabaseError, "disk full", ""))

	svc, err := NewPredictionService(api, quietLogger(), Options{History: store})
	require.NoError(t, err)

	result, err := svc.Predict(context.Background(), "user-1", domain.SourceManual, features())
	require.NoError(t, err)
	assert.Equal(t, "Diabetes", result.PredictedDisease)
}

func TestPredictionService_Predict_RedisTier(t *testing.T) {
	db, redisMock := redismock.NewClientMock()
	cache := backend.NewCacheClientFromRedis(db, time.Hour)

	key, err := backend.PredictionKey(features())
	require.NoError(t, err)

	api := new(MockAPI)
	api.On("Predict", mock.Anything, mock.Anything).Return(prediction(), nil).Once()

	redisMock.ExpectGet(key).RedisNil()
	redisMock.CustomMatch(func(expected, actual []interface{}) error {
		// the payload carries timestamps, so only the command and key are checked
		if len(actual) < 2 || actual[0] != "set" || actual[1] != key {
			return fmt.Errorf("unexpected command %v", actual)
		}
		return nil
	}).ExpectSet(key, nil, time.Hour).SetVal("OK")

	svc, err := NewPredictionService(api, quietLogger(), Options{Cache: cache, CacheTTL: time.Hour})
	require.NoError(t, err)

	result, err := svc.Predict(context.Background(), "user-1", domain.SourceManual, features())
	require.NoError(t, err)
	assert.Equal(t, "Diabetes", result.PredictedDisease)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestPredictionService_Extract(t *testing.T) {
	glucose := 120.0
	body := bytes.NewBufferString("%PDF-1.4")

	t.Run("derives a summary message", func(t *testing.T) {
		api := new(MockAPI)
		api.On("Upload", mock.Anything, domain.UploadPDF, "labs.pdf", body).
			Return(&domain.ExtractionResult{
				ExtractionSuccess: true,
				Features:          map[string]*float64{"Glucose": &glucose, "BMI": nil},
			}, nil)

		svc, err := NewPredictionService(api, quietLogger(), Options{})
		require.NoError(t, err)

		result, err := svc.Extract(context.Background(), domain.UploadPDF, "labs.pdf", body)
		require.NoError(t, err)
		assert.Equal(t, "Extracted 1 out of 24 features", result.Message)
	})

	t.Run("keeps the backend message", func(t *testing.T) {
		api := new(MockAPI)
		api.On("Upload", mock.Anything, domain.UploadPDF, "labs.pdf", body).
			Return(&domain.ExtractionResult{ExtractionSuccess: true, Message: "OCR complete"}, nil)

		svc, err := NewPredictionService(api, quietLogger(), Options{})
		require.NoError(t, err)

		result, err := svc.Extract(context.Background(), domain.UploadPDF, "labs.pdf", body)
		require.NoError(t, err)
		assert.Equal(t, "OCR complete", result.Message)
	})

	t.Run("wraps backend errors", func(t *testing.T) {
		api := new(MockAPI)
		api.On("Upload", mock.Anything, domain.UploadCSV, "labs.csv", mock.Anything).
			Return(nil, &backend.APIError{StatusCode: 400, Detail: "Invalid file type. Allowed: csv, xlsx, xls"})

		svc, err := NewPredictionService(api, quietLogger(), Options{})
		require.NoError(t, err)

		_, err = svc.Extract(context.Background(), domain.UploadCSV, "labs.csv", body)
		assert.True(t, domain.IsCode(err, domain.ErrExternalAPI))
	})

	t.Run("passes validation errors through", func(t *testing.T) {
		api := new(MockAPI)
		api.On("Upload", mock.Anything, domain.UploadKind("doc"), "labs.doc", mock.Anything).
			Return(nil, domain.NewValidationError("kind", "unsupported upload kind", "doc"))

		svc, err := NewPredictionService(api, quietLogger(), Options{})
		require.NoError(t, err)

		_, err = svc.Extract(context.Background(), domain.UploadKind("doc"), "labs.doc", body)
		assert.True(t, domain.IsCode(err, domain.ErrValidation))
	})
}

func TestPredictionService_History(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		svc, err := NewPredictionService(new(MockAPI), quietLogger(), Options{})
		require.NoError(t, err)

		_, _, err = svc.ListHistory(context.Background(), "user-1", 10, 0)
		assert.True(t, domain.IsCode(err, domain.ErrNotFound))
		_, err = svc.HistoryStats(context.Background(), "user-1")
		assert.True(t, domain.IsCode(err, domain.ErrNotFound))
		_, err = svc.VerifyHistory(context.Background())
		assert.True(t, domain.IsCode(err, domain.ErrNotFound))
	})

	t.Run("clamps paging", func(t *testing.T) {
		store := new(MockStore)
		store.On("List", mock.Anything, "user-1", 50, 0).Return([]*history.Record{{Seq: 1, UserID: "user-1"}}, nil)
		store.On("Count", mock.Anything, "user-1").Return(int64(1), nil)

		svc, err := NewPredictionService(new(MockAPI), quietLogger(), Options{History: store})
		require.NoError(t, err)

		records, total, err := svc.ListHistory(context.Background(), "user-1", 0, -3)
		require.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, int64(1), total)
	})

	t.Run("verify", func(t *testing.T) {
		store := new(MockStore)
		store.On("Verify", mock.Anything).Return(&history.VerifyResult{Valid: true, TotalEntries: 3}, nil)

		svc, err := NewPredictionService(new(MockAPI), quietLogger(), Options{History: store})
		require.NoError(t, err)

		result, err := svc.VerifyHistory(context.Background())
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("stats for one user", func(t *testing.T) {
		store := new(MockStore)
		store.On("Stats", mock.Anything, "user-1").Return(&history.Stats{
			TotalPredictions:    2,
			DiseaseDistribution: map[string]int{"Diabetes": 2},
			RiskLevels:          history.RiskCounts{High: 2},
		}, nil)

		svc, err := NewPredictionService(new(MockAPI), quietLogger(), Options{History: store})
		require.NoError(t, err)

		stats, err := svc.HistoryStats(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.TotalPredictions)
		store.AssertExpectations(t)
	})
}

func TestPredictionService_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		api := new(MockAPI)
		store := new(MockStore)
		api.On("Health", mock.Anything).Return(&domain.BackendHealth{Status: "healthy", PredictionService: true}, nil)
		store.On("Count", mock.Anything, "").Return(int64(7), nil)

		svc, err := NewPredictionService(api, quietLogger(), Options{History: store})
		require.NoError(t, err)

		report := svc.Health(context.Background())
		assert.Equal(t, "healthy", report.Status)
		assert.Equal(t, "ok", report.History)
		assert.Equal(t, int64(7), report.HistoryEntries)
		assert.Equal(t, "disabled", report.Cache)
	})

	t.Run("backend down", func(t *testing.T) {
		api := new(MockAPI)
		api.On("Health", mock.Anything).Return(nil, errors.New("connection refused"))

		svc, err := NewPredictionService(api, quietLogger(), Options{})
		require.NoError(t, err)

		report := svc.Health(context.Background())
		assert.Equal(t, "degraded", report.Status)
		assert.Contains(t, report.BackendError, "connection refused")
	})
}
