package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/history"
	"github.com/mediguard-intake/internal/logging"
	"github.com/mediguard-intake/internal/registry"
)

type MockPredictor struct {
	mock.Mock
}

func (m *MockPredictor) Predict(ctx context.Context, userID string, source domain.Source, features domain.FeatureValue) (*domain.PredictionResult, error) {
	args := m.Called(ctx, userID, source, features)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PredictionResult), args.Error(1)
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) VerifyHistory(ctx context.Context) (*history.VerifyResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*history.VerifyResult), args.Error(1)
}

func createTestServer(t *testing.T, predictor domain.Predictor, verifier HistoryVerifier) *Server {
	t.Helper()
	cfg := &domain.Config{MCP: domain.MCPConfig{DefaultUserID: "assistant"}}
	server, err := NewServer(Dependencies{
		Config:    cfg,
		Predictor: predictor,
		Verifier:  verifier,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	return server
}

// midpointValues returns an in-range value for every field keyed by label
func midpointValues() map[string]interface{} {
	values := make(map[string]interface{})
	for _, spec := range registry.Default().All() {
		values[spec.Label] = (spec.Min + spec.Max) / 2
	}
	return values
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewServer(t *testing.T) {
	t.Run("requires config and predictor", func(t *testing.T) {
		_, err := NewServer(Dependencies{Predictor: &MockPredictor{}})
		assert.Error(t, err)

		_, err = NewServer(Dependencies{Config: &domain.Config{}})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		server, err := NewServer(Dependencies{Config: &domain.Config{}, Predictor: &MockPredictor{}})
		require.NoError(t, err)
		assert.NotNil(t, server.mcpServer)
		assert.Equal(t, "mcp-client", server.userID)
		assert.Equal(t, 24, server.registry.Len())
	})
}

func TestHandleListFields(t *testing.T) {
	server := createTestServer(t, &MockPredictor{}, nil)

	res, out, err := server.handleListFields(context.Background(), nil, ListFieldsParams{})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	result := out.(ListFieldsResult)
	assert.Equal(t, 24, result.Count)
	assert.Equal(t, "glucose", result.Fields[0].Key)
	assert.Contains(t, textOf(t, res), "24 clinical fields")
}

func TestHandleValidateField(t *testing.T) {
	server := createTestServer(t, &MockPredictor{}, nil)

	tests := []struct {
		name      string
		field     string
		value     interface{}
		wantValid bool
		wantError string
		wantKey   string
	}{
		{"number in range", "glucose", 100.0, true, "", "glucose"},
		{"string in range by label", "Glucose", "100", true, "", "glucose"},
		{"abbreviation", "hba1c", "5.5", true, "", "hba1c"},
		{"out of range", "glucose", "500", false, "Value must be between 39.09 and 231.86", "glucose"},
		{"not a number", "bmi", "abc", false, "Please enter a valid number", "bmi"},
		{"hex rejected", "bmi", "0x10", false, "Please enter a valid number", "bmi"},
		{"empty", "bmi", "", false, "This field is required", "bmi"},
		{"missing", "bmi", nil, false, "This field is required", "bmi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, out, err := server.handleValidateField(context.Background(), nil, ValidateFieldParams{Field: tt.field, Value: tt.value})
			require.NoError(t, err)
			assert.False(t, res.IsError)

			result := out.(ValidateFieldResult)
			assert.Equal(t, tt.wantValid, result.Valid)
			assert.Equal(t, tt.wantError, result.Error)
			assert.Equal(t, tt.wantKey, result.Key)
		})
	}

	t.Run("scaled within range", func(t *testing.T) {
		_, out, err := server.handleValidateField(context.Background(), nil, ValidateFieldParams{Field: "bmi", Value: "46.04"})
		require.NoError(t, err)
		result := out.(ValidateFieldResult)
		require.NotNil(t, result.Scaled)
		assert.InDelta(t, 1.0, *result.Scaled, 1e-9)

		_, out, err = server.handleValidateField(context.Background(), nil, ValidateFieldParams{Field: "glucose", Value: 135.475})
		require.NoError(t, err)
		require.NotNil(t, out.(ValidateFieldResult).Scaled)
		assert.InDelta(t, 0.5, *out.(ValidateFieldResult).Scaled, 1e-9)

		_, out, err = server.handleValidateField(context.Background(), nil, ValidateFieldParams{Field: "glucose", Value: "500"})
		require.NoError(t, err)
		assert.Nil(t, out.(ValidateFieldResult).Scaled)
	})

	t.Run("unknown field", func(t *testing.T) {
		res, out, err := server.handleValidateField(context.Background(), nil, ValidateFieldParams{Field: "shoe size", Value: "42"})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Nil(t, out)
		assert.Contains(t, textOf(t, res), "shoe size")
	})

	t.Run("wrong value type", func(t *testing.T) {
		res, _, err := server.handleValidateField(context.Background(), nil, ValidateFieldParams{Field: "bmi", Value: true})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestHandlePredictDisease(t *testing.T) {
	prediction := &domain.PredictionResult{
		PredictedDisease:   "Diabetes",
		Probabilities:      map[string]float64{"Diabetes": 0.8, "Healthy": 0.2},
		ExplainabilityJSON: map[string]float64{"Glucose": 0.5},
	}

	t.Run("predicts from all fields", func(t *testing.T) {
		predictor := &MockPredictor{}
		predictor.On("Predict", mock.Anything, "assistant", domain.SourceManual,
			mock.MatchedBy(func(f domain.FeatureValue) bool { return len(f) == 24 })).
			Return(prediction, nil).Once()
		server := createTestServer(t, predictor, nil)

		res, out, err := server.handlePredictDisease(context.Background(), nil, PredictDiseaseParams{Values: midpointValues()})
		require.NoError(t, err)
		require.False(t, res.IsError, textOf(t, res))

		result := out.(PredictDiseaseResult)
		assert.Equal(t, "Diabetes", result.PredictedDisease)
		require.Len(t, result.Probabilities, 2)
		assert.Equal(t, "Diabetes", result.Probabilities[0].Disease)
		assert.NotEmpty(t, result.SessionID)
		predictor.AssertExpectations(t)
	})

	t.Run("caller supplied user", func(t *testing.T) {
		predictor := &MockPredictor{}
		predictor.On("Predict", mock.Anything, "clinician-7", domain.SourceManual, mock.Anything).
			Return(prediction, nil).Once()
		server := createTestServer(t, predictor, nil)

		res, _, err := server.handlePredictDisease(context.Background(), nil,
			PredictDiseaseParams{Values: midpointValues(), UserID: "clinician-7"})
		require.NoError(t, err)
		assert.False(t, res.IsError)
		predictor.AssertExpectations(t)
	})

	t.Run("reports missing unknown and invalid fields", func(t *testing.T) {
		predictor := &MockPredictor{}
		server := createTestServer(t, predictor, nil)

		values := midpointValues()
		delete(values, "BMI")
		values["Glucose"] = "999"
		values["HbA1c"] = "n/a"
		values["Shoe Size"] = 42.0

		res, out, err := server.handlePredictDisease(context.Background(), nil, PredictDiseaseParams{Values: values})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Nil(t, out)

		text := textOf(t, res)
		assert.Contains(t, text, "1 unknown and 3 invalid")
		assert.Contains(t, text, "Shoe Size")
		assert.Contains(t, text, "This field is required")
		assert.Contains(t, text, "Value must be between 39.09 and 231.86")
		predictor.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("wrong value type keeps its own message", func(t *testing.T) {
		server := createTestServer(t, &MockPredictor{}, nil)
		values := midpointValues()
		values["BMI"] = []interface{}{1, 2}

		res, _, err := server.handlePredictDisease(context.Background(), nil, PredictDiseaseParams{Values: values})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, textOf(t, res), "Please enter a valid number")
	})

	t.Run("empty values", func(t *testing.T) {
		server := createTestServer(t, &MockPredictor{}, nil)
		res, _, err := server.handlePredictDisease(context.Background(), nil, PredictDiseaseParams{})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("backend failure", func(t *testing.T) {
		predictor := &MockPredictor{}
		predictor.On("Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, domain.NewIntakeError(domain.ErrExternalAPI, "prediction backend request failed", "503")).Once()
		server := createTestServer(t, predictor, nil)

		res, _, err := server.handlePredictDisease(context.Background(), nil, PredictDiseaseParams{Values: midpointValues()})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, textOf(t, res), "Prediction failed")
	})
}

func TestHandleVerifyHistory(t *testing.T) {
	t.Run("intact chain", func(t *testing.T) {
		verifier := &MockVerifier{}
		verifier.On("VerifyHistory", mock.Anything).Return(&history.VerifyResult{
			Valid: true, Message: "Hash chain verification complete", TotalEntries: 3, Errors: []string{},
		}, nil)
		server := createTestServer(t, &MockPredictor{}, verifier)

		res, out, err := server.handleVerifyHistory(context.Background(), nil, VerifyHistoryParams{})
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.True(t, out.(*history.VerifyResult).Valid)
		assert.Contains(t, textOf(t, res), "intact (3 entries)")
	})

	t.Run("broken chain", func(t *testing.T) {
		verifier := &MockVerifier{}
		verifier.On("VerifyHistory", mock.Anything).Return(&history.VerifyResult{
			Valid: false, TotalEntries: 3, Errors: []string{"Entry 2: Hash mismatch"},
		}, nil)
		server := createTestServer(t, &MockPredictor{}, verifier)

		res, _, err := server.handleVerifyHistory(context.Background(), nil, VerifyHistoryParams{})
		require.NoError(t, err)
		assert.Contains(t, textOf(t, res), "1 problems in 3 entries")
	})

	t.Run("store error", func(t *testing.T) {
		verifier := &MockVerifier{}
		verifier.On("VerifyHistory", mock.Anything).Return(nil, errors.New("database is locked"))
		server := createTestServer(t, &MockPredictor{}, verifier)

		res, _, err := server.handleVerifyHistory(context.Background(), nil, VerifyHistoryParams{})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("history disabled", func(t *testing.T) {
		server := createTestServer(t, &MockPredictor{}, nil)
		res, _, err := server.handleVerifyHistory(context.Background(), nil, VerifyHistoryParams{})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}
