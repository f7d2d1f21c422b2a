package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/intake"
	"github.com/mediguard-intake/internal/registry"
	"github.com/mediguard-intake/internal/validation"
)

const (
	toolListFields     = "list_clinical_fields"
	toolValidateField  = "validate_clinical_field"
	toolPredictDisease = "predict_disease"
	toolVerifyHistory  = "verify_prediction_history"
)

// ListFieldsParams takes no arguments
type ListFieldsParams struct{}

// ListFieldsResult defines the result structure for list_clinical_fields
type ListFieldsResult struct {
	Count  int                  `json:"count"`
	Fields []registry.FieldSpec `json:"fields"`
}

// ValidateFieldParams defines parameters for validate_clinical_field.
// Value may be a JSON string or number.
type ValidateFieldParams struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// ValidateFieldResult defines the result structure for validate_clinical_field
type ValidateFieldResult struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Unit  string `json:"unit"`
	Range string `json:"range"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	// Scaled places a valid value within the accepted range, 0 to 1
	Scaled *float64 `json:"scaled,omitempty"`
}

// PredictDiseaseParams defines parameters for predict_disease. Values are
// keyed by field key, label or abbreviation.
type PredictDiseaseParams struct {
	Values map[string]interface{} `json:"values"`
	UserID string                 `json:"user_id,omitempty"`
}

// PredictDiseaseResult defines the result structure for predict_disease
type PredictDiseaseResult struct {
	SessionID        string                      `json:"session_id"`
	PredictedDisease string                      `json:"predicted_disease"`
	Probabilities    []domain.DiseaseProbability `json:"probabilities"`
	Explainability   map[string]float64          `json:"explainability,omitempty"`
}

// FieldErrorsResult lists per-field problems that blocked a prediction
type FieldErrorsResult struct {
	Unknown []string          `json:"unknown_fields,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// VerifyHistoryParams takes no arguments
type VerifyHistoryParams struct{}

// handleListFields handles the list_clinical_fields tool invocation
func (s *Server) handleListFields(ctx context.Context, req *mcp.CallToolRequest, params ListFieldsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", toolListFields).Info("Tool invoked")

	result := ListFieldsResult{
		Count:  s.registry.Len(),
		Fields: s.registry.All(),
	}
	return textResult(fmt.Sprintf("%d clinical fields", result.Count), result), result, nil
}

// handleValidateField handles the validate_clinical_field tool invocation
func (s *Server) handleValidateField(ctx context.Context, req *mcp.CallToolRequest, params ValidateFieldParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", toolValidateField).Info("Tool invoked")

	if strings.TrimSpace(params.Field) == "" {
		return s.createErrorResult("Missing required parameter", fmt.Errorf("field is required")), nil, nil
	}
	spec, ok := s.registry.Resolve(params.Field)
	if !ok {
		return s.createErrorResult("Unknown field", fmt.Errorf("%q is not a clinical field", params.Field)), nil, nil
	}
	raw, err := rawValue(params.Value)
	if err != nil {
		return s.createErrorResult("Invalid value", err), nil, nil
	}

	msg := validation.ValidateField(spec, raw)
	if strings.TrimSpace(raw) == "" {
		msg = validation.MsgRequired
	}

	result := ValidateFieldResult{
		Key:   spec.Key,
		Label: spec.Label,
		Unit:  spec.Unit,
		Range: fmt.Sprintf("%s - %s", validation.FormatNumber(spec.Min), validation.FormatNumber(spec.Max)),
		Valid: msg == "",
		Error: msg,
	}
	if result.Valid {
		v, _ := validation.ParseNumber(raw)
		scaled := spec.Scale(v)
		result.Scaled = &scaled
	}

	summary := fmt.Sprintf("%s: %q is valid", spec.Label, raw)
	if !result.Valid {
		summary = fmt.Sprintf("%s: %s", spec.Label, msg)
	}
	return textResult(summary, result), result, nil
}

// handlePredictDisease handles the predict_disease tool invocation. The
// values run through the same manual-entry session a form user gets.
func (s *Server) handlePredictDisease(ctx context.Context, req *mcp.CallToolRequest, params PredictDiseaseParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", toolPredictDisease).Info("Tool invoked")

	if len(params.Values) == 0 {
		return s.createErrorResult("Missing required parameter", fmt.Errorf("values is required")), nil, nil
	}

	raw, problems := s.collectValues(params.Values)
	for key, msg := range validation.ValidateAll(raw, s.registry.All()) {
		if problems.Errors == nil {
			problems.Errors = make(map[string]string)
		}
		if _, seen := problems.Errors[key]; !seen {
			problems.Errors[key] = msg
		}
	}
	if len(problems.Unknown) > 0 || len(problems.Errors) > 0 {
		res := textResult(fmt.Sprintf("Cannot predict: %d unknown and %d invalid fields",
			len(problems.Unknown), len(problems.Errors)), problems)
		res.IsError = true
		return res, nil, nil
	}

	userID := s.userID
	if strings.TrimSpace(params.UserID) != "" {
		userID = params.UserID
	}

	ctrl, err := intake.New(userID, s.predictor, nil, s.logger, intake.Options{
		Registry:         s.registry,
		OperationTimeout: s.timeout,
	})
	if err != nil {
		return s.createErrorResult("Failed to start intake session", err), nil, nil
	}
	for key, value := range raw {
		if err := ctrl.SetManualField(key, value); err != nil {
			return s.createErrorResult("Failed to set field", err), nil, nil
		}
	}

	prediction, err := ctrl.SubmitManual(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("tool", toolPredictDisease).Warn("Prediction failed")
		return s.createErrorResult("Prediction failed", err), nil, nil
	}

	result := PredictDiseaseResult{
		SessionID:        ctrl.ID(),
		PredictedDisease: prediction.PredictedDisease,
		Probabilities:    prediction.RankedProbabilities(),
		Explainability:   prediction.ExplainabilityJSON,
	}
	return textResult(fmt.Sprintf("Predicted disease: %s", result.PredictedDisease), result), result, nil
}

// handleVerifyHistory handles the verify_prediction_history tool invocation
func (s *Server) handleVerifyHistory(ctx context.Context, req *mcp.CallToolRequest, params VerifyHistoryParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", toolVerifyHistory).Info("Tool invoked")

	if s.verifier == nil {
		return s.createErrorResult("History unavailable", fmt.Errorf("prediction history is disabled")), nil, nil
	}
	result, err := s.verifier.VerifyHistory(ctx)
	if err != nil {
		return s.createErrorResult("Verification failed", err), nil, nil
	}

	summary := fmt.Sprintf("History chain is intact (%d entries)", result.TotalEntries)
	if !result.Valid {
		summary = fmt.Sprintf("History chain is broken: %d problems in %d entries", len(result.Errors), result.TotalEntries)
	}
	return textResult(summary, result), result, nil
}

// collectValues converts incoming values to raw strings keyed by field key
func (s *Server) collectValues(values map[string]interface{}) (map[string]string, FieldErrorsResult) {
	raw := make(map[string]string, len(values))
	var problems FieldErrorsResult

	for name, v := range values {
		spec, ok := s.registry.Resolve(name)
		if !ok {
			problems.Unknown = append(problems.Unknown, name)
			continue
		}
		value, err := rawValue(v)
		if err != nil {
			if problems.Errors == nil {
				problems.Errors = make(map[string]string)
			}
			problems.Errors[spec.Key] = validation.MsgInvalidNumber
			continue
		}
		raw[spec.Key] = value
	}
	sort.Strings(problems.Unknown)
	return raw, problems
}

func rawValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case float64:
		return validation.FormatNumber(val), nil
	case json.Number:
		return val.String(), nil
	default:
		return "", fmt.Errorf("expected a number or string, got %T", v)
	}
}
