// Package domain contains core entities shared by the intake pipeline:
// feature payloads, extraction and prediction results, configuration and
// errors. The 24 clinical feature labels themselves live in the registry
// package.
package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// FeatureValue maps a canonical feature label to its numeric value.
// It is the payload handed to the prediction backend.
type FeatureValue map[string]float64

// Clone returns an independent copy
func (f FeatureValue) Clone() FeatureValue {
	out := make(FeatureValue, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Labels returns the keys in lexical order
func (f FeatureValue) Labels() []string {
	labels := make([]string, 0, len(f))
	for k := range f {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// Validate checks that every key is a known label and every value is finite.
func (f FeatureValue) Validate(isKnown func(label string) bool) error {
	for _, label := range f.Labels() {
		if isKnown != nil && !isKnown(label) {
			return NewValidationError(label, "unknown feature label", label)
		}
		v := f[label]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return NewValidationError(label, "value must be a finite number", v)
		}
	}
	return nil
}

// UploadKind identifies which extraction endpoint handles a file
type UploadKind string

const (
	UploadImage UploadKind = "image"
	UploadPDF   UploadKind = "pdf"
	UploadCSV   UploadKind = "csv"
)

// ParseUploadKind converts user input into an UploadKind
func ParseUploadKind(s string) (UploadKind, error) {
	switch UploadKind(strings.ToLower(strings.TrimSpace(s))) {
	case UploadImage:
		return UploadImage, nil
	case UploadPDF:
		return UploadPDF, nil
	case UploadCSV:
		return UploadCSV, nil
	}
	return "", NewValidationError("kind", fmt.Sprintf("unsupported upload kind %q (want image, pdf or csv)", s), s)
}

// Source records how a prediction's inputs were gathered
type Source string

const (
	SourceManual Source = "manual"
	SourceImage  Source = "image"
	SourcePDF    Source = "pdf"
	SourceCSV    Source = "csv"
)

// SourceForUpload maps an upload kind to its history source
func SourceForUpload(kind UploadKind) Source {
	switch kind {
	case UploadImage:
		return SourceImage
	case UploadPDF:
		return SourcePDF
	case UploadCSV:
		return SourceCSV
	}
	return SourceManual
}

// ExtractionResult is the backend's answer to a file upload.
// Features may hold null or omit labels the extractor could not read.
type ExtractionResult struct {
	ExtractionSuccess bool                `json:"extraction_success"`
	Features          map[string]*float64 `json:"features"`
	Message           string              `json:"message"`
}

// Usable returns the non-null, finite extracted values
func (r *ExtractionResult) Usable() FeatureValue {
	out := make(FeatureValue)
	if r == nil {
		return out
	}
	for label, v := range r.Features {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			continue
		}
		out[label] = *v
	}
	return out
}

// SummaryMessage returns the backend message, or the standard extraction
// summary when the backend sent none.
func (r *ExtractionResult) SummaryMessage(total int) string {
	if r.Message != "" {
		return r.Message
	}
	n := len(r.Usable())
	if n == 0 {
		return "No features extracted"
	}
	return fmt.Sprintf("Extracted %d out of %d features", n, total)
}

// PredictionRequest is the body sent to the predict endpoint
type PredictionRequest struct {
	Features FeatureValue `json:"features"`
}

// PredictionResult is the backend's prediction response
type PredictionResult struct {
	PredictedDisease   string             `json:"predicted_disease"`
	Probabilities      map[string]float64 `json:"probabilities"`
	ScaledFeatures     map[string]float64 `json:"scaled_features,omitempty"`
	InputFeatures      FeatureValue       `json:"input_features"`
	ExplainabilityJSON map[string]float64 `json:"explainability_json"`
	ExplainabilityHTML string             `json:"explainability_html,omitempty"`
}

// DiseaseProbability pairs a disease with its probability
type DiseaseProbability struct {
	Disease     string  `json:"disease"`
	Probability float64 `json:"probability"`
}

// RankedProbabilities returns probabilities sorted from most to least likely
func (p *PredictionResult) RankedProbabilities() []DiseaseProbability {
	ranked := make([]DiseaseProbability, 0, len(p.Probabilities))
	for d, prob := range p.Probabilities {
		ranked = append(ranked, DiseaseProbability{Disease: d, Probability: prob})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Probability == ranked[j].Probability {
			return ranked[i].Disease < ranked[j].Disease
		}
		return ranked[i].Probability > ranked[j].Probability
	})
	return ranked
}

// BackendHealth mirrors the backend health endpoint
type BackendHealth struct {
	Status                string `json:"status"`
	PredictionService     bool   `json:"prediction_service"`
	ExplainabilityService bool   `json:"explainability_service"`
}
