package history

import "math"

// Risk thresholds on a prediction's highest class probability
const (
	HighRiskThreshold   = 0.7
	MediumRiskThreshold = 0.5

	// abnormalContribution is the explainability magnitude above which a
	// feature counts as driving the prediction
	abnormalContribution = 0.1
)

// unknownDisease labels records without a prediction result
const unknownDisease = "Unknown"

// RiskLevel buckets a prediction by its highest probability
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// RiskCounts counts predictions per risk level
type RiskCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Stats summarizes a set of records for dashboards
type Stats struct {
	TotalPredictions        int            `json:"total_predictions"`
	DiseaseDistribution     map[string]int `json:"disease_distribution"`
	RiskLevels              RiskCounts     `json:"risk_levels"`
	AbnormalFeaturesSummary map[string]int `json:"abnormal_features_summary"`
}

// ClassifyRisk returns the risk level for probabilities, or false when
// there are none
func ClassifyRisk(probabilities map[string]float64) (RiskLevel, bool) {
	if len(probabilities) == 0 {
		return "", false
	}
	highest := math.Inf(-1)
	for _, p := range probabilities {
		if p > highest {
			highest = p
		}
	}
	switch {
	case highest >= HighRiskThreshold:
		return RiskHigh, true
	case highest >= MediumRiskThreshold:
		return RiskMedium, true
	default:
		return RiskLow, true
	}
}

// ComputeStats aggregates records into disease, risk and feature counts
func ComputeStats(records []*Record) *Stats {
	stats := &Stats{
		TotalPredictions:        len(records),
		DiseaseDistribution:     map[string]int{},
		AbnormalFeaturesSummary: map[string]int{},
	}

	for _, rec := range records {
		result := rec.PredictionResult
		if result == nil || result.PredictedDisease == "" {
			stats.DiseaseDistribution[unknownDisease]++
			continue
		}
		stats.DiseaseDistribution[result.PredictedDisease]++

		if level, ok := ClassifyRisk(result.Probabilities); ok {
			switch level {
			case RiskHigh:
				stats.RiskLevels.High++
			case RiskMedium:
				stats.RiskLevels.Medium++
			default:
				stats.RiskLevels.Low++
			}
		}

		for feature, contribution := range result.ExplainabilityJSON {
			if math.Abs(contribution) > abnormalContribution {
				stats.AbnormalFeaturesSummary[feature]++
			}
		}
	}
	return stats
}
