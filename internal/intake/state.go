package intake

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/validation"
)

// State is the controller's position in the intake workflow
type State int

const (
	StateIdle State = iota
	StateUploading
	StateExtracted
	StateAwaitingGapFill
	StateSubmitting
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateUploading:       "uploading",
	StateExtracted:       "extracted",
	StateAwaitingGapFill: "awaiting_gap_fill",
	StateSubmitting:      "submitting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalJSON encodes the state by name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// InFlight reports whether a backend call is outstanding
func (s State) InFlight() bool {
	return s == StateUploading || s == StateSubmitting
}

// Reconciliation is the gap-fill step: the features an upload produced
// and raw user input for the ones it could not read.
type Reconciliation struct {
	Open                bool                `json:"open"`
	ExtractedFeatures   domain.FeatureValue `json:"extracted_features"`
	MissingFeatureNames []string            `json:"missing_feature_names"`
	MissingFeatureData  map[string]string   `json:"missing_feature_data"`
	Errors              validation.ErrorSet `json:"errors"`
	Source              domain.Source       `json:"source,omitempty"`
}

func (r Reconciliation) clone() Reconciliation {
	out := Reconciliation{
		Open:                r.Open,
		MissingFeatureNames: append([]string(nil), r.MissingFeatureNames...),
		MissingFeatureData:  make(map[string]string, len(r.MissingFeatureData)),
		Errors:              r.Errors.Clone(),
		Source:              r.Source,
	}
	if r.ExtractedFeatures != nil {
		out.ExtractedFeatures = r.ExtractedFeatures.Clone()
	}
	for k, v := range r.MissingFeatureData {
		out.MissingFeatureData[k] = v
	}
	return out
}

// Snapshot is a read-only copy of a controller's state
type Snapshot struct {
	SessionID      string                   `json:"session_id"`
	UserID         string                   `json:"user_id"`
	State          State                    `json:"state"`
	ManualValues   map[string]string        `json:"manual_values"`
	ManualErrors   validation.ErrorSet      `json:"manual_errors"`
	Reconciliation Reconciliation           `json:"reconciliation"`
	Message        string                   `json:"message,omitempty"`
	Error          string                   `json:"error,omitempty"`
	ErrorCode      string                   `json:"error_code,omitempty"`
	Result         *domain.PredictionResult `json:"result,omitempty"`
	Pending        domain.FeatureValue      `json:"pending_features,omitempty"`
	CanSubmit      bool                     `json:"can_submit"`
	CanComplete    bool                     `json:"can_complete"`
	CanRetry       bool                     `json:"can_retry"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// Event is delivered to observers after every state change
type Event struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Snapshot Snapshot  `json:"snapshot"`
}
