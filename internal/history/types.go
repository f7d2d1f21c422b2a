// Package history keeps a tamper-evident ledger of completed predictions.
// Each record carries the digest of its predecessor, so editing or
// removing an entry breaks verification of every entry after it.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/mediguard-intake/internal/domain"
)

// Record is one completed prediction
type Record struct {
	Seq              int64                    `json:"seq"`
	ID               string                   `json:"id"`
	UserID           string                   `json:"user_id"`
	Source           domain.Source            `json:"source"`
	Timestamp        time.Time                `json:"timestamp"`
	InputFeatures    domain.FeatureValue      `json:"input_features"`
	PredictionResult *domain.PredictionResult `json:"prediction_result"`
	PreviousHash     string                   `json:"previous_hash,omitempty"`
	CurrentHash      string                   `json:"current_hash"`
}

// NewRecord creates an unchained record stamped with the current time
func NewRecord(userID string, source domain.Source, features domain.FeatureValue, result *domain.PredictionResult) *Record {
	return &Record{
		ID:               uuid.New().String(),
		UserID:           userID,
		Source:           source,
		Timestamp:        time.Now().UTC().Truncate(time.Microsecond),
		InputFeatures:    features.Clone(),
		PredictionResult: result,
	}
}

// VerifyResult reports the outcome of a chain walk
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	Message      string   `json:"message"`
	TotalEntries int      `json:"total_entries"`
	Errors       []string `json:"errors"`
}

// Export is the JSON document written by ExportJSON
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Records    []*Record `json:"records"`
}

// Store defines the interface for prediction history storage
type Store interface {
	// Append chains rec to the latest entry and persists it.
	// Seq, PreviousHash and CurrentHash are filled in.
	Append(ctx context.Context, rec *Record) error

	// List returns records newest first. An empty userID lists every user.
	List(ctx context.Context, userID string, limit, offset int) ([]*Record, error)

	// Count returns the number of records. An empty userID counts every user.
	Count(ctx context.Context, userID string) (int64, error)

	// Stats aggregates the records of userID, or of every user when empty
	Stats(ctx context.Context, userID string) (*Stats, error)

	// Verify recomputes every digest and link
	Verify(ctx context.Context) (*VerifyResult, error)

	// ExportJSON writes the whole ledger, oldest first
	ExportJSON(ctx context.Context, writer io.Writer) error

	// Close releases resources
	Close() error
}

// GenerateHash computes the SHA-256 digest of a record's content and its
// predecessor's digest. Keys are encoded in sorted order.
func GenerateHash(rec *Record, previousHash string) (string, error) {
	features, err := canonical(rec.InputFeatures)
	if err != nil {
		return "", fmt.Errorf("failed to encode input features: %w", err)
	}
	result, err := canonical(rec.PredictionResult)
	if err != nil {
		return "", fmt.Errorf("failed to encode prediction result: %w", err)
	}

	var prev interface{}
	if previousHash != "" {
		prev = previousHash
	}

	data, err := json.Marshal(map[string]interface{}{
		"prediction_id": rec.ID,
		"user_id":       rec.UserID,
		"prediction_data": map[string]interface{}{
			"input_features":    features,
			"prediction_result": result,
		},
		"timestamp":     FormatTimestamp(rec.Timestamp),
		"previous_hash": prev,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode hash payload: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FormatTimestamp renders t the way it is hashed
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Chain fills in rec's links to previousHash
func Chain(rec *Record, previousHash string) error {
	hash, err := GenerateHash(rec, previousHash)
	if err != nil {
		return err
	}
	rec.PreviousHash = previousHash
	rec.CurrentHash = hash
	return nil
}

// VerifyChain walks records in ascending order and reports every broken
// link and digest mismatch
func VerifyChain(records []*Record) *VerifyResult {
	if len(records) == 0 {
		return &VerifyResult{
			Valid:   true,
			Message: "Hash chain is empty",
			Errors:  []string{},
		}
	}

	errs := []string{}
	previous := ""
	for i, rec := range records {
		if i > 0 && rec.PreviousHash != previous {
			errs = append(errs, fmt.Sprintf("Entry %d: Previous hash mismatch. Expected %s, got %s", i+1, previous, rec.PreviousHash))
		}

		expected, err := GenerateHash(rec, rec.PreviousHash)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Entry %d: %v", i+1, err))
		} else if expected != rec.CurrentHash {
			errs = append(errs, fmt.Sprintf("Entry %d: Hash mismatch. Expected %s, got %s", i+1, expected, rec.CurrentHash))
		}

		previous = rec.CurrentHash
	}

	return &VerifyResult{
		Valid:        len(errs) == 0,
		Message:      "Hash chain verification complete",
		TotalEntries: len(records),
		Errors:       errs,
	}
}

// canonical re-decodes v into generic maps so nested keys encode sorted
// and storage round trips do not change the digest
func canonical(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// maxExportLimit is the maximum number of records exported at once
const maxExportLimit = 1000000

func writeExport(writer io.Writer, records []*Record) error {
	export := &Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(records),
		Records:    records,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
