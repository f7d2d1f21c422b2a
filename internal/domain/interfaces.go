package domain

import (
	"context"
	"io"
)

// Predictor sends a complete feature map to the prediction backend.
// userID identifies who requested the prediction and source how the
// inputs were gathered; both are recorded in the prediction history.
type Predictor interface {
	Predict(ctx context.Context, userID string, source Source, features FeatureValue) (*PredictionResult, error)
}

// Extractor uploads a report file and returns whatever features the
// backend could read from it.
type Extractor interface {
	Extract(ctx context.Context, kind UploadKind, filename string, body io.Reader) (*ExtractionResult, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetBackendConfig() *BackendConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
