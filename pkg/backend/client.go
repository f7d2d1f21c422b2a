// Package backend is the HTTP client for the prediction backend: feature
// prediction, report upload/extraction and health.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mediguard-intake/internal/domain"
)

const (
	predictPath = "/api/predict"
	uploadPath  = "/api/upload/"
	healthPath  = "/api/health"
)

// API is the set of backend calls the rest of the module depends on
type API interface {
	Predict(ctx context.Context, features domain.FeatureValue) (*domain.PredictionResult, error)
	Upload(ctx context.Context, kind domain.UploadKind, filename string, body io.Reader) (*domain.ExtractionResult, error)
	Health(ctx context.Context) (*domain.BackendHealth, error)
}

// APIError is a non-2xx answer from the backend
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

// Temporary reports whether the request may succeed if repeated
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the prediction backend through a rate limiter and a
// circuit breaker
type Client struct {
	baseURL      string
	httpClient   *http.Client
	uploadClient *http.Client
	rateLimit    *rate.Limiter
	breaker      *gobreaker.CircuitBreaker
	retries      int
	logger       *logrus.Logger
}

// NewClient creates a backend client, filling unset config with defaults
func NewClient(config domain.BackendConfig, logger *logrus.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8000"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UploadTimeout == 0 {
		config.UploadTimeout = 120 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if config.CircuitBreaker.MaxRequests == 0 {
		config.CircuitBreaker.MaxRequests = 3
	}
	if config.CircuitBreaker.Interval == 0 {
		config.CircuitBreaker.Interval = 30 * time.Second
	}
	if config.CircuitBreaker.Timeout == 0 {
		config.CircuitBreaker.Timeout = 60 * time.Second
	}
	if config.CircuitBreaker.FailureThreshold == 0 {
		config.CircuitBreaker.FailureThreshold = 5
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	threshold := config.CircuitBreaker.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "PredictionBackend",
		MaxRequests: config.CircuitBreaker.MaxRequests,
		Interval:    config.CircuitBreaker.Interval,
		Timeout:     config.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Client errors say nothing about backend health
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: config.Timeout},
		uploadClient: &http.Client{Timeout: config.UploadTimeout},
		rateLimit:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		breaker:      breaker,
		retries:      config.RetryCount,
		logger:       logger,
	}
}

// Predict sends a complete feature map and returns the backend's prediction
func (c *Client) Predict(ctx context.Context, features domain.FeatureValue) (*domain.PredictionResult, error) {
	payload, err := json.Marshal(domain.PredictionRequest{Features: features})
	if err != nil {
		return nil, fmt.Errorf("failed to encode prediction request: %w", err)
	}

	var result domain.PredictionResult
	err = c.withRetry(ctx, "predict", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+predictPath, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return c.do(c.httpClient, req, &result)
	})
	if err != nil {
		return nil, err
	}
	if result.PredictedDisease == "" {
		return nil, fmt.Errorf("prediction response has no predicted_disease")
	}
	return &result, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Upload sends a report file to the extraction endpoint for kind. The body
// is buffered so a failed attempt can be retried.
func (c *Client) Upload(ctx context.Context, kind domain.UploadKind, filename string, body io.Reader) (*domain.ExtractionResult, error) {
	if _, err := domain.ParseUploadKind(string(kind)); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	// The extraction endpoints check the part's declared type, so it must
	// name the real format rather than application/octet-stream.
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", UploadContentType(kind, data))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}
	payload := buf.Bytes()

	var result domain.ExtractionResult
	err = c.withRetry(ctx, "upload_"+string(kind), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath+string(kind), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Accept", "application/json")
		return c.do(c.uploadClient, req, &result)
	})
	if err != nil {
		return nil, err
	}
	if result.Features == nil {
		result.Features = map[string]*float64{}
	}
	return &result, nil
}

// Health queries the backend health endpoint
func (c *Client) Health(ctx context.Context) (*domain.BackendHealth, error) {
	var health domain.BackendHealth
	err := c.withRetry(ctx, "health", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		return c.do(c.httpClient, req, &health)
	})
	if err != nil {
		return nil, err
	}
	return &health, nil
}

// BreakerState returns the circuit breaker's current state
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// BreakerCounts returns the circuit breaker's counters
func (c *Client) BreakerCounts() gobreaker.Counts {
	return c.breaker.Counts()
}

// withRetry runs attempt through the rate limiter and breaker, repeating
// transport failures and temporary backend errors up to c.retries times.
func (c *Client) withRetry(ctx context.Context, op string, attempt func() error) error {
	var lastErr error
	for i := 0; i <= c.retries; i++ {
		if i > 0 {
			backoff := time.Duration(i*i) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.rateLimit.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, attempt()
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("prediction backend unavailable (circuit breaker %s): %w", c.breaker.State(), err)
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		c.logger.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   i + 1,
		}).WithError(err).Warn("Backend request failed")
	}
	return lastErr
}

func (c *Client) do(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Detail: parseDetail(body, resp.Status)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseDetail extracts the "detail" field of an error body. Validation
// failures carry a list of {loc, msg} objects instead of a string.
func parseDetail(body []byte, fallback string) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		if s := strings.TrimSpace(string(body)); s != "" && len(s) < 512 {
			return s
		}
		return fallback
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return text
	}

	var items []struct {
		Loc []interface{} `json:"loc"`
		Msg string        `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			loc := make([]string, 0, len(item.Loc))
			for _, l := range item.Loc {
				loc = append(loc, fmt.Sprint(l))
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", strings.Join(loc, "."), item.Msg))
		}
		return strings.Join(msgs, "; ")
	}

	return string(envelope.Detail)
}
