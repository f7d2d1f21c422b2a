// Package intake implements the reconciliation controller: it turns manual
// entry or an uploaded report into one complete feature map, prompts for
// anything the extractor missed, and submits the result for prediction.
package intake

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/registry"
	"github.com/mediguard-intake/internal/validation"
)

// Options tunes a Controller. Zero values select the defaults.
type Options struct {
	Registry             *registry.Registry
	MinExtractedFeatures int
	OperationTimeout     time.Duration
}

// Controller owns one intake session. All methods are safe for concurrent
// use; the lock is never held across a backend call.
type Controller struct {
	id        string
	userID    string
	predictor domain.Predictor
	extractor domain.Extractor
	logger    *logrus.Logger
	registry  *registry.Registry

	minExtracted int
	timeout      time.Duration

	mu         sync.Mutex
	state      State
	manual     map[string]string
	manualErrs validation.ErrorSet
	recon      Reconciliation
	message    string
	lastErr    *domain.IntakeError
	result     *domain.PredictionResult
	pending    domain.FeatureValue
	pendingSrc domain.Source
	updatedAt  time.Time

	observers []func(Event)
	events    []Event
}

// New creates a controller for userID. The identity is fixed for the
// controller's lifetime.
func New(userID string, predictor domain.Predictor, extractor domain.Extractor, logger *logrus.Logger, opts Options) (*Controller, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewIntakeError(domain.ErrInvalidInput, "user id is required", "")
	}
	if predictor == nil {
		return nil, domain.NewIntakeError(domain.ErrInvalidInput, "predictor is required", "")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Default()
	}
	if opts.MinExtractedFeatures <= 0 {
		opts.MinExtractedFeatures = 1
	}

	return &Controller{
		id:           uuid.New().String(),
		userID:       userID,
		predictor:    predictor,
		extractor:    extractor,
		logger:       logger,
		registry:     opts.Registry,
		minExtracted: opts.MinExtractedFeatures,
		timeout:      opts.OperationTimeout,
		state:        StateIdle,
		manual:       make(map[string]string),
		manualErrs:   make(validation.ErrorSet),
		recon:        closedReconciliation(),
		updatedAt:    time.Now().UTC(),
	}, nil
}

func closedReconciliation() Reconciliation {
	return Reconciliation{
		MissingFeatureNames: []string{},
		MissingFeatureData:  map[string]string{},
		Errors:              validation.ErrorSet{},
	}
}

// ID returns the session identifier
func (c *Controller) ID() string { return c.id }

// UserID returns the identity the controller was created for
func (c *Controller) UserID() string { return c.userID }

// OnTransition registers fn to be called after every state change.
// Callbacks run outside the controller lock.
func (c *Controller) OnTransition(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the full session state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetManualField records raw input for key and revalidates that field only
func (c *Controller) SetManualField(key, raw string) error {
	spec, ok := c.registry.ByKey(key)
	if !ok {
		return domain.NewIntakeError(domain.ErrInvalidInput, fmt.Sprintf("unknown field %q", key), "")
	}

	c.mu.Lock()
	defer c.unlock()

	c.manual[key] = raw
	c.manualErrs.Apply(key, validation.ValidateField(spec, raw))
	c.touch()
	return nil
}

// SubmitManual sends the manual form for prediction. It is rejected
// unless every field is filled and valid.
func (c *Controller) SubmitManual(ctx context.Context) (*domain.PredictionResult, error) {
	c.mu.Lock()
	if err := c.guardLocked(StateIdle); err != nil {
		c.unlock()
		return nil, err
	}

	specs := c.registry.All()
	if !validation.IsSubmittable(c.manual, specs, c.manualErrs) {
		missing := 0
		for _, spec := range specs {
			if strings.TrimSpace(c.manual[spec.Key]) == "" {
				missing++
			}
		}
		c.unlock()
		return nil, domain.NewIntakeError(domain.ErrValidation, "form is incomplete or has errors",
			fmt.Sprintf("%d empty, %d invalid", missing, len(c.manualErrs)))
	}

	features := make(domain.FeatureValue, len(specs))
	for _, spec := range specs {
		v, _ := validation.ParseNumber(c.manual[spec.Key])
		features[spec.Label] = v
	}

	c.beginSubmitLocked(features, domain.SourceManual)
	c.unlock()

	return c.submit(ctx, features, domain.SourceManual)
}

// Upload sends a report file for extraction. A complete extraction is
// submitted immediately and its result returned; an incomplete one opens
// gap-fill and returns a nil result.
func (c *Controller) Upload(ctx context.Context, kind domain.UploadKind, filename string, body io.Reader) (*domain.PredictionResult, error) {
	if c.extractor == nil {
		return nil, domain.NewIntakeError(domain.ErrInvalidState, "uploads are not available for this session", "")
	}

	c.mu.Lock()
	if err := c.guardLocked(StateIdle); err != nil {
		c.unlock()
		return nil, err
	}
	c.lastErr = nil
	c.message = ""
	c.pending = nil
	c.pendingSrc = ""
	c.setStateLocked(StateUploading)
	c.unlock()

	c.logger.WithFields(logrus.Fields{
		"session_id": c.id,
		"kind":       kind,
		"filename":   filename,
	}).Info("Uploading report for extraction")

	opCtx, cancel := c.operationContext(ctx)
	res, err := c.extractor.Extract(opCtx, kind, filename, body)
	cancel()

	c.mu.Lock()
	if err != nil {
		ie := domain.WrapIntakeError(domain.ErrExtractionFailed, "could not extract features from the uploaded file", err)
		c.failLocked(ie)
		c.unlock()
		return nil, ie
	}
	if res == nil || !res.ExtractionSuccess {
		msg := "could not extract features from the uploaded file"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		ie := domain.NewIntakeError(domain.ErrExtractionFailed, msg, "")
		c.failLocked(ie)
		c.unlock()
		return nil, ie
	}

	extracted := make(domain.FeatureValue)
	for label, v := range res.Usable() {
		if !c.registry.HasLabel(label) {
			c.logger.WithFields(logrus.Fields{
				"session_id": c.id,
				"label":      label,
			}).Warn("Dropping extracted feature with unknown label")
			continue
		}
		extracted[label] = v
	}
	if len(extracted) < c.minExtracted {
		ie := domain.NewIntakeError(domain.ErrExtractionFailed, res.SummaryMessage(c.registry.Len()),
			fmt.Sprintf("%d usable features, at least %d required", len(extracted), c.minExtracted))
		c.failLocked(ie)
		c.unlock()
		return nil, ie
	}

	c.message = res.SummaryMessage(c.registry.Len())
	c.setStateLocked(StateExtracted)

	source := domain.SourceForUpload(kind)
	missing := MissingLabels(c.registry.Labels(), extracted)
	if len(missing) == 0 {
		c.beginSubmitLocked(extracted.Clone(), source)
		c.unlock()
		return c.submit(ctx, extracted, source)
	}

	data := make(map[string]string, len(missing))
	for _, label := range missing {
		data[label] = ""
	}
	c.recon = Reconciliation{
		Open:                true,
		ExtractedFeatures:   extracted,
		MissingFeatureNames: missing,
		MissingFeatureData:  data,
		Errors:              validation.ErrorSet{},
		Source:              source,
	}
	c.setStateLocked(StateAwaitingGapFill)
	c.logger.WithFields(logrus.Fields{
		"session_id": c.id,
		"extracted":  len(extracted),
		"missing":    len(missing),
	}).Info("Extraction incomplete, awaiting gap-fill")
	c.unlock()
	return nil, nil
}

// SetMissingField records raw gap-fill input for label and revalidates
// that label only, without range checks.
func (c *Controller) SetMissingField(label, raw string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateAwaitingGapFill {
		return c.stateErrorLocked("set a missing field")
	}
	if _, ok := c.recon.MissingFeatureData[label]; !ok {
		return domain.NewIntakeError(domain.ErrInvalidInput, fmt.Sprintf("%q is not a missing feature", label), "")
	}

	c.recon.MissingFeatureData[label] = raw
	c.recon.Errors.Apply(label, validation.ValidateNumeric(raw))
	c.touch()
	return nil
}

// CompleteGapFill merges the extracted features with the gap-fill input
// and submits the result. If any missing value is empty or non-numeric
// the call is rejected and the session stays in gap-fill.
func (c *Controller) CompleteGapFill(ctx context.Context) (*domain.PredictionResult, error) {
	c.mu.Lock()
	if c.state != StateAwaitingGapFill {
		err := c.stateErrorLocked("complete gap-fill")
		c.unlock()
		return nil, err
	}

	for _, label := range c.recon.MissingFeatureNames {
		c.recon.Errors.Apply(label, validation.ValidateNumeric(c.recon.MissingFeatureData[label]))
	}
	if !c.recon.Errors.Empty() {
		c.touch()
		err := domain.NewIntakeError(domain.ErrValidation, "some missing features need a numeric value",
			strings.Join(errorLabels(c.recon), ", "))
		c.unlock()
		return nil, err
	}

	merged := c.recon.ExtractedFeatures.Clone()
	for _, label := range c.recon.MissingFeatureNames {
		v, _ := validation.ParseNumber(c.recon.MissingFeatureData[label])
		merged[label] = v
	}
	source := c.recon.Source
	c.recon = closedReconciliation()
	c.beginSubmitLocked(merged, source)
	c.unlock()

	return c.submit(ctx, merged, source)
}

// CancelGapFill discards the extraction and all gap-fill input
func (c *Controller) CancelGapFill() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateAwaitingGapFill {
		return c.stateErrorLocked("cancel gap-fill")
	}
	c.recon = closedReconciliation()
	c.message = ""
	c.setStateLocked(StateIdle)
	c.logger.WithField("session_id", c.id).Info("Gap-fill cancelled")
	return nil
}

// RetrySubmit resubmits the feature map of the last failed prediction
func (c *Controller) RetrySubmit(ctx context.Context) (*domain.PredictionResult, error) {
	c.mu.Lock()
	if err := c.guardLocked(StateIdle); err != nil {
		c.unlock()
		return nil, err
	}
	if c.pending == nil {
		c.unlock()
		return nil, domain.NewIntakeError(domain.ErrInvalidState, "there is no failed submission to retry", "")
	}
	features := c.pending.Clone()
	source := c.pendingSrc
	c.beginSubmitLocked(features, source)
	c.unlock()

	return c.submit(ctx, features, source)
}

// submit runs the prediction call. The controller must already be in
// StateSubmitting.
func (c *Controller) submit(ctx context.Context, features domain.FeatureValue, source domain.Source) (*domain.PredictionResult, error) {
	log := c.logger.WithFields(logrus.Fields{
		"session_id": c.id,
		"source":     source,
		"features":   len(features),
	})
	log.Info("Submitting features for prediction")

	opCtx, cancel := c.operationContext(ctx)
	result, err := c.predictor.Predict(opCtx, c.userID, source, features.Clone())
	cancel()

	c.mu.Lock()
	defer c.unlock()

	if err != nil {
		ie := domain.WrapIntakeError(domain.ErrPredictionFailed, "prediction request failed", err)
		log.WithError(err).Warn("Prediction failed, intake state preserved")
		c.lastErr = ie
		c.setStateLocked(StateIdle)
		return nil, ie
	}

	log.WithField("predicted_disease", result.PredictedDisease).Info("Prediction completed")
	c.result = result
	c.pending = nil
	c.pendingSrc = ""
	c.setStateLocked(StateIdle)
	return result, nil
}

func (c *Controller) beginSubmitLocked(features domain.FeatureValue, source domain.Source) {
	c.lastErr = nil
	c.pending = features.Clone()
	c.pendingSrc = source
	c.setStateLocked(StateSubmitting)
}

func (c *Controller) failLocked(ie *domain.IntakeError) {
	c.logger.WithFields(logrus.Fields{
		"session_id": c.id,
		"code":       ie.Code,
	}).Warn(ie.Message)
	c.lastErr = ie
	c.message = ""
	c.recon = closedReconciliation()
	c.setStateLocked(StateIdle)
}

// guardLocked rejects an operation unless the controller is in want
func (c *Controller) guardLocked(want State) error {
	if c.state.InFlight() {
		return domain.NewIntakeError(domain.ErrOperationInFlight,
			fmt.Sprintf("another operation is in progress (%s)", c.state), "")
	}
	if c.state != want {
		return domain.NewIntakeError(domain.ErrInvalidState,
			fmt.Sprintf("operation not allowed while %s", c.state), "")
	}
	return nil
}

func (c *Controller) stateErrorLocked(action string) error {
	if c.state.InFlight() {
		return domain.NewIntakeError(domain.ErrOperationInFlight,
			fmt.Sprintf("cannot %s while %s", action, c.state), "")
	}
	return domain.NewIntakeError(domain.ErrInvalidState,
		fmt.Sprintf("cannot %s while %s", action, c.state), "")
}

func (c *Controller) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Controller) touch() {
	c.updatedAt = time.Now().UTC()
}

func (c *Controller) setStateLocked(to State) {
	from := c.state
	c.state = to
	c.touch()

	c.logger.WithFields(logrus.Fields{
		"session_id": c.id,
		"from":       from.String(),
		"to":         to.String(),
	}).Debug("Intake state transition")

	if len(c.observers) > 0 {
		c.events = append(c.events, Event{From: from, To: to, At: c.updatedAt, Snapshot: c.snapshotLocked()})
	}
}

// unlock releases the lock and then delivers queued events
func (c *Controller) unlock() {
	events := c.events
	c.events = nil
	observers := c.observers
	c.mu.Unlock()

	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	manual := make(map[string]string, len(c.manual))
	for k, v := range c.manual {
		manual[k] = v
	}

	snap := Snapshot{
		SessionID:      c.id,
		UserID:         c.userID,
		State:          c.state,
		ManualValues:   manual,
		ManualErrors:   c.manualErrs.Clone(),
		Reconciliation: c.recon.clone(),
		Message:        c.message,
		Result:         c.result,
		CanSubmit:      c.state == StateIdle && validation.IsSubmittable(c.manual, c.registry.All(), c.manualErrs),
		CanComplete:    c.state == StateAwaitingGapFill && gapFillReady(c.recon),
		CanRetry:       c.state == StateIdle && c.pending != nil && c.lastErr != nil,
		UpdatedAt:      c.updatedAt,
	}
	if c.pending != nil {
		snap.Pending = c.pending.Clone()
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Message
		snap.ErrorCode = c.lastErr.Code
	}
	return snap
}

// MissingLabels returns the labels absent from extracted, in the order
// given by labels.
func MissingLabels(labels []string, extracted domain.FeatureValue) []string {
	missing := make([]string, 0)
	for _, label := range labels {
		if _, ok := extracted[label]; !ok {
			missing = append(missing, label)
		}
	}
	return missing
}

func gapFillReady(r Reconciliation) bool {
	if !r.Open {
		return false
	}
	for _, label := range r.MissingFeatureNames {
		if validation.ValidateNumeric(r.MissingFeatureData[label]) != "" {
			return false
		}
	}
	return true
}

func errorLabels(r Reconciliation) []string {
	labels := make([]string, 0, len(r.Errors))
	for _, label := range r.MissingFeatureNames {
		if _, ok := r.Errors[label]; ok {
			labels = append(labels, label)
		}
	}
	return labels
}
