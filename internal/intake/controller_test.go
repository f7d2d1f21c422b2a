package intake

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/registry"
	"github.com/mediguard-intake/internal/validation"
)

// MockPredictor is a mock implementation of domain.Predictor
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

// MockExtractor is a mock implementation of domain.Extractor
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Extract(ctx context.Context, kind domain.UploadKind, filename string, body io.Reader) (*domain.ExtractionResult, error) {
	args := m.Called(ctx, kind, filename, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ExtractionResult), args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestController(t *testing.T, p *MockPredictor, e *MockExtractor, opts Options) *Controller {
	t.Helper()
	var extractor domain.Extractor
	if e != nil {
		extractor = e
	}
	c, err := New("patient-42", p, extractor, testLogger(), opts)
	require.NoError(t, err)
	return c
}

func midpoint(spec registry.FieldSpec) float64 {
	return spec.Min + (spec.Max-spec.Min)/2
}

// extraction returns a successful result with every registry label set to
// its midpoint except the given labels, which are null.
func extraction(without ...string) *domain.ExtractionResult {
	skip := make(map[string]bool, len(without))
	for _, l := range without {
		skip[l] = true
	}
	features := make(map[string]*float64)
	for _, spec := range registry.Default().All() {
		if skip[spec.Label] {
			features[spec.Label] = nil
			continue
		}
		v := midpoint(spec)
		features[spec.Label] = &v
	}
	return &domain.ExtractionResult{ExtractionSuccess: true, Features: features}
}

func fillManual(t *testing.T, c *Controller) domain.FeatureValue {
	t.Helper()
	expected := make(domain.FeatureValue)
	for _, spec := range registry.Default().All() {
		v := midpoint(spec)
		require.NoError(t, c.SetManualField(spec.Key, validation.FormatNumber(v)))
		expected[spec.Label] = v
	}
	return expected
}

var okResult = &domain.PredictionResult{
	PredictedDisease: "Diabetes",
	Probabilities:    map[string]float64{"Diabetes": 0.8, "Healthy": 0.2},
}

func TestNew_RequiresIdentity(t *testing.T) {
	_, err := New("  ", new(MockPredictor), nil, testLogger(), Options{})
	assert.True(t, domain.IsCode(err, domain.ErrInvalidInput))

	_, err = New("patient-1", nil, nil, testLogger(), Options{})
	assert.True(t, domain.IsCode(err, domain.ErrInvalidInput))

	c, err := New("patient-1", new(MockPredictor), nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "patient-1", c.UserID())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, StateIdle, c.State())
}

func TestSetManualField_UpdatesOnlyThatField(t *testing.T) {
	c := newTestController(t, new(MockPredictor), nil, Options{})

	require.NoError(t, c.SetManualField("glucose", "39.08"))
	require.NoError(t, c.SetManualField("bmi", "abc"))

	snap := c.Snapshot()
	assert.Equal(t, "Value must be between 39.09 and 231.86", snap.ManualErrors["glucose"])
	assert.Equal(t, validation.MsgInvalidNumber, snap.ManualErrors["bmi"])
	assert.Len(t, snap.ManualErrors, 2, "untouched fields carry no error")

	require.NoError(t, c.SetManualField("glucose", "39.09"))
	snap = c.Snapshot()
	assert.NotContains(t, snap.ManualErrors, "glucose")
	assert.Equal(t, validation.MsgInvalidNumber, snap.ManualErrors["bmi"])

	require.NoError(t, c.SetManualField("glucose", ""))
	assert.NotContains(t, c.Snapshot().ManualErrors, "glucose", "empty is untouched")

	err := c.SetManualField("Glucose", "100")
	assert.True(t, domain.IsCode(err, domain.ErrInvalidInput), "labels are not form keys")
}

func TestSubmitManual_RejectsIncompleteOrInvalid(t *testing.T) {
	p := new(MockPredictor)
	c := newTestController(t, p, nil, Options{})

	_, err := c.SubmitManual(context.Background())
	assert.True(t, domain.IsCode(err, domain.ErrValidation))

	fillManual(t, c)
	require.NoError(t, c.SetManualField("glucose", "231.87"))
	assert.False(t, c.Snapshot().CanSubmit)

	_, err = c.SubmitManual(context.Background())
	assert.True(t, domain.IsCode(err, domain.ErrValidation))
	p.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitManual_Success(t *testing.T) {
	p := new(MockPredictor)
	c := newTestController(t, p, nil, Options{})
	expected := fillManual(t, c)

	p.On("Predict", mock.Anything, "patient-42", domain.SourceManual, expected).Return(okResult, nil).Once()

	assert.True(t, c.Snapshot().CanSubmit)
	result, err := c.SubmitManual(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Diabetes", result.PredictedDisease)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, okResult, snap.Result)
	assert.Nil(t, snap.Pending)
	assert.Len(t, snap.ManualValues, 24, "manual values survive a submission")
	p.AssertExpectations(t)
}

func TestSubmitManual_FailurePreservesStateAndRetries(t *testing.T) {
	p := new(MockPredictor)
	c := newTestController(t, p, nil, Options{})
	expected := fillManual(t, c)

	p.On("Predict", mock.Anything, "patient-42", domain.SourceManual, expected).
		Return(nil, errors.New("backend unavailable")).Once()

	_, err := c.SubmitManual(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrPredictionFailed))

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, domain.ErrPredictionFailed, snap.ErrorCode)
	assert.NotEmpty(t, snap.Error)
	assert.Equal(t, expected, snap.Pending)
	assert.Len(t, snap.ManualValues, 24)
	assert.True(t, snap.CanRetry)

	p.On("Predict", mock.Anything, "patient-42", domain.SourceManual, expected).Return(okResult, nil).Once()

	result, err := c.RetrySubmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, okResult, result)

	snap = c.Snapshot()
	assert.Empty(t, snap.Error)
	assert.False(t, snap.CanRetry)
	p.AssertNumberOfCalls(t, "Predict", 2)
}

func TestRetrySubmit_NothingPending(t *testing.T) {
	c := newTestController(t, new(MockPredictor), nil, Options{})

	_, err := c.RetrySubmit(context.Background())
	assert.True(t, domain.IsCode(err, domain.ErrInvalidState))
}

func TestUpload_CompleteExtractionSkipsGapFill(t *testing.T) {
	p := new(MockPredictor)
	e := new(MockExtractor)
	c := newTestController(t, p, e, Options{})

	res := extraction()
	expected := res.Usable()

	var transitions []State
	c.OnTransition(func(ev Event) { transitions = append(transitions, ev.To) })

	e.On("Extract", mock.Anything, domain.UploadCSV, "labs.csv", mock.Anything).Return(res, nil).Once()
	p.On("Predict", mock.Anything, "patient-42", domain.SourceCSV, expected).Return(okResult, nil).Once()

	result, err := c.Upload(context.Background(), domain.UploadCSV, "labs.csv", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, okResult, result)

	assert.Equal(t, []State{StateUploading, StateExtracted, StateSubmitting, StateIdle}, transitions)
	assert.NotContains(t, transitions, StateAwaitingGapFill)
	assert.Equal(t, "Extracted 24 out of 24 features", c.Snapshot().Message)
	p.AssertExpectations(t)
}

func TestUpload_IncompleteExtractionOpensGapFillInRegistryOrder(t *testing.T) {
	p := new(MockPredictor)
	e := new(MockExtractor)
	c := newTestController(t, p, e, Options{})

	// listed out of registry order on purpose
	res := extraction("Troponin", "Hemoglobin")
	res.Message = "Extracted 22 out of 24 features"
	e.On("Extract", mock.Anything, domain.UploadPDF, "report.pdf", mock.Anything).Return(res, nil).Once()

	result, err := c.Upload(context.Background(), domain.UploadPDF, "report.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	assert.Nil(t, result)

	snap := c.Snapshot()
	assert.Equal(t, StateAwaitingGapFill, snap.State)
	assert.True(t, snap.Reconciliation.Open)
	assert.Equal(t, []string{"Hemoglobin", "Troponin"}, snap.Reconciliation.MissingFeatureNames)
	assert.Equal(t, map[string]string{"Hemoglobin": "", "Troponin": ""}, snap.Reconciliation.MissingFeatureData)
	assert.Len(t, snap.Reconciliation.ExtractedFeatures, 22)
	assert.Equal(t, "Extracted 22 out of 24 features", snap.Message)
	assert.False(t, snap.CanComplete)
	p.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGapFill_NonNumericRejected(t *testing.T) {
	p := new(MockPredictor)
	e := new(MockExtractor)
	c := newTestController(t, p, e, Options{})

	e.On("Extract", mock.Anything, domain.UploadImage, "scan.png", mock.Anything).
		Return(extraction("Insulin", "BMI"), nil).Once()
	_, err := c.Upload(context.Background(), domain.UploadImage, "scan.png", strings.NewReader("png"))
	require.NoError(t, err)

	require.NoError(t, c.SetMissingField("Insulin", "12"))
	require.NoError(t, c.SetMissingField("BMI", "heavy"))

	_, err = c.CompleteGapFill(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrValidation))

	snap := c.Snapshot()
	assert.Equal(t, StateAwaitingGapFill, snap.State)
	assert.Equal(t, validation.ErrorSet{"BMI": validation.MsgInvalidNumber}, snap.Reconciliation.Errors)
	assert.Equal(t, "12", snap.Reconciliation.MissingFeatureData["Insulin"], "edits survive a rejected completion")
	p.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGapFill_EmptyFlaggedOnComplete(t *testing.T) {
	e := new(MockExtractor)
	c := newTestController(t, new(MockPredictor), e, Options{})

	e.On("Extract", mock.Anything, domain.UploadImage, "scan.png", mock.Anything).
		Return(extraction("Insulin"), nil).Once()
	_, err := c.Upload(context.Background(), domain.UploadImage, "scan.png", strings.NewReader("png"))
	require.NoError(t, err)

	_, err = c.CompleteGapFill(context.Background())
	assert.True(t, domain.IsCode(err, domain.ErrValidation))
	assert.Equal(t, validation.MsgRequired, c.Snapshot().Reconciliation.Errors["Insulin"])
}

func TestGapFill_CompleteMergesAndSubmits(t *testing.T) {
	p := new(MockPredictor)
	e := new(MockExtractor)
	c := newTestController(t, p, e, Options{})

	res := extraction("Glucose", "Platelets")
	e.On("Extract", mock.Anything, domain.UploadPDF, "r.pdf", mock.Anything).Return(res, nil).Once()
	_, err := c.Upload(context.Background(), domain.UploadPDF, "r.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)

	require.NoError(t, c.SetMissingField("Glucose", "12"))
	// out of range is fine during gap-fill
	require.NoError(t, c.SetMissingField("Platelets", "900000"))
	// the merge must see the final edit
	require.NoError(t, c.SetMissingField("Glucose", " 300 "))
	assert.True(t, c.Snapshot().CanComplete)

	expected := res.Usable()
	expected["Glucose"] = 300
	expected["Platelets"] = 900000
	p.On("Predict", mock.Anything, "patient-42", domain.SourcePDF, expected).Return(okResult, nil).Once()

	result, err := c.CompleteGapFill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, okResult, result)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Reconciliation.Open)
	assert.Empty(t, snap.Reconciliation.MissingFeatureNames)
	assert.Empty(t, snap.Reconciliation.MissingFeatureData)
	p.AssertExpectations(t)
}

func TestGapFill_PredictionFailureKeepsMergedFeatures(t *testing.T) {
	p := new(MockPredictor)
	e := new(MockExtractor)
	c := newTestController(t, p, e, Options{})

	res := extraction("ALT")
	e.On("Extract", mock.Anything, domain.UploadCSV, "a.csv", mock.Anything).Return(res, nil).Once()
	_, err := c.Upload(context.Background(), domain.UploadCSV, "a.csv", strings.NewReader("a"))
	require.NoError(t, err)
	require.NoError(t, c.SetMissingField("ALT", "30"))

	expected := res.Usable()
	expected["ALT"] = 30
	p.On("Predict", mock.Anything, "patient-42", domain.SourceCSV, expected).Return(nil, errors.New("boom")).Once()
	p.On("Predict", mock.Anything, "patient-42", domain.SourceCSV, expected).Return(okResult, nil).Once()

	_, err = c.CompleteGapFill(context.Background())
	assert.True(t, domain.IsCode(err, domain.ErrPredictionFailed))
	assert.Equal(t, expected, c.Snapshot().Pending)

	result, err := c.RetrySubmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, okResult, result)
	p.AssertExpectations(t)
}

func TestGapFill_Cancel(t *testing.T) {
	p := new(MockPredictor)
	e := new(MockExtractor)
	c := newTestController(t, p, e, Options{})

	e.On("Extract", mock.Anything, domain.UploadCSV, "a.csv", mock.Anything).Return(extraction("HbA1c"), nil).Once()
	_, err := c.Upload(context.Background(), domain.UploadCSV, "a.csv", strings.NewReader("a"))
	require.NoError(t, err)
	require.NoError(t, c.SetMissingField("HbA1c", "6.1"))

	require.NoError(t, c.CancelGapFill())

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Reconciliation.Open)
	assert.Empty(t, snap.Reconciliation.MissingFeatureData)
	assert.Empty(t, snap.Reconciliation.ExtractedFeatures)
	p.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	assert.True(t, domain.IsCode(c.CancelGapFill(), domain.ErrInvalidState))
	assert.True(t, domain.IsCode(c.SetMissingField("HbA1c", "1"), domain.ErrInvalidState))
}

func TestSetMissingField_UnknownLabel(t *testing.T) {
	e := new(MockExtractor)
	c := newTestController(t, new(MockPredictor), e, Options{})

	e.On("Extract", mock.Anything, domain.UploadCSV, "a.csv", mock.Anything).Return(extraction("AST"), nil).Once()
	_, err := c.Upload(context.Background(), domain.UploadCSV, "a.csv", strings.NewReader("a"))
	require.NoError(t, err)

	err = c.SetMissingField("Glucose", "100")
	assert.True(t, domain.IsCode(err, domain.ErrInvalidInput), "only missing labels can be filled")
}

func TestUpload_ExtractionFailures(t *testing.T) {
	tests := []struct {
		name   string
		result *domain.ExtractionResult
		err    error
	}{
		{"transport error", nil, errors.New("connection refused")},
		{"backend reports failure", &domain.ExtractionResult{ExtractionSuccess: false, Message: "No features extracted"}, nil},
		{"success with nothing usable", &domain.ExtractionResult{ExtractionSuccess: true, Features: map[string]*float64{"Glucose": nil}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := new(MockPredictor)
			e := new(MockExtractor)
			c := newTestController(t, p, e, Options{})

			e.On("Extract", mock.Anything, domain.UploadImage, "x.png", mock.Anything).Return(tt.result, tt.err).Once()

			_, err := c.Upload(context.Background(), domain.UploadImage, "x.png", strings.NewReader("x"))
			require.Error(t, err)
			assert.True(t, domain.IsCode(err, domain.ErrExtractionFailed))

			snap := c.Snapshot()
			assert.Equal(t, StateIdle, snap.State)
			assert.False(t, snap.Reconciliation.Open)
			assert.Equal(t, domain.ErrExtractionFailed, snap.ErrorCode)
			assert.False(t, snap.CanRetry)
			p.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestUpload_MinimumExtractedFeatures(t *testing.T) {
	e := new(MockExtractor)
	c := newTestController(t, new(MockPredictor), e, Options{MinExtractedFeatures: 20})

	labels := registry.Default().Labels()
	e.On("Extract", mock.Anything, domain.UploadImage, "x.png", mock.Anything).
		Return(extraction(labels[:5]...), nil).Once()

	_, err := c.Upload(context.Background(), domain.UploadImage, "x.png", strings.NewReader("x"))
	assert.True(t, domain.IsCode(err, domain.ErrExtractionFailed))
	assert.Equal(t, StateIdle, c.State())
}

func TestUpload_UnknownLabelsDropped(t *testing.T) {
	e := new(MockExtractor)
	c := newTestController(t, new(MockPredictor), e, Options{})

	res := extraction("Creatinine")
	v := 1.0
	res.Features["Vitamin D"] = &v
	e.On("Extract", mock.Anything, domain.UploadCSV, "a.csv", mock.Anything).Return(res, nil).Once()

	_, err := c.Upload(context.Background(), domain.UploadCSV, "a.csv", strings.NewReader("a"))
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.NotContains(t, snap.Reconciliation.ExtractedFeatures, "Vitamin D")
	assert.Equal(t, []string{"Creatinine"}, snap.Reconciliation.MissingFeatureNames)
}

func TestUpload_RejectedWhileAwaitingGapFill(t *testing.T) {
	e := new(MockExtractor)
	c := newTestController(t, new(MockPredictor), e, Options{})

	e.On("Extract", mock.Anything, domain.UploadCSV, "a.csv", mock.Anything).Return(extraction("BMI"), nil).Once()
	_, err := c.Upload(context.Background(), domain.UploadCSV, "a.csv", strings.NewReader("a"))
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), domain.UploadCSV, "b.csv", strings.NewReader("b"))
	assert.True(t, domain.IsCode(err, domain.ErrInvalidState))

	_, err = c.SubmitManual(context.Background())
	assert.True(t, domain.IsCode(err, domain.ErrInvalidState))
}

func TestUpload_WithoutExtractor(t *testing.T) {
	c := newTestController(t, new(MockPredictor), nil, Options{})

	_, err := c.Upload(context.Background(), domain.UploadCSV, "a.csv", strings.NewReader("a"))
	assert.True(t, domain.IsCode(err, domain.ErrInvalidState))
}

func TestInFlightGuard(t *testing.T) {
	p := new(MockPredictor)
	e := new(MockExtractor)
	c := newTestController(t, p, e, Options{})
	fillManual(t, c)

	started := make(chan struct{})
	release := make(chan struct{})
	e.On("Extract", mock.Anything, domain.UploadCSV, "slow.csv", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(nil, errors.New("gave up")).Once()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Upload(context.Background(), domain.UploadCSV, "slow.csv", strings.NewReader("a"))
	}()

	<-started
	assert.Equal(t, StateUploading, c.State())

	_, err := c.SubmitManual(context.Background())
	assert.True(t, domain.IsCode(err, domain.ErrOperationInFlight))
	_, err = c.Upload(context.Background(), domain.UploadCSV, "again.csv", strings.NewReader("a"))
	assert.True(t, domain.IsCode(err, domain.ErrOperationInFlight))

	// manual edits stay possible while a call is outstanding
	assert.NoError(t, c.SetManualField("glucose", "100"))

	close(release)
	wg.Wait()
	assert.Equal(t, StateIdle, c.State())
	p.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMissingLabels(t *testing.T) {
	one, three := 1.0, 3.0
	res := &domain.ExtractionResult{
		ExtractionSuccess: true,
		Features:          map[string]*float64{"A": &one, "B": nil, "C": &three},
	}

	missing := MissingLabels([]string{"A", "B", "C"}, res.Usable())
	assert.Equal(t, []string{"B"}, missing)

	assert.Empty(t, MissingLabels([]string{"A", "C"}, res.Usable()))
}

func TestOnTransition_ObserverMayReadSnapshot(t *testing.T) {
	p := new(MockPredictor)
	c := newTestController(t, p, nil, Options{})
	expected := fillManual(t, c)
	p.On("Predict", mock.Anything, "patient-42", domain.SourceManual, expected).Return(okResult, nil).Once()

	var seen []State
	c.OnTransition(func(ev Event) {
		// must not deadlock
		seen = append(seen, c.Snapshot().State)
		assert.Equal(t, ev.To, ev.Snapshot.State)
	})

	_, err := c.SubmitManual(context.Background())
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestStateJSON(t *testing.T) {
	data, err := StateAwaitingGapFill.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"awaiting_gap_fill"`, string(data))
	assert.Equal(t, "state(99)", State(99).String())
}
