package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/intake"
	"github.com/mediguard-intake/internal/validation"
	"github.com/mediguard-intake/pkg/backend"
)

const sessionKey = "session"

type valueRequest struct {
	Value string `json:"value"`
}

type validateRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type sessionResponse struct {
	Snapshot intake.Snapshot          `json:"snapshot"`
	Result   *domain.PredictionResult `json:"result,omitempty"`
}

type sessionErrorResponse struct {
	Error    *domain.IntakeError `json:"error"`
	Snapshot intake.Snapshot     `json:"snapshot"`
}

// handleHealth reports the service and its dependencies
func (s *Server) handleHealth(c *gin.Context) {
	report := s.svc.Health(c.Request.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":       report.Status,
		"timestamp":    time.Now().UTC(),
		"sessions":     s.sessions.Len(),
		"dependencies": report,
	})
}

func (s *Server) handleListFields(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fields": s.registry.All(),
		"count":  s.registry.Len(),
	})
}

// handleValidateField runs the strict manual-entry check for one value
func (s *Server) handleValidateField(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, domain.WrapIntakeError(domain.ErrInvalidInput, "invalid request body", err))
		return
	}
	spec, ok := s.registry.ByKey(req.Key)
	if !ok {
		abortWithError(c, domain.NewIntakeError(domain.ErrNotFound, "unknown field", req.Key))
		return
	}

	msg := validation.ValidateField(spec, req.Value)
	if msg == "" && strings.TrimSpace(req.Value) == "" {
		msg = validation.MsgRequired
	}
	body := gin.H{
		"key":   spec.Key,
		"label": spec.Label,
		"value": req.Value,
		"valid": msg == "",
		"error": msg,
	}
	if msg == "" {
		v, _ := validation.ParseNumber(req.Value)
		body["scaled"] = spec.Scale(v)
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(userIDHeader))
	if userID == "" {
		var req createSessionRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				abortWithError(c, domain.WrapIntakeError(domain.ErrInvalidInput, "invalid request body", err))
				return
			}
		}
		userID = strings.TrimSpace(req.UserID)
	}

	sess, err := s.sessions.Create(userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{Snapshot: sess.Snapshot()})
}

// requestUser returns the caller's identity from the X-User-ID header,
// or from the user_id query parameter for websocket clients that cannot
// set headers
func requestUser(c *gin.Context) string {
	if user := strings.TrimSpace(c.GetHeader(userIDHeader)); user != "" {
		return user
	}
	return strings.TrimSpace(c.Query("user_id"))
}

// requireUser aborts with 401 when the request carries no identity
func requireUser(c *gin.Context) (string, bool) {
	user := requestUser(c)
	if user == "" {
		abortWithError(c, domain.NewIntakeError(domain.ErrUnauthorized, "an "+userIDHeader+" header is required", ""))
		return "", false
	}
	return user, true
}

// loadSession resolves :id and checks the caller's identity against it.
// Sessions owned by someone else are reported as missing.
func (s *Server) loadSession(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok || user != sess.UserID() {
		abortWithError(c, domain.NewIntakeError(domain.ErrNotFound, "session not found", c.Param("id")))
		return
	}
	c.Set(sessionKey, sess)
	c.Next()
}

func sessionFrom(c *gin.Context) *Session {
	return c.MustGet(sessionKey).(*Session)
}

// respond writes the session snapshot, with the error when err is set
func respond(c *gin.Context, sess *Session, result *domain.PredictionResult, err error) {
	if err != nil {
		_ = c.Error(err)
		c.JSON(statusFor(err), sessionErrorResponse{Error: errorBody(err), Snapshot: sess.Snapshot()})
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Snapshot: sess.Snapshot(), Result: result})
}

func (s *Server) handleGetSession(c *gin.Context) {
	respond(c, sessionFrom(c), nil, nil)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	s.sessions.Delete(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func bindValue(c *gin.Context) (string, bool) {
	var req valueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, domain.WrapIntakeError(domain.ErrInvalidInput, "invalid request body", err))
		return "", false
	}
	return req.Value, true
}

func (s *Server) handleSetManualField(c *gin.Context) {
	sess := sessionFrom(c)
	value, ok := bindValue(c)
	if !ok {
		return
	}
	respond(c, sess, nil, sess.SetManualField(c.Param("key"), value))
}

func (s *Server) handleSubmitManual(c *gin.Context) {
	sess := sessionFrom(c)
	result, err := sess.SubmitManual(c.Request.Context())
	respond(c, sess, result, err)
}

// handleUpload accepts a multipart "file". The :kind segment names the
// extraction endpoint, or "auto" to choose it from the file content.
func (s *Server) handleUpload(c *gin.Context) {
	sess := sessionFrom(c)

	maxBytes := int64(s.cfg.Server.MaxUploadMB) << 20
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		abortWithError(c, domain.WrapIntakeError(domain.ErrInvalidInput, "a file is required", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		abortWithError(c, domain.WrapIntakeError(domain.ErrInvalidInput, "could not read the uploaded file", err))
		return
	}
	defer f.Close()

	detected, body, err := backend.DetectUploadKind(fh.Filename, f)
	if err != nil {
		abortWithError(c, err)
		return
	}

	kind := detected
	if param := c.Param("kind"); param != "auto" {
		kind, err = domain.ParseUploadKind(param)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if kind != detected {
			abortWithError(c, domain.NewValidationError("file",
				"file content does not match the "+string(kind)+" upload type", fh.Filename))
			return
		}
	}

	result, err := sess.Upload(c.Request.Context(), kind, fh.Filename, body)
	respond(c, sess, result, err)
}

func (s *Server) handleSetMissingField(c *gin.Context) {
	sess := sessionFrom(c)
	value, ok := bindValue(c)
	if !ok {
		return
	}
	respond(c, sess, nil, sess.SetMissingField(c.Param("label"), value))
}

func (s *Server) handleCompleteGapFill(c *gin.Context) {
	sess := sessionFrom(c)
	result, err := sess.CompleteGapFill(c.Request.Context())
	respond(c, sess, result, err)
}

func (s *Server) handleCancelGapFill(c *gin.Context) {
	sess := sessionFrom(c)
	respond(c, sess, nil, sess.CancelGapFill())
}

func (s *Server) handleRetry(c *gin.Context) {
	sess := sessionFrom(c)
	result, err := sess.RetrySubmit(c.Request.Context())
	respond(c, sess, result, err)
}

// queryInt reads an integer query parameter, rejecting malformed values
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw, present := c.GetQuery(name)
	if !present {
		return def, true
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		abortWithError(c, domain.NewIntakeError(domain.ErrInvalidInput, name+" must be an integer", raw))
		return 0, false
	}
	return v, true
}

// handleListHistory pages through the caller's own predictions
func (s *Server) handleListHistory(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}

	records, total, err := s.svc.ListHistory(c.Request.Context(), user, limit, offset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// handleHistoryStats aggregates the caller's predictions for dashboards
func (s *Server) handleHistoryStats(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	stats, err := s.svc.HistoryStats(c.Request.Context(), user)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleVerifyHistory(c *gin.Context) {
	result, err := s.svc.VerifyHistory(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleExportHistory(c *gin.Context) {
	store := s.svc.History()
	if store == nil {
		abortWithError(c, domain.NewIntakeError(domain.ErrNotFound, "prediction history is disabled", ""))
		return
	}
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", `attachment; filename="prediction-history.json"`)
	c.Status(http.StatusOK)
	if err := store.ExportJSON(c.Request.Context(), c.Writer); err != nil {
		_ = c.Error(err)
	}
}
