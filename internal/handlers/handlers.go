package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Ashu27-arc/eye-test/internal/auth"
	"github.com/Ashu27-arc/eye-test/internal/inference"
	"github.com/Ashu27-arc/eye-test/internal/interpreter"
	"github.com/Ashu27-arc/eye-test/internal/logging"
	"github.com/Ashu27-arc/eye-test/internal/repository"
	"github.com/Ashu27-arc/eye-test/internal/upload"
	"github.com/Ashu27-arc/eye-test/internal/usecase"
)

// multipartOverhead is the slack allowed on top of the file limit for the
// multipart envelope.
const multipartOverhead = 1 << 20

// formField is the multipart field carrying the image.
const formField = "eye"

type Options struct {
	UploadDir      string
	AllowedOrigins []string
}

// Handler serves the eye test HTTP API.
type Handler struct {
	predictions *usecase.PredictionUseCase
	records     *usecase.RecordUseCase
	maxBody     int64
	maxFileSize int64
	logger      *zap.Logger
}

func NewHandler(predictions *usecase.PredictionUseCase, records *usecase.RecordUseCase, maxFileSize int64, logger *zap.Logger) *Handler {
	return &Handler{
		predictions: predictions,
		records:     records,
		maxBody:     maxFileSize + multipartOverhead,
		maxFileSize: maxFileSize,
		logger:      logger.Named("http"),
	}
}

// NewRouter builds the gin engine with middleware, routes and the uploads file server.
func NewRouter(h *Handler, verifier *auth.Verifier, opts Options, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), AccessLog(logger), Recovery(logger), CORS(opts.AllowedOrigins))
	RegisterRoutes(router, h, verifier)
	if opts.UploadDir != "" {
		router.Static("/uploads", opts.UploadDir)
	}
	return router
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router gin.IRoutes, h *Handler, verifier *auth.Verifier) {
	router.GET("/health", h.health)
	router.POST("/predict", auth.OptionalJWT(verifier), h.predict)
	router.POST("/scan-eye", h.scanEye)
	router.GET("/tests", h.listTests)
	router.GET("/tests/export", h.exportTests)
	router.GET("/tests/:id", h.getTest)
	router.GET("/tests/:id/report", h.testReport)
	router.DELETE("/tests/:id", auth.JWTMiddleware(verifier), h.deleteTest)
	router.GET("/statistics", h.statistics)
}

func (h *Handler) health(c *gin.Context) {
	database := "disconnected"
	if h.records.Available(c.Request.Context()) {
		database = "connected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"message":   "Eye Test API is running",
		"database":  database,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) predict(c *gin.Context) {
	started := time.Now()

	file, header, err := h.formFile(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer file.Close()

	userID, _ := auth.GetUserID(c.Request.Context())
	outcome, err := h.predictions.Predict(c.Request.Context(), usecase.PredictInput{
		Source:     file,
		Meta:       metadata(header),
		DeviceInfo: c.Request.UserAgent(),
		UserID:     userID,
		StartedAt:  started,
	})
	if err != nil {
		h.respondPredictError(c, err, time.Since(started))
		return
	}

	data := gin.H{
		"id":         nil,
		"category":   outcome.Category,
		"confidence": outcome.Confidence,
		"eyeSide":    nil,
		"timestamp":  nil,
	}
	if outcome.EyeSide != "" {
		data["eyeSide"] = outcome.EyeSide
	}
	if outcome.Record != nil {
		data["id"] = outcome.Record.ID
		data["timestamp"] = outcome.Record.CreatedAt
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"result":         outcome.Result,
		"message":        "Prediction completed successfully",
		"data":           data,
		"processingTime": formatMillis(outcome.ProcessingTime),
	})
}

func (h *Handler) scanEye(c *gin.Context) {
	file, header, err := h.formFile(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer file.Close()

	result, err := h.predictions.ScanEye(c.Request.Context(), file, metadata(header))
	if err != nil {
		var invErr *inference.Error
		if !errors.As(err, &invErr) {
			h.respondError(c, err)
			return
		}
		// legacy clients expect a fixed error string and no message
		logging.WithOperation(h.logger, "http.scan_eye", logging.RequestIDFromContext(c.Request.Context())).
			Error("scorer failed", zap.String("diagnostic", invErr.Diagnostic()))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "AI processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func (h *Handler) listTests(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	page, err := h.records.List(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    page.Records,
		"pagination": gin.H{
			"total": page.Total,
			"page":  page.Page,
			"limit": page.Limit,
			"pages": page.Pages,
		},
	})
}

func (h *Handler) exportTests(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := h.records.Export(c.Request.Context(), q, &buf); err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="eye-tests.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (h *Handler) getTest(c *gin.Context) {
	rec, err := h.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

func (h *Handler) testReport(c *gin.Context) {
	id := c.Param("id")
	pdf, err := h.records.Report(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="eye-test-%s.pdf"`, id))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

func (h *Handler) deleteTest(c *gin.Context) {
	if err := h.records.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Test record deleted successfully"})
}

func (h *Handler) statistics(c *gin.Context) {
	stats, err := h.records.Statistics(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

// formFile caps the request body and opens the uploaded image.
func (h *Handler) formFile(c *gin.Context) (multipart.File, *multipart.FileHeader, error) {
	if c.Request.ContentLength > h.maxBody {
		return nil, nil, &upload.FileTooLargeError{Size: c.Request.ContentLength, Max: h.maxFileSize}
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)

	header, err := c.FormFile(formField)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return nil, nil, &upload.FileTooLargeError{Max: h.maxFileSize}
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			return nil, nil, upload.ErrNoFile
		default:
			return nil, nil, &badRequestError{msg: "invalid multipart form"}
		}
	}

	file, err := header.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open uploaded file: %w", err)
	}
	return file, header, nil
}

func metadata(header *multipart.FileHeader) upload.Metadata {
	return upload.Metadata{
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
	}
}

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string {
	return e.msg
}

func parseQuery(c *gin.Context) (repository.Query, error) {
	q := repository.Query{SortBy: c.DefaultQuery("sortBy", "createdAt")}

	var err error
	if q.Page, err = intParam(c, "page", 1); err != nil {
		return q, err
	}
	if q.Page < 1 {
		return q, &badRequestError{msg: "page must be a positive integer"}
	}
	if q.Limit, err = intParam(c, "limit", repository.DefaultPageSize); err != nil {
		return q, err
	}
	if q.Limit < 1 || q.Limit > repository.MaxPageSize {
		return q, &badRequestError{msg: fmt.Sprintf("limit must be between 1 and %d", repository.MaxPageSize)}
	}

	if raw := c.Query("category"); raw != "" {
		category, err := interpreter.ParseCategory(raw)
		if err != nil {
			return q, &badRequestError{msg: err.Error()}
		}
		q.Category = category
	}
	return q, nil
}

func intParam(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &badRequestError{msg: fmt.Sprintf("%s must be an integer", name)}
	}
	return v, nil
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		typeErr *upload.InvalidFileTypeError
		sizeErr *upload.FileTooLargeError
		badReq  *badRequestError
	)

	switch {
	case errors.Is(err, upload.ErrNoFile):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "No file uploaded"})
	case errors.As(err, &typeErr), errors.As(err, &sizeErr), errors.As(err, &badReq):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
	case errors.Is(err, usecase.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "Database not available"})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Test not found"})
	default:
		logging.WithOperation(h.logger, "http.respond_error", logging.RequestIDFromContext(c.Request.Context())).
			Error("request failed", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
	}
}

// respondPredictError maps failures of the predict flow.
func (h *Handler) respondPredictError(c *gin.Context, err error, elapsed time.Duration) {
	body := gin.H{"success": false, "processingTime": formatMillis(elapsed)}

	var (
		invErr   *inference.Error
		parseErr *usecase.ParseError
	)
	switch {
	case errors.As(err, &invErr):
		body["message"] = "AI processing failed"
		body["error"] = invErr.Diagnostic()
	case errors.As(err, &parseErr):
		body["message"] = "Failed to interpret prediction result"
		body["error"] = parseErr.Error()
	default:
		h.respondError(c, err)
		return
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, body)
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}
