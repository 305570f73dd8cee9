package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ashu27-arc/eye-test/internal/inference"
	"github.com/Ashu27-arc/eye-test/internal/interpreter"
	"github.com/Ashu27-arc/eye-test/internal/logging"
	"github.com/Ashu27-arc/eye-test/internal/repository"
	"github.com/Ashu27-arc/eye-test/internal/storage"
	"github.com/Ashu27-arc/eye-test/internal/upload"
)

const failedPrediction = "Error"

// FileGate validates and stores uploads.
type FileGate interface {
	Accept(src io.Reader, meta upload.Metadata) (*upload.StoredFile, error)
	Remove(file *upload.StoredFile) error
}

// PredictionStore is the persistence needed by the predict flow.
type PredictionStore interface {
	Available(ctx context.Context) bool
	Create(ctx context.Context, rec *repository.PredictionRecord) error
}

type PredictInput struct {
	Source     io.Reader
	Meta       upload.Metadata
	DeviceInfo string
	UserID     string
	// StartedAt is when the request arrived; zero means now.
	StartedAt time.Time
}

// PredictOutcome is a successful prediction. Record is nil when the store was
// unreachable and nothing was persisted.
type PredictOutcome struct {
	Result         string
	Category       interpreter.Category
	Confidence     *float64
	EyeSide        string
	Record         *repository.PredictionRecord
	ProcessingTime time.Duration
}

type PredictionUseCase struct {
	gate    FileGate
	invoker inference.Invoker
	store   PredictionStore
	archive storage.Archive
	cache   Cache
	logger  *zap.Logger
	now     func() time.Time
}

func NewPredictionUseCase(gate FileGate, invoker inference.Invoker, store PredictionStore, archive storage.Archive, cache Cache, logger *zap.Logger) *PredictionUseCase {
	if archive == nil {
		archive = storage.NopArchive{}
	}
	if cache == nil {
		cache = NopCache{}
	}
	return &PredictionUseCase{
		gate:    gate,
		invoker: invoker,
		store:   store,
		archive: archive,
		cache:   cache,
		logger:  logger.Named("prediction_usecase"),
		now:     time.Now,
	}
}

// Predict stores the upload, scores it and records the attempt.
//
// Validation errors are returned unwrapped and leave nothing behind. Scorer
// failures and empty output are recorded as failed attempts and the upload is
// deleted. Persistence is skipped, never fatal, when the store is down.
func (uc *PredictionUseCase) Predict(ctx context.Context, in PredictInput) (*PredictOutcome, error) {
	requestID := logging.RequestIDFromContext(ctx)
	log := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	started := in.StartedAt
	if started.IsZero() {
		started = uc.now()
	}

	file, err := uc.gate.Accept(in.Source, in.Meta)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("file", file.StoredName))

	out, err := uc.invoker.Invoke(ctx, file.Path)
	if err != nil {
		diagnostic := err.Error()
		var invErr *inference.Error
		if errors.As(err, &invErr) {
			diagnostic = invErr.Diagnostic()
		}
		uc.recordFailure(ctx, file, in, diagnostic, started, log)
		uc.discard(file, log)
		return nil, logging.NewOperationError("usecase.predict", requestID, err)
	}

	raw := strings.TrimSpace(out.Stdout)
	if raw == "" {
		parseErr := &ParseError{Output: out.Stdout, Reason: "scorer printed nothing"}
		uc.recordFailure(ctx, file, in, parseErr.Error(), started, log)
		uc.discard(file, log)
		return nil, logging.NewOperationError("usecase.predict", requestID, parseErr)
	}

	result := interpreter.Interpret(raw)
	if !result.Matched {
		log.Warn("scorer output matched no category, defaulting to Normal", zap.String("output", raw))
	}

	rec := newRecord(file, in)
	rec.Prediction = raw
	rec.Category = result.Category
	rec.Confidence = result.Confidence
	rec.Status = repository.StatusCompleted
	if result.EyeSide != "" {
		side := result.EyeSide
		rec.EyeSide = &side
	}

	persistCtx := context.WithoutCancel(ctx)
	available := uc.store.Available(persistCtx)
	if available {
		url, err := uc.archive.Put(persistCtx, file.StoredName, file.Path, file.MimeType)
		if err != nil {
			log.Warn("failed to archive image", zap.Error(err))
		} else if url != "" {
			rec.ImageURL = &url
		}
	}

	elapsed := uc.now().Sub(started)
	rec.ProcessingTime = elapsed.Milliseconds()

	outcome := &PredictOutcome{
		Result:         raw,
		Category:       result.Category,
		Confidence:     result.Confidence,
		EyeSide:        result.EyeSide,
		ProcessingTime: elapsed,
	}
	if available && uc.persist(persistCtx, rec, log) {
		outcome.Record = rec
	}

	log.Info("prediction completed",
		zap.String("category", string(result.Category)),
		zap.Int64("processing_ms", rec.ProcessingTime),
		zap.Bool("persisted", outcome.Record != nil),
	)
	return outcome, nil
}

// ScanEye is the legacy flow: score and discard, nothing is persisted.
func (uc *PredictionUseCase) ScanEye(ctx context.Context, src io.Reader, meta upload.Metadata) (string, error) {
	requestID := logging.RequestIDFromContext(ctx)
	log := logging.WithOperation(uc.logger, "usecase.scan_eye", requestID)

	file, err := uc.gate.Accept(src, meta)
	if err != nil {
		return "", err
	}
	defer uc.discard(file, log)

	out, err := uc.invoker.Invoke(ctx, file.Path)
	if err != nil {
		return "", logging.NewOperationError("usecase.scan_eye", requestID, err)
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (uc *PredictionUseCase) recordFailure(ctx context.Context, file *upload.StoredFile, in PredictInput, reason string, started time.Time, log *zap.Logger) {
	persistCtx := context.WithoutCancel(ctx)
	if !uc.store.Available(persistCtx) {
		log.Warn("database not available, failed prediction not recorded", zap.String("reason", reason))
		return
	}

	rec := newRecord(file, in)
	rec.Prediction = failedPrediction
	rec.Category = interpreter.CategoryNormal
	rec.Status = repository.StatusFailed
	rec.Error = &reason
	rec.ProcessingTime = uc.now().Sub(started).Milliseconds()
	uc.persist(persistCtx, rec, log)
}

func (uc *PredictionUseCase) persist(ctx context.Context, rec *repository.PredictionRecord, log *zap.Logger) bool {
	if err := uc.store.Create(ctx, rec); err != nil {
		log.Error("failed to save prediction record", zap.Error(err))
		return false
	}
	if err := uc.cache.Delete(ctx, statisticsCacheKey); err != nil {
		log.Warn("failed to invalidate statistics cache", zap.Error(err))
	}
	return true
}

func (uc *PredictionUseCase) discard(file *upload.StoredFile, log *zap.Logger) {
	if err := uc.gate.Remove(file); err != nil {
		log.Warn("failed to delete upload", zap.Error(err), zap.String("path", file.Path))
	}
}

func newRecord(file *upload.StoredFile, in PredictInput) *repository.PredictionRecord {
	rec := &repository.PredictionRecord{
		ImagePath:        file.Path,
		OriginalFilename: file.OriginalName,
		FileSize:         file.Size,
		MimeType:         file.MimeType,
	}
	if in.DeviceInfo != "" {
		device := in.DeviceInfo
		rec.DeviceInfo = &device
	}
	if in.UserID != "" {
		user := in.UserID
		rec.UserID = &user
	}
	return rec
}
