package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Ashu27-arc/eye-test/internal/logging"
	"github.com/Ashu27-arc/eye-test/internal/report"
	"github.com/Ashu27-arc/eye-test/internal/repository"
	"github.com/Ashu27-arc/eye-test/internal/storage"
	"github.com/Ashu27-arc/eye-test/internal/upload"
)

// exportLimit caps the number of rows in one CSV export.
const exportLimit = 10000

// RecordStore defines the persistence operations behind record management.
type RecordStore interface {
	Available(ctx context.Context) bool
	Find(ctx context.Context, q repository.Query) (*repository.Page, error)
	FindAll(ctx context.Context, q repository.Query, max int) ([]repository.PredictionRecord, error)
	FindByID(ctx context.Context, id string) (*repository.PredictionRecord, error)
	DeleteByID(ctx context.Context, id string, onDelete func(*repository.PredictionRecord) error) (*repository.PredictionRecord, error)
	AggregateStatistics(ctx context.Context) (*repository.Statistics, error)
}

type RecordUseCase struct {
	store         RecordStore
	cache         Cache
	archive       storage.Archive
	logger        *zap.Logger
	recordTTL     time.Duration
	statisticsTTL time.Duration
}

func NewRecordUseCase(store RecordStore, cache Cache, archive storage.Archive, recordTTL, statisticsTTL time.Duration, logger *zap.Logger) *RecordUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if archive == nil {
		archive = storage.NopArchive{}
	}
	return &RecordUseCase{
		store:         store,
		cache:         cache,
		archive:       archive,
		logger:        logger.Named("record_usecase"),
		recordTTL:     recordTTL,
		statisticsTTL: statisticsTTL,
	}
}

// Available reports whether the record store can be reached.
func (uc *RecordUseCase) Available(ctx context.Context) bool {
	return uc.store.Available(ctx)
}

func (uc *RecordUseCase) List(ctx context.Context, q repository.Query) (*repository.Page, error) {
	if !uc.store.Available(ctx) {
		return nil, ErrStoreUnavailable
	}
	page, err := uc.store.Find(ctx, q)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_tests", logging.RequestIDFromContext(ctx), err)
	}
	return page, nil
}

// Get loads one record, served from cache when possible. Records never change
// after creation so a cached copy stays valid until deletion.
func (uc *RecordUseCase) Get(ctx context.Context, id string) (*repository.PredictionRecord, error) {
	requestID := logging.RequestIDFromContext(ctx)
	log := logging.WithOperation(uc.logger, "usecase.get_test", requestID)

	if !uc.store.Available(ctx) {
		return nil, ErrStoreUnavailable
	}

	key := recordCacheKey(id)
	if cached, err := uc.cache.Get(ctx, key); err == nil {
		var rec repository.PredictionRecord
		if err := json.Unmarshal([]byte(cached), &rec); err != nil {
			log.Warn("failed to decode cached record", zap.Error(err))
		} else {
			return &rec, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warn("failed to read cache", zap.Error(err))
	}

	rec, err := uc.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, logging.NewOperationError("usecase.get_test", requestID, err)
	}

	if payload, err := json.Marshal(rec); err != nil {
		log.Warn("failed to serialize record", zap.Error(err))
	} else if err := uc.cache.Set(ctx, key, string(payload), uc.recordTTL); err != nil {
		log.Warn("failed to cache record", zap.Error(err))
	}
	return rec, nil
}

// Delete removes the record together with its image file and archived copy.
// An image that is already gone does not fail the deletion.
func (uc *RecordUseCase) Delete(ctx context.Context, id string) error {
	requestID := logging.RequestIDFromContext(ctx)
	log := logging.WithOperation(uc.logger, "usecase.delete_test", requestID)

	if !uc.store.Available(ctx) {
		return ErrStoreUnavailable
	}

	_, err := uc.store.DeleteByID(ctx, id, func(rec *repository.PredictionRecord) error {
		if err := upload.RemoveFile(rec.ImagePath); err != nil {
			return err
		}
		if rec.ImageURL != nil {
			if err := uc.archive.Delete(ctx, filepath.Base(rec.ImagePath)); err != nil {
				log.Warn("failed to delete archived image", zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return logging.NewOperationError("usecase.delete_test", requestID, err)
	}

	if err := uc.cache.Delete(ctx, recordCacheKey(id), statisticsCacheKey); err != nil {
		log.Warn("failed to invalidate cache", zap.Error(err))
	}
	log.Info("prediction record deleted", zap.String("id", id))
	return nil
}

// Statistics aggregates the store, cached for the statistics TTL.
func (uc *RecordUseCase) Statistics(ctx context.Context) (*repository.Statistics, error) {
	requestID := logging.RequestIDFromContext(ctx)
	log := logging.WithOperation(uc.logger, "usecase.statistics", requestID)

	if !uc.store.Available(ctx) {
		return nil, ErrStoreUnavailable
	}

	if cached, err := uc.cache.Get(ctx, statisticsCacheKey); err == nil {
		var stats repository.Statistics
		if err := json.Unmarshal([]byte(cached), &stats); err == nil {
			return &stats, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warn("failed to read cache", zap.Error(err))
	}

	stats, err := uc.store.AggregateStatistics(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.statistics", requestID, err)
	}

	if uc.statisticsTTL > 0 {
		if payload, err := json.Marshal(stats); err == nil {
			if err := uc.cache.Set(ctx, statisticsCacheKey, string(payload), uc.statisticsTTL); err != nil {
				log.Warn("failed to cache statistics", zap.Error(err))
			}
		}
	}
	return stats, nil
}

// Export writes matching records as CSV.
func (uc *RecordUseCase) Export(ctx context.Context, q repository.Query, w io.Writer) error {
	if !uc.store.Available(ctx) {
		return ErrStoreUnavailable
	}
	records, err := uc.store.FindAll(ctx, q, exportLimit)
	if err != nil {
		return logging.NewOperationError("usecase.export_tests", logging.RequestIDFromContext(ctx), err)
	}
	return report.WriteCSV(w, records)
}

// Report renders the PDF report of one record.
func (uc *RecordUseCase) Report(ctx context.Context, id string) ([]byte, error) {
	rec, err := uc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pdf, err := report.RenderPDF(rec)
	if err != nil {
		return nil, logging.NewOperationError("usecase.report", logging.RequestIDFromContext(ctx), err)
	}
	return pdf, nil
}
