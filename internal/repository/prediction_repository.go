package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ashu27-arc/eye-test/internal/interpreter"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
	recentLimit     = 5
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("prediction record not found")

// Query selects a page of records. Zero Page and Limit take the defaults.
type Query struct {
	Category interpreter.Category
	Page     int
	Limit    int
	SortBy   string
}

func (q Query) normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	return q
}

type Page struct {
	Records []PredictionRecord
	Total   int64
	Page    int
	Limit   int
	Pages   int
}

type CategoryStat struct {
	Category      interpreter.Category `json:"category"`
	Count         int64                `json:"count"`
	AvgConfidence *float64             `json:"avgConfidence"`
}

type RecentTest struct {
	ID         string               `json:"id"`
	Prediction string               `json:"prediction"`
	Category   interpreter.Category `json:"category"`
	Confidence *float64             `json:"confidence"`
	CreatedAt  time.Time            `json:"createdAt"`
}

type Statistics struct {
	TotalTests    int64          `json:"totalTests"`
	CategoryStats []CategoryStat `json:"categoryStats"`
	RecentTests   []RecentTest   `json:"recentTests"`
}

// PredictionRepository stores prediction records through gorm.
type PredictionRepository struct {
	db          *gorm.DB
	pingTimeout time.Duration

	mu       sync.Mutex
	migrated bool
}

// NewPredictionRepository wraps db. The schema is migrated lazily by Available.
func NewPredictionRepository(db *gorm.DB, pingTimeout time.Duration) *PredictionRepository {
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	return &PredictionRepository{db: db, pingTimeout: pingTimeout}
}

// Available pings the store within the ping timeout and migrates the schema
// the first time the store answers.
func (r *PredictionRepository) Available(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, r.pingTimeout)
	defer cancel()

	sqlDB, err := r.db.DB()
	if err != nil {
		return false
	}
	if err := sqlDB.PingContext(pingCtx); err != nil && !r.busy(ctx, err) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrated {
		return true
	}
	if err := r.db.WithContext(pingCtx).AutoMigrate(&PredictionRecord{}); err != nil {
		return false
	}
	r.migrated = true
	return true
}

// AutoMigrate ensures the schema is available.
// busy reports a ping that timed out waiting for the single SQLite
// connection. A closed handle fails immediately, so a timeout there means the
// connection is held by another operation, not that the store is down.
func (r *PredictionRepository) busy(ctx context.Context, err error) bool {
	return r.db.Dialector.Name() == "sqlite" &&
		errors.Is(err, context.DeadlineExceeded) &&
		ctx.Err() == nil
}

func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&PredictionRecord{}); err != nil {
		return err
	}
	r.mu.Lock()
	r.migrated = true
	r.mu.Unlock()
	return nil
}

func (r *PredictionRepository) Create(ctx context.Context, rec *PredictionRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// Find returns one page of records, newest first by the requested sort field.
func (r *PredictionRepository) Find(ctx context.Context, q Query) (*Page, error) {
	q = q.normalize()

	var total int64
	if err := r.db.WithContext(ctx).Model(&PredictionRecord{}).Scopes(byCategory(q.Category)).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	records := make([]PredictionRecord, 0, q.Limit)
	err := r.db.WithContext(ctx).
		Scopes(byCategory(q.Category), orderBy(q.SortBy)).
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}

	return &Page{
		Records: records,
		Total:   total,
		Page:    q.Page,
		Limit:   q.Limit,
		Pages:   int((total + int64(q.Limit) - 1) / int64(q.Limit)),
	}, nil
}

// FindAll returns up to max records matching the query's filter and order.
func (r *PredictionRepository) FindAll(ctx context.Context, q Query, max int) ([]PredictionRecord, error) {
	var records []PredictionRecord
	tx := r.db.WithContext(ctx).Scopes(byCategory(q.Category), orderBy(q.SortBy))
	if max > 0 {
		tx = tx.Limit(max)
	}
	if err := tx.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	return records, nil
}

func (r *PredictionRepository) FindByID(ctx context.Context, id string) (*PredictionRecord, error) {
	var rec PredictionRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// DeleteByID removes the record and runs onDelete inside the same
// transaction. A failing onDelete keeps the row.
func (r *PredictionRepository) DeleteByID(ctx context.Context, id string, onDelete func(*PredictionRecord) error) (*PredictionRecord, error) {
	var deleted PredictionRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&deleted, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		res := tx.Delete(&PredictionRecord{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if onDelete != nil {
			return onDelete(&deleted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}

// AggregateStatistics groups records by category and lists the most recent ones.
func (r *PredictionRepository) AggregateStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{CategoryStats: []CategoryStat{}, RecentTests: []RecentTest{}}

	if err := r.db.WithContext(ctx).Model(&PredictionRecord{}).Count(&stats.TotalTests).Error; err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	err := r.db.WithContext(ctx).Model(&PredictionRecord{}).
		Select("category, COUNT(*) AS count, AVG(confidence) AS avg_confidence").
		Group("category").
		Order("count DESC, category").
		Scan(&stats.CategoryStats).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate categories: %w", err)
	}

	err = r.db.WithContext(ctx).Model(&PredictionRecord{}).
		Select("id, prediction, category, confidence, created_at").
		Scopes(orderBy("createdAt")).
		Limit(recentLimit).
		Scan(&stats.RecentTests).Error
	if err != nil {
		return nil, fmt.Errorf("recent records: %w", err)
	}

	return stats, nil
}

func byCategory(category interpreter.Category) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if category == "" {
			return tx
		}
		return tx.Where("category = ?", category)
	}
}

func orderBy(sortBy string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: SortColumn(sortBy)}, Desc: true},
			{Column: clause.Column{Name: "id"}, Desc: true},
		}})
	}
}
