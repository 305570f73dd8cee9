package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ashu27-arc/eye-test/internal/config"
	"github.com/Ashu27-arc/eye-test/internal/interpreter"
)

func newTestRepository(t *testing.T) *PredictionRepository {
	t.Helper()
	db, err := Open(config.Database{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "eye.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := NewPredictionRepository(db, time.Second)
	require.True(t, repo.Available(context.Background()))
	return repo
}

func completed(category interpreter.Category, confidence float64, created time.Time) *PredictionRecord {
	return &PredictionRecord{
		ImagePath:  "/uploads/eye.png",
		Prediction: string(category),
		Confidence: &confidence,
		Category:   category,
		Status:     StatusCompleted,
		CreatedAt:  created,
	}
}

func TestCreateAssignsIDAndDefaults(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := &PredictionRecord{ImagePath: "/uploads/a.png", Prediction: "???", ProcessingTime: 12}
	require.NoError(t, repo.Create(ctx, rec))

	assert.Len(t, rec.ID, 36)
	assert.Equal(t, interpreter.CategoryNormal, rec.Category)
	assert.Equal(t, StatusPending, rec.Status)

	got, err := repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.EqualValues(t, 12, got.ProcessingTime)
}

func TestCreateRejectsFailedWithoutError(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.Create(context.Background(), &PredictionRecord{Prediction: "Error", Status: StatusFailed})
	require.Error(t, err)
}

func TestFindPaginates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		require.NoError(t, repo.Create(ctx, completed(interpreter.CategoryMild, float64(i), base.Add(time.Duration(i)*time.Minute))))
	}

	page, err := repo.Find(ctx, Query{Page: 2, Limit: 5})
	require.NoError(t, err)

	assert.Len(t, page.Records, 5)
	assert.EqualValues(t, 12, page.Total)
	assert.Equal(t, 3, page.Pages)
	assert.Equal(t, 2, page.Page)
	require.NotNil(t, page.Records[0].Confidence)
	assert.Equal(t, 6.0, *page.Records[0].Confidence, "second page starts at the 6th newest")

	last, err := repo.Find(ctx, Query{Page: 3, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, last.Records, 2)
}

func TestFindFiltersAndSorts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, repo.Create(ctx, completed(interpreter.CategorySevere, 40, now.Add(-3*time.Minute))))
	require.NoError(t, repo.Create(ctx, completed(interpreter.CategorySevere, 90, now.Add(-2*time.Minute))))
	require.NoError(t, repo.Create(ctx, completed(interpreter.CategoryNormal, 99, now.Add(-time.Minute))))

	page, err := repo.Find(ctx, Query{Category: interpreter.CategorySevere, SortBy: "confidence"})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.EqualValues(t, 2, page.Total)
	assert.Equal(t, 90.0, *page.Records[0].Confidence)

	page, err = repo.Find(ctx, Query{SortBy: "nonsense; DROP TABLE eye_tests"})
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, interpreter.CategoryNormal, page.Records[0].Category, "unknown sort falls back to createdAt")
	assert.Equal(t, DefaultPageSize, page.Limit)
}

func TestFindEmpty(t *testing.T) {
	repo := newTestRepository(t)

	page, err := repo.Find(context.Background(), Query{})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.NotNil(t, page.Records)
	assert.Equal(t, 0, page.Pages)
}

func TestFindAllLimits(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Create(ctx, completed(interpreter.CategoryMild, 50, time.Now())))
	}

	all, err := repo.FindAll(ctx, Query{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	some, err := repo.FindAll(ctx, Query{}, 3)
	require.NoError(t, err)
	assert.Len(t, some, 3)
}

func TestFindByIDNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByID(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := completed(interpreter.CategoryModerate, 70, time.Now())
	require.NoError(t, repo.Create(ctx, rec))

	var hooked string
	deleted, err := repo.DeleteByID(ctx, rec.ID, func(r *PredictionRecord) error {
		hooked = r.ImagePath
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, deleted.ID)
	assert.Equal(t, rec.ImagePath, hooked)

	_, err = repo.FindByID(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.DeleteByID(ctx, rec.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByIDRollsBackOnHookFailure(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := completed(interpreter.CategoryModerate, 70, time.Now())
	require.NoError(t, repo.Create(ctx, rec))

	hookErr := errors.New("permission denied")
	_, err := repo.DeleteByID(ctx, rec.ID, func(*PredictionRecord) error { return hookErr })
	assert.ErrorIs(t, err, hookErr)

	_, err = repo.FindByID(ctx, rec.ID)
	assert.NoError(t, err, "record survives a failed hook")
}

func TestAggregateStatistics(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	now := time.Now()
	for i, c := range []float64{80, 90} {
		require.NoError(t, repo.Create(ctx, completed(interpreter.CategoryMild, c, now.Add(time.Duration(i)*time.Second))))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, completed(interpreter.CategoryNormal, 50, now.Add(time.Duration(10+i)*time.Second))))
	}
	errText := "boom"
	require.NoError(t, repo.Create(ctx, &PredictionRecord{
		Prediction: "Error",
		Category:   interpreter.CategoryNormal,
		Status:     StatusFailed,
		Error:      &errText,
		CreatedAt:  now.Add(time.Minute),
	}))

	stats, err := repo.AggregateStatistics(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 8, stats.TotalTests)
	require.Len(t, stats.CategoryStats, 2)

	byCategory := map[interpreter.Category]CategoryStat{}
	for _, s := range stats.CategoryStats {
		byCategory[s.Category] = s
	}
	assert.EqualValues(t, 6, byCategory[interpreter.CategoryNormal].Count)
	require.NotNil(t, byCategory[interpreter.CategoryNormal].AvgConfidence)
	assert.InDelta(t, 50, *byCategory[interpreter.CategoryNormal].AvgConfidence, 1e-9, "null confidences are ignored")
	assert.EqualValues(t, 2, byCategory[interpreter.CategoryMild].Count)
	assert.InDelta(t, 85, *byCategory[interpreter.CategoryMild].AvgConfidence, 1e-9)

	require.Len(t, stats.RecentTests, 5)
	assert.Equal(t, "Error", stats.RecentTests[0].Prediction)
	assert.Nil(t, stats.RecentTests[0].Confidence)
}

func TestAvailableFalseWhenClosed(t *testing.T) {
	db, err := Open(config.Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "eye.db")}, nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	repo := NewPredictionRepository(db, 100*time.Millisecond)
	assert.False(t, repo.Available(context.Background()))
}

func TestAvailableWhileSQLiteTransactionHoldsConnection(t *testing.T) {
	db, err := Open(config.Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "eye.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := NewPredictionRepository(db, 50*time.Millisecond)
	ctx := context.Background()
	require.True(t, repo.Available(ctx))

	rec := completed(interpreter.CategoryMild, 70, time.Now())
	require.NoError(t, repo.Create(ctx, rec))

	var availableDuringDelete bool
	_, err = repo.DeleteByID(ctx, rec.ID, func(*PredictionRecord) error {
		availableDuringDelete = repo.Available(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, availableDuringDelete)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, repo.Available(canceled))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.Database{Driver: "mongodb"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("%q", "mongodb"))
}
