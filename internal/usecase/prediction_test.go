package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Ashu27-arc/eye-test/internal/config"
	"github.com/Ashu27-arc/eye-test/internal/inference"
	"github.com/Ashu27-arc/eye-test/internal/interpreter"
	"github.com/Ashu27-arc/eye-test/internal/logging"
	"github.com/Ashu27-arc/eye-test/internal/repository"
	"github.com/Ashu27-arc/eye-test/internal/upload"
)

type stubInvoker struct {
	out   *inference.Output
	err   error
	calls []string
}

func (s *stubInvoker) Invoke(ctx context.Context, imagePath string) (*inference.Output, error) {
	s.calls = append(s.calls, imagePath)
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

type stubStore struct {
	down    bool
	saveErr error
	saved   []*repository.PredictionRecord
}

func (s *stubStore) Available(ctx context.Context) bool {
	return !s.down
}

func (s *stubStore) Create(ctx context.Context, rec *repository.PredictionRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	if rec.ID == "" {
		rec.ID = "rec-" + string(rune('a'+len(s.saved)))
	}
	rec.CreatedAt = time.Now()
	s.saved = append(s.saved, rec)
	return nil
}

type mapCache struct {
	mu      sync.Mutex
	values  map[string]string
	deleted []string
	getErr  error
	sets    int
}

func newMapCache() *mapCache {
	return &mapCache{values: map[string]string{}}
}

func (c *mapCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value.(string)
	c.sets++
	return nil
}

func (c *mapCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", c.getErr
	}
	v, ok := c.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (c *mapCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.values, k)
		c.deleted = append(c.deleted, k)
	}
	return nil
}

type stubArchive struct {
	putKeys    []string
	deleteKeys []string
	err        error
}

func (a *stubArchive) Put(ctx context.Context, key, path, contentType string) (string, error) {
	a.putKeys = append(a.putKeys, key)
	if a.err != nil {
		return "", a.err
	}
	return "https://archive.test/" + key, nil
}

func (a *stubArchive) Delete(ctx context.Context, key string) error {
	a.deleteKeys = append(a.deleteKeys, key)
	return a.err
}

func newTestGate(t *testing.T) *upload.Gate {
	t.Helper()
	gate, err := upload.NewGate(config.Upload{
		Dir:          filepath.Join(t.TempDir(), "uploads"),
		MaxFileSize:  1024,
		AllowedTypes: []string{"image/jpeg", "image/png"},
	})
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	return gate
}

func pngInput(device string) PredictInput {
	return PredictInput{
		Source:     strings.NewReader("fake png bytes"),
		Meta:       upload.Metadata{Filename: "eye.png", MimeType: "image/png", Size: 14},
		DeviceInfo: device,
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func TestPredictSuccessPersistsRecord(t *testing.T) {
	gate := newTestGate(t)
	invoker := &stubInvoker{out: &inference.Output{Stdout: "Right Eye - Severe Myopia (< -6) (Confidence: 93.2%)\n"}}
	store := &stubStore{}
	cache := newMapCache()
	cache.values[statisticsCacheKey] = "{}"
	archive := &stubArchive{}

	uc := NewPredictionUseCase(gate, invoker, store, archive, cache, zap.NewNop())
	in := pngInput("curl/8.0")
	in.UserID = "user-1"

	outcome, err := uc.Predict(logging.ContextWithRequestID(context.Background(), "req-1"), in)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if outcome.Category != interpreter.CategorySevere {
		t.Fatalf("unexpected category: %s", outcome.Category)
	}
	if outcome.Confidence == nil || *outcome.Confidence != 93.2 {
		t.Fatalf("unexpected confidence: %v", outcome.Confidence)
	}
	if outcome.EyeSide != interpreter.EyeSideRight {
		t.Fatalf("unexpected eye side: %q", outcome.EyeSide)
	}
	if outcome.Record == nil || outcome.Record.ID == "" {
		t.Fatal("expected persisted record")
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected 1 record, got %d", len(store.saved))
	}

	rec := store.saved[0]
	if rec.Status != repository.StatusCompleted || rec.Error != nil {
		t.Fatalf("unexpected status %s error %v", rec.Status, rec.Error)
	}
	if rec.Prediction != "Right Eye - Severe Myopia (< -6) (Confidence: 93.2%)" {
		t.Fatalf("prediction should be trimmed raw output, got %q", rec.Prediction)
	}
	if rec.DeviceInfo == nil || *rec.DeviceInfo != "curl/8.0" {
		t.Fatalf("unexpected device info: %v", rec.DeviceInfo)
	}
	if rec.UserID == nil || *rec.UserID != "user-1" {
		t.Fatalf("unexpected user id: %v", rec.UserID)
	}
	if rec.ImageURL == nil || !strings.HasPrefix(*rec.ImageURL, "https://archive.test/eye-") {
		t.Fatalf("unexpected image url: %v", rec.ImageURL)
	}
	if rec.ProcessingTime < 0 {
		t.Fatalf("processing time must be recorded, got %d", rec.ProcessingTime)
	}
	if _, err := os.Stat(rec.ImagePath); err != nil {
		t.Fatalf("upload must be retained on success: %v", err)
	}
	if len(invoker.calls) != 1 || invoker.calls[0] != rec.ImagePath {
		t.Fatalf("invoker called with %v", invoker.calls)
	}
	if _, ok := cache.values[statisticsCacheKey]; ok {
		t.Fatal("statistics cache must be invalidated")
	}
}

func TestPredictStoreDownStillResponds(t *testing.T) {
	gate := newTestGate(t)
	archive := &stubArchive{}
	uc := NewPredictionUseCase(gate, &stubInvoker{out: &inference.Output{Stdout: "Normal (Confidence: 99%)"}}, &stubStore{down: true}, archive, nil, zap.NewNop())

	outcome, err := uc.Predict(context.Background(), pngInput(""))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.Record != nil {
		t.Fatal("record must be nil when nothing was persisted")
	}
	if outcome.Category != interpreter.CategoryNormal {
		t.Fatalf("unexpected category %s", outcome.Category)
	}
	if len(archive.putKeys) != 0 {
		t.Fatal("image must not be archived without a record")
	}
}

func TestPredictSaveFailureIsNotFatal(t *testing.T) {
	uc := NewPredictionUseCase(newTestGate(t), &stubInvoker{out: &inference.Output{Stdout: "Mild Myopia"}}, &stubStore{saveErr: errors.New("disk full")}, nil, nil, zap.NewNop())

	outcome, err := uc.Predict(context.Background(), pngInput(""))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.Record != nil {
		t.Fatal("record must be nil after a failed save")
	}
}

func TestPredictInvocationFailureRecordsAndCleansUp(t *testing.T) {
	gate := newTestGate(t)
	invoker := &stubInvoker{err: &inference.Error{Stdout: "Error: model file missing", ExitCode: 1}}
	store := &stubStore{}
	uc := NewPredictionUseCase(gate, invoker, store, nil, nil, zap.NewNop())

	_, err := uc.Predict(context.Background(), pngInput("agent"))
	if err == nil {
		t.Fatal("expected error")
	}

	var invErr *inference.Error
	if !errors.As(err, &invErr) {
		t.Fatalf("expected inference error, got %T", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.predict" {
		t.Fatalf("expected operation error, got %v", err)
	}

	if len(store.saved) != 1 {
		t.Fatalf("expected failed record, got %d", len(store.saved))
	}
	rec := store.saved[0]
	if rec.Status != repository.StatusFailed || rec.Prediction != "Error" || rec.Category != interpreter.CategoryNormal {
		t.Fatalf("unexpected failed record: %+v", rec)
	}
	if rec.Error == nil || *rec.Error != "Error: model file missing" {
		t.Fatalf("unexpected error text: %v", rec.Error)
	}
	if n := countFiles(t, gate.Dir()); n != 0 {
		t.Fatalf("upload must be deleted, found %d files", n)
	}
}

func TestPredictCanceledRequestStillRecordsFailure(t *testing.T) {
	store := &stubStore{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	invoker := &stubInvoker{err: &inference.Error{Canceled: true, Err: context.Canceled}}

	uc := NewPredictionUseCase(newTestGate(t), invoker, store, nil, nil, zap.NewNop())
	if _, err := uc.Predict(ctx, pngInput("")); err == nil {
		t.Fatal("expected error")
	}
	if len(store.saved) != 1 {
		t.Fatalf("failed record must be written with a detached context, got %d", len(store.saved))
	}
}

func TestPredictEmptyOutputIsParseError(t *testing.T) {
	gate := newTestGate(t)
	store := &stubStore{}
	uc := NewPredictionUseCase(gate, &stubInvoker{out: &inference.Output{Stdout: "  \n"}}, store, nil, nil, zap.NewNop())

	_, err := uc.Predict(context.Background(), pngInput(""))

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].Status != repository.StatusFailed {
		t.Fatal("expected a failed record")
	}
	if countFiles(t, gate.Dir()) != 0 {
		t.Fatal("upload must be deleted")
	}
}

func TestPredictRejectedUploadTouchesNothing(t *testing.T) {
	gate := newTestGate(t)
	invoker := &stubInvoker{}
	store := &stubStore{}
	uc := NewPredictionUseCase(gate, invoker, store, nil, nil, zap.NewNop())

	in := pngInput("")
	in.Meta.MimeType = "application/pdf"
	_, err := uc.Predict(context.Background(), in)

	var typeErr *upload.InvalidFileTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("expected invalid type error, got %v", err)
	}
	if len(invoker.calls) != 0 || len(store.saved) != 0 {
		t.Fatal("rejected upload must not reach the scorer or the store")
	}
}

func TestScanEyeAlwaysDeletesUpload(t *testing.T) {
	gate := newTestGate(t)
	store := &stubStore{}

	uc := NewPredictionUseCase(gate, &stubInvoker{out: &inference.Output{Stdout: "Left Eye - Normal\n"}}, store, nil, nil, zap.NewNop())
	result, err := uc.ScanEye(context.Background(), strings.NewReader("img"), upload.Metadata{Filename: "a.jpg", MimeType: "image/jpeg"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Left Eye - Normal" {
		t.Fatalf("unexpected result %q", result)
	}

	failing := NewPredictionUseCase(gate, &stubInvoker{err: &inference.Error{ExitCode: 1}}, store, nil, nil, zap.NewNop())
	if _, err := failing.ScanEye(context.Background(), strings.NewReader("img"), upload.Metadata{Filename: "a.jpg", MimeType: "image/jpeg"}); err == nil {
		t.Fatal("expected error")
	}

	if countFiles(t, gate.Dir()) != 0 {
		t.Fatal("scan-eye must never retain uploads")
	}
	if len(store.saved) != 0 {
		t.Fatal("scan-eye must not persist")
	}
}
