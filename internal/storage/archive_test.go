package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ashu27-arc/eye-test/internal/config"
)

type recordedRequest struct {
	method      string
	path        string
	body        string
	contentType string
}

func newFakeS3(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, recordedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			body:        string(body),
			contentType: r.Header.Get("Content-Type"),
		})
		mu.Unlock()

		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), requests...)
	}
}

func TestS3ArchivePutAndDelete(t *testing.T) {
	srv, requests := newFakeS3(t)

	archive, err := NewS3Archive(context.Background(), config.Archive{
		Bucket:          "eye-images",
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
	}, zap.NewNop())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "eye-1-2.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o600))

	url, err := archive.Put(context.Background(), "eye-1-2.png", path, "image/png")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/eye-images/eye-1-2.png", url)

	require.NoError(t, archive.Delete(context.Background(), "eye-1-2.png"))

	got := requests()
	require.Len(t, got, 2)
	assert.Equal(t, http.MethodPut, got[0].method)
	assert.Equal(t, "/eye-images/eye-1-2.png", got[0].path)
	assert.Equal(t, "png-bytes", got[0].body)
	assert.Equal(t, "image/png", got[0].contentType)
	assert.Equal(t, http.MethodDelete, got[1].method)
}

func TestS3ArchivePublicBaseURL(t *testing.T) {
	srv, _ := newFakeS3(t)

	archive, err := NewS3Archive(context.Background(), config.Archive{
		Bucket:          "eye-images",
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
		PublicBaseURL:   "https://cdn.example.com/eyes/",
	}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	url, err := archive.Put(context.Background(), "a.png", path, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/eyes/a.png", url)
}

func TestS3ArchivePutMissingFile(t *testing.T) {
	srv, requests := newFakeS3(t)

	archive, err := NewS3Archive(context.Background(), config.Archive{
		Bucket: "b", Endpoint: srv.URL, Region: "us-east-1", AccessKeyID: "k", SecretAccessKey: "s",
	}, nil)
	require.NoError(t, err)

	_, err = archive.Put(context.Background(), "missing.png", filepath.Join(t.TempDir(), "missing.png"), "image/png")
	require.Error(t, err)
	assert.Empty(t, requests())
}

func TestNopArchive(t *testing.T) {
	var a Archive = NopArchive{}

	url, err := a.Put(context.Background(), "k", "/nowhere", "image/png")
	require.NoError(t, err)
	assert.Empty(t, url)
	assert.NoError(t, a.Delete(context.Background(), "k"))
}
