package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Ashu27-arc/eye-test/internal/config"
)

// sniffLen is the number of leading bytes inspected when no MIME type was sent.
const sniffLen = 3072

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// ErrNoFile is returned when a request carries no image.
var ErrNoFile = errors.New("no file uploaded")

type InvalidFileTypeError struct {
	MimeType string
	Allowed  []string
}

func (e *InvalidFileTypeError) Error() string {
	return fmt.Sprintf("invalid file type %q, only %s images are allowed", e.MimeType, strings.Join(e.Allowed, ", "))
}

type FileTooLargeError struct {
	Size int64
	Max  int64
}

func (e *FileTooLargeError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("file too large: %d bytes exceeds the %d byte limit", e.Size, e.Max)
	}
	return fmt.Sprintf("file too large: exceeds the %d byte limit", e.Max)
}

// Metadata is what the client declared about an upload.
type Metadata struct {
	Filename string
	MimeType string
	// Size is the declared size; zero or negative when unknown.
	Size int64
}

// StoredFile is an upload that passed validation and now lives on disk.
type StoredFile struct {
	OriginalName string
	StoredName   string
	MimeType     string
	Size         int64
	Path         string
}

// Gate validates uploads and writes accepted ones into the content directory.
type Gate struct {
	dir     string
	maxSize int64
	allowed map[string]struct{}
	names   []string
	now     func() time.Time
}

// NewGate resolves the upload directory to an absolute path.
func NewGate(cfg config.Upload) (*Gate, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir %q: %w", cfg.Dir, err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	names := make([]string, 0, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		allowed[t] = struct{}{}
		names = append(names, t)
	}

	return &Gate{dir: dir, maxSize: cfg.MaxFileSize, allowed: allowed, names: names, now: time.Now}, nil
}

// Dir returns the absolute content directory.
func (g *Gate) Dir() string {
	return g.dir
}

// MaxSize returns the per-file byte limit.
func (g *Gate) MaxSize() int64 {
	return g.maxSize
}

// Accept validates type then size and stores the upload under a fresh name.
// Nothing is written when validation fails.
func (g *Gate) Accept(src io.Reader, meta Metadata) (*StoredFile, error) {
	if src == nil {
		return nil, ErrNoFile
	}

	mimeType := normalizeMediaType(meta.MimeType)
	if mimeType == "" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(src, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read upload head: %w", err)
		}
		head = head[:n]
		if n == 0 {
			return nil, ErrNoFile
		}
		mimeType = normalizeMediaType(mimetype.Detect(head).String())
		src = io.MultiReader(bytes.NewReader(head), src)
	}

	if _, ok := g.allowed[mimeType]; !ok {
		return nil, &InvalidFileTypeError{MimeType: mimeType, Allowed: g.names}
	}
	if meta.Size > g.maxSize {
		return nil, &FileTooLargeError{Size: meta.Size, Max: g.maxSize}
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	ext := sanitizeExt(meta.Filename)
	f, name, err := g.create(ext)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(g.dir, name)

	written, err := io.Copy(f, io.LimitReader(src, g.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if written > g.maxSize {
		_ = os.Remove(path)
		return nil, &FileTooLargeError{Size: written, Max: g.maxSize}
	}
	if written == 0 {
		_ = os.Remove(path)
		return nil, ErrNoFile
	}

	return &StoredFile{
		OriginalName: meta.Filename,
		StoredName:   name,
		MimeType:     mimeType,
		Size:         written,
		Path:         path,
	}, nil
}

// Remove deletes a stored upload. A file that is already gone is not an error.
func (g *Gate) Remove(file *StoredFile) error {
	if file == nil {
		return nil
	}
	return RemoveFile(file.Path)
}

// RemoveFile deletes path, ignoring a missing file.
func RemoveFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (g *Gate) create(ext string) (*os.File, string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		name := fmt.Sprintf("eye-%d-%d%s", g.now().UnixMilli(), rand.Int64N(1e9), ext)
		f, err := os.OpenFile(filepath.Join(g.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create upload file: %w", err)
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("create upload file: %w", lastErr)
}

func normalizeMediaType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(value); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(value)
}

func sanitizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}
