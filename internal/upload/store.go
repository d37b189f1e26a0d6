package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/spf13/afero"
)

// FieldName is the multipart field that carries the audio file.
const FieldName = "file"

const (
	namePrefix = "upload-"
	// maxFormOverhead is the request budget beyond the file itself: boundaries,
	// part headers and any other form fields. A request whose extra fields
	// exceed it is rejected as too large even when the file fits.
	maxFormOverhead = 1 << 20
)

var (
	ErrNoFileProvided = errors.New("no file uploaded (use field name 'file')")
	ErrFileTooLarge   = errors.New("uploaded file exceeds size limit")
	ErrStorageFailure = errors.New("failed to store upload")
)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// Artifact is an uploaded file materialized on disk for the lifetime of one request.
type Artifact struct {
	ID           string
	Name         string
	Path         string
	OriginalName string
	ContentType  string
	Size         int64
	CreatedAt    time.Time

	fs   afero.Fs
	log  *slog.Logger
	once sync.Once
}

// Open returns a read handle on the stored upload.
func (a *Artifact) Open() (afero.File, error) {
	return a.fs.Open(a.Path)
}

// Release removes the backing file. Only the first call has any effect.
func (a *Artifact) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if err := a.fs.Remove(a.Path); err != nil {
			a.log.Warn("failed to remove upload", slog.String("path", a.Path), slog.String("error", err.Error()))
			return
		}
		a.log.Debug("upload removed", slog.String("path", a.Path))
	})
}

// Store owns the upload directory.
type Store struct {
	fs       afero.Fs
	dir      string
	maxBytes int64
	log      *slog.Logger
	clock    func() time.Time
}

func NewStore(fs afero.Fs, cfg config.UploadConfig, log *slog.Logger) (*Store, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	return &Store{
		fs:       fs,
		dir:      dir,
		maxBytes: cfg.MaxBytes,
		log:      log.With(slog.String("component", "upload")),
		clock:    time.Now,
	}, nil
}

// Dir returns the absolute upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// MaxBytes returns the configured per-file ceiling.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// EnsureDir creates the upload directory when missing.
func (s *Store) EnsureDir() error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	return nil
}

// Accept streams the "file" part of a multipart request into a freshly named
// file. Other parts are skipped. On any error no file is left behind.
func (s *Store) Accept(w http.ResponseWriter, r *http.Request) (*Artifact, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+maxFormOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFileProvided, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoFileProvided
		}
		if err != nil {
			if isTooLarge(err) {
				return nil, ErrFileTooLarge
			}
			return nil, fmt.Errorf("%w: %v", ErrNoFileProvided, err)
		}
		if part.FormName() != FieldName || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		artifact, err := s.save(part, part.FileName(), part.Header.Get("Content-Type"))
		_ = part.Close()
		return artifact, err
	}
}

func (s *Store) save(src io.Reader, originalName, contentType string) (*Artifact, error) {
	id := uuid.NewString()
	now := s.clock()
	name := fmt.Sprintf("%s%d-%s%s", namePrefix, now.UnixMilli(), strings.ReplaceAll(id, "-", "")[:12], extension(originalName))
	path := filepath.Join(s.dir, name)

	file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	sink := &writeTracker{w: file}
	n, copyErr := io.Copy(sink, io.LimitReader(src, s.maxBytes+1))
	closeErr := file.Close()

	fail := func(cause error) (*Artifact, error) {
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to remove partial upload", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil, cause
	}

	switch {
	case copyErr != nil && isTooLarge(copyErr):
		return fail(ErrFileTooLarge)
	case sink.err != nil:
		return fail(fmt.Errorf("%w: %v", ErrStorageFailure, sink.err))
	case copyErr != nil:
		return fail(fmt.Errorf("%w: upload body incomplete: %v", ErrNoFileProvided, copyErr))
	case closeErr != nil:
		return fail(fmt.Errorf("%w: %v", ErrStorageFailure, closeErr))
	case n > s.maxBytes:
		return fail(ErrFileTooLarge)
	}

	s.log.Info("upload stored",
		slog.String("job_id", id),
		slog.String("path", path),
		slog.String("original_name", originalName),
		slog.Int64("bytes", n))

	return &Artifact{
		ID:           id,
		Name:         name,
		Path:         path,
		OriginalName: originalName,
		ContentType:  contentType,
		Size:         n,
		CreatedAt:    now,
		fs:           s.fs,
		log:          s.log,
	}, nil
}

// SweepStale deletes upload files older than maxAge and returns how many were removed.
func (s *Store) SweepStale(maxAge time.Duration) (int, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list upload dir: %w", err)
	}
	cutoff := s.clock().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), namePrefix) {
			continue
		}
		if entry.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := s.fs.Remove(path); err != nil {
			s.log.Warn("failed to remove stale upload", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("stale uploads removed", slog.Int("count", removed))
	}
	return removed, nil
}

// RunSweeper calls SweepStale every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, every, maxAge time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStale(maxAge); err != nil {
				s.log.Warn("upload sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// extension keeps a sanitized, lowercased suffix of the client filename and nothing else.
func extension(originalName string) string {
	base := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(base))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

type writeTracker struct {
	w   io.Writer
	err error
}

func (t *writeTracker) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}
