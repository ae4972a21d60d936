package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var ErrTooLarge = errors.New("upload exceeds size limit")

type Config struct {
	Dir      string
	MaxBytes int64
	MaxAge   time.Duration
}

// Stager writes uploads to a private directory under random names. Files are
// removed by the caller after parsing; Sweep removes whatever is left behind.
type Stager struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	log      logrus.FieldLogger
}

type File struct {
	Path string
	Name string
	Size int64
}

func NewStager(cfg Config, log logrus.FieldLogger) (*Stager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "examdesk-uploads")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Stager{dir: cfg.Dir, maxBytes: cfg.MaxBytes, maxAge: cfg.MaxAge, log: log}, nil
}

func (s *Stager) MaxBytes() int64 { return s.maxBytes }

// Stage copies src into the upload dir. The staged name keeps the original
// extension so parsers can pick the format.
func (s *Stager) Stage(src io.Reader, originalName string) (*File, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	path := filepath.Join(s.dir, uuid.NewString()+ext)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	n, copyErr := io.Copy(dst, io.LimitReader(src, s.maxBytes+1))
	closeErr := dst.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return nil, fmt.Errorf("write staged file: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(path)
		return nil, fmt.Errorf("close staged file: %w", closeErr)
	case n > s.maxBytes:
		_ = os.Remove(path)
		return nil, ErrTooLarge
	}

	return &File{Path: path, Name: filepath.Base(originalName), Size: n}, nil
}

func (s *Stager) Open(f *File) (*os.File, error) {
	return os.Open(f.Path)
}

func (s *Stager) Remove(f *File) {
	if f == nil {
		return
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.WithError(err).WithField("path", f.Path).Warn("remove staged upload")
	}
}

// Sweep deletes staged files older than the configured max age.
func (s *Stager) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).WithField("file", e.Name()).Warn("sweep staged upload")
			continue
		}
		removed++
	}
	return removed, nil
}

// Schedule runs Sweep on a cron spec. The returned cron is already started;
// callers stop it on shutdown.
func (s *Stager) Schedule(spec string) (*cron.Cron, error) {
	if strings.TrimSpace(spec) == "" {
		spec = "@every 30m"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.Sweep(time.Now())
		if err != nil {
			s.log.WithError(err).Error("upload sweep failed")
			return
		}
		if n > 0 {
			s.log.WithField("removed", n).Info("upload sweep")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule upload sweep %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
