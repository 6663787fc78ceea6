// Package filestore manages the temporary local files a sync run
// downloads for processing: naming, placement under a per-job directory,
// size and type guards, and cleanup once the run finishes.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/auth"
	"github.com/airweave-ai/sync-engine/entity"
)

// maxFileSize caps downloads at 1 GiB. Larger files are skipped, not
// failed: a single oversized attachment must not sink a run.
const maxFileSize = 1 << 30

// maxNameLength bounds the sanitized filename component.
const maxNameLength = 240

// downloadAttempts bounds retries of a throttled or flaky download.
const downloadAttempts = 5

// defaultExtensions is the file-type allow-list applied when a Service
// is built without an explicit one.
var defaultExtensions = []string{
	".pdf", ".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx",
	".csv", ".txt", ".md", ".html", ".htm", ".json", ".xml", ".rtf", ".odt",
}

// SkippedError reports a file which was deliberately not processed.
// It is an expected outcome: callers record a skip and move on.
type SkippedError struct {
	Filename string
	Reason   string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("skipped file %q: %s", e.Filename, e.Reason)
}

// Service downloads and stages entity files under
// {baseDir}/sync/{sync_job_id}/{uuid}-{sanitized name}.
type Service struct {
	baseDir string
	maxSize int64
	allowed map[string]bool
	client  *http.Client
	logger  *log.Entry
}

// Option customizes a Service.
type Option func(*Service)

// WithBaseDir overrides the root under which per-job directories are
// created. Defaults to the OS temp directory.
func WithBaseDir(dir string) Option { return func(s *Service) { s.baseDir = dir } }

// WithMaxSize overrides the download size cap.
func WithMaxSize(n int64) Option { return func(s *Service) { s.maxSize = n } }

// WithExtensions replaces the file-type allow-list.
func WithExtensions(exts []string) Option {
	return func(s *Service) {
		s.allowed = make(map[string]bool, len(exts))
		for _, e := range exts {
			s.allowed[strings.ToLower(e)] = true
		}
	}
}

// WithClient overrides the HTTP client used for downloads.
func WithClient(c *http.Client) Option { return func(s *Service) { s.client = c } }

// WithLogger scopes the service's log output.
func WithLogger(l *log.Entry) Option { return func(s *Service) { s.logger = l } }

func NewService(opts ...Option) *Service {
	var s = &Service{
		baseDir: os.TempDir(),
		maxSize: maxFileSize,
		client:  http.DefaultClient,
		logger:  log.NewEntry(log.StandardLogger()),
	}
	WithExtensions(defaultExtensions)(s)
	for _, o := range opts {
		o(s)
	}
	return s
}

// JobDir is the directory holding all files staged for a run.
func (s *Service) JobDir(syncJobID string) string {
	return filepath.Join(s.baseDir, "sync", syncJobID)
}

// DownloadFromURL fetches the entity's file into the run's directory and
// sets LocalPath. Unsupported types and oversized files return
// SkippedError. An unauthorized response triggers one token refresh and
// one retry; throttled and transient server errors are retried with
// backoff, honoring Retry-After.
func (s *Service) DownloadFromURL(ctx context.Context, f entity.FileEntity, tokens *auth.Manager) error {
	var fb = f.File()
	if fb.DownloadURL == "" {
		return fmt.Errorf("downloading %s: entity has no download URL", f.EntityID())
	}

	if fb.Name != "" {
		if err := s.checkExtension(fb.Name); err != nil {
			return err
		}
	}

	var refreshed bool // At most one token refresh per download.

	// Probe size and name with a HEAD request. Servers which don't
	// support HEAD just defer the size guard to the streaming copy.
	if resp, err := s.roundTrip(ctx, http.MethodHead, fb.DownloadURL, tokens, &refreshed); err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			if resp.ContentLength > s.maxSize {
				fileSkipsTotal.WithLabelValues("oversize").Inc()
				return &SkippedError{Filename: s.displayName(fb), Reason: fmt.Sprintf(
					"file size %d exceeds limit %d", resp.ContentLength, s.maxSize)}
			}
			if fb.Name == "" {
				fb.Name = nameFromResponse(resp, fb.DownloadURL)
			}
		}
	}

	if fb.Name == "" {
		fb.Name = nameFromURL(fb.DownloadURL)
	}
	if fb.Name == "" {
		fb.Name = f.EntityID()
	}
	if err := s.checkExtension(fb.Name); err != nil {
		return err
	}

	var resp, err = s.roundTrip(ctx, http.MethodGet, fb.DownloadURL, tokens, &refreshed)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", f.EntityID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %d", f.EntityID(), resp.StatusCode)
	}
	if resp.ContentLength > s.maxSize {
		fileSkipsTotal.WithLabelValues("oversize").Inc()
		return &SkippedError{Filename: s.displayName(fb), Reason: fmt.Sprintf(
			"file size %d exceeds limit %d", resp.ContentLength, s.maxSize)}
	}

	var written int64
	if written, err = s.stage(f, resp.Body); err != nil {
		return err
	}
	if fb.Size == 0 {
		fb.Size = written
	}
	fileDownloadsTotal.Inc()
	s.logger.WithFields(log.Fields{
		"entity": f.EntityID(),
		"path":   fb.LocalPath,
		"bytes":  written,
	}).Debug("downloaded file")

	return nil
}

// SaveBytes stages in-memory content as the entity's file, for sources
// which hold file bodies directly rather than by URL.
func (s *Service) SaveBytes(_ context.Context, f entity.FileEntity, content []byte) error {
	var _, err = s.stage(f, bytes.NewReader(content))
	return err
}

// Restore stages the entity's file from an already-open content stream,
// typically a raw-file record replayed from an archive.
func (s *Service) Restore(_ context.Context, f entity.FileEntity, content io.Reader) error {
	var _, err = s.stage(f, content)
	return err
}

// stage copies content into the run's directory, enforcing the size cap
// mid-stream, and sets the entity's LocalPath. A partial file is removed
// on any failure.
func (s *Service) stage(f entity.FileEntity, content io.Reader) (int64, error) {
	var fb = f.File()
	var jobID = entity.Meta(f).SyncJobID
	if jobID == "" {
		return 0, fmt.Errorf("staging %s: entity has no sync job ID", f.EntityID())
	}
	var dir = s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating job directory: %w", err)
	}

	var dst = filepath.Join(dir, uuid.NewString()+"-"+sanitizeName(s.displayName(fb)))
	var w, err = os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dst, err)
	}

	var n int64
	if n, err = io.Copy(w, io.LimitReader(content, s.maxSize+1)); err != nil {
		w.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("writing %s: %w", dst, err)
	} else if err = w.Close(); err != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("closing %s: %w", dst, err)
	} else if n > s.maxSize {
		os.Remove(dst)
		fileSkipsTotal.WithLabelValues("oversize").Inc()
		return 0, &SkippedError{Filename: s.displayName(fb), Reason: fmt.Sprintf(
			"file exceeds limit %d", s.maxSize)}
	}

	fb.LocalPath = dst
	return n, nil
}

// Cleanup removes the run's directory and everything staged inside it.
// It's idempotent: a missing directory is success, and a partial removal
// is logged rather than failed, since cleanup runs on every exit path.
func (s *Service) Cleanup(syncJobID string) {
	var dir = s.JobDir(syncJobID)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.WithFields(log.Fields{
			"dir": dir,
			"err": err,
		}).Warn("failed to clean up sync files")
		return
	}
	s.logger.WithField("dir", dir).Debug("cleaned up sync files")
}

// roundTrip performs one authorized request, retrying after a single
// token refresh on 401 and with backoff on 429 and 5xx responses.
func (s *Service) roundTrip(ctx context.Context, method, url string, tokens *auth.Manager, refreshed *bool) (*http.Response, error) {
	for attempt := 0; true; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
			// Pass.
		}

		var token string
		if tokens != nil {
			var err error
			if token, err = tokens.Token(ctx); err != nil {
				return nil, err
			}
		}

		var req, err = http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		var resp *http.Response
		if resp, err = s.client.Do(req); err != nil {
			if attempt+1 >= downloadAttempts {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && tokens != nil && !*refreshed:
			resp.Body.Close()
			*refreshed = true
			if _, err = tokens.RefreshOnUnauthorized(ctx, token); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if attempt+1 >= downloadAttempts {
				return resp, nil
			}
			var wait = retryAfter(resp)
			resp.Body.Close()
			if wait > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
					// Pass.
				}
			}
			continue
		default:
			return resp, nil
		}
	}
	panic("not reached")
}

func (s *Service) checkExtension(name string) error {
	var ext = strings.ToLower(filepath.Ext(name))
	if ext == "" || !s.allowed[ext] {
		fileSkipsTotal.WithLabelValues("unsupported_type").Inc()
		return &SkippedError{Filename: name, Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	return nil
}

func (s *Service) displayName(fb *entity.FileBase) string {
	if fb.Name != "" {
		return fb.Name
	}
	return fb.ID
}

// sanitizeName keeps letters, digits, and "._- ", dropping everything
// else, and bounds the result so the full path stays well under
// filesystem name limits.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '.' || r == '_' || r == '-' || r == ' ' {
			b.WriteRune(r)
		}
	}
	var out = b.String()
	if len(out) > maxNameLength {
		out = out[:maxNameLength]
	}
	if out == "" {
		out = "file"
	}
	return out
}

// nameFromResponse derives a filename from Content-Disposition, falling
// back to the URL path.
func nameFromResponse(resp *http.Response, url string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	return nameFromURL(url)
}

func nameFromURL(rawURL string) string {
	var trimmed = rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	var name = path.Base(trimmed)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	var v = resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	var secs, err = strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return time.Millisecond * 250
	case 2:
		return time.Second
	default:
		return time.Second * time.Duration(attempt)
	}
}
