package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/applinkdev/applink/internal/auth"
	"github.com/applinkdev/applink/internal/link/change"
	"github.com/applinkdev/applink/internal/metrics"
	"github.com/applinkdev/applink/internal/project"
	"github.com/applinkdev/applink/internal/retry"
)

// Upload kinds, used for logging and metrics.
const (
	KindFull        = "full"
	KindIncremental = "incremental"
)

const (
	routeLink   = "link"
	routeRelink = "relink"

	maxResponseBytes = 1 << 20
)

// Config holds configuration for the uploader.
type Config struct {
	// BuilderURL is the builder base URL, for example https://builder.example.com.
	BuilderURL string

	// Auth supplies the account, workspace and token on every call.
	Auth auth.Provider

	// Locator identifies the app being linked.
	Locator project.Locator

	// Root is the project directory incremental saves are read from.
	Root string

	// Tag identifies this client to the builder.
	Tag string

	// Options are sent with every upload.
	Options Options

	// Size limits. Zero disables a limit.
	MaxProjectBytes int64
	MaxChangeBytes  int64
	MaxFileBytes    int64

	// AttemptTimeout bounds every HTTP attempt.
	AttemptTimeout time.Duration

	// Retry controls backoff for network errors and 5xx responses.
	Retry retry.Config

	// Snapshot returns the full project. When set, an "initial link
	// required" answer to an incremental upload triggers a full upload.
	Snapshot func(ctx context.Context) ([]File, error)

	HTTPClient *http.Client
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tag:             "applink",
		MaxProjectBytes: 100 << 20,
		MaxChangeBytes:  50 << 20,
		MaxFileBytes:    20 << 20,
		AttemptTimeout:  30 * time.Second,
		Retry:           retry.DefaultConfig(),
	}
}

// Uploader sends project files to the builder. At most one upload is in
// flight at a time; concurrent callers wait their turn.
type Uploader struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger

	mu           sync.Mutex
	fingerprints map[string][32]byte
}

// New creates an Uploader.
func New(cfg Config) (*Uploader, error) {
	if cfg.BuilderURL == "" {
		return nil, fmt.Errorf("builder URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BuilderURL); err != nil {
		return nil, fmt.Errorf("invalid builder URL: %w", err)
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Uploader{
		cfg:          cfg,
		client:       client,
		log:          cfg.Logger.Named("upload"),
		fingerprints: make(map[string][32]byte),
	}, nil
}

// SendFullProject uploads the complete file set. The set must contain
// manifest.json.
func (u *Uploader) SendFullProject(ctx context.Context, files []File) (*Ack, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sendFull(ctx, files)
}

func (u *Uploader) sendFull(ctx context.Context, files []File) (*Ack, error) {
	if len(files) == 0 {
		return nil, ErrEmptyFiles
	}

	hasManifest := false
	var total int64
	for _, f := range files {
		if f.Path == project.ManifestFile {
			hasManifest = true
		}
		if err := u.checkFile(f.Path, f.Size); err != nil {
			return nil, err
		}
		total += f.Size
	}
	if !hasManifest {
		return nil, ErrManifestMissing
	}
	if err := checkTotal("project", total, u.cfg.MaxProjectBytes); err != nil {
		return nil, err
	}

	changes := make([]wireChange, 0, len(files))
	sums := make(map[string][32]byte, len(files))
	total = 0
	for _, f := range files {
		data, err := readAll(f, u.cfg.MaxFileBytes)
		if err != nil {
			return nil, err
		}
		total += int64(len(data))
		changes = append(changes, saveChange(f.Path, data))
		sums[f.Path] = blake3.Sum256(data)
	}
	if err := checkTotal("project", total, u.cfg.MaxProjectBytes); err != nil {
		return nil, err
	}

	ack, err := u.post(ctx, routeLink, KindFull, changes, total)
	if err != nil {
		return nil, err
	}
	u.fingerprints = sums
	return ack, nil
}

// SendIncremental uploads a batch of changes. Saves are read from Root now,
// so the latest content is sent; a file that disappeared since it was queued
// is sent as a removal. Saves whose content matches the last upload are
// dropped, and if nothing remains no request is made.
//
// When the builder answers "initial link required" and Config.Snapshot is
// set, the full project is uploaded instead.
func (u *Uploader) SendIncremental(ctx context.Context, changes []change.Change) (*Ack, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	wire := make([]wireChange, 0, len(changes))
	sums := make(map[string][32]byte)
	var total int64
	for _, c := range changes {
		if c.Action == change.Remove {
			wire = append(wire, removeChange(c.Path))
			continue
		}

		f, err := FileFromDisk(u.cfg.Root, c.Path)
		if errors.Is(err, os.ErrNotExist) {
			wire = append(wire, removeChange(c.Path))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", c.Path, err)
		}
		if err := u.checkFile(f.Path, f.Size); err != nil {
			return nil, err
		}
		data, err := readAll(f, u.cfg.MaxFileBytes)
		if err != nil {
			return nil, err
		}
		sum := blake3.Sum256(data)
		if prev, ok := u.fingerprints[c.Path]; ok && prev == sum {
			u.log.Debug("skipping unchanged file", zap.String("path", c.Path))
			continue
		}
		sums[c.Path] = sum
		total += int64(len(data))
		wire = append(wire, saveChange(c.Path, data))
	}

	if len(wire) == 0 {
		return &Ack{Accepted: true, Skipped: true}, nil
	}
	if err := checkTotal("change", total, u.cfg.MaxChangeBytes); err != nil {
		return nil, err
	}

	ack, err := u.post(ctx, routeRelink, KindIncremental, wire, total)
	if errors.Is(err, ErrInitialLinkRequired) && u.cfg.Snapshot != nil {
		u.log.Warn("builder has no baseline for this app, sending the full project")
		files, serr := u.cfg.Snapshot(ctx)
		if serr != nil {
			return nil, fmt.Errorf("failed to snapshot project for relink: %w", serr)
		}
		return u.sendFull(ctx, files)
	}
	if err != nil {
		return nil, err
	}

	for _, w := range wire {
		if w.Action == change.Remove.String() {
			delete(u.fingerprints, w.Path)
		}
	}
	for p, sum := range sums {
		u.fingerprints[p] = sum
	}
	return ack, nil
}

// ResetFingerprints forgets what was last uploaded so every save is sent.
func (u *Uploader) ResetFingerprints() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fingerprints = make(map[string][32]byte)
}

func (u *Uploader) checkFile(path string, size int64) error {
	if u.cfg.MaxFileBytes > 0 && size > u.cfg.MaxFileBytes {
		return &SizeLimitError{Scope: "file", Path: path, Size: size, Limit: u.cfg.MaxFileBytes}
	}
	return nil
}

func checkTotal(scope string, total, limit int64) error {
	if limit > 0 && total > limit {
		return &SizeLimitError{Scope: scope, Size: total, Limit: limit}
	}
	return nil
}

// post encodes the changes once and sends them with retries.
func (u *Uploader) post(ctx context.Context, route, kind string, changes []wireChange, size int64) (*Ack, error) {
	sess, err := u.cfg.Auth.Session()
	if err != nil {
		return nil, err
	}

	body, err := encode(&request{Tag: u.cfg.Tag, Options: u.cfg.Options, Changes: changes})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/%s/%s/apps/%s/%s",
		strings.TrimRight(u.cfg.BuilderURL, "/"),
		url.PathEscape(sess.Account),
		url.PathEscape(sess.Workspace),
		url.PathEscape(u.cfg.Locator.String()),
		route,
	)

	retryCfg := u.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		u.cfg.Metrics.RecordUploadRetry()
		u.log.Warn("upload failed, retrying",
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	start := time.Now()
	ack, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) (*Ack, error) {
		return u.attempt(ctx, endpoint, sess.Token, body)
	})
	u.cfg.Metrics.RecordUpload(kind, size, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s upload failed: %w", kind, err)
	}

	if !ack.Accepted {
		u.log.Warn("builder answered with an unknown code; the builder may need an update",
			zap.String("code", ack.Code),
			zap.String("message", ack.Message))
	}
	u.log.Info("upload sent",
		zap.String("kind", kind),
		zap.Int("changes", len(changes)),
		zap.Int64("bytes", size),
		zap.String("build_id", ack.BuildID))
	return ack, nil
}

func (u *Uploader) attempt(ctx context.Context, endpoint, token string, body []byte) (*Ack, error) {
	actx, cancel := context.WithTimeout(ctx, u.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Retryable(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Retryable(fmt.Errorf("failed to read response: %w", err))
	}

	var r response
	decodeErr := json.Unmarshal(raw, &r)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode builder response: %w", decodeErr)
		}
		return &Ack{
			Accepted: r.Code == CodeAccepted,
			BuildID:  r.BuildID,
			Code:     r.Code,
			Message:  r.Message,
		}, nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Code: r.Code, Message: r.Message}
	if decodeErr != nil {
		statusErr.Message = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode >= 500 {
		return nil, retry.Retryable(statusErr)
	}
	return nil, statusErr
}
