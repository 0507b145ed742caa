package remoteclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/neondatabase/pageserver-go/internal/errs"
)

// RetryPolicy bounds jittered exponential backoff for transient
// errors. Permanent errors (BadInput, NotFound, auth) are never
// retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the original implementation's default
// remote storage retry envelope.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// jitterFunc is injected so tests can make backoff deterministic;
// production uses a real random source.
type jitterFunc func(d time.Duration) time.Duration

// Client drives a Backend with retry, throttling, and the crash-safe
// local materialization sequence spec.md §4.8 mandates.
type Client struct {
	backend Backend
	retry   RetryPolicy
	jitter  jitterFunc

	uploadLimiter   *rate.Limiter
	downloadLimiter *rate.Limiter
}

// Config configures a Client's throttling. Zero values disable
// throttling for that direction.
type Config struct {
	Retry                  RetryPolicy
	UploadBytesPerSecond   int
	DownloadBytesPerSecond int
}

// New creates a Client over backend.
func New(backend Backend, cfg Config) *Client {
	c := &Client{backend: backend, retry: cfg.Retry, jitter: defaultJitter}
	if c.retry.MaxAttempts == 0 {
		c.retry = DefaultRetryPolicy
	}
	if cfg.UploadBytesPerSecond > 0 {
		c.uploadLimiter = rate.NewLimiter(rate.Limit(cfg.UploadBytesPerSecond), cfg.UploadBytesPerSecond)
	}
	if cfg.DownloadBytesPerSecond > 0 {
		c.downloadLimiter = rate.NewLimiter(rate.Limit(cfg.DownloadBytesPerSecond), cfg.DownloadBytesPerSecond)
	}
	return c
}

func defaultJitter(d time.Duration) time.Duration {
	// Full jitter: uniform in [0, d). math/rand/v2's top-level source
	// is seeded randomly at startup, so no seeding is needed here; any
	// cheap, non-degenerate spread is fine since this only smooths
	// retry stampedes.
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// withRetry runs op, retrying transient failures with jittered
// exponential backoff up to c.retry.MaxAttempts.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	delay := c.retry.BaseDelay
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if errs.KindOf(err) == errs.KindCancelled {
			return err
		}
		if !errs.KindOf(err).Retryable() {
			return err
		}
		wait := c.jitter(delay)
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "remoteclient: retry interrupted", ctx.Err())
		case <-time.After(wait):
		}
		delay *= 2
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}
	return lastErr
}

// throttledReader wraps r so reads are paced against lim.
type throttledReader struct {
	r   io.Reader
	ctx context.Context
	lim *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 && t.lim != nil {
		if werr := t.lim.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// UploadLayer uploads the file at localPath to remoteKey, retrying
// transient failures.
func (c *Client) UploadLayer(ctx context.Context, localPath, remoteKey string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errs.Wrap(errs.KindOther, "remoteclient: stat local layer", err)
	}
	return c.withRetry(ctx, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return errs.Wrap(errs.KindOther, "remoteclient: open local layer", err)
		}
		defer f.Close()
		var body io.Reader = f
		if c.uploadLimiter != nil {
			body = &throttledReader{r: f, ctx: ctx, lim: c.uploadLimiter}
		}
		return classify(c.backend.Put(ctx, remoteKey, body, info.Size()))
	})
}

// UploadBytes uploads an in-memory buffer, used for small documents
// like IndexPart and deletion lists.
func (c *Client) UploadBytes(ctx context.Context, remoteKey string, body []byte) error {
	return c.withRetry(ctx, func() error {
		r := io.Reader(newByteReader(body))
		if c.uploadLimiter != nil {
			r = &throttledReader{r: r, ctx: ctx, lim: c.uploadLimiter}
		}
		return classify(c.backend.Put(ctx, remoteKey, r, int64(len(body))))
	})
}

// DownloadToFile downloads remoteKey into localPath following the
// mandatory crash-atomicity sequence: write, fsync, rename from a
// .temp_download sibling, fsync, fsync(parent). expectedSize, when
// nonzero, is validated against bytes actually written.
//
// Returns the downloaded object's ETag, or errs.ErrUnmodified (with
// localPath left untouched) if ifNoneMatch was supplied and matched.
func (c *Client) DownloadToFile(ctx context.Context, remoteKey, localPath string, expectedSize int64, ifNoneMatch string) (string, error) {
	var etag string
	err := c.withRetry(ctx, func() error {
		obj, err := c.backend.Get(ctx, remoteKey, nil, ifNoneMatch)
		if err != nil {
			return classify(err)
		}
		defer obj.Body.Close()

		dir := filepath.Dir(localPath)
		tmpPath := filepath.Join(dir, ".temp_download-"+randSuffix())
		f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return errs.Wrap(errs.KindOther, "remoteclient: create temp download file", err)
		}

		var src io.Reader = obj.Body
		if c.downloadLimiter != nil {
			src = &throttledReader{r: obj.Body, ctx: ctx, lim: c.downloadLimiter}
		}
		written, err := io.Copy(f, src)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return errs.Wrap(errs.KindTransient, "remoteclient: download copy", err)
		}
		if expectedSize != 0 && written != expectedSize {
			f.Close()
			os.Remove(tmpPath)
			return errs.Wrap(errs.KindCorruption, fmt.Sprintf("remoteclient: downloaded %d bytes, expected %d", written, expectedSize), nil)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return errs.Wrap(errs.KindOther, "remoteclient: fsync temp download file", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmpPath)
			return errs.Wrap(errs.KindOther, "remoteclient: close temp download file", err)
		}
		if err := os.Rename(tmpPath, localPath); err != nil {
			os.Remove(tmpPath)
			return errs.Wrap(errs.KindOther, "remoteclient: rename temp download file", err)
		}
		if err := fsyncDir(dir); err != nil {
			return errs.Wrap(errs.KindOther, "remoteclient: fsync parent directory", err)
		}
		etag = obj.ETag
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrUnmodified) {
			return "", errs.ErrUnmodified
		}
		return "", err
	}
	return etag, nil
}

// DownloadRange downloads a byte range of remoteKey into memory,
// without touching local disk; used for partial reads (e.g. reading
// just a layer's summary block from the remote copy).
func (c *Client) DownloadRange(ctx context.Context, remoteKey string, rng ByteRange) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, func() error {
		obj, err := c.backend.Get(ctx, remoteKey, &rng, "")
		if err != nil {
			return classify(err)
		}
		defer obj.Body.Close()
		b, err := io.ReadAll(obj.Body)
		if err != nil {
			return errs.Wrap(errs.KindTransient, "remoteclient: range read", err)
		}
		out = b
		return nil
	})
	return out, err
}

// DeleteObjects removes keys in batches of at most 1024, the object
// store's per-request limit, fanning batches out concurrently.
func (c *Client) DeleteObjects(ctx context.Context, keys []string) error {
	const maxPerBatch = 1024
	var batches [][]string
	for i := 0; i < len(keys); i += maxPerBatch {
		end := i + maxPerBatch
		if end > len(keys) {
			end = len(keys)
		}
		batches = append(batches, keys[i:end])
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			return c.withRetry(gctx, func() error {
				return classify(c.backend.DeleteObjects(gctx, batch))
			})
		})
	}
	return g.Wait()
}

// List returns every key under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := c.withRetry(ctx, func() error {
		keys, err := c.backend.List(ctx, prefix)
		if err != nil {
			return classify(err)
		}
		out = keys
		return nil
	})
	return out, err
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
