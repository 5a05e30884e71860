package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/meshsync/meshsync/internal/fsutil"
	"github.com/meshsync/meshsync/internal/github"
)

const tempSuffix = ".download"

// Fetcher streams one asset at a time to disk. It is safe for concurrent
// use; each call owns its own temporary file and progress bar.
type Fetcher struct {
	client   *http.Client
	progress *mpb.Progress
}

// NewFetcher builds a fetcher on the shared transport. When progress is
// nil the fetch runs silently, which is what tests and cron runs want.
func NewFetcher(client *http.Client, progress *mpb.Progress) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, progress: progress}
}

func (f *Fetcher) head(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "HEAD", url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "cannot create http request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("content length is not set")
	}
	return resp.ContentLength, nil
}

// Fetch streams the payload to <target>.download, verifies it against
// the expected hash and size, then renames it into place. The temporary
// file never survives a failure, and nothing ever lands at the final
// path unverified.
func (f *Fetcher) Fetch(ctx context.Context, rec AssetRecord) DownloadResult {
	start := time.Now()

	size := rec.Size
	if size == 0 {
		if s, err := f.head(ctx, rec.URL); err == nil {
			size = s
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rec.URL, nil)
	if err != nil {
		return failed(rec, errors.Wrap(err, "failed to create http GET request"), time.Since(start))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return failed(rec, errors.Wrap(github.ErrTransient, err.Error()), time.Since(start))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("server return status: %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			err = errors.Wrap(github.ErrTransient, err.Error())
		}
		return failed(rec, err, time.Since(start))
	}

	if err := fsutil.EnsureDir(filepath.Dir(rec.Target)); err != nil {
		return failed(rec, err, time.Since(start))
	}

	tempName := rec.Target + tempSuffix
	dest, err := os.Create(tempName)
	if err != nil {
		return failed(rec, errors.Wrapf(err, "cannot create %s", tempName), time.Since(start))
	}

	var reader io.Reader = resp.Body
	var bar *mpb.Bar
	if f.progress != nil && size > 0 {
		bar = f.progress.New(size,
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
			mpb.PrependDecorators(
				decor.Name(truncName(rec.Name), decor.WCSyncSpaceR),
				decor.CountersKibiByte("% .2f / % .2f"),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
				decor.Name(" ] "),
				decor.AverageSpeed(decor.SizeB1024(0), "% .2f", decor.WCSyncWidth),
			),
			mpb.BarRemoveOnComplete(),
		)
		proxy := bar.ProxyReader(resp.Body)
		defer proxy.Close()
		reader = proxy
	}

	h := sha256.New()
	tee := io.TeeReader(reader, dest)

	written, err := io.Copy(h, &contextReader{ctx: ctx, r: tee})
	if cerr := dest.Sync(); err == nil && cerr != nil {
		err = cerr
	}
	dest.Close()
	if err != nil {
		if bar != nil {
			bar.Abort(true)
		}
		os.Remove(tempName)
		if ctx.Err() != nil {
			return failed(rec, ctx.Err(), time.Since(start))
		}
		return failed(rec, errors.Wrap(github.ErrTransient, err.Error()), time.Since(start))
	}

	if size > 0 && written != size {
		os.Remove(tempName)
		return failed(rec, errors.Wrapf(github.ErrTransient,
			"short download: got %s of %s", humanize.Bytes(uint64(written)), humanize.Bytes(uint64(size))), time.Since(start))
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if rec.SHA256 != "" && !strings.EqualFold(actual, rec.SHA256) {
		log.WithFields(log.Fields{
			"file":     rec.Name,
			"expected": strings.ToLower(rec.SHA256),
			"actual":   actual,
		}).Error("bad checksum")
		os.Remove(tempName)
		return failed(rec, &VerificationError{Path: rec.Target, Expected: rec.SHA256, Actual: actual}, time.Since(start))
	}

	// Structural verification happens on the temporary file, like the
	// hash and size checks: a corrupt archive never reaches the final
	// path and never displaces a previous good copy.
	if rec.Archive {
		if err := fsutil.VerifyZip(tempName); err != nil {
			os.Remove(tempName)
			return failed(rec, err, time.Since(start))
		}
	}

	if err := os.Rename(tempName, rec.Target); err != nil {
		os.Remove(tempName)
		return failed(rec, errors.Wrapf(err, "failed to rename %s to %s", tempName, rec.Target), time.Since(start))
	}

	if rec.Executable {
		if err := os.Chmod(rec.Target, 0o755); err != nil {
			log.WithField("file", rec.Name).WithError(err).Warn("failed to set exec bit")
		}
	}

	if err := fsutil.WriteHashSidecar(rec.Target); err != nil {
		log.WithField("file", rec.Name).WithError(err).Warn("failed to write checksum sidecar")
	}

	log.WithFields(log.Fields{
		"file": rec.Name,
		"size": humanize.Bytes(uint64(written)),
	}).Debug("downloaded")

	return DownloadResult{
		Record:  rec,
		Status:  StatusSuccess,
		Bytes:   written,
		Elapsed: time.Since(start),
	}
}

// contextReader aborts an in-flight copy as soon as the run is
// cancelled, so the temporary file can be removed before exit.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func truncName(name string) string {
	const max = 30
	if len(name) <= max {
		return name
	}
	return name[:max-1] + "…"
}

// IsComplete reports whether an asset already satisfies its record: the
// file exists, the size matches when known, the hash verifies when
// known, and archives pass the structural check. A complete asset costs
// no network I/O at all.
func IsComplete(rec AssetRecord) bool {
	fi, err := os.Stat(rec.Target)
	if err != nil || fi.IsDir() {
		return false
	}
	if rec.Size > 0 && fi.Size() != rec.Size {
		return false
	}
	if rec.SHA256 != "" {
		ok, err := fsutil.VerifyHash(rec.Target, rec.SHA256)
		if err != nil || !ok {
			return false
		}
	} else if ok, err := fsutil.VerifyAgainstSidecar(rec.Target); err == nil && !ok {
		return false
	}
	if rec.Archive {
		if err := fsutil.VerifyZip(rec.Target); err != nil {
			return false
		}
	}
	return true
}
