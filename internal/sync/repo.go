package sync

import (
	"context"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/fsutil"
	"github.com/meshsync/meshsync/internal/github"
)

// repoDownloader mirrors user-chosen directories of the static content
// tree under repo-dls. There is no versioning here, just files served
// as-is, so retention is a manual tree clean instead of a count.
type repoDownloader struct {
	cfg      *config.Config
	listings *listings
	fetcher  *Fetcher
}

func newRepoDownloader(cfg *config.Config, l *listings, f *Fetcher) *repoDownloader {
	return &repoDownloader{cfg: cfg, listings: l, fetcher: f}
}

func (d *repoDownloader) Name() string { return "repo" }

func (d *repoDownloader) LatestVersion() string { return "" }

func (d *repoDownloader) Enumerate(ctx context.Context) ([]AssetRecord, error) {
	var records []AssetRecord
	for _, dir := range d.cfg.Repo.Directories {
		clean, err := fsutil.SanitizeName(dir)
		if err != nil {
			log.WithField("dir", dir).WithError(err).Warn("rejecting unsafe repo directory")
			continue
		}
		entries, err := d.listings.contents(ctx, github.ContentTreeRepo, clean)
		if err != nil {
			return records, errors.Wrapf(err, "failed to browse %s", clean)
		}
		destDir := filepath.Join(d.cfg.RepoDLDir(), clean)
		for _, e := range entries {
			if e.Type != "file" || e.DownloadURL == "" {
				continue
			}
			target, err := safeTarget(destDir, e.Name)
			if err != nil {
				log.WithField("file", e.Name).WithError(err).Warn("rejecting unsafe repo file name")
				continue
			}
			records = append(records, AssetRecord{
				Name:       e.Name,
				URL:        e.DownloadURL,
				Target:     target,
				Type:       TypeRepoFile,
				Size:       e.Size,
				Executable: isScript(e.Name),
			})
		}
	}
	return records, nil
}

func (d *repoDownloader) IsComplete(rec AssetRecord) bool { return IsComplete(rec) }

func (d *repoDownloader) Fetch(ctx context.Context, rec AssetRecord) DownloadResult {
	return d.fetcher.Fetch(ctx, rec)
}

func (d *repoDownloader) Extract(ctx context.Context, rec AssetRecord) DownloadResult {
	return skipped(rec)
}

func (d *repoDownloader) CleanupOldVersions() error { return nil }

// CleanTree removes every mirrored directory under repo-dls. Exposed
// through the clean command; never part of a sync run.
func (d *repoDownloader) CleanTree() error {
	root := d.cfg.RepoDLDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read repo-dls")
	}
	for _, e := range entries {
		if err := fsutil.SafeRemoveAll(filepath.Join(root, e.Name()), root); err != nil {
			return err
		}
	}
	log.WithField("dir", root).Info("cleaned repo downloads")
	return nil
}
