package sync

import (
	"context"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/fsutil"
	"github.com/meshsync/meshsync/internal/github"
)

// androidDownloader syncs APKs attached to app releases. Android builds
// ship no archives, so the extract step is always a no-op.
type androidDownloader struct {
	cfg      *config.Config
	listings *listings
	fetcher  *Fetcher
	patterns *fsutil.PatternSet

	latest          string
	currentVersions map[string]bool
}

func newAndroidDownloader(cfg *config.Config, l *listings, f *Fetcher) (*androidDownloader, error) {
	patterns, err := fsutil.CompilePatterns(cfg.Android.SelectPatterns, cfg.Android.ExcludePatterns)
	if err != nil {
		return nil, errors.Wrap(err, "bad android selection patterns")
	}
	return &androidDownloader{
		cfg:             cfg,
		listings:        l,
		fetcher:         f,
		patterns:        patterns,
		currentVersions: make(map[string]bool),
	}, nil
}

func (d *androidDownloader) Name() string { return "android" }

func (d *androidDownloader) LatestVersion() string { return d.latest }

func (d *androidDownloader) Enumerate(ctx context.Context) ([]AssetRecord, error) {
	releases, err := d.listings.releases(ctx, androidReleasesKey, github.AndroidRepo, d.cfg.ReleaseScanCount)
	if err != nil {
		return nil, err
	}

	var records []AssetRecord
	kept := 0
	for _, rel := range releases {
		if rel.Draft {
			continue
		}
		if below, err := belowMinVersion(rel.Tag, d.cfg.Android.MinVersion); err != nil {
			return nil, errors.Wrap(err, "bad android min_version")
		} else if below {
			log.WithField("release", rel.Tag).Debug("below the configured version floor")
			continue
		}
		if !rel.Prerelease && d.latest == "" {
			d.latest = rel.Tag
		}
		if rel.Prerelease && !d.cfg.Android.Prereleases {
			continue
		}
		if kept >= d.cfg.Android.VersionsToKeep {
			break
		}
		kept++

		dir := filepath.Join(d.cfg.AndroidDir(), rel.Tag)
		d.currentVersions[rel.Tag] = true
		for _, asset := range rel.Assets {
			if !isAPK(asset.Name) || !d.patterns.Match(asset.Name) {
				continue
			}
			target, err := safeTarget(dir, asset.Name)
			if err != nil {
				log.WithField("asset", asset.Name).WithError(err).Warn("rejecting unsafe asset name")
				continue
			}
			records = append(records, AssetRecord{
				Name:    asset.Name,
				URL:     asset.DownloadURL,
				Target:  target,
				Type:    TypeAndroidAPK,
				Version: rel.Tag,
				Size:    asset.Size,
			})
		}
	}
	return records, nil
}

func (d *androidDownloader) IsComplete(rec AssetRecord) bool { return IsComplete(rec) }

func (d *androidDownloader) Fetch(ctx context.Context, rec AssetRecord) DownloadResult {
	return d.fetcher.Fetch(ctx, rec)
}

func (d *androidDownloader) Extract(ctx context.Context, rec AssetRecord) DownloadResult {
	return skipped(rec)
}

func (d *androidDownloader) CleanupOldVersions() error {
	protect := make(map[string]bool, len(d.currentVersions))
	for tag := range d.currentVersions {
		protect[tag] = true
	}
	_, err := cleanupVersionDirs(d.cfg.AndroidDir(), d.cfg.Android.VersionsToKeep, protect)
	return err
}
