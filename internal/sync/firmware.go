package sync

import (
	"context"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/fsutil"
	"github.com/meshsync/meshsync/internal/github"
	"github.com/meshsync/meshsync/internal/prerelease"
	"github.com/meshsync/meshsync/internal/version"
)

// firmwareDownloader syncs tagged firmware releases and, when enabled,
// the commit-identified prerelease builds published ahead of them.
type firmwareDownloader struct {
	cfg      *config.Config
	listings *listings
	pre      *prerelease.Manager
	fetcher  *Fetcher

	patterns        *fsutil.PatternSet
	extractPatterns *fsutil.PatternSet

	latest          string
	currentVersions map[string]bool // dirs being written this run, never pruned
	pendingTracking []prerelease.TrackingRecord
	preSkipped      bool // upstream was unreachable, leave tracked builds alone
}

func newFirmwareDownloader(cfg *config.Config, l *listings, pre *prerelease.Manager, f *Fetcher) (*firmwareDownloader, error) {
	patterns, err := fsutil.CompilePatterns(cfg.Firmware.SelectPatterns, cfg.Firmware.ExcludePatterns)
	if err != nil {
		return nil, errors.Wrap(err, "bad firmware selection patterns")
	}
	extract, err := fsutil.CompilePatterns(cfg.Extract.Patterns, cfg.Extract.ExcludePatterns)
	if err != nil {
		return nil, errors.Wrap(err, "bad extraction patterns")
	}
	return &firmwareDownloader{
		cfg:             cfg,
		listings:        l,
		pre:             pre,
		fetcher:         f,
		patterns:        patterns,
		extractPatterns: extract,
		currentVersions: make(map[string]bool),
	}, nil
}

func (d *firmwareDownloader) Name() string { return "firmware" }

func (d *firmwareDownloader) LatestVersion() string { return d.latest }

func (d *firmwareDownloader) Enumerate(ctx context.Context) ([]AssetRecord, error) {
	releases, err := d.listings.releases(ctx, firmwareReleasesKey, github.FirmwareRepo, d.cfg.ReleaseScanCount)
	if err != nil {
		return nil, err
	}

	var records []AssetRecord
	kept := 0
	for _, rel := range releases {
		if rel.Draft || rel.Prerelease {
			continue
		}
		if below, err := belowMinVersion(rel.Tag, d.cfg.Firmware.MinVersion); err != nil {
			return nil, errors.Wrap(err, "bad firmware min_version")
		} else if below {
			log.WithField("release", rel.Tag).Debug("below the configured version floor")
			continue
		}
		if d.latest == "" {
			d.latest = rel.Tag
			if d.promotedPrerelease(rel.Tag) {
				log.WithField("release", rel.Tag).Info("prerelease was promoted to a stable release")
			}
		}
		if kept >= d.cfg.Firmware.VersionsToKeep {
			break
		}
		kept++

		dir := filepath.Join(d.cfg.FirmwareDir(), rel.Tag)
		d.currentVersions[rel.Tag] = true
		for _, asset := range rel.Assets {
			if !d.patterns.Match(asset.Name) {
				continue
			}
			target, err := safeTarget(dir, asset.Name)
			if err != nil {
				log.WithField("asset", asset.Name).WithError(err).Warn("rejecting unsafe asset name")
				continue
			}
			records = append(records, AssetRecord{
				Name:       asset.Name,
				URL:        asset.DownloadURL,
				Target:     target,
				Type:       TypeFirmware,
				Version:    rel.Tag,
				Size:       asset.Size,
				Archive:    isZip(asset.Name),
				Executable: isScript(asset.Name),
			})
		}
	}

	if d.cfg.Firmware.Prereleases {
		preRecords, err := d.enumeratePrereleases(ctx)
		if err != nil {
			// An unreachable upstream must not look like "no prerelease
			// exists"; skip the whole prerelease pass this run.
			d.preSkipped = true
			log.WithError(err).Warn("skipping prerelease handling this run")
		} else {
			records = append(records, preRecords...)
		}
	}

	return records, nil
}

func (d *firmwareDownloader) enumeratePrereleases(ctx context.Context) ([]AssetRecord, error) {
	// A forced refresh already happened in the shared warmup; reading
	// through the cache here keeps the run on one snapshot.
	commits, err := d.pre.RecentCommits(ctx, false)
	if err != nil {
		return nil, err
	}
	expected := d.pre.ExpectedVersion(d.latest, commits)
	if expected == "" {
		log.Debug("no expected prerelease version could be derived")
		return nil, nil
	}

	listing, err := d.listings.contents(ctx, github.ContentTreeRepo, "")
	if err != nil {
		return nil, err
	}
	matching := prerelease.MatchingDirectories(listing, expected)
	if len(matching) == 0 {
		log.WithField("version", expected).Debug("expected prerelease not yet published")
		return nil, nil
	}

	// Hash order between same-base builds is meaningless, so the listing
	// alone cannot say which build is newest. The commit history can: its
	// newest active entry wins. The last listed directory is only the
	// fallback for when history has nothing to say.
	id := matching[len(matching)-1]
	if entries, err := d.pre.History(ctx, expected, false); err == nil {
		s := prerelease.Summarize(entries)
		log.WithFields(log.Fields{
			"version": expected,
			"active":  s.Active,
			"deleted": s.Deleted,
		}).Debug("prerelease history")
		if pick, ok := newestObservedBuild(entries, matching); ok {
			id = pick
		}
	}
	dirName := version.FirmwareDirPrefix + id
	if ts, ok := d.pre.CommitDate(ctx, version.CommitFromDir(dirName)); ok {
		log.WithFields(log.Fields{
			"build":     dirName,
			"committed": ts.Format(time.RFC3339),
		}).Debug("selected prerelease build")
	}
	files, err := d.listings.contents(ctx, github.ContentTreeRepo, dirName)
	if err != nil {
		return nil, err
	}

	destDir := filepath.Join(d.cfg.PrereleaseDir(), dirName)
	var records []AssetRecord
	for _, f := range files {
		if f.Type != "file" || f.DownloadURL == "" {
			continue
		}
		if !d.patterns.Match(f.Name) {
			continue
		}
		target, err := safeTarget(destDir, f.Name)
		if err != nil {
			log.WithField("file", f.Name).WithError(err).Warn("rejecting unsafe prerelease file name")
			continue
		}
		records = append(records, AssetRecord{
			Name:       f.Name,
			URL:        f.DownloadURL,
			Target:     target,
			Type:       TypePrerelease,
			Version:    id,
			Size:       f.Size,
			Archive:    isZip(f.Name),
			Executable: isScript(f.Name),
		})
	}

	v, err := version.Parse(id)
	if err != nil {
		return nil, err
	}
	d.pendingTracking = append(d.pendingTracking,
		d.pre.NewTrackingRecord(id, v.Base(), version.CommitFromDir(dirName), 0))
	return records, nil
}

// newestObservedBuild picks, among the listed builds, the one whose add
// marker was committed most recently. Commit timestamps are the only
// ordering between builds that differ solely in their hash suffix.
func newestObservedBuild(entries []prerelease.HistoryEntry, matching []string) (string, bool) {
	listed := make(map[string]bool, len(matching))
	for _, id := range matching {
		listed[id] = true
	}
	var best *version.Version
	for _, e := range entries {
		if !e.Active || e.AddedAt == nil || !listed[e.Identifier] {
			continue
		}
		v, err := version.ParseObserved(e.Identifier, *e.AddedAt)
		if err != nil {
			continue
		}
		if best == nil || version.Compare(v, best) > 0 {
			best = v
		}
	}
	if best == nil {
		return "", false
	}
	return best.String(), true
}

func (d *firmwareDownloader) IsComplete(rec AssetRecord) bool { return IsComplete(rec) }

func (d *firmwareDownloader) Fetch(ctx context.Context, rec AssetRecord) DownloadResult {
	return d.fetcher.Fetch(ctx, rec)
}

// Extract selectively unpacks firmware archives next to themselves. An
// empty pattern list means extraction is off, matching long-standing
// behavior users rely on.
func (d *firmwareDownloader) Extract(ctx context.Context, rec AssetRecord) DownloadResult {
	if !rec.Archive || !d.cfg.Extract.AutoExtract || d.extractPatterns.Empty() {
		return skipped(rec)
	}
	destDir := filepath.Dir(rec.Target)
	needed, err := fsutil.ExtractionNeeded(rec.Target, destDir, d.extractPatterns)
	if err != nil {
		return failed(rec, err, 0)
	}
	if !needed {
		return skipped(rec)
	}
	extracted, err := fsutil.SafeExtract(ctx, rec.Target, destDir, d.extractPatterns)
	if err != nil {
		return failed(rec, err, 0)
	}
	log.WithFields(log.Fields{
		"archive": rec.Name,
		"files":   len(extracted),
	}).Info("extracted")
	return DownloadResult{Record: rec, Status: StatusSuccess}
}

func (d *firmwareDownloader) CleanupOldVersions() error {
	protect := map[string]bool{"prerelease": true, "repo-dls": true}
	for tag := range d.currentVersions {
		protect[tag] = true
	}
	if _, err := cleanupVersionDirs(d.cfg.FirmwareDir(), d.cfg.Firmware.VersionsToKeep, protect); err != nil {
		return err
	}
	return d.finishPrereleaseTracking()
}

// finishPrereleaseTracking stamps tracking records with the observed
// file counts, retires superseded builds, and persists what remains.
// Supersession runs whenever the latest stable tag is known, even with
// nothing new enumerated: a stable release catching up retires the old
// build on its own. Only an unreachable upstream skips the pass.
func (d *firmwareDownloader) finishPrereleaseTracking() error {
	if !d.cfg.Firmware.Prereleases || d.preSkipped || d.latest == "" {
		return nil
	}
	trackingDir := d.cfg.CacheDir
	root := d.cfg.PrereleaseDir()

	for i := range d.pendingTracking {
		dir := filepath.Join(root, d.pendingTracking[i].Directory())
		d.pendingTracking[i].FileCount = prerelease.CountFiles(dir)
	}

	if _, err := d.pre.CleanupSuperseded(trackingDir, root, d.pendingTracking, d.latest); err != nil {
		return err
	}
	if len(d.pendingTracking) == 0 {
		return nil
	}
	return d.pre.WriteTracking(trackingDir, d.pendingTracking)
}

// promotedPrerelease reports whether tag matches a previously tracked
// prerelease base, meaning the build graduated to a stable release.
func (d *firmwareDownloader) promotedPrerelease(tag string) bool {
	clean := version.CleanTag(tag)
	for _, r := range prerelease.ReadTracking(d.cfg.CacheDir) {
		if version.CompareStrings(clean, r.BaseVersion) == 0 {
			return true
		}
	}
	return false
}
