package sync

import (
	"context"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v8"
	"golang.org/x/sync/errgroup"

	"github.com/meshsync/meshsync/internal/cache"
	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/github"
	"github.com/meshsync/meshsync/internal/prerelease"
	"github.com/meshsync/meshsync/internal/version"
)

var retryBackoff = time.Second

// Orchestrator runs the full sync state machine: refresh the shared
// upstream views once, process each family in a fixed order, update the
// tracking records, and assemble the report. One family's failure never
// stops its siblings.
type Orchestrator struct {
	cfg      *config.Config
	gh       *github.Client
	cache    *cache.Manager
	pre      *prerelease.Manager
	fetcher  *Fetcher
	listings *listings

	now func() time.Time
}

// Options tune a run without touching the stored configuration.
type Options struct {
	ForceRefresh bool
	ShowProgress bool
}

// NewOrchestrator wires the engine from the configuration.
func NewOrchestrator(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cm, err := cache.NewManager(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	gh := github.NewClient(cfg.GithubToken, cfg.Proxy, cfg.Insecure)

	var progress *mpb.Progress
	if opts.ShowProgress {
		progress = mpb.New(
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
			mpb.WithOutput(os.Stderr),
		)
	}

	return &Orchestrator{
		cfg:      cfg,
		gh:       gh,
		cache:    cm,
		pre:      prerelease.NewManager(gh, cm),
		fetcher:  NewFetcher(gh.HTTPClient(), progress),
		listings: &listings{gh: gh, cache: cm, force: opts.ForceRefresh, fetched: make(map[string]bool)},
		now:      time.Now,
	}, nil
}

func (o *Orchestrator) families() ([]Downloader, error) {
	var out []Downloader
	if o.cfg.Firmware.Enabled {
		fw, err := newFirmwareDownloader(o.cfg, o.listings, o.pre, o.fetcher)
		if err != nil {
			return nil, err
		}
		out = append(out, fw)
	}
	if o.cfg.Android.Enabled {
		apk, err := newAndroidDownloader(o.cfg, o.listings, o.fetcher)
		if err != nil {
			return nil, err
		}
		out = append(out, apk)
	}
	if o.cfg.Repo.Enabled {
		out = append(out, newRepoDownloader(o.cfg, o.listings, o.fetcher))
	}
	return out, nil
}

// Run performs one full synchronization and returns the report. The
// error is reserved for setup problems; per-asset and per-family
// failures live inside the report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{Started: o.now()}

	downloaders, err := o.families()
	if err != nil {
		return nil, err
	}
	if len(downloaders) == 0 {
		log.Warn("all families are disabled, nothing to do")
		report.Finished = o.now()
		return report, nil
	}

	o.refreshSharedCaches(ctx)

	for _, d := range downloaders {
		report.Families = append(report.Families, o.processFamily(ctx, d))
		if ctx.Err() != nil {
			break
		}
	}

	o.updateTracking(report)
	report.Finished = o.now()
	return report, nil
}

// refreshSharedCaches warms the release and commit views once, before
// any family runs, so every prerelease decision this run observes the
// same upstream snapshot. Failures here are not fatal; families fall
// back to their own cached reads.
func (o *Orchestrator) refreshSharedCaches(ctx context.Context) {
	if o.cfg.Firmware.Enabled {
		if _, err := o.listings.releases(ctx, firmwareReleasesKey, github.FirmwareRepo, o.cfg.ReleaseScanCount); err != nil {
			log.WithError(err).Warn("failed to refresh firmware release view")
		}
		if o.cfg.Firmware.Prereleases {
			if _, err := o.pre.RecentCommits(ctx, o.listings.force); err != nil {
				log.WithError(err).Warn("failed to refresh commit history view")
			}
		}
	}
	if o.cfg.Android.Enabled {
		if _, err := o.listings.releases(ctx, androidReleasesKey, github.AndroidRepo, o.cfg.ReleaseScanCount); err != nil {
			log.WithError(err).Warn("failed to refresh android release view")
		}
	}
}

func (o *Orchestrator) processFamily(ctx context.Context, d Downloader) FamilyReport {
	fr := FamilyReport{Name: d.Name()}
	log.WithField("family", d.Name()).Info("processing")

	records, err := d.Enumerate(ctx)
	if err != nil {
		log.WithField("family", d.Name()).WithError(err).Error("enumeration failed")
		fr.Err = err
		return fr
	}
	records = dedupeByTarget(records)

	// Results land at the record's enumeration index, so the report
	// order never depends on completion order.
	results := make([]DownloadResult, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrent)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			results[i] = o.processAsset(gctx, d, rec)
			return nil
		})
	}
	g.Wait()

	for _, res := range results {
		switch res.Status {
		case StatusSuccess:
			fr.Downloaded++
		case StatusSkipped:
			fr.Skipped++
		case StatusFailed:
			fr.Failed++
			log.WithFields(log.Fields{
				"file":      res.Record.Name,
				"type":      res.Record.Type,
				"retryable": res.Retryable,
			}).WithError(res.Err).Error("download failed")
		}
	}
	fr.Results = results
	fr.LatestVersion = d.LatestVersion()

	if ctx.Err() == nil {
		if err := d.CleanupOldVersions(); err != nil {
			log.WithField("family", d.Name()).WithError(err).Error("cleanup failed")
		}
	}

	log.WithFields(log.Fields{
		"family":     d.Name(),
		"downloaded": fr.Downloaded,
		"skipped":    fr.Skipped,
		"failed":     fr.Failed,
	}).Info("family done")
	return fr
}

// processAsset runs one record through the lifecycle: skip when already
// complete, otherwise fetch with bounded retries, then extract. Retries
// reuse the stored record instead of re-deriving it.
func (o *Orchestrator) processAsset(ctx context.Context, d Downloader, rec AssetRecord) DownloadResult {
	if d.IsComplete(rec) {
		log.WithField("file", rec.Name).Debug("already complete")
		res := d.Extract(ctx, rec)
		if res.Status == StatusFailed {
			return res
		}
		return skipped(rec)
	}

	var res DownloadResult
	for attempt := 0; attempt <= o.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			log.WithFields(log.Fields{
				"file":    rec.Name,
				"attempt": attempt,
			}).Warn("retrying download")
			select {
			case <-ctx.Done():
				return failed(rec, ctx.Err(), 0)
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		res = d.Fetch(ctx, rec)
		if res.Status != StatusFailed || !res.Retryable || ctx.Err() != nil {
			break
		}
	}
	if res.Status != StatusSuccess {
		return res
	}

	if eres := d.Extract(ctx, rec); eres.Status == StatusFailed {
		return eres
	}
	return res
}

func dedupeByTarget(records []AssetRecord) []AssetRecord {
	seen := make(map[string]bool, len(records))
	out := records[:0]
	for _, r := range records {
		if seen[r.Target] {
			continue
		}
		seen[r.Target] = true
		out = append(out, r)
	}
	return out
}

// updateTracking persists the per-family latest version markers.
func (o *Orchestrator) updateTracking(report *Report) {
	for _, fr := range report.Families {
		if fr.Err != nil || fr.LatestVersion == "" {
			continue
		}
		var key, fileType string
		switch fr.Name {
		case "firmware":
			key, fileType = cache.LatestFirmwareKey, "zip"
		case "android":
			key, fileType = cache.LatestAndroidKey, "apk"
		default:
			continue
		}
		if err := o.cache.WriteLatest(key, fileType, fr.LatestVersion); err != nil {
			log.WithField("family", fr.Name).WithError(err).Warn("failed to record latest version")
		}

		if fr.Name == "firmware" {
			if pre := latestPrerelease(fr.Results); pre != "" {
				if err := o.cache.WriteLatest(cache.LatestFirmwarePrereleaseKey, "bin", pre); err != nil {
					log.WithError(err).Warn("failed to record latest prerelease")
				}
			}
		}
	}
}

// latestPrerelease returns the newest prerelease build that made it
// through the run, or "" when the run carried none.
func latestPrerelease(results []DownloadResult) string {
	best := ""
	for _, res := range results {
		if res.Record.Type != TypePrerelease || res.Status == StatusFailed {
			continue
		}
		if best == "" || version.CompareStrings(res.Record.Version, best) > 0 {
			best = res.Record.Version
		}
	}
	return best
}

// ClearCaches drops every cached upstream response. Tracking records
// survive; they are state, not cache.
func (o *Orchestrator) ClearCaches() error {
	if err := o.cache.InvalidateAll(); err != nil {
		return errors.Wrap(err, "failed to clear caches")
	}
	log.Info("cleared response caches")
	return nil
}

// CleanRepoTree removes everything previously mirrored from the content
// tree.
func (o *Orchestrator) CleanRepoTree() error {
	return newRepoDownloader(o.cfg, o.listings, o.fetcher).CleanTree()
}

// LatestVersions returns the recorded per-family latest versions for the
// versions command.
func (o *Orchestrator) LatestVersions() map[string]string {
	return map[string]string{
		"firmware":            o.cache.ReadLatest(cache.LatestFirmwareKey),
		"firmware-prerelease": o.cache.ReadLatest(cache.LatestFirmwarePrereleaseKey),
		"android":             o.cache.ReadLatest(cache.LatestAndroidKey),
	}
}
