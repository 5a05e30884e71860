package sync

import (
	"context"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/internal/cache"
	"github.com/meshsync/meshsync/internal/github"
)

const (
	firmwareReleasesKey = "firmware_releases"
	androidReleasesKey  = "android_releases"
)

// listings reads upstream views through the response cache so every
// family observes the same snapshot within a run. A forced refresh
// bypasses the cache once per key; later reads of the same key reuse
// the snapshot. Access is serialized by the orchestrator.
type listings struct {
	gh      *github.Client
	cache   *cache.Manager
	force   bool
	fetched map[string]bool
}

func (l *listings) cached(key string) bool {
	return !l.force || l.fetched[key]
}

func (l *listings) releases(ctx context.Context, key, repo string, limit int) ([]github.Release, error) {
	var rels []github.Release
	if l.cached(key) {
		if err := l.cache.Get(key, cache.ReleasesTTL, &rels); err == nil {
			return rels, nil
		}
	}
	rels, err := l.gh.Releases(ctx, repo, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s releases", repo)
	}
	l.fetched[key] = true
	if err := l.cache.Put(key, rels); err != nil {
		log.WithError(err).Warn("failed to cache release listing")
	}
	return rels, nil
}

func contentsKey(repo, path string) string {
	return cache.BuildURLKey("https://api.github.com/repos/"+repo+"/contents/"+path, nil)
}

func (l *listings) contents(ctx context.Context, repo, path string) ([]github.ContentEntry, error) {
	key := contentsKey(repo, path)
	var entries []github.ContentEntry
	if l.cached(key) {
		if err := l.cache.Get(key, cache.ListingTTL, &entries); err == nil {
			return entries, nil
		}
	}
	entries, err := l.gh.Contents(ctx, repo, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s/%s", repo, path)
	}
	l.fetched[key] = true
	if err := l.cache.Put(key, entries); err != nil {
		log.WithError(err).Warn("failed to cache directory listing")
	}
	return entries, nil
}
