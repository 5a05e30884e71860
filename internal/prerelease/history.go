// Package prerelease decides which commit-identified firmware build is
// expected to exist ahead of the next tagged release, and which already
// downloaded builds are obsolete.
package prerelease

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/internal/cache"
	"github.com/meshsync/meshsync/internal/github"
	"github.com/meshsync/meshsync/internal/version"
)

const (
	// commitsToFetch bounds the commit window scanned for version-bump
	// markers. The content tree sees a handful of commits per build, so
	// 50 comfortably covers several days of upstream activity.
	commitsToFetch = 50

	commitsCacheKey = "content_tree_commits"
	historyCacheKey = "content_tree_commit_history"
)

// The content-tree publisher commits one line per directory change, so a
// bump is announced as "Add firmware-2.7.6.abc123" and a retraction as
// "Delete firmware-2.7.6.abc123".
var (
	addMarkerRx    = regexp.MustCompile(`(?i)^add(?:ed)?\s+firmware-(\d+(?:\.\d+)+)\.([0-9a-f]{6,40})\b`)
	deleteMarkerRx = regexp.MustCompile(`(?i)^delete[ds]?\s+firmware-(\d+(?:\.\d+)+)\.([0-9a-f]{6,40})\b`)
)

// HistoryEntry is one commit-identified build observed in the content
// tree's recent commit history.
type HistoryEntry struct {
	Directory   string     `json:"directory"`
	Identifier  string     `json:"identifier"`
	BaseVersion string     `json:"base_version"`
	CommitHash  string     `json:"commit_hash"`
	AddedAt     *time.Time `json:"added_at,omitempty"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
	AddedSHA    string     `json:"added_sha,omitempty"`
	RemovedSHA  string     `json:"removed_sha,omitempty"`
	Active      bool       `json:"active"`
	Status      string     `json:"status"`
}

// Deleted reports whether the entry was retracted upstream.
func (e *HistoryEntry) Deleted() bool {
	return e.Status == "deleted" || e.RemovedAt != nil
}

// Summary counts history entries by lifecycle state.
type Summary struct {
	Created int `json:"created"`
	Deleted int `json:"deleted"`
	Active  int `json:"active"`
}

// Manager computes expected prerelease versions and maintains the
// per-build tracking records.
type Manager struct {
	gh    *github.Client
	cache *cache.Manager
	now   func() time.Time
}

// NewManager wires the shared API client and cache store.
func NewManager(gh *github.Client, cm *cache.Manager) *Manager {
	return &Manager{gh: gh, cache: cm, now: time.Now}
}

// RecentCommits returns the content tree's most recent commits, served
// from the short-TTL cache when fresh. An upstream failure with no cached
// copy is surfaced to the caller, which must skip prerelease handling for
// the run rather than treat it as "no prerelease exists".
func (m *Manager) RecentCommits(ctx context.Context, forceRefresh bool) ([]github.Commit, error) {
	var commits []github.Commit
	if !forceRefresh {
		if err := m.cache.Get(commitsCacheKey, cache.CommitsTTL, &commits); err == nil {
			if age, err := m.cache.Age(commitsCacheKey); err == nil {
				log.WithField("age", age.Round(time.Second)).Debug("using cached prerelease commit history")
			}
			return commits, nil
		}
	}
	commits, err := m.gh.Commits(ctx, github.ContentTreeRepo, commitsToFetch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch content tree commits")
	}
	if err := m.cache.Put(commitsCacheKey, commits); err != nil {
		log.WithError(err).Warn("failed to cache commit history")
	}
	return commits, nil
}

// CommitDate resolves the committer date for a SHA through the long-TTL
// memo, hitting the API only on a miss.
func (m *Manager) CommitDate(ctx context.Context, sha string) (time.Time, bool) {
	if ts, ok := m.cache.CommitTimestamp(sha); ok {
		return ts, true
	}
	ts, err := m.gh.CommitTimestamp(ctx, github.ContentTreeRepo, sha)
	if err != nil {
		log.WithField("sha", sha).WithError(err).Debug("commit timestamp unavailable")
		return time.Time{}, false
	}
	if err := m.cache.PutCommitTimestamp(sha, ts); err != nil {
		log.WithError(err).Warn("failed to store commit timestamp")
	}
	return ts, true
}

// ExpectedVersion determines what prerelease base version should exist
// right now. The commit-message bump marker is the authoritative signal;
// when the recent window carries none, it falls back to incrementing the
// patch component of the latest stable release. The chosen signal is
// logged so a surprising decision can be traced afterwards.
func (m *Manager) ExpectedVersion(latestStable string, commits []github.Commit) string {
	fallback := version.ExpectedPrerelease(latestStable)

	best := ""
	for _, c := range commits {
		for _, line := range strings.Split(c.Commit.Message, "\n") {
			mAdd := addMarkerRx.FindStringSubmatch(strings.TrimSpace(line))
			if mAdd == nil {
				continue
			}
			base := mAdd[1]
			if best == "" || version.CompareStrings(base, best) > 0 {
				best = base
			}
		}
	}

	if best != "" && version.CompareStrings(best, version.CleanTag(latestStable)) > 0 {
		log.WithFields(log.Fields{
			"version": best,
			"signal":  "commit-marker",
		}).Debug("expected prerelease version")
		return best
	}
	if fallback != "" {
		log.WithFields(log.Fields{
			"version": fallback,
			"signal":  "patch-increment",
		}).Debug("expected prerelease version")
	}
	return fallback
}

// BuildHistory folds the commit window into per-directory lifecycle
// entries for the expected version. Commits arrive newest first, so the
// fold walks them in reverse and the chronologically latest marker wins:
// an addition reactivates a directory, a deletion retires it.
func (m *Manager) BuildHistory(expectedVersion string, commits []github.Commit) []HistoryEntry {
	byDir := make(map[string]*HistoryEntry)

	record := func(base, hash string, c github.Commit, deleted bool) {
		identifier := strings.ToLower(base + "." + hash)
		dir := version.FirmwareDirPrefix + identifier
		entry, ok := byDir[dir]
		if !ok {
			entry = &HistoryEntry{
				Directory:   dir,
				Identifier:  identifier,
				BaseVersion: base,
				CommitHash:  strings.ToLower(hash),
			}
			byDir[dir] = entry
		}
		ts := c.Commit.Committer.Date
		if deleted {
			if !ts.IsZero() {
				entry.RemovedAt = &ts
			}
			entry.RemovedSHA = c.SHA
			entry.Active = false
			entry.Status = "deleted"
			return
		}
		if entry.AddedAt == nil && !ts.IsZero() {
			entry.AddedAt = &ts
		}
		if entry.AddedSHA == "" {
			entry.AddedSHA = c.SHA
		}
		entry.Active = true
		entry.Status = "active"
		entry.RemovedAt = nil
		entry.RemovedSHA = ""
	}

	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		for _, raw := range strings.Split(c.Commit.Message, "\n") {
			line := strings.TrimSpace(raw)
			if line == "" {
				continue
			}
			if mAdd := addMarkerRx.FindStringSubmatch(line); mAdd != nil {
				if mAdd[1] == expectedVersion {
					record(mAdd[1], mAdd[2], c, false)
				}
				continue
			}
			if mDel := deleteMarkerRx.FindStringSubmatch(line); mDel != nil {
				if mDel[1] == expectedVersion {
					record(mDel[1], mDel[2], c, true)
				}
			}
		}
	}

	entries := make([]HistoryEntry, 0, len(byDir))
	for _, e := range byDir {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { // newest first
		ti, tj := entryTime(entries[i]), entryTime(entries[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return entries[i].Directory > entries[j].Directory
	})
	return entries
}

func entryTime(e HistoryEntry) time.Time {
	if e.AddedAt != nil {
		return *e.AddedAt
	}
	return time.Time{}
}

type historyCacheEntry struct {
	Entries     []HistoryEntry `json:"entries"`
	LastChecked time.Time      `json:"last_checked"`
}

// History returns the lifecycle entries for the expected version,
// recomputing from the cached-or-fetched commit window when the stored
// view is stale. The per-version results share one cache entry keyed by
// expected version.
func (m *Manager) History(ctx context.Context, expectedVersion string, forceRefresh bool) ([]HistoryEntry, error) {
	byVersion := make(map[string]historyCacheEntry)
	if err := m.cache.GetStale(historyCacheKey, &byVersion); err != nil {
		byVersion = make(map[string]historyCacheEntry)
	}

	if !forceRefresh {
		if ce, ok := byVersion[expectedVersion]; ok {
			if m.now().Sub(ce.LastChecked) < cache.CommitsTTL {
				log.WithField("version", expectedVersion).Debug("using cached prerelease history")
				return ce.Entries, nil
			}
		}
	}

	commits, err := m.RecentCommits(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	entries := m.BuildHistory(expectedVersion, commits)

	byVersion[expectedVersion] = historyCacheEntry{Entries: entries, LastChecked: m.now()}
	if err := m.cache.Put(historyCacheKey, byVersion); err != nil {
		log.WithError(err).Warn("failed to cache prerelease history")
	}
	return entries, nil
}

// LatestActive returns the directory of the newest non-deleted entry.
func LatestActive(entries []HistoryEntry) (string, bool) {
	for _, e := range entries {
		if e.Status == "active" && e.Directory != "" {
			return e.Directory, true
		}
	}
	return "", false
}

// Summarize tallies entries for the history summary line.
func Summarize(entries []HistoryEntry) Summary {
	var s Summary
	for _, e := range entries {
		if e.AddedAt != nil || e.AddedSHA != "" {
			s.Created++
		}
		if e.Deleted() {
			s.Deleted++
		}
		if e.Status == "active" || e.Active {
			s.Active++
		}
	}
	return s
}

// MatchingDirectories filters a content-tree directory listing down to
// the commit-identified builds of the expected version. The listing is
// the authority on downloadability: a commit marker whose directory never
// appeared means "not yet published", never an error.
func MatchingDirectories(listing []github.ContentEntry, expectedVersion string) []string {
	var matching []string
	for _, entry := range listing {
		if entry.Type != "dir" {
			continue
		}
		id := version.ExtractVersion(entry.Name)
		if id == entry.Name {
			// no firmware- prefix
			continue
		}
		if version.CommitFromDir(entry.Name) == "" {
			continue
		}
		v, err := version.Parse(id)
		if err != nil {
			continue
		}
		if v.Base() == expectedVersion {
			matching = append(matching, id)
		}
	}
	version.Sort(matching)
	return matching
}
