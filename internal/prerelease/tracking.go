package prerelease

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/internal/cache"
	"github.com/meshsync/meshsync/internal/fsutil"
	"github.com/meshsync/meshsync/internal/version"
)

// TrackingRecord describes one downloaded prerelease build. One record
// file per build lives next to the response caches so partial downloads
// can be diagnosed after the fact.
type TrackingRecord struct {
	PrereleaseVersion string    `json:"prerelease_version"`
	BaseVersion       string    `json:"base_version"`
	CommitHash        string    `json:"commit_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	FileCount         int       `json:"file_count"`
}

// Valid reports whether the record carries the fields supersession
// decisions depend on. Records written by other builds may lack fields;
// those are ignored rather than trusted.
func (r TrackingRecord) Valid() bool {
	return r.PrereleaseVersion != "" && r.BaseVersion != ""
}

// Directory returns the on-disk directory name for the tracked build.
func (r TrackingRecord) Directory() string {
	return version.FirmwareDirPrefix + strings.ToLower(r.PrereleaseVersion)
}

var unsafeTrackingRx = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

func trackingFileName(prereleaseVersion, baseVersion string) string {
	safeVer := unsafeTrackingRx.ReplaceAllString(prereleaseVersion, "_")
	safeBase := unsafeTrackingRx.ReplaceAllString(baseVersion, "_")
	return "prerelease_" + safeVer + "_" + safeBase + ".json"
}

// NewTrackingRecord stamps a fresh record for a build that was just
// downloaded. fileCount is what landed on disk, not what was listed.
func (m *Manager) NewTrackingRecord(prereleaseVersion, baseVersion, commitHash string, fileCount int) TrackingRecord {
	return TrackingRecord{
		PrereleaseVersion: strings.ToLower(prereleaseVersion),
		BaseVersion:       baseVersion,
		CommitHash:        strings.ToLower(commitHash),
		CreatedAt:         m.now().UTC(),
		FileCount:         fileCount,
	}
}

// ReadTracking loads every valid tracking record under dir.
func ReadTracking(dir string) []TrackingRecord {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var records []TrackingRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "prerelease_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var r TrackingRecord
		if err := cache.ReadJSONFile(filepath.Join(dir, name), &r); err != nil {
			log.WithField("file", name).WithError(err).Debug("skipping unreadable tracking record")
			continue
		}
		if r.Valid() {
			records = append(records, r)
		}
	}
	return records
}

// Supersedes reports whether current makes existing obsolete: a strictly
// newer build of the same stream, or a stable release that has caught up
// to or passed the tracked base version.
func Supersedes(existing TrackingRecord, current TrackingRecord, latestStable string) bool {
	if current.Valid() {
		if version.CompareStrings(current.BaseVersion, existing.BaseVersion) > 0 {
			return true
		}
	}
	if latestStable != "" {
		stable := version.CleanTag(latestStable)
		if version.CompareStrings(stable, existing.BaseVersion) >= 0 {
			return true
		}
	}
	return false
}

// CleanupSuperseded retires tracking records made obsolete by the current
// set of builds or by a stable release catching up. The record file and
// the build directory go together: the directory is removed first, and a
// failure there leaves the record in place so the two never diverge.
// Returns the directories that were removed.
func (m *Manager) CleanupSuperseded(trackingDir, prereleaseRoot string, current []TrackingRecord, latestStable string) ([]string, error) {
	existing := ReadTracking(trackingDir)
	if len(existing) == 0 {
		return nil, nil
	}

	currentDirs := make(map[string]bool, len(current))
	for _, c := range current {
		currentDirs[c.Directory()] = true
	}

	var removed []string
	for _, old := range existing {
		if currentDirs[old.Directory()] {
			continue
		}
		superseded := false
		if Supersedes(old, TrackingRecord{}, latestStable) {
			superseded = true
		}
		for _, c := range current {
			if Supersedes(old, c, "") {
				superseded = true
				break
			}
		}
		if !superseded {
			continue
		}

		dir := filepath.Join(prereleaseRoot, old.Directory())
		if _, err := os.Stat(dir); err == nil {
			if err := fsutil.SafeRemoveAll(dir, prereleaseRoot); err != nil {
				log.WithField("dir", old.Directory()).WithError(err).Error("failed to remove superseded prerelease")
				continue
			}
		}
		if err := m.removeTrackingFiles(trackingDir, old.PrereleaseVersion); err != nil {
			return removed, err
		}
		log.WithField("prerelease", old.PrereleaseVersion).Info("cleaned up superseded prerelease")
		removed = append(removed, old.Directory())
	}
	return removed, nil
}

func (m *Manager) removeTrackingFiles(trackingDir, prereleaseVersion string) error {
	safeVer := unsafeTrackingRx.ReplaceAllString(prereleaseVersion, "_")
	prefix := "prerelease_" + safeVer + "_"
	entries, err := os.ReadDir(trackingDir)
	if err != nil {
		return errors.Wrap(err, "failed to list tracking dir")
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".json") {
			if err := os.Remove(filepath.Join(trackingDir, name)); err != nil {
				return errors.Wrapf(err, "failed to remove tracking record %s", name)
			}
		}
	}
	return nil
}

// WriteTracking persists a record for every build retained this run.
func (m *Manager) WriteTracking(trackingDir string, records []TrackingRecord) error {
	if err := fsutil.EnsureDir(trackingDir); err != nil {
		return err
	}
	for _, r := range records {
		if !r.Valid() {
			log.WithField("prerelease", r.PrereleaseVersion).Warn("invalid tracking record skipped")
			continue
		}
		path := filepath.Join(trackingDir, trackingFileName(r.PrereleaseVersion, r.BaseVersion))
		if err := cache.WriteJSONFile(path, r); err != nil {
			return errors.Wrapf(err, "failed to write tracking record for %s", r.PrereleaseVersion)
		}
	}
	return nil
}

// CountFiles counts regular files under dir, for the FileCount field.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	return count
}
