package cache

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// LatestRecord is the persisted per-family "latest version" marker.
// Unknown fields are ignored on read and missing fields default, so the
// file stays readable across builds.
type LatestRecord struct {
	LatestVersion string    `json:"latest_version"`
	FileType      string    `json:"file_type"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Record file basenames under the cache root.
const (
	LatestFirmwareKey           = "latest_firmware_release"
	LatestFirmwarePrereleaseKey = "latest_firmware_prerelease"
	LatestAndroidKey            = "latest_android_release"
	CommitTimestampsKey         = "commit_timestamps"
)

// ReadLatest returns the recorded latest version for a family, or ""
// when no record exists yet. Records never expire; they are markers,
// not caches.
func (m *Manager) ReadLatest(key string) string {
	var rec LatestRecord
	if err := m.GetStale(key, &rec); err != nil {
		return ""
	}
	return rec.LatestVersion
}

// WriteLatest records the latest version seen for a family.
func (m *Manager) WriteLatest(key, fileType, tag string) error {
	return m.Put(key, &LatestRecord{
		LatestVersion: tag,
		FileType:      fileType,
		LastUpdated:   m.now().UTC(),
	})
}

type commitTimestamp struct {
	Timestamp time.Time `json:"timestamp"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CommitTimestamp returns the cached committer date for a SHA, if fresh.
func (m *Manager) CommitTimestamp(sha string) (time.Time, bool) {
	table := m.readCommitTimestamps()
	entry, ok := table[sha]
	if !ok {
		return time.Time{}, false
	}
	if m.now().Sub(entry.FetchedAt) >= CommitTimestampTTL {
		return time.Time{}, false
	}
	return entry.Timestamp, true
}

// PutCommitTimestamp stores a committer date, dropping expired entries
// so the table does not grow without bound.
func (m *Manager) PutCommitTimestamp(sha string, ts time.Time) error {
	table := m.readCommitTimestamps()
	for k, v := range table {
		if m.now().Sub(v.FetchedAt) >= CommitTimestampTTL {
			delete(table, k)
		}
	}
	table[sha] = commitTimestamp{Timestamp: ts.UTC(), FetchedAt: m.now().UTC()}
	return m.Put(CommitTimestampsKey, table)
}

func (m *Manager) readCommitTimestamps() map[string]commitTimestamp {
	table := make(map[string]commitTimestamp)
	// Expiry is per entry, not per file, so read through the stale path.
	if err := m.GetStale(CommitTimestampsKey, &table); err != nil {
		return make(map[string]commitTimestamp)
	}
	return table
}

// WriteJSONFile atomically writes arbitrary JSON state at path. Used by
// tracking stores that live outside the key namespace.
func WriteJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal json state")
	}
	return atomicWriteFile(path, data)
}

// ReadJSONFile loads JSON state written by WriteJSONFile. Returns
// ErrCacheMiss when the file does not exist and ErrCacheCorrupt when it
// cannot be parsed.
func ReadJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "read json state")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(ErrCacheCorrupt, err.Error())
	}
	return nil
}
