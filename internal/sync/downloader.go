package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/meshsync/meshsync/internal/fsutil"
	"github.com/meshsync/meshsync/internal/version"
)

// Downloader is one asset family's lifecycle. The orchestrator drives
// it: enumerate, skip complete assets, fetch the rest, extract where the
// family wants it, prune old versions once the run succeeded.
type Downloader interface {
	Name() string

	// Enumerate derives the asset records for this run. It reads
	// upstream listings through the response cache and must not touch
	// the download tree.
	Enumerate(ctx context.Context) ([]AssetRecord, error)

	// IsComplete reports whether a record needs no work at all.
	IsComplete(rec AssetRecord) bool

	// Fetch downloads and verifies one record.
	Fetch(ctx context.Context, rec AssetRecord) DownloadResult

	// Extract unpacks an archive-bearing record if its family wants
	// extraction and the on-disk members are out of date.
	Extract(ctx context.Context, rec AssetRecord) DownloadResult

	// CleanupOldVersions prunes version directories beyond the family's
	// retention count, oldest first.
	CleanupOldVersions() error

	// LatestVersion is the newest version observed during Enumerate, for
	// tracking records and the report.
	LatestVersion() string
}

// cleanupVersionDirs removes the oldest version directories under root
// beyond keep, skipping names that do not parse as versions and any
// directory in protect. Returns the names removed.
func cleanupVersionDirs(root string, keep int, protect map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var versioned []string
	for _, e := range entries {
		if !e.IsDir() || protect[e.Name()] {
			continue
		}
		if _, err := version.Parse(e.Name()); err != nil {
			continue
		}
		versioned = append(versioned, e.Name())
	}
	if len(versioned) <= keep {
		return nil, nil
	}

	version.Sort(versioned) // ascending, oldest first
	var removed []string
	for _, name := range versioned[:len(versioned)-keep] {
		if err := fsutil.SafeRemoveAll(filepath.Join(root, name), root); err != nil {
			log.WithField("dir", name).WithError(err).Error("failed to prune old version")
			continue
		}
		log.WithField("dir", name).Info("pruned old version")
		removed = append(removed, name)
	}
	return removed, nil
}

// belowMinVersion reports whether tag falls under the family's
// configured release floor. A malformed floor disables a whole family,
// so that is an error rather than a skipped release.
func belowMinVersion(tag, minVersion string) (bool, error) {
	if minVersion == "" {
		return false, nil
	}
	if _, err := version.Parse(tag); err != nil {
		// an odd upstream tag is not a reason to fail the family
		return false, nil
	}
	ok, err := version.Constraint(tag, ">= "+minVersion)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// safeTarget joins a remote file name under dir, rejecting names that
// would escape it.
func safeTarget(dir, name string) (string, error) {
	clean, err := fsutil.SanitizeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, clean), nil
}

func isZip(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".zip")
}

func isAPK(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".apk")
}

func isScript(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".sh")
}
