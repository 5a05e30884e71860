// Package sync drives a full release synchronization run: enumerate
// assets per family, fetch what is missing, extract and verify, retire
// what a newer version made obsolete, and report what happened.
package sync

import (
	"time"

	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/internal/fsutil"
	"github.com/meshsync/meshsync/internal/github"
)

// Asset type tags carried through results into the report and the
// notification payload.
const (
	TypeFirmware   = "firmware"
	TypePrerelease = "firmware-prerelease"
	TypeAndroidAPK = "android-apk"
	TypeRepoFile   = "repo-file"
)

// AssetRecord is everything needed to fetch one file, derived once
// during enumeration and reused verbatim on retries.
type AssetRecord struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Target  string `json:"target"`
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	Size    int64  `json:"size,omitempty"`   // 0 means unknown
	SHA256  string `json:"sha256,omitempty"` // "" means unknown
	Archive bool   `json:"archive,omitempty"`
	// Executable marks scripts that must land with the exec bit set.
	Executable bool `json:"executable,omitempty"`
}

// Status of one asset after a run.
type Status int

const (
	StatusSkipped Status = iota // already complete, no network I/O
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusSuccess:
		return "downloaded"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// DownloadResult is the outcome of one asset's lifecycle this run.
type DownloadResult struct {
	Record    AssetRecord
	Status    Status
	Retryable bool
	Err       error
	Bytes     int64
	Elapsed   time.Duration
}

func skipped(rec AssetRecord) DownloadResult {
	return DownloadResult{Record: rec, Status: StatusSkipped}
}

func failed(rec AssetRecord, err error, elapsed time.Duration) DownloadResult {
	return DownloadResult{
		Record:    rec,
		Status:    StatusFailed,
		Retryable: IsRetryable(err),
		Err:       err,
		Elapsed:   elapsed,
	}
}

// VerificationError marks a download whose checksum did not match. The
// temporary file is already gone by the time this surfaces; a retry
// starts clean.
type VerificationError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	return "checksum mismatch for " + e.Path
}

// IsRetryable classifies a failure. Traversal rejections and corrupt
// archives are deterministic and never retried; everything else, network
// weather included, is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var integrity *fsutil.ArchiveIntegrityError
	if errors.As(err, &integrity) {
		return false
	}
	if errors.Is(err, fsutil.ErrPathTraversal) {
		return false
	}
	return true
}

// IsTransient reports whether the failure came from upstream rather than
// local state.
func IsTransient(err error) bool {
	return errors.Is(err, github.ErrTransient)
}

// FamilyReport aggregates one family's results in enumeration order.
type FamilyReport struct {
	Name          string           `json:"name"`
	LatestVersion string           `json:"latest_version,omitempty"`
	Downloaded    int              `json:"downloaded"`
	Skipped       int              `json:"skipped"`
	Failed        int              `json:"failed"`
	Results       []DownloadResult `json:"-"`
	Err           error            `json:"-"` // family-level failure (enumeration)
}

// Failures returns the failed results with record metadata intact.
func (fr *FamilyReport) Failures() []DownloadResult {
	var out []DownloadResult
	for _, r := range fr.Results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// Report is the aggregate outcome of a run, suitable for both terminal
// rendering and the notification dispatcher.
type Report struct {
	Families []FamilyReport `json:"families"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
}

// Failures flattens all family failures, family order preserved.
func (r *Report) Failures() []DownloadResult {
	var out []DownloadResult
	for i := range r.Families {
		out = append(out, r.Families[i].Failures()...)
	}
	return out
}

// Downloaded sums successful downloads across families.
func (r *Report) Downloaded() int {
	n := 0
	for _, f := range r.Families {
		n += f.Downloaded
	}
	return n
}

// HasFailures reports whether anything went wrong anywhere.
func (r *Report) HasFailures() bool {
	for _, f := range r.Families {
		if f.Failed > 0 || f.Err != nil {
			return true
		}
	}
	return false
}
