// Package fsutil holds the filesystem primitives the sync engine leans
// on: atomic publishes, path confinement, streaming hash verification
// and safe archive extraction. Everything that touches the download tree
// or the cache root goes through here.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"
)

// ErrPathTraversal marks a path component or archive member that would
// escape its base directory. Security relevant: rejected loudly, never
// silently corrected, never retried.
var ErrPathTraversal = errors.New("path traversal rejected")

// ArchiveIntegrityError wraps a structurally broken archive. Fatal for
// the asset, not retried.
type ArchiveIntegrityError struct {
	Path string
	Err  error
}

func (e *ArchiveIntegrityError) Error() string {
	return fmt.Sprintf("archive integrity: %s: %v", e.Path, e.Err)
}

func (e *ArchiveIntegrityError) Unwrap() error { return e.Err }

// SanitizeName validates a single path component. It rejects parent
// references, absolute markers, separators and NUL bytes rather than
// stripping them.
func SanitizeName(component string) (string, error) {
	if component == "" || component == "." || component == ".." {
		return "", errors.Wrapf(ErrPathTraversal, "component %q", component)
	}
	if strings.ContainsAny(component, "/\\\x00") {
		return "", errors.Wrapf(ErrPathTraversal, "component %q", component)
	}
	if strings.Contains(component, "..") && (strings.HasPrefix(component, "..") || strings.HasSuffix(component, "..")) {
		return "", errors.Wrapf(ErrPathTraversal, "component %q", component)
	}
	if filepath.IsAbs(component) || (len(component) > 1 && component[1] == ':') {
		return "", errors.Wrapf(ErrPathTraversal, "component %q", component)
	}
	return component, nil
}

// SecurePath resolves name under base, guaranteeing the result is a
// strict descendant even in the presence of .. segments or symlinks
// already on disk.
func SecurePath(base, name string) (string, error) {
	p, err := securejoin.SecureJoin(base, name)
	if err != nil {
		return "", errors.Wrapf(ErrPathTraversal, "join %q under %q: %v", name, base, err)
	}
	return p, nil
}

// AtomicWrite streams r to path via a temp file in the same directory,
// fsyncs, then renames. On any failure the temp file is removed and the
// previous file at path is untouched.
func AtomicWrite(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Wrap(err, "create parent dir")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return 0, errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return 0, errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, errors.Wrap(err, "publish file")
	}
	return n, nil
}

// AtomicWriteBytes is AtomicWrite for in-memory payloads.
func AtomicWriteBytes(path string, data []byte) error {
	_, err := AtomicWrite(path, strings.NewReader(string(data)))
	return err
}

// HashFile computes the streaming SHA-256 of path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open for hashing")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyHash reports whether path's SHA-256 matches expected (hex,
// case-insensitive). An empty expected hash verifies existence only.
func VerifyHash(path, expected string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, err
	}
	if expected == "" {
		return true, nil
	}
	actual, err := HashFile(path)
	if err != nil {
		return false, err
	}
	match := strings.EqualFold(actual, expected)
	if !match {
		log.WithFields(log.Fields{
			"file":     filepath.Base(path),
			"expected": expected,
			"actual":   actual,
		}).Error("bad checksum")
	}
	return match, nil
}

// HashSidecarPath returns the sidecar file recording a file's digest.
func HashSidecarPath(path string) string { return path + ".sha256" }

// WriteHashSidecar records path's digest next to it so later runs can
// verify without re-reading upstream metadata.
func WriteHashSidecar(path string) error {
	sum, err := HashFile(path)
	if err != nil {
		return err
	}
	return AtomicWriteBytes(HashSidecarPath(path), []byte(sum+"  "+filepath.Base(path)+"\n"))
}

// VerifyAgainstSidecar checks path against its sidecar digest. A missing
// sidecar verifies trivially; a mismatching one fails.
func VerifyAgainstSidecar(path string) (bool, error) {
	raw, err := os.ReadFile(HashSidecarPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			_, statErr := os.Stat(path)
			return statErr == nil, statErr
		}
		return false, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return false, nil
	}
	return VerifyHash(path, fields[0])
}

// IsWithinBase reports whether candidate (after symlink resolution of
// base) stays inside base.
func IsWithinBase(base, candidate string) bool {
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		realBase = base
	}
	rel, err := filepath.Rel(realBase, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// SafeRemoveAll deletes path only when it is a strict descendant of
// base. Deleting tracking state and its directory goes through this so
// a corrupted record can never point the cleanup at the wrong tree.
func SafeRemoveAll(path, base string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "resolve removal path")
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return errors.Wrap(err, "resolve base dir")
	}
	if abs == absBase || !IsWithinBase(absBase, abs) {
		return errors.Wrapf(ErrPathTraversal, "refusing to remove %q outside %q", path, base)
	}
	return os.RemoveAll(abs)
}

// EnsureDir creates dir (and parents) if needed.
func EnsureDir(dir string) error {
	return errors.Wrap(os.MkdirAll(dir, 0o755), "create directory")
}

// FileSize returns the size of path, or -1 when it does not exist.
func FileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return fi.Size()
}
