package fsutil

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// PatternSet is a compiled include/exclude filter. Patterns with glob
// metacharacters match glob-style against the member basename; plain
// patterns match as case-insensitive substrings, which is what device
// selections like "rak4631-" are.
type PatternSet struct {
	include []matcher
	exclude []matcher
}

type matcher struct {
	raw  string
	g    glob.Glob
	text string // lowercase substring form when not a glob
}

func compileMatcher(pattern string) (matcher, error) {
	if strings.ContainsAny(pattern, "*?[{") {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return matcher{}, errors.Wrapf(err, "bad pattern %q", pattern)
		}
		return matcher{raw: pattern, g: g}, nil
	}
	return matcher{raw: pattern, text: strings.ToLower(pattern)}, nil
}

func (m matcher) match(name string) bool {
	name = strings.ToLower(name)
	if m.g != nil {
		return m.g.Match(name)
	}
	return strings.Contains(name, m.text)
}

// CompilePatterns builds a PatternSet. Patterns containing path
// separators are rejected: filters apply to basenames only and a
// separator is a traversal smell.
func CompilePatterns(include, exclude []string) (*PatternSet, error) {
	ps := &PatternSet{}
	for _, raw := range include {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.ContainsAny(raw, "/\\") {
			return nil, errors.Wrapf(ErrPathTraversal, "pattern %q", raw)
		}
		m, err := compileMatcher(raw)
		if err != nil {
			return nil, err
		}
		ps.include = append(ps.include, m)
	}
	for _, raw := range exclude {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.ContainsAny(raw, "/\\") {
			return nil, errors.Wrapf(ErrPathTraversal, "pattern %q", raw)
		}
		m, err := compileMatcher(raw)
		if err != nil {
			return nil, err
		}
		ps.exclude = append(ps.exclude, m)
	}
	return ps, nil
}

// Match applies include then exclude; exclusion always wins. An empty
// include list selects everything.
func (ps *PatternSet) Match(name string) bool {
	if ps == nil {
		return true
	}
	if len(ps.include) > 0 {
		selected := false
		for _, m := range ps.include {
			if m.match(name) {
				selected = true
				break
			}
		}
		if !selected {
			return false
		}
	}
	for _, m := range ps.exclude {
		if m.match(name) {
			return false
		}
	}
	return true
}

// Empty reports whether the set selects nothing explicitly.
func (ps *PatternSet) Empty() bool {
	return ps == nil || (len(ps.include) == 0 && len(ps.exclude) == 0)
}

const execPerm = 0o755

// SafeExtract unpacks the zip at archivePath into destDir, restricted to
// members whose basenames pass patterns. Every destination is confined
// to destDir; symlink members and traversal paths fail the member with
// ErrPathTraversal. A zip whose central directory cannot be read fails
// as a whole with ArchiveIntegrityError before anything is written.
func SafeExtract(ctx context.Context, archivePath, destDir string, patterns *PatternSet) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &ArchiveIntegrityError{Path: archivePath, Err: err}
	}
	defer r.Close()

	if err := EnsureDir(destDir); err != nil {
		return nil, err
	}

	var extracted []string
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return extracted, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(filepath.ToSlash(f.Name))
		if patterns != nil && !patterns.Match(base) {
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			// A symlink member can point anywhere; never materialize it.
			log.WithField("member", f.Name).Warn("skipping symlink archive member")
			return extracted, errors.Wrapf(ErrPathTraversal, "symlink member %q", f.Name)
		}
		dest, err := memberDestination(destDir, f.Name)
		if err != nil {
			return extracted, err
		}
		if err := extractMember(f, dest); err != nil {
			return extracted, err
		}
		if wantsExecBit(f) {
			if err := os.Chmod(dest, execPerm); err != nil {
				log.WithField("file", dest).WithError(err).Debug("could not restore exec bit")
			}
		}
		extracted = append(extracted, dest)
		log.WithFields(log.Fields{
			"member": f.Name,
			"dest":   dest,
		}).Debug("extracted archive member")
	}
	return extracted, nil
}

// memberDestination resolves and validates where an archive member will
// land. The resolved path must be a strict descendant of destDir.
func memberDestination(destDir, memberName string) (string, error) {
	name := filepath.ToSlash(memberName)
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\x00") {
		return "", errors.Wrapf(ErrPathTraversal, "member %q", memberName)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", errors.Wrapf(ErrPathTraversal, "member %q", memberName)
		}
	}
	dest, err := SecurePath(destDir, name)
	if err != nil {
		return "", err
	}
	if !IsWithinBase(destDir, dest) || dest == destDir {
		return "", errors.Wrapf(ErrPathTraversal, "member %q resolves outside %q", memberName, destDir)
	}
	return dest, nil
}

func extractMember(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return &ArchiveIntegrityError{Path: f.Name, Err: err}
	}
	defer rc.Close()
	if err := EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}
	if _, err := AtomicWrite(dest, rc); err != nil {
		return err
	}
	return nil
}

func wantsExecBit(f *zip.File) bool {
	if f.Mode()&0o111 != 0 {
		return true
	}
	return strings.HasSuffix(strings.ToLower(f.Name), ".sh")
}

// VerifyZip opens the archive and CRC-checks every member without
// writing anything. Used by completeness checks on archive assets.
func VerifyZip(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return &ArchiveIntegrityError{Path: path, Err: err}
	}
	defer r.Close()
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return &ArchiveIntegrityError{Path: path, Err: err}
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return &ArchiveIntegrityError{Path: path, Err: err}
		}
	}
	return nil
}

// ExtractionNeeded compares the member set that would be extracted with
// what is already on disk. Re-running a sync over an unchanged archive
// is a no-op.
func ExtractionNeeded(archivePath, destDir string, patterns *PatternSet) (bool, error) {
	if FileSize(archivePath) < 0 {
		return false, nil
	}
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return true, &ArchiveIntegrityError{Path: archivePath, Err: err}
	}
	defer r.Close()

	toExtract, existing := 0, 0
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(filepath.ToSlash(f.Name))
		if patterns != nil && !patterns.Match(base) {
			continue
		}
		dest, err := memberDestination(destDir, f.Name)
		if err != nil {
			continue // unsafe members are skipped here, rejected in SafeExtract
		}
		toExtract++
		if fi, err := os.Stat(dest); err == nil && fi.Size() == int64(f.UncompressedSize64) {
			existing++
		}
	}
	if toExtract == 0 {
		return false, nil
	}
	return existing != toExtract, nil
}
