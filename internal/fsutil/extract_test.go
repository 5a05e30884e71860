package fsutil

import (
	"archive/zip"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

type zipEntry struct {
	name    string
	body    string
	mode    fs.FileMode
	symlink bool
}

func buildZip(t *testing.T, entries []zipEntry) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		if e.symlink {
			mode = fs.ModeSymlink | 0o777
		}
		hdr.SetMode(mode)
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(e.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSafeExtract(t *testing.T) {
	archive := buildZip(t, []zipEntry{
		{name: "firmware-rak4631-2.7.15.bin", body: "rak payload"},
		{name: "firmware-tbeam-2.7.15.bin", body: "tbeam payload"},
		{name: "scripts/device-install.sh", body: "#!/bin/sh\n"},
	})
	dest := t.TempDir()
	ps, err := CompilePatterns([]string{"rak4631-", "device-"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := SafeExtract(context.Background(), archive, dest, ps)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("extracted %d files, want 2: %v", len(got), got)
	}
	if _, err := os.Stat(filepath.Join(dest, "firmware-rak4631-2.7.15.bin")); err != nil {
		t.Error("rak file missing")
	}
	if _, err := os.Stat(filepath.Join(dest, "firmware-tbeam-2.7.15.bin")); err == nil {
		t.Error("tbeam file extracted despite not matching include")
	}
	fi, err := os.Stat(filepath.Join(dest, "scripts", "device-install.sh"))
	if err != nil {
		t.Fatal("script missing")
	}
	if fi.Mode()&0o111 == 0 {
		t.Error("script lost executable bit")
	}
}

func TestSafeExtractRejectsTraversal(t *testing.T) {
	archive := buildZip(t, []zipEntry{
		{name: "../../escape.txt", body: "evil"},
	})
	dest := filepath.Join(t.TempDir(), "nest", "dest")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := SafeExtract(context.Background(), archive, dest, nil)
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("SafeExtract = %v, want ErrPathTraversal", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "..", "..", "escape.txt")); !os.IsNotExist(err) {
		t.Error("escaping file materialized outside dest")
	}
}

func TestSafeExtractRejectsSymlinkMember(t *testing.T) {
	archive := buildZip(t, []zipEntry{
		{name: "link", body: "/etc/passwd", symlink: true},
	})
	dest := t.TempDir()

	_, err := SafeExtract(context.Background(), archive, dest, nil)
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("SafeExtract = %v, want ErrPathTraversal", err)
	}
	if _, err := os.Lstat(filepath.Join(dest, "link")); !os.IsNotExist(err) {
		t.Error("symlink member materialized")
	}
}

func TestSafeExtractBadArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.zip")
	if err := os.WriteFile(path, []byte("this is not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()
	_, err := SafeExtract(context.Background(), path, dest, nil)
	var integrity *ArchiveIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("SafeExtract = %v, want ArchiveIntegrityError", err)
	}
	entries, _ := os.ReadDir(dest)
	if len(entries) != 0 {
		t.Error("partial extraction from unparsable archive")
	}
}

func TestVerifyZip(t *testing.T) {
	archive := buildZip(t, []zipEntry{{name: "a.bin", body: "data"}})
	if err := VerifyZip(archive); err != nil {
		t.Errorf("VerifyZip valid = %v", err)
	}
	// truncate to corrupt
	data, _ := os.ReadFile(archive)
	if err := os.WriteFile(archive, data[:len(data)/2], 0o644); err != nil {
		t.Fatal(err)
	}
	var integrity *ArchiveIntegrityError
	if err := VerifyZip(archive); !errors.As(err, &integrity) {
		t.Errorf("VerifyZip truncated = %v, want ArchiveIntegrityError", err)
	}
}

func TestExtractionNeeded(t *testing.T) {
	archive := buildZip(t, []zipEntry{
		{name: "firmware-rak4631-2.7.15.bin", body: "rak payload"},
	})
	dest := t.TempDir()
	ps, err := CompilePatterns([]string{"rak4631-"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	needed, err := ExtractionNeeded(archive, dest, ps)
	if err != nil || !needed {
		t.Fatalf("before extraction: needed = %v, %v", needed, err)
	}
	if _, err := SafeExtract(context.Background(), archive, dest, ps); err != nil {
		t.Fatal(err)
	}
	needed, err = ExtractionNeeded(archive, dest, ps)
	if err != nil || needed {
		t.Fatalf("after extraction: needed = %v, %v; want false", needed, err)
	}

	// size change forces re-extract
	if err := os.WriteFile(filepath.Join(dest, "firmware-rak4631-2.7.15.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	needed, err = ExtractionNeeded(archive, dest, ps)
	if err != nil || !needed {
		t.Fatalf("after tamper: needed = %v, %v; want true", needed, err)
	}

	// missing archive: nothing to do
	needed, err = ExtractionNeeded(filepath.Join(dest, "missing.zip"), dest, ps)
	if err != nil || needed {
		t.Fatalf("missing archive: needed = %v, %v; want false", needed, err)
	}
}
