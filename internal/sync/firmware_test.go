package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshsync/meshsync/internal/cache"
	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/github"
	"github.com/meshsync/meshsync/internal/prerelease"
)

// fakeUpstream serves both the API listings and the payload downloads.
type fakeUpstream struct {
	mux *http.ServeMux
	ts  *httptest.Server
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{mux: http.NewServeMux()}
	f.ts = httptest.NewServer(f.mux)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeUpstream) serveJSON(path string, v any) {
	f.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(v)
	})
}

func (f *fakeUpstream) servePayload(path string, payload []byte) {
	f.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
}

func (f *fakeUpstream) url(path string) string { return f.ts.URL + path }

func release(tag string, prerelease bool, assets ...github.ReleaseAsset) github.Release {
	return github.Release{Tag: tag, Prerelease: prerelease, Assets: assets}
}

func asset(name, url string, size int64) github.ReleaseAsset {
	return github.ReleaseAsset{Name: name, DownloadURL: url, Size: size}
}

func testEnv(t *testing.T, up *fakeUpstream, cfg *config.Config) (*listings, *prerelease.Manager, *Fetcher) {
	t.Helper()
	cm, err := cache.NewManager(cfg.CacheDir)
	if err != nil {
		t.Fatal(err)
	}
	gh := github.NewClient("", "", false)
	gh.SetBaseURL(up.ts.URL)
	return &listings{gh: gh, cache: cm, force: true, fetched: make(map[string]bool)},
		prerelease.NewManager(gh, cm),
		NewFetcher(nil, nil)
}

func firmwareConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		BaseDir: t.TempDir(),
		Firmware: config.FamilyConfig{
			Enabled:        true,
			VersionsToKeep: 2,
			SelectPatterns: []string{"rak4631"},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestFirmwareEnumerateSelectsAndLayouts(t *testing.T) {
	up := newFakeUpstream(t)
	payload := []byte("zip bytes")
	up.servePayload("/dl/fw-rak.zip", payload)
	up.serveJSON("/meshtastic/firmware/releases", []github.Release{
		release("v2.7.5.abc123", false,
			asset("firmware-rak4631-2.7.5.zip", up.url("/dl/fw-rak.zip"), int64(len(payload))),
			asset("firmware-tbeam-2.7.5.zip", up.url("/dl/fw-tbeam.zip"), 10),
			asset("debug-elfs.zip", up.url("/dl/debug.zip"), 10),
		),
		release("v2.7.4.def456", true), // draft-adjacent: prereleases skipped
	})

	cfg := firmwareConfig(t)
	l, pre, f := testEnv(t, up, cfg)
	d, err := newFirmwareDownloader(cfg, l, pre, f)
	if err != nil {
		t.Fatal(err)
	}

	recs, err := d.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records; want 1 (selection patterns apply)", len(recs))
	}
	rec := recs[0]
	if !strings.HasSuffix(rec.Target, filepath.Join("firmware", "v2.7.5.abc123", "firmware-rak4631-2.7.5.zip")) {
		t.Errorf("target = %s; want under firmware/v2.7.5.abc123/", rec.Target)
	}
	if !rec.Archive {
		t.Error("zip asset should be flagged as archive")
	}
	if d.LatestVersion() != "v2.7.5.abc123" {
		t.Errorf("LatestVersion() = %q", d.LatestVersion())
	}
}

func TestFirmwareExcludePatternWins(t *testing.T) {
	up := newFakeUpstream(t)
	up.serveJSON("/meshtastic/firmware/releases", []github.Release{
		release("v2.7.5", false,
			asset("firmware-rak4631-2.7.5.zip", up.url("/dl/a.zip"), 1),
			asset("firmware-rak4631-debug-2.7.5.zip", up.url("/dl/b.zip"), 1),
		),
	})

	cfg := firmwareConfig(t)
	cfg.Firmware.ExcludePatterns = []string{"debug"}
	l, pre, f := testEnv(t, up, cfg)
	d, err := newFirmwareDownloader(cfg, l, pre, f)
	if err != nil {
		t.Fatal(err)
	}

	recs, err := d.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || strings.Contains(recs[0].Name, "debug") {
		t.Errorf("records = %+v; exclusion must win over inclusion", recs)
	}
}

func TestFirmwareMinVersionFloor(t *testing.T) {
	up := newFakeUpstream(t)
	up.serveJSON("/meshtastic/firmware/releases", []github.Release{
		release("v2.7.5", false,
			asset("firmware-rak4631-2.7.5.zip", up.url("/dl/a.zip"), 1)),
		release("v2.6.0", false,
			asset("firmware-rak4631-2.6.0.zip", up.url("/dl/b.zip"), 1)),
	})

	cfg := firmwareConfig(t)
	cfg.Firmware.MinVersion = "2.7.0"
	l, pre, f := testEnv(t, up, cfg)
	d, err := newFirmwareDownloader(cfg, l, pre, f)
	if err != nil {
		t.Fatal(err)
	}

	recs, err := d.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Version != "v2.7.5" {
		t.Errorf("records = %+v; releases below the version floor must be ignored", recs)
	}
	if d.LatestVersion() != "v2.7.5" {
		t.Errorf("LatestVersion() = %q", d.LatestVersion())
	}

	// A floor that cannot be parsed disables the whole family loudly.
	cfg2 := firmwareConfig(t)
	cfg2.Firmware.MinVersion = "not-a-version"
	l2, pre2, f2 := testEnv(t, up, cfg2)
	d2, err := newFirmwareDownloader(cfg2, l2, pre2, f2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d2.Enumerate(context.Background()); err == nil {
		t.Error("Enumerate() should reject a malformed min_version")
	}
}

func TestFirmwareCleanupOldVersions(t *testing.T) {
	cfg := firmwareConfig(t)
	l, pre, f := testEnv(t, newFakeUpstream(t), cfg)
	d, err := newFirmwareDownloader(cfg, l, pre, f)
	if err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{"v2.7.1", "v2.7.2", "v2.7.3", "v2.7.4", "prerelease", "notaversion"} {
		if err := os.MkdirAll(filepath.Join(cfg.FirmwareDir(), dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	d.currentVersions["v2.7.4"] = true

	if err := d.CleanupOldVersions(); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"v2.7.3", "v2.7.4", "prerelease", "notaversion"} {
		if _, err := os.Stat(filepath.Join(cfg.FirmwareDir(), want)); err != nil {
			t.Errorf("%s should survive cleanup", want)
		}
	}
	for _, gone := range []string{"v2.7.1", "v2.7.2"} {
		if _, err := os.Stat(filepath.Join(cfg.FirmwareDir(), gone)); !os.IsNotExist(err) {
			t.Errorf("%s should have been pruned", gone)
		}
	}
}

func TestFirmwarePrereleaseEnumeration(t *testing.T) {
	up := newFakeUpstream(t)
	payload := []byte("prerelease firmware")
	up.servePayload("/dl/pre-rak.bin", payload)
	up.serveJSON("/meshtastic/firmware/releases", []github.Release{
		release("v2.7.15", false),
	})
	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	commits := []github.Commit{}
	{
		var c github.Commit
		c.SHA = "aaa"
		c.Commit.Message = "Add firmware-2.7.16.def456"
		c.Commit.Committer.Date = base
		commits = append(commits, c)
	}
	up.serveJSON("/meshtastic/meshtastic.github.io/commits", commits)
	up.serveJSON("/meshtastic/meshtastic.github.io/contents", []github.ContentEntry{
		{Name: "firmware-2.7.16.def456", Type: "dir"},
		{Name: "firmware-2.7.15.abc123", Type: "dir"},
		{Name: "index.html", Type: "file"},
	})
	up.serveJSON("/meshtastic/meshtastic.github.io/contents/firmware-2.7.16.def456", []github.ContentEntry{
		{Name: "firmware-rak4631-2.7.16.def456.bin", Type: "file", DownloadURL: up.url("/dl/pre-rak.bin"), Size: int64(len(payload))},
		{Name: "notes.txt", Type: "file", DownloadURL: up.url("/dl/notes.txt"), Size: 3},
	})

	cfg := firmwareConfig(t)
	cfg.Firmware.Prereleases = true
	l, pre, f := testEnv(t, up, cfg)
	d, err := newFirmwareDownloader(cfg, l, pre, f)
	if err != nil {
		t.Fatal(err)
	}

	recs, err := d.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var preRecs []AssetRecord
	for _, r := range recs {
		if r.Type == TypePrerelease {
			preRecs = append(preRecs, r)
		}
	}
	if len(preRecs) != 1 {
		t.Fatalf("got %d prerelease records; want 1 (patterns apply)", len(preRecs))
	}
	want := filepath.Join(cfg.PrereleaseDir(), "firmware-2.7.16.def456", "firmware-rak4631-2.7.16.def456.bin")
	if preRecs[0].Target != want {
		t.Errorf("target = %s; want %s", preRecs[0].Target, want)
	}
	if len(d.pendingTracking) != 1 || d.pendingTracking[0].PrereleaseVersion != "2.7.16.def456" {
		t.Errorf("pendingTracking = %+v; want one record for 2.7.16.def456", d.pendingTracking)
	}
}

func TestFirmwarePrereleasePicksNewestObservedBuild(t *testing.T) {
	up := newFakeUpstream(t)
	payload := []byte("prerelease firmware")
	up.servePayload("/dl/pre-rak.bin", payload)
	up.serveJSON("/meshtastic/firmware/releases", []github.Release{
		release("v2.7.15", false),
	})

	// Two builds of the same base version: aaaaaa sorts before ffffff but
	// was committed two hours later, so it is the one to mirror.
	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	var newer, older github.Commit
	newer.SHA = "bbb"
	newer.Commit.Message = "Add firmware-2.7.16.aaaaaa"
	newer.Commit.Committer.Date = base.Add(2 * time.Hour)
	older.SHA = "aaa"
	older.Commit.Message = "Add firmware-2.7.16.ffffff"
	older.Commit.Committer.Date = base
	up.serveJSON("/meshtastic/meshtastic.github.io/commits", []github.Commit{newer, older})
	up.serveJSON("/meshtastic/meshtastic.github.io/contents", []github.ContentEntry{
		{Name: "firmware-2.7.16.aaaaaa", Type: "dir"},
		{Name: "firmware-2.7.16.ffffff", Type: "dir"},
	})
	up.serveJSON("/meshtastic/meshtastic.github.io/contents/firmware-2.7.16.aaaaaa", []github.ContentEntry{
		{Name: "firmware-rak4631-2.7.16.aaaaaa.bin", Type: "file", DownloadURL: up.url("/dl/pre-rak.bin"), Size: int64(len(payload))},
	})

	cfg := firmwareConfig(t)
	cfg.Firmware.Prereleases = true
	l, pre, f := testEnv(t, up, cfg)
	d, err := newFirmwareDownloader(cfg, l, pre, f)
	if err != nil {
		t.Fatal(err)
	}

	recs, err := d.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var preRecs []AssetRecord
	for _, r := range recs {
		if r.Type == TypePrerelease {
			preRecs = append(preRecs, r)
		}
	}
	if len(preRecs) != 1 {
		t.Fatalf("got %d prerelease records; want 1", len(preRecs))
	}
	if !strings.Contains(preRecs[0].Target, "firmware-2.7.16.aaaaaa") {
		t.Errorf("target = %s; the most recently committed build wins, not the lexically last", preRecs[0].Target)
	}
	if len(d.pendingTracking) != 1 || d.pendingTracking[0].PrereleaseVersion != "2.7.16.aaaaaa" {
		t.Errorf("pendingTracking = %+v; want one record for 2.7.16.aaaaaa", d.pendingTracking)
	}
}

func TestFirmwareStableCatchUpRetiresPrerelease(t *testing.T) {
	up := newFakeUpstream(t)
	up.serveJSON("/meshtastic/firmware/releases", []github.Release{
		release("v2.7.16", false),
	})
	up.serveJSON("/meshtastic/meshtastic.github.io/commits", []github.Commit{})
	up.serveJSON("/meshtastic/meshtastic.github.io/contents", []github.ContentEntry{})

	cfg := firmwareConfig(t)
	cfg.Firmware.Prereleases = true
	l, pre, f := testEnv(t, up, cfg)
	d, err := newFirmwareDownloader(cfg, l, pre, f)
	if err != nil {
		t.Fatal(err)
	}

	// A build tracked by an earlier run, now overtaken by the stable
	// release, with no newer prerelease published yet.
	oldRec := pre.NewTrackingRecord("2.7.15.abc123", "2.7.15", "abc123", 1)
	if err := pre.WriteTracking(cfg.CacheDir, []prerelease.TrackingRecord{oldRec}); err != nil {
		t.Fatal(err)
	}
	oldDir := filepath.Join(cfg.PrereleaseDir(), oldRec.Directory())
	if err := os.MkdirAll(oldDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(oldDir, "firmware-rak4631-2.7.15.abc123.bin"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Enumerate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.CleanupOldVersions(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Error("superseded prerelease directory should be removed once stable catches up")
	}
	if left := prerelease.ReadTracking(cfg.CacheDir); len(left) != 0 {
		t.Errorf("tracking records left after stable catch-up: %+v", left)
	}
}

func TestFirmwarePrereleaseUpstreamFailureSkips(t *testing.T) {
	up := newFakeUpstream(t)
	up.serveJSON("/meshtastic/firmware/releases", []github.Release{
		release("v2.7.15", false),
	})
	up.mux.HandleFunc("/meshtastic/meshtastic.github.io/commits", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	cfg := firmwareConfig(t)
	cfg.Firmware.Prereleases = true
	l, pre, f := testEnv(t, up, cfg)
	d, err := newFirmwareDownloader(cfg, l, pre, f)
	if err != nil {
		t.Fatal(err)
	}

	oldRec := pre.NewTrackingRecord("2.7.14.abc123", "2.7.14", "abc123", 1)
	if err := pre.WriteTracking(cfg.CacheDir, []prerelease.TrackingRecord{oldRec}); err != nil {
		t.Fatal(err)
	}

	// The stable enumeration must still succeed; prerelease handling is
	// skipped for the run, never treated as "no prerelease exists".
	if _, err := d.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate() = %v; upstream prerelease failure must not fail the family", err)
	}
	if len(d.pendingTracking) != 0 {
		t.Error("no tracking records should be pending after a skipped pass")
	}

	// A skipped pass must not retire anything either, even though the
	// stable tag has moved past the tracked base.
	if err := d.CleanupOldVersions(); err != nil {
		t.Fatal(err)
	}
	if left := prerelease.ReadTracking(cfg.CacheDir); len(left) != 1 {
		t.Errorf("tracking records after skipped pass = %+v; want the seeded record intact", left)
	}
}

func TestAndroidEnumerate(t *testing.T) {
	up := newFakeUpstream(t)
	up.serveJSON("/meshtastic/Meshtastic-Android/releases", []github.Release{
		release("2.5.21", false,
			asset("meshtastic-2.5.21.apk", up.url("/dl/app.apk"), 100),
			asset("mapsources.xml", up.url("/dl/maps.xml"), 10),
		),
	})

	cfg := &config.Config{
		BaseDir: t.TempDir(),
		Android: config.FamilyConfig{Enabled: true, VersionsToKeep: 2},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	l, _, f := testEnv(t, up, cfg)
	d, err := newAndroidDownloader(cfg, l, f)
	if err != nil {
		t.Fatal(err)
	}

	recs, err := d.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !strings.HasSuffix(recs[0].Name, ".apk") {
		t.Fatalf("records = %+v; only APK assets belong to this family", recs)
	}
	if d.LatestVersion() != "2.5.21" {
		t.Errorf("LatestVersion() = %q", d.LatestVersion())
	}
}

func TestRepoEnumerateAndCleanTree(t *testing.T) {
	up := newFakeUpstream(t)
	up.serveJSON("/meshtastic/meshtastic.github.io/contents/special", []github.ContentEntry{
		{Name: "littlefs-test.bin", Type: "file", DownloadURL: up.url("/dl/littlefs.bin"), Size: 4},
		{Name: "subdir", Type: "dir"},
	})

	cfg := &config.Config{
		BaseDir: t.TempDir(),
		Repo:    config.RepoBrowseConfig{Enabled: true, Directories: []string{"special"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	l, _, f := testEnv(t, up, cfg)
	d := newRepoDownloader(cfg, l, f)

	recs, err := d.Enumerate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records; want 1 (directories are not records)", len(recs))
	}
	want := filepath.Join(cfg.RepoDLDir(), "special", "littlefs-test.bin")
	if recs[0].Target != want {
		t.Errorf("target = %s; want %s", recs[0].Target, want)
	}

	// Seed the mirror then clean it.
	if err := os.MkdirAll(filepath.Join(cfg.RepoDLDir(), "special"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := d.CleanTree(); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(cfg.RepoDLDir())
	if len(entries) != 0 {
		t.Errorf("repo-dls not empty after CleanTree: %v", entries)
	}
}
