// Package cache is an expiry-aware JSON metadata store shared by every
// component that talks to an upstream. One key maps to exactly one file
// under the cache root; writes are temp+rename so a concurrent reader or
// an interrupted process never observes a torn file.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// TTLs tuned against upstream publish cadence. Commit history and the
// content-tree listing move fast (prerelease pushes land every few
// minutes on busy days); release lists are near static.
const (
	ReleasesTTL        = time.Hour
	CommitsTTL         = 60 * time.Second
	ListingTTL         = 60 * time.Second
	CommitTimestampTTL = 24 * time.Hour
)

// ErrCacheCorrupt marks an unparsable cache file. Treated as a miss and
// never served through Stale reads.
var ErrCacheCorrupt = errors.New("cache entry corrupt")

// ErrCacheMiss is returned for absent or expired entries.
var ErrCacheMiss = errors.New("cache miss")

type envelope struct {
	CachedAt time.Time       `json:"cached_at"`
	Payload  json.RawMessage `json:"payload"`
}

// Manager owns one cache root directory. Safe for concurrent use by
// multiple processes: atomicity comes from rename, not locking.
type Manager struct {
	root string
	now  func() time.Time
}

// NewManager creates the cache root if it does not exist.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, errors.New("cache root not set")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}
	return &Manager{root: root, now: time.Now}, nil
}

// Root returns the cache root directory.
func (m *Manager) Root() string { return m.root }

var unsafeKeyRx = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Path maps a cache key to its backing file.
func (m *Manager) Path(key string) string {
	name := unsafeKeyRx.ReplaceAllString(key, "_")
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return filepath.Join(m.root, name)
}

// BuildURLKey derives a stable cache key from a request URL and its
// query parameters. Parameter order does not affect the key.
func BuildURLKey(rawURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	slug := "cache"
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) > 2 {
			parts = parts[len(parts)-2:]
		}
		slug = strings.Join(parts, "_")
	}
	return fmt.Sprintf("%s_%s", slug, hex.EncodeToString(sum[:8]))
}

// Get unmarshals the cached payload into out when the entry is younger
// than ttl. Expired entries are left on disk for GetStale.
func (m *Manager) Get(key string, ttl time.Duration, out any) error {
	env, err := m.read(key)
	if err != nil {
		return err
	}
	age := m.now().Sub(env.CachedAt)
	if age >= ttl {
		log.WithFields(log.Fields{
			"key": key,
			"age": age.Round(time.Second).String(),
		}).Debug("cache entry expired")
		return ErrCacheMiss
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return errors.Wrap(ErrCacheCorrupt, err.Error())
	}
	return nil
}

// GetStale returns the most recent payload regardless of expiry. Only
// for display fallback after a live fetch fails; callers must not base
// deletion decisions on stale data.
func (m *Manager) GetStale(key string, out any) error {
	env, err := m.read(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return errors.Wrap(ErrCacheCorrupt, err.Error())
	}
	return nil
}

// Age returns how old the entry is, or an error on miss/corruption.
func (m *Manager) Age(key string) (time.Duration, error) {
	env, err := m.read(key)
	if err != nil {
		return 0, err
	}
	return m.now().Sub(env.CachedAt), nil
}

func (m *Manager) read(key string) (*envelope, error) {
	data, err := os.ReadFile(m.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheMiss
		}
		return nil, errors.Wrap(err, "read cache entry")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.WithField("key", key).WithError(err).Warn("corrupt cache entry")
		return nil, errors.Wrap(ErrCacheCorrupt, err.Error())
	}
	if env.CachedAt.IsZero() || env.Payload == nil {
		return nil, errors.Wrap(ErrCacheCorrupt, "missing envelope fields")
	}
	return &env, nil
}

// Put overwrites the entry for key with payload, stamped now. The write
// is atomic: serialized to a temp file in the cache root, then renamed.
func (m *Manager) Put(key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal cache payload")
	}
	env := envelope{CachedAt: m.now().UTC(), Payload: raw}
	data, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal cache envelope")
	}
	return atomicWriteFile(m.Path(key), data)
}

// Invalidate removes a single entry. Missing entries are not an error.
func (m *Manager) Invalidate(key string) error {
	if err := os.Remove(m.Path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "invalidate cache entry")
	}
	return nil
}

// InvalidateAll removes every cached response under the root. Tracking
// state sharing the directory (latest-version markers, prerelease
// records) is deliberately kept: it is state, not cache.
func (m *Manager) InvalidateAll() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return errors.Wrap(err, "list cache dir")
	}
	var firstErr error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if strings.HasPrefix(e.Name(), "latest_") || strings.HasPrefix(e.Name(), "prerelease_") {
			continue
		}
		if err := os.Remove(filepath.Join(m.root, e.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "publish cache entry")
	}
	return nil
}
