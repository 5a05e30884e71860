// Package github is the client-side contract against the GitHub REST
// API: release listings, commit history and content-tree listings for
// the Meshtastic repositories. It implements only what the sync engine
// consumes; callers layer caching on top.
package github

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpproxy"
)

const (
	apiBase = "https://api.github.com/repos"

	// FirmwareRepo and friends are the upstream coordinates the engine
	// synchronizes against.
	FirmwareRepo    = "meshtastic/firmware"
	AndroidRepo     = "meshtastic/Meshtastic-Android"
	ContentTreeRepo = "meshtastic/meshtastic.github.io"

	apiTimeout = 10 * time.Second

	// payloadHeaderTimeout bounds the wait for response headers on the
	// shared transport; payload bodies are bounded by context instead.
	payloadHeaderTimeout = 30 * time.Second

	// MaxPerPage is the GitHub list-endpoint page cap.
	MaxPerPage = 100
)

// ErrTransient classifies failures worth retrying: timeouts, connection
// resets, 5xx and 429 responses.
var ErrTransient = errors.New("transient upstream error")

// ReleaseAsset is one downloadable file attached to a release.
type ReleaseAsset struct {
	ID          int       `json:"id,omitempty"`
	Name        string    `json:"name,omitempty"`
	DownloadURL string    `json:"browser_download_url,omitempty"`
	Size        int64     `json:"size,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

func (a ReleaseAsset) String() string {
	return a.Name
}

// Release mirrors the fields of the releases endpoint the engine uses.
type Release struct {
	ID          int            `json:"id,omitempty"`
	Tag         string         `json:"tag_name,omitempty"`
	Name        string         `json:"name,omitempty"`
	Prerelease  bool           `json:"prerelease,omitempty"`
	Draft       bool           `json:"draft,omitempty"`
	PublishedAt time.Time      `json:"published_at,omitempty"`
	Assets      []ReleaseAsset `json:"assets,omitempty"`
	Body        string         `json:"body,omitempty"`
}

// Commit mirrors the commits endpoint.
type Commit struct {
	SHA    string `json:"sha,omitempty"`
	Commit struct {
		Message   string `json:"message,omitempty"`
		Committer struct {
			Date time.Time `json:"date,omitempty"`
		} `json:"committer,omitempty"`
	} `json:"commit,omitempty"`
}

// ContentEntry is one row of a contents listing (static tree browse).
type ContentEntry struct {
	Name        string `json:"name,omitempty"`
	Path        string `json:"path,omitempty"`
	SHA         string `json:"sha,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Type        string `json:"type,omitempty"` // "file" or "dir"
	DownloadURL string `json:"download_url,omitempty"`
}

// Client talks to api.github.com. A token is optional and only raises
// rate limits.
type Client struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewClient builds a client with the usual transport knobs: optional
// proxy, optional TLS verification skip for broken middleboxes.
func NewClient(token, proxy string, insecure bool) *Client {
	return &Client{
		token: token,
		client: &http.Client{
			Timeout: apiTimeout,
			Transport: &http.Transport{
				Proxy:                 GetProxy(proxy),
				TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure},
				ForceAttemptHTTP2:     true,
				ResponseHeaderTimeout: payloadHeaderTimeout,
			},
		},
	}
}

// GetProxy takes either an input string or reads the environment and
// returns a proxy function.
func GetProxy(proxy string) func(*http.Request) (*url.URL, error) {
	if len(proxy) > 0 {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			log.WithError(err).Error("bad proxy url")
		}
		return http.ProxyURL(proxyURL)
	}
	conf := httpproxy.FromEnvironment()
	if len(conf.HTTPProxy) > 0 || len(conf.HTTPSProxy) > 0 {
		log.WithFields(log.Fields{
			"http_proxy":  conf.HTTPProxy,
			"https_proxy": conf.HTTPSProxy,
			"no_proxy":    conf.NoProxy,
		}).Debug("proxy info from environment")
	}
	return http.ProxyFromEnvironment
}

// SetBaseURL points the client at a different API host. Tests use this
// to aim at an httptest server.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

// HTTPClient returns a client for payload downloads. It shares the
// proxy/TLS transport but drops the short API deadline: a firmware
// image on a slow link can legitimately take minutes, so only the run
// context and the header timeout bound it.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c.client.Transport}
}

func (c *Client) base() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return apiBase
}

func (c *Client) get(ctx context.Context, rawURL string, params map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "cannot create http request")
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if len(c.token) > 0 {
		req.Header.Add("Authorization", "token "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if isTransportTransient(err) {
			return errors.Wrapf(ErrTransient, "request %s: %v", req.URL.Path, err)
		}
		return errors.Wrap(err, "client failed to perform request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-Ratelimit-Remaining") == "0" {
			reset := resp.Header.Get("X-Ratelimit-Reset")
			return errors.Wrapf(ErrTransient, "rate limited until %s", rateResetString(reset))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return errors.Wrapf(ErrTransient, "server returned %s", resp.Status)
		}
		return fmt.Errorf("failed to connect to URL: %s", resp.Status)
	}

	document, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(ErrTransient, "failed to read github api JSON: %v", err)
	}
	if err := json.Unmarshal(document, out); err != nil {
		return errors.Wrap(err, "failed to unmarshal the github api JSON")
	}
	return nil
}

func isTransportTransient(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func rateResetString(reset string) string {
	if sec, err := strconv.ParseInt(reset, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC().Format(time.RFC3339)
	}
	return "unknown"
}

// Releases lists releases for a repo, newest first, capped at limit.
func (c *Client) Releases(ctx context.Context, repo string, limit int) ([]Release, error) {
	if limit <= 0 {
		limit = 10
	}
	perPage := limit
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	var all []Release
	for page := 1; len(all) < limit; page++ {
		var batch []Release
		url := fmt.Sprintf("%s/%s/releases", c.base(), repo)
		if err := c.get(ctx, url, map[string]string{
			"per_page": strconv.Itoa(perPage),
			"page":     strconv.Itoa(page),
		}, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			break
		}
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Commits lists the most recent commits of a repo, capped at limit.
// Duplicate SHAs across pages are dropped.
func (c *Client) Commits(ctx context.Context, repo string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 30
	}
	perPage := limit
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	seen := make(map[string]bool)
	var all []Commit
	for page := 1; len(all) < limit; page++ {
		var batch []Commit
		url := fmt.Sprintf("%s/%s/commits", c.base(), repo)
		if err := c.get(ctx, url, map[string]string{
			"per_page": strconv.Itoa(perPage),
			"page":     strconv.Itoa(page),
		}, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, commit := range batch {
			if commit.SHA != "" && seen[commit.SHA] {
				continue
			}
			seen[commit.SHA] = true
			all = append(all, commit)
			if len(all) >= limit {
				break
			}
		}
		if len(batch) < perPage {
			break
		}
	}
	return all, nil
}

// Contents lists one directory of a repo's content tree. An empty path
// lists the repository root.
func (c *Client) Contents(ctx context.Context, repo, path string) ([]ContentEntry, error) {
	url := fmt.Sprintf("%s/%s/contents", c.base(), repo)
	if path != "" {
		url += "/" + strings.TrimLeft(path, "/")
	}
	var entries []ContentEntry
	if err := c.get(ctx, url, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CommitTimestamp fetches the committer date for one SHA.
func (c *Client) CommitTimestamp(ctx context.Context, repo, sha string) (time.Time, error) {
	var commit Commit
	url := fmt.Sprintf("%s/%s/commits/%s", c.base(), repo, sha)
	if err := c.get(ctx, url, nil, &commit); err != nil {
		return time.Time{}, err
	}
	if commit.Commit.Committer.Date.IsZero() {
		return time.Time{}, fmt.Errorf("commit %s has no committer date", sha)
	}
	return commit.Commit.Committer.Date, nil
}
