// Package config is used to load the sync configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// FamilyConfig holds the per-family knobs: selection, retention and
// prerelease handling.
type FamilyConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	VersionsToKeep  int      `json:"versions_to_keep" mapstructure:"versions_to_keep"`
	SelectPatterns  []string `json:"select_patterns" mapstructure:"select_patterns"`
	ExcludePatterns []string `json:"exclude_patterns" mapstructure:"exclude_patterns"`
	Prereleases     bool     `json:"prereleases" mapstructure:"prereleases"`

	// MinVersion ignores releases older than a known-good cut, e.g. a
	// firmware generation a device fleet cannot roll back past. Empty
	// means no floor.
	MinVersion string `json:"min_version,omitempty" mapstructure:"min_version"`
}

// ExtractConfig controls selective unpacking of firmware archives.
type ExtractConfig struct {
	AutoExtract     bool     `json:"auto_extract" mapstructure:"auto_extract"`
	Patterns        []string `json:"patterns" mapstructure:"patterns"`
	ExcludePatterns []string `json:"exclude_patterns" mapstructure:"exclude_patterns"`
}

// NtfyConfig points the notification dispatcher at a topic. Empty server
// disables notifications.
type NtfyConfig struct {
	Server          string `json:"server" mapstructure:"server"`
	Topic           string `json:"topic" mapstructure:"topic"`
	NotifyOnNewOnly bool   `json:"notify_on_new_only" mapstructure:"notify_on_new_only"`
}

// RepoBrowseConfig selects directories of the static content tree to
// mirror under repo-dls.
type RepoBrowseConfig struct {
	Enabled     bool     `json:"enabled" mapstructure:"enabled"`
	Directories []string `json:"directories" mapstructure:"directories"`
}

// Config is the configuration struct
type Config struct {
	BaseDir  string `json:"base_dir" mapstructure:"base_dir"`
	CacheDir string `json:"cache_dir" mapstructure:"cache_dir"`

	Firmware FamilyConfig     `json:"firmware" mapstructure:"firmware"`
	Android  FamilyConfig     `json:"android" mapstructure:"android"`
	Repo     RepoBrowseConfig `json:"repo" mapstructure:"repo"`

	Extract ExtractConfig `json:"extract" mapstructure:"extract"`
	Ntfy    NtfyConfig    `json:"ntfy" mapstructure:"ntfy"`

	GithubToken string `json:"github_token" mapstructure:"github_token"`
	Proxy       string `json:"proxy" mapstructure:"proxy"`
	Insecure    bool   `json:"insecure" mapstructure:"insecure"`

	ReleaseScanCount int `json:"release_scan_count" mapstructure:"release_scan_count"`
	MaxConcurrent    int `json:"max_concurrent" mapstructure:"max_concurrent"`
	RetryCount       int `json:"retry_count" mapstructure:"retry_count"`

	// WifiOnly is a Termux heritage hint recorded for schedulers; the
	// engine itself cannot determine the link type portably.
	WifiOnly bool `json:"wifi_only" mapstructure:"wifi_only"`
}

const (
	defaultVersionsToKeep = 2
	defaultScanCount      = 10
	defaultMaxConcurrent  = 4
	defaultRetryCount     = 3
)

func (c *Config) verify() error {
	if c.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: failed to get user home directory: %v", err)
		}
		c.BaseDir = filepath.Join(home, "Meshtastic")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.BaseDir, ".cache")
	}
	if c.Firmware.VersionsToKeep <= 0 {
		c.Firmware.VersionsToKeep = defaultVersionsToKeep
	}
	if c.Android.VersionsToKeep <= 0 {
		c.Android.VersionsToKeep = defaultVersionsToKeep
	}
	if c.ReleaseScanCount <= 0 {
		c.ReleaseScanCount = defaultScanCount
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.RetryCount <= 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.GithubToken == "" {
		c.GithubToken = os.Getenv("GITHUB_TOKEN")
	}
	return nil
}

// Validate checks the fatal preconditions: the base directory must be
// creatable and writable. Everything else degrades gracefully.
func (c *Config) Validate() error {
	if err := c.verify(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.BaseDir, 0o755); err != nil {
		return fmt.Errorf("config: base dir not writable: %v", err)
	}
	probe, err := os.CreateTemp(c.BaseDir, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("config: base dir not writable: %v", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// FirmwareDir returns the root of the firmware download tree.
func (c *Config) FirmwareDir() string { return filepath.Join(c.BaseDir, "firmware") }

// AndroidDir returns the root of the APK download tree.
func (c *Config) AndroidDir() string { return filepath.Join(c.BaseDir, "apks") }

// PrereleaseDir returns where prerelease firmware versions land.
func (c *Config) PrereleaseDir() string {
	return filepath.Join(c.FirmwareDir(), "prerelease")
}

// RepoDLDir returns the mirror root for browsed content-tree files.
func (c *Config) RepoDLDir() string { return filepath.Join(c.BaseDir, "repo-dls") }

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	// Env overrides deliver list settings as a single space separated
	// string, which mapstructure leaves as a one element slice.
	for key, dst := range map[string]*[]string{
		"firmware.select_patterns":  &c.Firmware.SelectPatterns,
		"firmware.exclude_patterns": &c.Firmware.ExcludePatterns,
		"android.select_patterns":   &c.Android.SelectPatterns,
		"android.exclude_patterns":  &c.Android.ExcludePatterns,
		"extract.patterns":          &c.Extract.Patterns,
		"extract.exclude_patterns":  &c.Extract.ExcludePatterns,
		"repo.directories":          &c.Repo.Directories,
	} {
		if v := viper.Get(key); v != nil {
			*dst = cast.ToStringSlice(v)
		}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
