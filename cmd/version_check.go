package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Static errors for version checking
var (
	ErrVersionCheckFailed = errors.New("version check failed")
)

const (
	releaseAPIURL       = "https://api.github.com/repos/snapshotkit/exporter/releases/latest"
	versionCheckTimeout = 5 * time.Second
	versionCacheExpiry  = 24 * time.Hour
)

// VersionCheckResult contains the result of checking for updates
type VersionCheckResult struct {
	UpdateAvailable bool
	CurrentVersion  string
	LatestVersion   string
	ReleaseURL      string
	Error           error
}

// versionCache is the on-disk shape of a cached check.
type versionCache struct {
	UpdateAvailable bool      `json:"update_available"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseURL      string    `json:"release_url"`
	Timestamp       time.Time `json:"timestamp"`
}

// checkForUpdates queries the release API for the latest version and
// compares it with the running build. Failures are carried in the
// result, never raised: an unreachable API must not block an export.
func checkForUpdates(ctx context.Context, currentVersion string) VersionCheckResult {
	result := VersionCheckResult{CurrentVersion: currentVersion}

	// Development builds are never prompted to update
	if currentVersion == "dev" || currentVersion == "" {
		return result
	}

	if cached := readVersionCache(); cached != nil && time.Since(cached.Timestamp) < versionCacheExpiry {
		result.UpdateAvailable = cached.UpdateAvailable
		result.LatestVersion = cached.LatestVersion
		result.ReleaseURL = cached.ReleaseURL
		return result
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.HTTPClient.Timeout = versionCheckTimeout
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, releaseAPIURL, nil)
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result
	}
	req.Header.Set("User-Agent", fmt.Sprintf("snapshot-exporter/%s", currentVersion))

	resp, err := client.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to fetch latest release: %w", err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("%w: status %d", ErrVersionCheckFailed, resp.StatusCode)
		return result
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		result.Error = fmt.Errorf("failed to decode response: %w", err)
		return result
	}

	result.LatestVersion = strings.TrimPrefix(release.TagName, "v")
	result.ReleaseURL = release.HTMLURL
	result.UpdateAvailable = compareVersions(result.LatestVersion, strings.TrimPrefix(currentVersion, "v")) > 0

	writeVersionCache(versionCache{
		UpdateAvailable: result.UpdateAvailable,
		LatestVersion:   result.LatestVersion,
		ReleaseURL:      result.ReleaseURL,
		Timestamp:       time.Now(),
	})
	return result
}

// compareVersions compares two semantic version strings
// Returns: 1 if v1 > v2, -1 if v1 < v2, 0 if equal
func compareVersions(v1, v2 string) int {
	parts1 := parseVersion(v1)
	parts2 := parseVersion(v2)

	for i := 0; i < 3; i++ {
		if parts1[i] > parts2[i] {
			return 1
		}
		if parts1[i] < parts2[i] {
			return -1
		}
	}
	return 0
}

// parseVersion parses a semantic version string into [major, minor, patch]
func parseVersion(version string) [3]int {
	var parts [3]int
	components := strings.Split(version, ".")

	for i := 0; i < 3 && i < len(components); i++ {
		var num int
		_, _ = fmt.Sscanf(components[i], "%d", &num)
		parts[i] = num
	}

	return parts
}

func versionCachePath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".snapshot-exporter", "version_check.json")
}

func readVersionCache() *versionCache {
	data, err := os.ReadFile(versionCachePath())
	if err != nil {
		return nil
	}
	var cache versionCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}
	return &cache
}

func writeVersionCache(cache versionCache) {
	path := versionCachePath()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o600)
}

// formatUpdateMessage creates a user-friendly update notification message
func formatUpdateMessage(result VersionCheckResult) string {
	return fmt.Sprintf("Update available: v%s → v%s (visit %s)",
		result.CurrentVersion,
		result.LatestVersion,
		result.ReleaseURL,
	)
}
