package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrReleaseCheckFailed = errors.New("release check failed")

const (
	releasesURL         = "https://api.github.com/repos/airframesio/stumble-exporter/releases/latest"
	releaseCheckTimeout = 5 * time.Second
	releaseCacheTTL     = 24 * time.Hour
)

// Release is the subset of the latest-release response we read
type Release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// ReleaseCheck reports whether a newer exporter build is published
type ReleaseCheck struct {
	UpdateAvailable bool      `json:"update_available"`
	Current         string    `json:"-"`
	Latest          string    `json:"latest"`
	URL             string    `json:"url"`
	CheckedAt       time.Time `json:"checked_at"`
	Err             error     `json:"-"`
}

// releaseChecker fetches the latest release and caches the answer on disk
type releaseChecker struct {
	url       string
	cachePath string
	client    *http.Client
	now       func() time.Time
}

func newReleaseChecker() *releaseChecker {
	return &releaseChecker{
		url:       releasesURL,
		cachePath: filepath.Join(GetStateDir(), "release_check.json"),
		client:    &http.Client{Timeout: releaseCheckTimeout},
		now:       time.Now,
	}
}

// Check compares current against the latest release. Development builds are
// never checked. A cached answer younger than a day is reused.
func (c *releaseChecker) Check(ctx context.Context, current string) ReleaseCheck {
	current = strings.TrimPrefix(current, "v")
	if current == "" || current == "dev" {
		return ReleaseCheck{Current: current}
	}

	if cached, ok := c.cached(); ok {
		cached.Current = current
		cached.UpdateAvailable = compareVersions(cached.Latest, current) > 0
		return cached
	}

	check := ReleaseCheck{Current: current}
	release, err := c.fetch(ctx, current)
	if err != nil {
		check.Err = err
		return check
	}

	check.Latest = strings.TrimPrefix(release.TagName, "v")
	check.URL = release.HTMLURL
	check.CheckedAt = c.now()
	check.UpdateAvailable = compareVersions(check.Latest, current) > 0
	c.store(check)
	return check
}

func (c *releaseChecker) fetch(ctx context.Context, current string) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Release{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "stumble-exporter/"+current)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("%w: status %d", ErrReleaseCheckFailed, resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return Release{}, fmt.Errorf("failed to decode release: %w", err)
	}
	if release.TagName == "" {
		return Release{}, fmt.Errorf("%w: release has no tag", ErrReleaseCheckFailed)
	}
	return release, nil
}

func (c *releaseChecker) cached() (ReleaseCheck, bool) {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return ReleaseCheck{}, false
	}
	var check ReleaseCheck
	if err := json.Unmarshal(data, &check); err != nil {
		return ReleaseCheck{}, false
	}
	if c.now().Sub(check.CheckedAt) >= releaseCacheTTL {
		return ReleaseCheck{}, false
	}
	return check, true
}

func (c *releaseChecker) store(check ReleaseCheck) {
	data, err := json.Marshal(check)
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(c.cachePath), 0o755)
	_ = os.WriteFile(c.cachePath, data, 0o600)
}

// compareVersions returns 1 if a > b, -1 if a < b and 0 if equal.
// Pre-release and build suffixes are ignored.
func compareVersions(a, b string) int {
	pa, pb := parseVersion(a), parseVersion(b)
	for i := range pa {
		switch {
		case pa[i] > pb[i]:
			return 1
		case pa[i] < pb[i]:
			return -1
		}
	}
	return 0
}

// parseVersion splits "1.2.3-rc1" into [1 2 3]. Missing or malformed parts are 0.
func parseVersion(version string) [3]int {
	var parts [3]int
	version = strings.TrimPrefix(version, "v")
	if i := strings.IndexAny(version, "-+"); i >= 0 {
		version = version[:i]
	}
	for i, component := range strings.SplitN(version, ".", 3) {
		n, err := strconv.Atoi(component)
		if err == nil {
			parts[i] = n
		}
	}
	return parts
}

func formatUpdateMessage(check ReleaseCheck) string {
	return fmt.Sprintf("Update available: v%s → v%s (%s)", check.Current, check.Latest, check.URL)
}
