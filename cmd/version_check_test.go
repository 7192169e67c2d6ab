package cmd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected int
	}{
		{"greater", "1.2.0", "1.1.0", 1},
		{"less", "1.1.0", "1.2.0", -1},
		{"equal", "1.1.0", "1.1.0", 0},
		{"major", "2.0.0", "1.9.9", 1},
		{"minor is numeric", "1.10.0", "1.9.0", 1},
		{"patch", "1.1.5", "1.1.4", 1},
		{"prefix ignored", "v1.2.0", "1.2.0", 0},
		{"prerelease suffix ignored", "1.2.0-rc1", "1.2.0", 0},
		{"missing patch", "1.2", "1.2.0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := compareVersions(tt.a, tt.b); got != tt.expected {
				t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected [3]int
	}{
		{"1.2.3", [3]int{1, 2, 3}},
		{"v0.4.0", [3]int{0, 4, 0}},
		{"3", [3]int{3, 0, 0}},
		{"x.y.z", [3]int{0, 0, 0}},
		{"1.2.3+build.7", [3]int{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseVersion(tt.input); got != tt.expected {
				t.Errorf("parseVersion(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func newTestReleaseChecker(t *testing.T, handler http.HandlerFunc) (*releaseChecker, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	return &releaseChecker{
		url:       server.URL,
		cachePath: filepath.Join(t.TempDir(), "release_check.json"),
		client:    server.Client(),
		now:       time.Now,
	}, &hits
}

func TestReleaseCheck(t *testing.T) {
	latest := func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v1.3.0","html_url":"https://example.com/r/1.3.0"}`))
	}

	t.Run("UpdateAvailable", func(t *testing.T) {
		checker, _ := newTestReleaseChecker(t, latest)
		check := checker.Check(context.Background(), "1.2.0")
		if check.Err != nil || !check.UpdateAvailable || check.Latest != "1.3.0" {
			t.Fatalf("unexpected check %+v", check)
		}
		if msg := formatUpdateMessage(check); msg != "Update available: v1.2.0 → v1.3.0 (https://example.com/r/1.3.0)" {
			t.Errorf("unexpected message %q", msg)
		}
	})

	t.Run("UpToDate", func(t *testing.T) {
		checker, _ := newTestReleaseChecker(t, latest)
		if check := checker.Check(context.Background(), "v1.3.0"); check.UpdateAvailable {
			t.Fatalf("expected no update, got %+v", check)
		}
	})

	t.Run("CachedAnswerReused", func(t *testing.T) {
		checker, hits := newTestReleaseChecker(t, latest)
		checker.Check(context.Background(), "1.2.0")
		check := checker.Check(context.Background(), "1.3.0")
		if hits.Load() != 1 {
			t.Fatalf("expected one request, got %d", hits.Load())
		}
		if check.UpdateAvailable {
			t.Fatal("cached answer must be compared against the running version")
		}
	})

	t.Run("ExpiredCacheRefetched", func(t *testing.T) {
		checker, hits := newTestReleaseChecker(t, latest)
		checker.Check(context.Background(), "1.2.0")
		checker.now = func() time.Time { return time.Now().Add(releaseCacheTTL + time.Minute) }
		checker.Check(context.Background(), "1.2.0")
		if hits.Load() != 2 {
			t.Fatalf("expected two requests, got %d", hits.Load())
		}
	})

	t.Run("DevBuildSkipped", func(t *testing.T) {
		checker, hits := newTestReleaseChecker(t, latest)
		for _, v := range []string{"dev", ""} {
			if check := checker.Check(context.Background(), v); check.UpdateAvailable || check.Err != nil {
				t.Fatalf("unexpected check for %q: %+v", v, check)
			}
		}
		if hits.Load() != 0 {
			t.Fatal("development builds must not query releases")
		}
	})

	t.Run("ServerError", func(t *testing.T) {
		checker, _ := newTestReleaseChecker(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		check := checker.Check(context.Background(), "1.2.0")
		if !errors.Is(check.Err, ErrReleaseCheckFailed) {
			t.Fatalf("expected ErrReleaseCheckFailed, got %v", check.Err)
		}
	})
}
