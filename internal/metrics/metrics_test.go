package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://HKMovie6.com/movie/1", "hkmovie6.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitAndObserve(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if scraperItemsTotal == nil || scraperRecoveriesTotal == nil || scraperRunsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(scraperItemsTotal.WithLabelValues("movie", "added"))
	ObserveItem("movie", "added")
	if got := testutil.ToFloat64(scraperItemsTotal.WithLabelValues("movie", "added")); got != before+1 {
		t.Errorf("expected items counter to grow by 1, got %f -> %f", before, got)
	}

	ObserveRecovery("browser_failure", "restart")
	ObserveRestart(true)
	ObserveRun("success", 2*time.Minute)
	ObserveProbe("https://example.com", "ok")
	SetConsecutiveFailures(2)
	if got := testutil.ToFloat64(scraperConsecutiveFailures); got != 2 {
		t.Errorf("expected consecutive failures gauge 2, got %f", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "scraper_items_total") {
		t.Error("expected scraper_items_total in exposition output")
	}
}
