// Package probe checks that the site answers plain HTTP requests without a
// challenge page before a browser pass is spent on it.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/metrics"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/scraper"
)

// Probe statuses reported in Result and metrics.
const (
	StatusOK          = "ok"
	StatusBlocked     = "blocked"
	StatusHTTPError   = "http_error"
	StatusUnreachable = "unreachable"
)

// Config controls the probe collector.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Result summarises one probe.
type Result struct {
	URL        string        `json:"url"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Signature  string        `json:"signature,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Prober issues the probe request through colly.
type Prober struct {
	cfg       Config
	detector  scraper.BlockDetector
	logger    *zap.Logger
	collector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Prober. detector inspects response bodies for challenge pages.
func New(cfg Config, detector scraper.BlockDetector, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Prober{
		cfg:       cfg,
		detector:  detector,
		logger:    logger.Named("probe"),
		collector: c,
	}
}

// Probe fetches url once. Transport failures are reported in Result, not as errors;
// the error return is reserved for cancellation.
func (p *Prober) Probe(ctx context.Context, url string) (Result, error) {
	var (
		result   = Result{URL: url}
		body     []byte
		fetchErr error
	)
	start := time.Now()
	collector := p.buildCollector()
	p.configureHooks(collector, &result, &body, &fetchErr)

	err := runCollector(ctx, collector, url)
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("probe canceled: %w", ctx.Err())
	}
	if err != nil && fetchErr == nil {
		fetchErr = err
	}
	result.Duration = time.Since(start)

	switch {
	case fetchErr != nil && result.StatusCode == 0:
		result.Status = StatusUnreachable
		p.logger.Warn("probe failed", zap.String("url", url), zap.Error(fetchErr))
	default:
		if sig, blocked := p.detect(body); blocked {
			result.Status = StatusBlocked
			result.Signature = sig
		} else if result.StatusCode >= http.StatusBadRequest {
			result.Status = StatusHTTPError
		} else {
			result.Status = StatusOK
		}
		p.logger.Info("probe finished",
			zap.String("url", url),
			zap.String("status", result.Status),
			zap.Int("status_code", result.StatusCode),
			zap.Duration("duration", result.Duration),
		)
	}
	metrics.ObserveProbe(metrics.SanitizeSite(url), result.Status)
	return result, nil
}

func (p *Prober) detect(body []byte) (string, bool) {
	if p.detector == nil || len(body) == 0 {
		return "", false
	}
	return p.detector.Detect(string(body))
}

func (p *Prober) buildCollector() *colly.Collector {
	collector := p.collector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(p.cfg.Timeout)
	return collector
}

func (p *Prober) configureHooks(hooks collectorHooks, result *Result, body *[]byte, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
			*body = append([]byte(nil), r.Body...)
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("probe visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
