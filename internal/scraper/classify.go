package scraper

import (
	"context"
	"errors"
	"strings"
)

// Classification is the recovery class of a failure.
type Classification int

// Failure classes.
const (
	UnknownFailure Classification = iota
	BrowserFailure
	BlockingDetected
)

func (c Classification) String() string {
	switch c {
	case BrowserFailure:
		return "browser_failure"
	case BlockingDetected:
		return "blocking_detected"
	default:
		return "unknown_failure"
	}
}

var browserFailurePatterns = []string{
	"stopiteration",
	"timed out during opening handshake",
	"failed to connect to browser",
	"chrome not reachable",
	"session not created",
	"no such session",
	"invalid session id",
	"target closed",
	"connection refused",
	"connection reset",
	"broken pipe",
	"connect call failed",
	"browser process ended",
	"chrome has crashed",
	"websocket connection closed",
	"could not dial",
	"context deadline exceeded",
	"timed out",
	"timeout",
}

var blockingPatterns = []string{
	"cloudflare",
	"challenge",
	"captcha",
	"access denied",
	"blocked",
	"rate limit",
	"too many requests",
	"suspicious activity",
	"checking your browser",
}

// Classify maps an error to its recovery class. Typed errors win over text;
// browser patterns are checked before blocking patterns.
func Classify(err error) Classification {
	if err == nil {
		return UnknownFailure
	}

	var (
		timeoutErr *TimeoutError
		navErr     *NavigationError
		startErr   *StartupError
		blockedErr *BlockedError
	)
	switch {
	case errors.As(err, &blockedErr):
		return BlockingDetected
	case errors.As(err, &timeoutErr),
		errors.As(err, &navErr),
		errors.As(err, &startErr),
		errors.Is(err, ErrBrowserUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return BrowserFailure
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, browserFailurePatterns) {
		return BrowserFailure
	}
	if containsAny(msg, blockingPatterns) {
		return BlockingDetected
	}
	return UnknownFailure
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
