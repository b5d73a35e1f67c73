package runner

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes the wait after a failed pass: base * 2^(failures-1), capped at max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter spreads each delay uniformly over [delay/2, delay).
	Jitter bool
}

// Next returns the delay after the given number of consecutive failures.
func (b Backoff) Next(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(failures-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if !b.Jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// nextDaily returns the next instant after now whose wall clock in loc is hh:mm.
func nextDaily(now time.Time, loc *time.Location, hhmm string) (time.Time, error) {
	at, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}
