package scraper

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Outcome is the result of writing one item.
type Outcome string

// Write outcomes.
const (
	OutcomeAdded     Outcome = "added"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeFailed    Outcome = "failed"
)

// Counts is per-kind run bookkeeping.
type Counts struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Degraded  int `json:"degraded"`
	Failed    int `json:"failed"`
}

func (c *Counts) record(o Outcome) {
	switch o {
	case OutcomeAdded:
		c.Added++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeUnchanged, OutcomeSkipped:
		c.Skipped++
	case OutcomeDegraded:
		c.Degraded++
	case OutcomeFailed:
		c.Failed++
	}
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c Counts) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("processed", c.Processed)
	enc.AddInt("skipped", c.Skipped)
	enc.AddInt("added", c.Added)
	enc.AddInt("updated", c.Updated)
	enc.AddInt("degraded", c.Degraded)
	enc.AddInt("failed", c.Failed)
	return nil
}

// ShowtimeCounts is showtime bookkeeping.
type ShowtimeCounts struct {
	Inserted   int `json:"inserted"`
	Duplicate  int `json:"duplicate"`
	Unresolved int `json:"unresolved"`
	Failed     int `json:"failed"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c ShowtimeCounts) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("inserted", c.Inserted)
	enc.AddInt("duplicate", c.Duplicate)
	enc.AddInt("unresolved", c.Unresolved)
	enc.AddInt("failed", c.Failed)
	return nil
}

// Summary describes one pass.
type Summary struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Movies     Counts         `json:"movies"`
	Cinemas    Counts         `json:"cinemas"`
	Showtimes  ShowtimeCounts `json:"showtimes"`
	Restarts   int            `json:"restarts"`
	Error      string         `json:"error,omitempty"`
}

// Fields renders the summary for a log line.
func (s Summary) Fields() []zap.Field {
	return []zap.Field{
		zap.String("run_id", s.RunID),
		zap.Duration("duration", s.FinishedAt.Sub(s.StartedAt)),
		zap.Object("movies", s.Movies),
		zap.Object("cinemas", s.Cinemas),
		zap.Object("showtimes", s.Showtimes),
		zap.Int("restarts", s.Restarts),
	}
}
