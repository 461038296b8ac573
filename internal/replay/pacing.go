package replay

import (
	"context"
	"time"
)

// Pacing defaults.
const (
	DefaultSpeed  = 1.0
	DefaultMaxGap = 5 * time.Second
)

// PacingConfig controls optional real-time emission.
type PacingConfig struct {
	Enabled bool
	Speed   float64       // Playback multiplier; 2 plays twice as fast
	MaxGap  time.Duration // Upper bound on any single wait
}

func (c PacingConfig) withDefaults() PacingConfig {
	if c.Speed <= 0 {
		c.Speed = DefaultSpeed
	}
	if c.MaxGap <= 0 {
		c.MaxGap = DefaultMaxGap
	}
	return c
}

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pacer reproduces the gaps between frames that produced events.
type pacer struct {
	cfg     PacingConfig
	sleeper Sleeper
	last    time.Time
	started bool
}

// delay returns how long to wait before emitting events of a frame captured
// at ts, and records ts as the new reference.
func (p *pacer) delay(ts time.Time) time.Duration {
	if !p.started {
		p.started, p.last = true, ts
		return 0
	}
	gap := ts.Sub(p.last)
	p.last = ts
	if gap <= 0 {
		return 0
	}
	d := time.Duration(float64(gap) / p.cfg.Speed)
	return min(d, p.cfg.MaxGap)
}

func (p *pacer) wait(ctx context.Context, ts time.Time) error {
	if !p.cfg.Enabled {
		return nil
	}
	d := p.delay(ts)
	if d == 0 {
		return nil
	}
	return p.sleeper.Sleep(ctx, d)
}
