// Package replay drives a capture through demultiplexing and decoding and
// publishes the resulting events in capture order.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"firestige.xyz/ridereplay/internal/capture"
	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/demux"
	"firestige.xyz/ridereplay/internal/event"
	"firestige.xyz/ridereplay/internal/metrics"
	"firestige.xyz/ridereplay/internal/protocol/companion"
	"firestige.xyz/ridereplay/internal/protocol/desktop"
)

// Config configures an engine.
type Config struct {
	Demux  demux.Config
	Pacing PacingConfig
}

// Option customizes an engine.
type Option func(*Engine)

// WithSleeper replaces the timer used for pacing.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleeper = s }
}

// Engine replays captures onto a bus. One engine may run several replays in
// sequence; each gets fresh decoder state.
type Engine struct {
	cfg     Config
	bus     *event.Bus
	sleeper Sleeper
}

// New returns an engine publishing to bus.
func New(cfg Config, bus *event.Bus, opts ...Option) *Engine {
	cfg.Pacing = cfg.Pacing.withDefaults()
	e := &Engine{cfg: cfg, bus: bus, sleeper: timerSleeper{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Replay runs the capture at path to completion. It fails only when the
// capture cannot be opened or read, or when ctx is done; every other problem
// is published as a Report and the replay continues. A truncated capture
// completes with Summary.Incomplete set and a nil error.
func (e *Engine) Replay(ctx context.Context, path string) (Summary, error) {
	started := time.Now()
	defer func() { metrics.ReplayDurationSeconds.Observe(time.Since(started).Seconds()) }()

	sum := newSummary(path)
	r, err := capture.Open(path)
	if err != nil {
		return sum, err
	}
	defer r.Close()
	sum.Format = r.Format()

	s := &session{
		bus:       e.bus,
		demux:     demux.New(e.cfg.Demux),
		companion: companion.NewDecoder(),
		pacer:     &pacer{cfg: e.cfg.Pacing, sleeper: e.sleeper},
		sum:       &sum,
	}
	defer s.release()

	for {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("replay %s: %w", path, err)
		}

		f, err := r.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.finish()
			return sum, nil
		case errors.Is(err, core.ErrIncompleteCapture):
			sum.Incomplete = true
			s.publish(s.report(err, r.Stats().Frames, time.Time{}, nil))
			s.finish()
			return sum, nil
		default:
			return sum, err
		}

		events := s.frame(f)
		if len(events) == 0 {
			continue
		}
		if err := s.pacer.wait(ctx, f.Timestamp); err != nil {
			// The frame's events are dropped, not emitted late.
			return sum, fmt.Errorf("replay %s: %w", path, err)
		}
		for _, ev := range events {
			s.publish(ev)
		}
	}
}

// session is the per-replay state. Nothing in it outlives one Replay call.
type session struct {
	bus       *event.Bus
	demux     *demux.Demux
	companion *companion.Decoder
	pacer     *pacer
	sum       *Summary

	lastTS  time.Time
	started bool
}

// frame runs one frame through the pipeline and returns the events to
// publish, reports included, in order.
func (s *session) frame(f capture.Frame) []event.Event {
	var out []event.Event
	s.sum.observeFrame(f.Timestamp, len(f.Data))

	if s.started && f.Timestamp.Before(s.lastTS) {
		err := fmt.Errorf("%w: frame %d at %s precedes %s", core.ErrTimestampRegression,
			f.Index, f.Timestamp.Format(time.RFC3339Nano), s.lastTS.Format(time.RFC3339Nano))
		out = append(out, s.report(err, f.Index, f.Timestamp, nil))
	}
	s.started, s.lastTS = true, f.Timestamp

	before := s.demux.Stats()
	payloads, err := s.demux.Feed(f)
	after := s.demux.Stats()
	metrics.StreamsActive.Set(float64(s.demux.Streams()))

	switch {
	case err != nil:
		metrics.FramesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		for _, e := range split(err) {
			out = append(out, s.report(e, f.Index, f.Timestamp, f.Data))
		}
	case after.Filtered > before.Filtered:
		metrics.FramesTotal.WithLabelValues(metrics.OutcomeFiltered).Inc()
	case after.Ignored > before.Ignored:
		metrics.FramesTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
	default:
		metrics.FramesTotal.WithLabelValues(metrics.OutcomeRouted).Inc()
	}

	for _, p := range payloads {
		s.sum.Payloads[p.Protocol.String()]++
		metrics.PayloadsTotal.WithLabelValues(p.Protocol.String(), p.Transport.String()).Inc()
		out = append(out, s.decode(p)...)
	}
	return out
}

func (s *session) decode(p core.Payload) []event.Event {
	switch p.Protocol {
	case core.ProtocolDesktop:
		return s.decodeDesktop(p)
	case core.ProtocolCompanion:
		var out []event.Event
		cmd, err := s.companion.Decode(p)
		if err != nil {
			out = append(out, s.payloadReport(p, err))
		}
		if cmd != nil {
			out = append(out, event.Command{Command: *cmd})
		}
		return out
	}
	return nil
}

func (s *session) decodeDesktop(p core.Payload) []event.Event {
	msg, err := desktop.Decode(p)
	if err != nil {
		// Unrecognized messages are only diagnostics.
		return []event.Event{s.payloadReport(p, err)}
	}

	meta := p.Ref()
	var ev event.Event
	switch m := msg.(type) {
	case desktop.PlayerState:
		return []event.Event{event.PlayerState{Meta: meta, State: m}}
	case desktop.ChatMessage:
		ev = event.Chat{Meta: meta, Message: m}
	case desktop.PlayerEnteredWorld:
		ev = event.PlayerEnteredWorld{Meta: meta, Entry: m}
	case desktop.RideOnGiven:
		ev = event.RideOn{Meta: meta, RideOn: m}
	}
	if ev == nil || p.Direction != core.Incoming {
		s.sum.Unrouted++
		return nil
	}
	return []event.Event{ev}
}

func (s *session) publish(ev event.Event) {
	if r, ok := ev.(event.Report); ok {
		kind := r.Report.Kind()
		s.sum.Reports[kind]++
		metrics.ReportsTotal.WithLabelValues(kind).Inc()
	} else {
		s.sum.Events[ev.Category().String()]++
	}
	metrics.EventsTotal.WithLabelValues(ev.Category().String()).Inc()
	s.bus.Publish(ev)
}

func (s *session) report(err error, frame uint64, ts time.Time, raw []byte) event.Report {
	return event.Report{Report: core.Report{Err: err, Frame: frame, Timestamp: ts, Raw: raw}}
}

func (s *session) payloadReport(p core.Payload, err error) event.Report {
	return event.Report{Report: core.Report{
		Err:       err,
		Frame:     p.Frame,
		Timestamp: p.Timestamp,
		Src:       p.Src,
		Dst:       p.Dst,
		Raw:       p.Data,
	}}
}

// finish reports streams left with partial messages at the end of a capture.
func (s *session) finish() {
	if local := s.demux.Local(); local.IsValid() {
		s.sum.LocalAddress = local.String()
	}
	s.sum.PendingCommands = s.companion.Pending()
	s.sum.AbandonedStreams = s.demux.Close()
	if s.sum.AbandonedStreams > 0 {
		err := fmt.Errorf("%w: %d streams ended with unframed bytes", core.ErrIncompleteStream, s.sum.AbandonedStreams)
		s.publish(s.report(err, s.sum.Frames, s.sum.End, nil))
	}
}

// release drops all decoder state; it runs on every exit path.
func (s *session) release() {
	s.demux.Close()
	s.companion.Reset()
	metrics.StreamsActive.Set(0)
}

// split unpacks errors joined by the demultiplexer.
func split(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
