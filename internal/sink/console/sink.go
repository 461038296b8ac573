// Package console prints replay events to the process output.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"firestige.xyz/ridereplay/internal/event"
	"firestige.xyz/ridereplay/internal/sink"
)

// Name is the registry name of the console sink.
const Name = "console"

func init() {
	sink.Register(Name, func(env sink.Env) sink.Sink { return New(env.Stdout) })
}

// Options configures the console sink.
type Options struct {
	Format     string   `mapstructure:"format"`     // text / json
	Timestamps bool     `mapstructure:"timestamps"` // Prefix text lines with the capture time
	Categories []string `mapstructure:"categories"` // Empty = all
}

// Sink writes one line per event.
type Sink struct {
	out        io.Writer
	opts       Options
	categories []event.Category

	mu      sync.Mutex
	bus     *event.Bus
	subs    []event.Subscription
	printed uint64
	failed  error
}

// New returns a console sink writing to out.
func New(out io.Writer) *Sink {
	return &Sink{out: out, opts: Options{Format: "text"}}
}

func (s *Sink) Name() string { return Name }

// Init decodes options.
func (s *Sink) Init(options map[string]any) error {
	opts := Options{Format: "text"}
	if err := sink.DecodeOptions(options, &opts); err != nil {
		return err
	}
	if opts.Format != "text" && opts.Format != "json" {
		return fmt.Errorf("invalid format %q, must be json or text", opts.Format)
	}
	cats, err := sink.ParseCategories(opts.Categories)
	if err != nil {
		return err
	}
	s.opts, s.categories = opts, cats
	return nil
}

// Start subscribes to the configured categories.
func (s *Sink) Start(_ context.Context, bus *event.Bus) error {
	if s.categories == nil {
		if err := s.Init(nil); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
	for _, c := range s.categories {
		s.subs = append(s.subs, bus.Subscribe(c, s.print))
	}
	slog.Debug("console sink started", "format", s.opts.Format, "categories", len(s.categories))
	return nil
}

// Stop unsubscribes and returns the first write error, if any.
func (s *Sink) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	s.subs = nil
	slog.Debug("console sink stopped", "total_printed", s.printed)
	return s.failed
}

// Printed returns the number of lines written.
func (s *Sink) Printed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.printed
}

func (s *Sink) print(e event.Event) {
	var err error
	if s.opts.Format == "json" {
		err = s.printJSON(e)
	} else {
		err = s.printText(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.failed == nil {
			s.failed = err
			slog.Error("console sink write failed", "error", err)
		}
		return
	}
	s.printed++
}

func (s *Sink) printText(e event.Event) error {
	line := sink.Line(e)
	if s.opts.Timestamps {
		if ts := sink.NewRecord(e).Timestamp; !ts.IsZero() {
			line = ts.Format("15:04:05.000") + " " + line
		}
	}
	_, err := fmt.Fprintln(s.out, line)
	return err
}

func (s *Sink) printJSON(e event.Event) error {
	data, err := json.Marshal(sink.NewRecord(e))
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	_, err = fmt.Fprintln(s.out, string(data))
	return err
}
