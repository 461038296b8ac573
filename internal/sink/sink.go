// Package sink defines the consumers that subscribe to replay events.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/ridereplay/internal/event"
)

// Sink consumes events from a bus.
type Sink interface {
	Name() string
	// Init decodes the sink's options. A nil map selects the defaults.
	Init(options map[string]any) error
	// Start subscribes the sink to bus.
	Start(ctx context.Context, bus *event.Bus) error
	// Stop unsubscribes and flushes whatever the sink still holds.
	Stop(ctx context.Context) error
}

// Env carries what a sink may write to besides its own connections.
type Env struct {
	Stdout io.Writer
}

// Factory creates an uninitialized sink.
type Factory func(env Env) Sink

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a sink available by name. It panics on duplicates.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("sink %q already registered", name))
	}
	factories[name] = f
}

// New creates the sink registered under name. A nil env.Stdout means
// os.Stdout.
func New(name string, env Env) (Sink, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink %q not registered", name)
	}
	if env.Stdout == nil {
		env.Stdout = os.Stdout
	}
	return f(env), nil
}

// Names returns the registered sink names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions decodes options into out, which holds the defaults on entry.
// Durations may be given as strings; unknown keys are rejected.
func DecodeOptions(options map[string]any, out any) error {
	if options == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("invalid sink options: %w", err)
	}
	return nil
}

// ParseCategories resolves category names; an empty list selects all.
func ParseCategories(names []string) ([]event.Category, error) {
	if len(names) == 0 {
		return event.Categories(), nil
	}
	byName := make(map[string]event.Category)
	for _, c := range event.Categories() {
		byName[c.String()] = c
	}
	out := make([]event.Category, 0, len(names))
	for _, name := range names {
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown event category %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}
