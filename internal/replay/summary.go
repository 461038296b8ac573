package replay

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Summary describes one finished or aborted replay.
type Summary struct {
	Path             string            `yaml:"path"`
	Format           string            `yaml:"format"`
	Frames           uint64            `yaml:"frames"`
	Bytes            uint64            `yaml:"bytes"`
	Payloads         map[string]uint64 `yaml:"payloads"` // By protocol
	Events           map[string]uint64 `yaml:"events"`   // By category
	Reports          map[string]uint64 `yaml:"reports"`  // By error kind
	Unrouted         uint64            `yaml:"unrouted"`
	AbandonedStreams int               `yaml:"abandoned_streams"`
	PendingCommands  int               `yaml:"pending_commands"`
	LocalAddress     string            `yaml:"local_address,omitempty"`
	Incomplete       bool              `yaml:"incomplete"`
	Start            time.Time         `yaml:"start,omitempty"`
	End              time.Time         `yaml:"end,omitempty"`
}

func newSummary(path string) Summary {
	return Summary{
		Path:     path,
		Payloads: make(map[string]uint64),
		Events:   make(map[string]uint64),
		Reports:  make(map[string]uint64),
	}
}

// Span returns the capture time covered by the frames read.
func (s Summary) Span() time.Duration {
	if s.Start.IsZero() || s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// TotalEvents returns the number of non-error events published.
func (s Summary) TotalEvents() uint64 {
	var n uint64
	for _, v := range s.Events {
		n += v
	}
	return n
}

// TotalReports returns the number of recoverable errors reported.
func (s Summary) TotalReports() uint64 {
	var n uint64
	for _, v := range s.Reports {
		n += v
	}
	return n
}

// YAML renders the summary for printing.
func (s Summary) YAML() ([]byte, error) { return yaml.Marshal(s) }

func (s *Summary) observeFrame(ts time.Time, size int) {
	s.Frames++
	s.Bytes += uint64(size)
	if s.Start.IsZero() || ts.Before(s.Start) {
		s.Start = ts
	}
	if ts.After(s.End) {
		s.End = ts
	}
}
