// Package sink defines the Sink interface and the concrete writers that
// implement it: newline-delimited JSON, the packed tiny86 binary format,
// and a human-readable text stream, one per `-F/--format` choice.
package sink

import "github.com/trailofbits/mttn/internal/ir"

// Sink receives StepRecords in order and a single Terminus at the end
// of the trace.
type Sink interface {
	// Step is called once per retired instruction, in program order.
	Step(rec ir.StepRecord) error
	// Finish is called exactly once, after the last Step, with the
	// reason the trace ended.
	Finish(t ir.Terminus) error
	// Close releases any underlying resources (file handles, buffers).
	Close() error
}

// Multi fans a single StepController loop out to more than one Sink, used
// by the CLI's -t flag to pair structured output with a text stream
// without duplicating the stepping loop itself.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a Sink that forwards every call to each of sinks, in
// order. Step and Finish stop at the first error; Close closes every sink
// and returns the first error it saw.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Step(rec ir.StepRecord) error {
	for _, s := range m.sinks {
		if err := s.Step(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Finish(t ir.Terminus) error {
	for _, s := range m.sinks {
		if err := s.Finish(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
