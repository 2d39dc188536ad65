// Package output renders pipeline results and diagnostics for the outside
// world: line-delimited JSON, human-readable text, length-delimited
// protobuf frames, a live subscriber feed and the result store.
//
// Output is best effort. A failing sink never stalls the pipeline; the
// caller logs and counts the error and moves on.
package output

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
)

// Sink receives every drained result together with the monitor's current
// snapshot.
type Sink interface {
	Emit(inference.Result, healthmon.DebugSnapshot) error
}

// DebugEmitter is implemented by sinks that also want the periodic
// monitor record.
type DebugEmitter interface {
	EmitDebug(healthmon.DebugSnapshot) error
}

// Announcer is implemented by sinks that report lifecycle events.
type Announcer interface {
	EmitStartup(Banner) error
	EmitHeartbeat(uptime time.Duration, tsMicros uint32) error
	EmitError(code int, message string, tsMicros uint32) error
}

// Banner identifies the running build in the startup record.
type Banner struct {
	Version         string
	Board           string
	TimestampMicros uint32
}

// Error codes carried by error records.
const (
	CodeSensor      = 1
	CodeComputation = 2
	CodeSink        = 3
	CodeResource    = 4
)

// Formats accepted by New.
const (
	FormatJSON  = "json"
	FormatText  = "text"
	FormatProto = "proto"
)

// New returns the writer-backed sink for format.
func New(format string, w io.Writer) (Sink, error) {
	switch format {
	case FormatJSON:
		return NewJSONSink(w), nil
	case FormatText:
		return NewTextSink(w), nil
	case FormatProto:
		return NewProtoSink(w), nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

// lockedWriter serialises whole records onto w.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(b)
	return err
}

// Multi emits to every sink and joins their errors. Optional interfaces are
// forwarded to the members that implement them.
type Multi []Sink

func (m Multi) Emit(r inference.Result, snap healthmon.DebugSnapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(r, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) EmitDebug(snap healthmon.DebugSnapshot) error {
	var errs []error
	for _, s := range m {
		if d, ok := s.(DebugEmitter); ok {
			if err := d.EmitDebug(snap); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m Multi) EmitStartup(b Banner) error {
	return m.announce(func(a Announcer) error { return a.EmitStartup(b) })
}

func (m Multi) EmitHeartbeat(uptime time.Duration, ts uint32) error {
	return m.announce(func(a Announcer) error { return a.EmitHeartbeat(uptime, ts) })
}

func (m Multi) EmitError(code int, message string, ts uint32) error {
	return m.announce(func(a Announcer) error { return a.EmitError(code, message, ts) })
}

func (m Multi) announce(f func(Announcer) error) error {
	var errs []error
	for _, s := range m {
		if a, ok := s.(Announcer); ok {
			if err := f(a); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ResultStore persists results; *db.DB satisfies it.
type ResultStore interface {
	RecordResult(runID string, r inference.Result, snap healthmon.DebugSnapshot) error
}

// Recorder adapts a ResultStore to Sink for one run.
type Recorder struct {
	Store ResultStore
	RunID string
}

func (r Recorder) Emit(res inference.Result, snap healthmon.DebugSnapshot) error {
	if err := r.Store.RecordResult(r.RunID, res, snap); err != nil {
		return fmt.Errorf("record result %d: %w", res.Sequence, err)
	}
	return nil
}

// Discard accepts and drops everything.
type Discard struct{}

func (Discard) Emit(inference.Result, healthmon.DebugSnapshot) error { return nil }
