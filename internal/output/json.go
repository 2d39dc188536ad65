package output

import (
	"io"
	"time"

	"github.com/bytedance/sonic"

	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
)

// JSONSink writes one JSON object per line. Every object carries a "type"
// field naming its record kind.
type JSONSink struct {
	out lockedWriter
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{out: lockedWriter{w: w}}
}

func (s *JSONSink) write(v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return s.out.write(append(b, '\n'))
}

func (s *JSONSink) Emit(r inference.Result, snap healthmon.DebugSnapshot) error {
	return s.write(newInferenceRecord(r, snap))
}

func (s *JSONSink) EmitDebug(snap healthmon.DebugSnapshot) error {
	return s.write(newDebugRecord(snap))
}

func (s *JSONSink) EmitStartup(b Banner) error {
	return s.write(StartupRecord{Type: TypeStartup, Version: b.Version, Board: b.Board, Timestamp: b.TimestampMicros})
}

func (s *JSONSink) EmitHeartbeat(uptime time.Duration, ts uint32) error {
	return s.write(newHeartbeatRecord(uptime, ts))
}

func (s *JSONSink) EmitError(code int, message string, ts uint32) error {
	return s.write(ErrorRecord{Type: TypeError, Timestamp: ts, Code: code, Message: message})
}
