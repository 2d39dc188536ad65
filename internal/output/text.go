package output

import (
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
)

// TextSink writes the console format operators read on the device's UART.
type TextSink struct {
	out lockedWriter
}

func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{out: lockedWriter{w: w}}
}

func (s *TextSink) printf(format string, args ...any) error {
	return s.out.write(fmt.Appendf(nil, format, args...))
}

func (s *TextSink) Emit(r inference.Result, _ healthmon.DebugSnapshot) error {
	return s.printf("[%d] GESTURE: %s (conf=%.2f, lat=%dus)\n",
		r.Sequence, r.Gesture, r.Confidence, r.InferenceMicros)
}

func (s *TextSink) EmitDebug(snap healthmon.DebugSnapshot) error {
	rec := newDebugRecord(snap)
	return s.printf("[DEBUG] Heap: %d/%d, Stack: %d/%d, CPU: %.1f%%\n",
		rec.HeapUsed, rec.HeapUsed+rec.HeapFree, rec.StackUsed, rec.StackSize, rec.CPUUsage)
}

func (s *TextSink) EmitStartup(b Banner) error {
	return s.printf("[STARTUP] edgepipe %s on %s\n", b.Version, b.Board)
}

func (s *TextSink) EmitHeartbeat(uptime time.Duration, _ uint32) error {
	return s.printf("[HEARTBEAT] Uptime: %d ms\n", uptime.Milliseconds())
}

func (s *TextSink) EmitError(code int, message string, _ uint32) error {
	return s.printf("[ERROR] Code %d: %s\n", code, message)
}
