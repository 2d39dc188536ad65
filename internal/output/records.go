package output

import (
	"math"
	"time"

	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
)

// Record type tags.
const (
	TypeInference = "inference"
	TypeDebug     = "debug"
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"
	TypeStartup   = "startup"
)

// InferenceRecord is the wire form of one result. Heap and Stack come from
// the snapshot: heap bytes in use and the busiest context's stack bytes.
type InferenceRecord struct {
	Type      string            `json:"type"`
	Sequence  uint32            `json:"seq"`
	Timestamp uint32            `json:"ts"`
	Gesture   inference.Gesture `json:"gesture"`
	Conf      float64           `json:"conf"`
	LatencyUS uint32            `json:"latency_us"`
	Heap      uint64            `json:"heap"`
	Stack     uint64            `json:"stack"`
	Scores    []float64         `json:"scores"`
}

// DebugRecord summarises one monitor pass.
type DebugRecord struct {
	Type          string                    `json:"type"`
	Timestamp     uint32                    `json:"ts"`
	UptimeMS      uint64                    `json:"uptime_ms"`
	HeapUsed      uint64                    `json:"heap_used"`
	HeapFree      uint64                    `json:"heap_free"`
	StackUsed     uint64                    `json:"stack_used"`
	StackSize     uint64                    `json:"stack_size"`
	CPUUsage      float64                   `json:"cpu_usage"`
	StackWarnings uint64                    `json:"stack_warnings"`
	Contexts      []healthmon.ContextRecord `json:"contexts,omitempty"`
}

type HeartbeatRecord struct {
	Type      string `json:"type"`
	Timestamp uint32 `json:"ts"`
	UptimeMS  uint64 `json:"uptime_ms"`
}

type ErrorRecord struct {
	Type      string `json:"type"`
	Timestamp uint32 `json:"ts"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

type StartupRecord struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	Board     string `json:"board"`
	Timestamp uint32 `json:"ts"`
}

// round3 keeps three decimals, the precision the device console prints.
func round3(v float32) float64 {
	return math.Round(float64(v)*1000) / 1000
}

func newInferenceRecord(r inference.Result, snap healthmon.DebugSnapshot) InferenceRecord {
	var stack uint64
	if c, ok := snap.Busiest(); ok {
		stack = c.Usage
	}
	return RecordWithUsage(r, snap.HeapUsed, stack)
}

// RecordWithUsage builds the inference record for a result whose heap and
// stack figures were captured separately, as in the results database.
func RecordWithUsage(r inference.Result, heap, stack uint64) InferenceRecord {
	rec := InferenceRecord{
		Type:      TypeInference,
		Sequence:  r.Sequence,
		Timestamp: r.TimestampMicros,
		Gesture:   r.Gesture,
		Conf:      round3(r.Confidence),
		LatencyUS: r.InferenceMicros,
		Heap:      heap,
		Stack:     stack,
		Scores:    make([]float64, len(r.Scores)),
	}
	for i, s := range r.Scores {
		rec.Scores[i] = round3(s)
	}
	return rec
}

func newDebugRecord(snap healthmon.DebugSnapshot) DebugRecord {
	rec := DebugRecord{
		Type:          TypeDebug,
		Timestamp:     uint32(snap.UptimeMS * 1000),
		UptimeMS:      snap.UptimeMS,
		HeapUsed:      snap.HeapUsed,
		HeapFree:      snap.HeapFree,
		CPUUsage:      math.Round(snap.CPUPercent*10) / 10,
		StackWarnings: snap.StackWarnings,
		Contexts:      snap.Contexts,
	}
	if c, ok := snap.Busiest(); ok {
		rec.StackUsed, rec.StackSize = c.Usage, c.Capacity
	}
	return rec
}

func newHeartbeatRecord(uptime time.Duration, ts uint32) HeartbeatRecord {
	return HeartbeatRecord{Type: TypeHeartbeat, Timestamp: ts, UptimeMS: uint64(uptime.Milliseconds())}
}
