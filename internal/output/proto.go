package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
)

// ProtoSink writes each record as a varint length prefix followed by a
// protobuf-encoded Envelope:
//
//	message Envelope {
//	  oneof record {
//	    Inference inference = 1;
//	    Debug     debug     = 2;
//	    Heartbeat heartbeat = 3;
//	    Error     error     = 4;
//	    Startup   startup   = 5;
//	  }
//	}
//	message Inference { uint32 seq = 1; uint32 ts = 2; uint32 gesture = 3;
//	  float conf = 4; uint32 latency_us = 5; uint64 heap = 6; uint64 stack = 7;
//	  repeated float scores = 8; }
//	message Debug { uint32 ts = 1; uint64 uptime_ms = 2; uint64 heap_used = 3;
//	  uint64 heap_free = 4; uint64 stack_used = 5; uint64 stack_size = 6;
//	  double cpu_usage = 7; uint64 stack_warnings = 8; }
//	message Heartbeat { uint32 ts = 1; uint64 uptime_ms = 2; }
//	message Error { uint32 ts = 1; sint32 code = 2; string message = 3; }
//	message Startup { string version = 1; string board = 2; uint32 ts = 3; }
type ProtoSink struct {
	out lockedWriter
}

// Envelope field numbers.
const (
	fieldInference protowire.Number = iota + 1
	fieldDebug
	fieldHeartbeat
	fieldError
	fieldStartup
)

var ErrBadFrame = errors.New("output: malformed protobuf frame")

func NewProtoSink(w io.Writer) *ProtoSink {
	return &ProtoSink{out: lockedWriter{w: w}}
}

func (s *ProtoSink) frame(field protowire.Number, msg []byte) error {
	var env []byte
	env = protowire.AppendTag(env, field, protowire.BytesType)
	env = protowire.AppendBytes(env, msg)
	b := protowire.AppendVarint(make([]byte, 0, len(env)+2), uint64(len(env)))
	return s.out.write(append(b, env...))
}

func appendUint(b []byte, n protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, n protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func (s *ProtoSink) Emit(r inference.Result, snap healthmon.DebugSnapshot) error {
	rec := newInferenceRecord(r, snap)
	var b []byte
	b = appendUint(b, 1, uint64(rec.Sequence))
	b = appendUint(b, 2, uint64(rec.Timestamp))
	b = appendUint(b, 3, uint64(rec.Gesture))
	b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(r.Confidence))
	b = appendUint(b, 5, uint64(rec.LatencyUS))
	b = appendUint(b, 6, rec.Heap)
	b = appendUint(b, 7, rec.Stack)
	var packed []byte
	for _, v := range r.Scores {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return s.frame(fieldInference, b)
}

func (s *ProtoSink) EmitDebug(snap healthmon.DebugSnapshot) error {
	rec := newDebugRecord(snap)
	var b []byte
	b = appendUint(b, 1, uint64(rec.Timestamp))
	b = appendUint(b, 2, rec.UptimeMS)
	b = appendUint(b, 3, rec.HeapUsed)
	b = appendUint(b, 4, rec.HeapFree)
	b = appendUint(b, 5, rec.StackUsed)
	b = appendUint(b, 6, rec.StackSize)
	b = protowire.AppendTag(b, 7, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(rec.CPUUsage))
	b = appendUint(b, 8, rec.StackWarnings)
	return s.frame(fieldDebug, b)
}

func (s *ProtoSink) EmitHeartbeat(uptime time.Duration, ts uint32) error {
	rec := newHeartbeatRecord(uptime, ts)
	var b []byte
	b = appendUint(b, 1, uint64(rec.Timestamp))
	b = appendUint(b, 2, rec.UptimeMS)
	return s.frame(fieldHeartbeat, b)
}

func (s *ProtoSink) EmitError(code int, message string, ts uint32) error {
	var b []byte
	b = appendUint(b, 1, uint64(ts))
	b = appendUint(b, 2, protowire.EncodeZigZag(int64(code)))
	b = appendString(b, 3, message)
	return s.frame(fieldError, b)
}

func (s *ProtoSink) EmitStartup(banner Banner) error {
	var b []byte
	b = appendString(b, 1, banner.Version)
	b = appendString(b, 2, banner.Board)
	b = appendUint(b, 3, uint64(banner.TimestampMicros))
	return s.frame(fieldStartup, b)
}

// Frame is one decoded ProtoSink record; exactly one pointer is set.
type Frame struct {
	Inference *InferenceRecord
	Debug     *DebugRecord
	Heartbeat *HeartbeatRecord
	Error     *ErrorRecord
	Startup   *StartupRecord
}

// FrameReader decodes the stream written by ProtoSink.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame, or io.EOF at a clean end of stream.
func (fr *FrameReader) Next() (Frame, error) {
	n, err := readUvarint(fr.r)
	if err != nil {
		return Frame{}, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return DecodeFrame(buf)
}

func readUvarint(r io.ByteReader) (uint64, error) {
	var x uint64
	for shift := uint(0); shift < 64; shift += 7 {
		c, err := r.ReadByte()
		if err != nil {
			if shift > 0 && err == io.EOF {
				return 0, fmt.Errorf("%w: truncated length", ErrBadFrame)
			}
			return 0, err
		}
		x |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return x, nil
		}
	}
	return 0, fmt.Errorf("%w: length overflow", ErrBadFrame)
}

// field is one decoded scalar or bytes value.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

func parseFields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// DecodeFrame decodes one Envelope without its length prefix.
func DecodeFrame(env []byte) (Frame, error) {
	outer, err := parseFields(env)
	if err != nil {
		return Frame{}, err
	}
	if len(outer) != 1 || outer[0].typ != protowire.BytesType {
		return Frame{}, fmt.Errorf("%w: envelope must hold exactly one record", ErrBadFrame)
	}
	fields, err := parseFields(outer[0].b)
	if err != nil {
		return Frame{}, err
	}

	var f Frame
	switch outer[0].num {
	case fieldInference:
		rec := &InferenceRecord{Type: TypeInference}
		for _, x := range fields {
			switch x.num {
			case 1:
				rec.Sequence = uint32(x.v)
			case 2:
				rec.Timestamp = uint32(x.v)
			case 3:
				rec.Gesture = inference.Gesture(x.v)
			case 4:
				rec.Conf = round3(math.Float32frombits(uint32(x.v)))
			case 5:
				rec.LatencyUS = uint32(x.v)
			case 6:
				rec.Heap = x.v
			case 7:
				rec.Stack = x.v
			case 8:
				for p := x.b; len(p) >= 4; p = p[4:] {
					v, _ := protowire.ConsumeFixed32(p)
					rec.Scores = append(rec.Scores, round3(math.Float32frombits(v)))
				}
			}
		}
		f.Inference = rec
	case fieldDebug:
		rec := &DebugRecord{Type: TypeDebug}
		for _, x := range fields {
			switch x.num {
			case 1:
				rec.Timestamp = uint32(x.v)
			case 2:
				rec.UptimeMS = x.v
			case 3:
				rec.HeapUsed = x.v
			case 4:
				rec.HeapFree = x.v
			case 5:
				rec.StackUsed = x.v
			case 6:
				rec.StackSize = x.v
			case 7:
				rec.CPUUsage = math.Float64frombits(x.v)
			case 8:
				rec.StackWarnings = x.v
			}
		}
		f.Debug = rec
	case fieldHeartbeat:
		rec := &HeartbeatRecord{Type: TypeHeartbeat}
		for _, x := range fields {
			switch x.num {
			case 1:
				rec.Timestamp = uint32(x.v)
			case 2:
				rec.UptimeMS = x.v
			}
		}
		f.Heartbeat = rec
	case fieldError:
		rec := &ErrorRecord{Type: TypeError}
		for _, x := range fields {
			switch x.num {
			case 1:
				rec.Timestamp = uint32(x.v)
			case 2:
				rec.Code = int(protowire.DecodeZigZag(x.v))
			case 3:
				rec.Message = string(x.b)
			}
		}
		f.Error = rec
	case fieldStartup:
		rec := &StartupRecord{Type: TypeStartup}
		for _, x := range fields {
			switch x.num {
			case 1:
				rec.Version = string(x.b)
			case 2:
				rec.Board = string(x.b)
			case 3:
				rec.Timestamp = uint32(x.v)
			}
		}
		f.Startup = rec
	default:
		return Frame{}, fmt.Errorf("%w: unknown record field %d", ErrBadFrame, outer[0].num)
	}
	return f, nil
}
