package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/banshee-data/edgepipe/internal/monitoring"
	"github.com/banshee-data/edgepipe/internal/serialmux"
	"github.com/banshee-data/edgepipe/internal/timeutil"
)

// ErrMalformed wraps every ParseLine failure.
var ErrMalformed = errors.New("sensor: malformed sample line")

// ParseLine decodes "x,y,z" or "x,y,z,ts_us". Without a timestamp field the
// sample is stamped with now.
func ParseLine(line string, now uint32) (Sample, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 3 && len(fields) != 4 {
		return Sample{}, fmt.Errorf("%w: %d fields in %q", ErrMalformed, len(fields), line)
	}
	var axes [3]int16
	for i := range axes {
		v, err := strconv.ParseInt(strings.TrimSpace(fields[i]), 10, 16)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: axis %d: %w", ErrMalformed, i, err)
		}
		axes[i] = int16(v)
	}
	s := Sample{X: axes[0], Y: axes[1], Z: axes[2], TimestampUS: now}
	if len(fields) == 4 {
		ts, err := strconv.ParseUint(strings.TrimSpace(fields[3]), 10, 32)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: timestamp: %w", ErrMalformed, err)
		}
		s.TimestampUS = uint32(ts)
	}
	return s, nil
}

// LineSource replays samples from a text stream, one line per Read. Blank
// lines and lines starting with '#' are skipped. After the stream ends
// every Read returns ErrNotReady.
type LineSource struct {
	micros *timeutil.MicroClock

	mu    sync.Mutex
	scan  *bufio.Scanner
	done  bool
	err   error
	track tracker
}

// NewLineSource reads from r. Samples without a timestamp are stamped from
// clock, which may be nil.
func NewLineSource(r io.Reader, clock timeutil.Clock) *LineSource {
	return &LineSource{
		micros: timeutil.NewMicroClock(timeutil.OrReal(clock)),
		scan:   bufio.NewScanner(r),
	}
}

func (l *LineSource) Read() (Sample, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		l.track.notReady()
		return Sample{}, ErrNotReady
	}
	for l.scan.Scan() {
		line := strings.TrimSpace(l.scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := ParseLine(line, l.micros.NowMicros())
		if err != nil {
			l.track.failed()
			return Sample{}, err
		}
		l.track.read(s.TimestampUS)
		return s, nil
	}
	l.done = true
	l.err = l.scan.Err()
	if l.err != nil {
		l.track.failed()
		return Sample{}, l.err
	}
	l.track.notReady()
	return Sample{}, ErrNotReady
}

// Done reports whether the stream has been fully consumed, and the read
// error that ended it, if any.
func (l *LineSource) Done() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done, l.err
}

func (l *LineSource) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.track.stats
}

// SerialSource turns lines from a serial mux subscription into samples.
// Lines arrive asynchronously; Read returns the newest sample not yet
// read, or ErrNotReady. Older unread samples are superseded, as a polled
// data-ready register would be.
type SerialSource struct {
	mux    serialmux.Interface
	micros *timeutil.MicroClock
	log    *zap.Logger

	mu         sync.Mutex
	latest     Sample
	fresh      bool
	started    bool
	superseded uint64
	ignored    uint64
	track      tracker
}

// NewSerialSource subscribes to mux when Start is called.
func NewSerialSource(mux serialmux.Interface, clock timeutil.Clock, logger *zap.Logger) *SerialSource {
	return &SerialSource{
		mux:    mux,
		micros: timeutil.NewMicroClock(timeutil.OrReal(clock)),
		log:    monitoring.OrNop(logger).Named("serial_source"),
	}
}

// Start consumes the subscription until ctx ends or the mux closes. It
// blocks; run it on its own goroutine. The mux's Monitor must run
// separately.
func (s *SerialSource) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s.accept(line)
		}
	}
}

func (s *SerialSource) accept(line string) {
	if serialmux.ClassifyLine(line) != serialmux.LineSample {
		s.mu.Lock()
		s.ignored++
		s.mu.Unlock()
		s.log.Debug("ignoring line", zap.String("line", line))
		return
	}
	sample, err := ParseLine(line, s.micros.NowMicros())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.track.failed()
		return
	}
	if s.fresh {
		s.superseded++
	}
	s.latest, s.fresh = sample, true
}

func (s *SerialSource) Read() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return Sample{}, ErrNotInitialised
	}
	if !s.fresh {
		s.track.notReady()
		return Sample{}, ErrNotReady
	}
	s.fresh = false
	s.track.read(s.latest.TimestampUS)
	return s.latest, nil
}

func (s *SerialSource) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track.stats
}

// Dropped returns how many samples were superseded before being read and
// how many non-sample lines were ignored.
func (s *SerialSource) Dropped() (superseded, ignored uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superseded, s.ignored
}
