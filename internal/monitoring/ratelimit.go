package monitoring

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LimitedLogger drops log entries beyond a fixed rate. The next entry that
// gets through carries the number suppressed since the previous one.
type LimitedLogger struct {
	log        *zap.Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimitedLogger allows burst entries at once and one per every after.
func NewLimitedLogger(l *zap.Logger, every time.Duration, burst int) *LimitedLogger {
	if burst < 1 {
		burst = 1
	}
	return &LimitedLogger{
		log: OrNop(l),
		lim: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Warn logs at warn level if the limiter allows it and reports whether it
// did.
func (l *LimitedLogger) Warn(msg string, fields ...zap.Field) bool {
	if !l.lim.Allow() {
		l.suppressed.Add(1)
		return false
	}
	if n := l.suppressed.Swap(0); n > 0 {
		fields = append(fields, zap.Uint64("suppressed", n))
	}
	l.log.Warn(msg, fields...)
	return true
}

// Suppressed returns the entries dropped since the last one logged.
func (l *LimitedLogger) Suppressed() uint64 { return l.suppressed.Load() }
