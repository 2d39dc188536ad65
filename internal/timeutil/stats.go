package timeutil

// TimingStats accumulates durations in microseconds. The zero value is ready
// to use. It is not safe for concurrent use; owners guard it.
type TimingStats struct {
	Count   uint32 `json:"count"`
	MinUS   uint32 `json:"min_us"`
	MaxUS   uint32 `json:"max_us"`
	AvgUS   uint32 `json:"avg_us"`
	TotalUS uint64 `json:"total_us"`
}

// Record adds one observation. Min stays 0 until the first observation.
func (s *TimingStats) Record(us uint32) {
	s.Count++
	s.TotalUS += uint64(us)
	if s.Count == 1 || us < s.MinUS {
		s.MinUS = us
	}
	if us > s.MaxUS {
		s.MaxUS = us
	}
	s.AvgUS = uint32(s.TotalUS / uint64(s.Count))
}

// Reset clears all counters.
func (s *TimingStats) Reset() {
	*s = TimingStats{}
}
