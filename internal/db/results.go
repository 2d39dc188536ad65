package db

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
)

// StoredResult is one row of the results table.
type StoredResult struct {
	inference.Result
	HeapUsed  uint64 `json:"heap_used"`
	StackUsed uint64 `json:"stack_used"`
}

// RecordResult stores r under runID along with the heap and busiest-stack
// figures from snap.
func (db *DB) RecordResult(runID string, r inference.Result, snap healthmon.DebugSnapshot) error {
	var stack uint64
	if c, ok := snap.Busiest(); ok {
		stack = c.Usage
	}
	_, err := db.Exec(`
		INSERT INTO results (
			run_id, seq, ts_us, gesture, confidence, latency_us,
			score_idle, score_wave, score_tap, score_circle,
			heap_used, stack_used
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Sequence, r.TimestampMicros, r.Gesture.String(), r.Confidence, r.InferenceMicros,
		r.Scores[inference.Idle], r.Scores[inference.Wave], r.Scores[inference.Tap], r.Scores[inference.Circle],
		int64(snap.HeapUsed), int64(stack),
	)
	return err
}

// Results returns up to limit results for runID in sequence order. A
// limit of zero or less returns all of them.
func (db *DB) Results(runID string, limit int) ([]StoredResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT seq, ts_us, gesture, confidence, latency_us,
		       score_idle, score_wave, score_tap, score_circle,
		       heap_used, stack_used
		FROM results WHERE run_id = ?
		ORDER BY seq LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredResult
	for rows.Next() {
		var (
			sr      StoredResult
			gesture string
			scores  [inference.GestureCount]float64
			conf    float64
			heap    int64
			stack   int64
		)
		if err := rows.Scan(
			&sr.Sequence, &sr.TimestampMicros, &gesture, &conf, &sr.InferenceMicros,
			&scores[0], &scores[1], &scores[2], &scores[3],
			&heap, &stack,
		); err != nil {
			return nil, err
		}
		g, err := inference.ParseGesture(gesture)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", sr.Sequence, err)
		}
		sr.Gesture = g
		sr.Confidence = float32(conf)
		for i, s := range scores {
			sr.Scores[i] = float32(s)
		}
		sr.HeapUsed, sr.StackUsed = uint64(heap), uint64(stack)
		out = append(out, sr)
	}
	return out, rows.Err()
}

// LatencyStats summarises computation latency for one run, in
// microseconds.
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_us"`
	Max    float64 `json:"max_us"`
	Mean   float64 `json:"mean_us"`
	StdDev float64 `json:"stddev_us"`
	P50    float64 `json:"p50_us"`
	P95    float64 `json:"p95_us"`
	P99    float64 `json:"p99_us"`
	// Gestures counts results per label.
	Gestures map[string]int `json:"gestures"`
}

// LatencyStats computes the latency distribution of runID. A run with no
// results yields a zero Count.
func (db *DB) LatencyStats(runID string) (LatencyStats, error) {
	rows, err := db.Query(`SELECT latency_us, gesture FROM results WHERE run_id = ?`, runID)
	if err != nil {
		return LatencyStats{}, err
	}
	defer rows.Close()

	st := LatencyStats{Gestures: make(map[string]int)}
	var lat []float64
	for rows.Next() {
		var (
			us      float64
			gesture string
		)
		if err := rows.Scan(&us, &gesture); err != nil {
			return LatencyStats{}, err
		}
		lat = append(lat, us)
		st.Gestures[gesture]++
	}
	if err := rows.Err(); err != nil {
		return LatencyStats{}, err
	}
	return SummariseLatency(lat, st.Gestures), nil
}

// SummariseLatency fills a LatencyStats from raw microsecond samples. lat
// is sorted in place.
func SummariseLatency(lat []float64, gestures map[string]int) LatencyStats {
	st := LatencyStats{Count: len(lat), Gestures: gestures}
	if len(lat) == 0 {
		return st
	}
	sort.Float64s(lat)
	st.Min, st.Max = lat[0], lat[len(lat)-1]
	st.Mean = stat.Mean(lat, nil)
	if len(lat) > 1 {
		st.StdDev = stat.StdDev(lat, nil)
	}
	st.P50 = stat.Quantile(0.50, stat.Empirical, lat, nil)
	st.P95 = stat.Quantile(0.95, stat.Empirical, lat, nil)
	st.P99 = stat.Quantile(0.99, stat.Empirical, lat, nil)
	return st
}
