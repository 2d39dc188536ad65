package main

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/edgepipe/internal/db"
	"github.com/banshee-data/edgepipe/internal/output"
)

// point is one inference as the report sees it.
type point struct {
	Seq       uint32
	Gesture   string
	LatencyUS float64
	Heap      uint64
	Stack     uint64
}

// loadJSONL reads inference records from a JSON sink stream. Other record
// types and lines that are not JSON objects are skipped.
func loadJSONL(r io.Reader) ([]point, error) {
	var out []point
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec output.InferenceRecord
		if err := sonic.UnmarshalString(line, &rec); err != nil || rec.Type != output.TypeInference {
			continue
		}
		out = append(out, point{
			Seq:       rec.Sequence,
			Gesture:   rec.Gesture.String(),
			LatencyUS: float64(rec.LatencyUS),
			Heap:      rec.Heap,
			Stack:     rec.Stack,
		})
	}
	return out, sc.Err()
}

// loadRun reads one run's results from the results database. An empty
// runID selects the latest run.
func loadRun(store *db.DB, runID string) (db.Run, []point, error) {
	var run db.Run
	if runID == "" {
		latest, err := store.LatestRun()
		if err != nil {
			return db.Run{}, nil, err
		}
		run = latest
	} else {
		runs, err := store.Runs()
		if err != nil {
			return db.Run{}, nil, err
		}
		i := slices.IndexFunc(runs, func(r db.Run) bool { return r.ID == runID })
		if i < 0 {
			return db.Run{}, nil, fmt.Errorf("%w: %s", db.ErrRunNotFound, runID)
		}
		run = runs[i]
	}
	results, err := store.Results(run.ID, 0)
	if err != nil {
		return db.Run{}, nil, err
	}
	out := make([]point, len(results))
	for i, r := range results {
		out[i] = point{
			Seq:       r.Sequence,
			Gesture:   r.Gesture.String(),
			LatencyUS: float64(r.InferenceMicros),
			Heap:      r.HeapUsed,
			Stack:     r.StackUsed,
		}
	}
	return run, out, nil
}

// report is the analysed form of a set of points.
type report struct {
	Overall    db.LatencyStats
	ByGesture  map[string]db.LatencyStats
	Gestures   []string
	Latencies  []float64 // in sequence order
	HeapAvg    uint64
	HeapMax    uint64
	StackAvg   uint64
	StackMax   uint64
	Buckets    []bucket
	Percentile map[int]float64
}

type bucket struct {
	Lo, Hi float64
	Count  int
}

var reportPercentiles = []int{50, 75, 90, 95, 99}

func analyse(points []point, nBuckets int) report {
	rep := report{
		ByGesture:  make(map[string]db.LatencyStats),
		Percentile: make(map[int]float64),
	}
	perGesture := make(map[string][]float64)
	counts := make(map[string]int)
	var heaps, stacks []uint64
	for _, p := range points {
		rep.Latencies = append(rep.Latencies, p.LatencyUS)
		perGesture[p.Gesture] = append(perGesture[p.Gesture], p.LatencyUS)
		counts[p.Gesture]++
		if p.Heap > 0 {
			heaps = append(heaps, p.Heap)
		}
		if p.Stack > 0 {
			stacks = append(stacks, p.Stack)
		}
	}

	sorted := append([]float64(nil), rep.Latencies...)
	rep.Overall = db.SummariseLatency(sorted, counts)
	for g, lat := range perGesture {
		rep.ByGesture[g] = db.SummariseLatency(lat, nil)
		rep.Gestures = append(rep.Gestures, g)
	}
	sort.Strings(rep.Gestures)

	rep.HeapAvg, rep.HeapMax = avgMax(heaps)
	rep.StackAvg, rep.StackMax = avgMax(stacks)

	if len(sorted) > 0 {
		for _, p := range reportPercentiles {
			rep.Percentile[p] = stat.Quantile(float64(p)/100, stat.Empirical, sorted, nil)
		}
		rep.Buckets = histogram(sorted, nBuckets)
	}
	return rep
}

func avgMax(v []uint64) (avg, peak uint64) {
	if len(v) == 0 {
		return 0, 0
	}
	var sum uint64
	for _, x := range v {
		sum += x
		peak = max(peak, x)
	}
	return sum / uint64(len(v)), peak
}

// histogram splits sorted into n equal-width buckets between its minimum
// and maximum. Identical values collapse into a single bucket.
func histogram(sorted []float64, n int) []bucket {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if n < 1 || hi == lo {
		return []bucket{{Lo: lo, Hi: hi, Count: len(sorted)}}
	}
	width := (hi - lo) / float64(n)
	out := make([]bucket, n)
	for i := range out {
		out[i].Lo = lo + float64(i)*width
		out[i].Hi = out[i].Lo + width
	}
	for _, v := range sorted {
		i := int((v - lo) / width)
		if i >= n {
			i = n - 1
		}
		out[i].Count++
	}
	return out
}

func (r report) writeText(w io.Writer) {
	rule := strings.Repeat("=", 70)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "INFERENCE LATENCY ANALYSIS REPORT")
	fmt.Fprintln(w, rule)

	o := r.Overall
	fmt.Fprintln(w, "\n## Overall Latency Statistics (us)")
	fmt.Fprintf(w, "  Count:     %d\n", o.Count)
	fmt.Fprintf(w, "  Minimum:   %.0f\n", o.Min)
	fmt.Fprintf(w, "  Maximum:   %.0f\n", o.Max)
	fmt.Fprintf(w, "  Average:   %.1f\n", o.Mean)
	fmt.Fprintf(w, "  Std Dev:   %.1f\n", o.StdDev)
	fmt.Fprintf(w, "  Median:    %.0f\n", o.P50)
	fmt.Fprintf(w, "  P95:       %.0f\n", o.P95)
	fmt.Fprintf(w, "  P99:       %.0f\n", o.P99)

	fmt.Fprintln(w, "\n## Latency by Gesture (us)")
	fmt.Fprintf(w, "  %-10s %8s %10s %10s %10s\n", "Gesture", "Count", "Avg", "P50", "P95")
	for _, g := range r.Gestures {
		s := r.ByGesture[g]
		fmt.Fprintf(w, "  %-10s %8d %10.1f %10.0f %10.0f\n", g, s.Count, s.Mean, s.P50, s.P95)
	}

	if r.HeapMax > 0 || r.StackMax > 0 {
		fmt.Fprintln(w, "\n## Memory Usage")
		if r.HeapMax > 0 {
			fmt.Fprintf(w, "  Heap:  avg=%d bytes, max=%d bytes\n", r.HeapAvg, r.HeapMax)
		}
		if r.StackMax > 0 {
			fmt.Fprintf(w, "  Stack: avg=%d bytes, max=%d bytes\n", r.StackAvg, r.StackMax)
		}
	}

	if len(r.Buckets) > 0 {
		fmt.Fprintln(w, "\n## Latency Distribution")
		most := 0
		for _, b := range r.Buckets {
			most = max(most, b.Count)
		}
		for _, b := range r.Buckets {
			bar := strings.Repeat("#", b.Count*40/max(most, 1))
			fmt.Fprintf(w, "  %8.0f-%8.0f: %s (%d)\n", b.Lo, b.Hi, bar, b.Count)
		}
	}
	fmt.Fprintln(w, rule)
}
