// Package testutil holds fixtures shared by the pipeline, API and command
// tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/edgepipe/internal/sensor"
)

// Samples returns n samples ramping away from a 1 g resting Z axis, 10ms
// apart.
func Samples(n int) []sensor.Sample {
	out := make([]sensor.Sample, n)
	for i := range out {
		out[i] = sensor.Sample{
			X:           int16(i * 40),
			Y:           int16(-i * 25),
			Z:           int16(8192 + i*10),
			TimestampUS: uint32(i * 10_000),
		}
	}
	return out
}

// CSV renders samples in the line format the file source replays.
func CSV(samples []sensor.Sample) string {
	var b strings.Builder
	b.WriteString("# x,y,z,ts_us\n")
	for _, s := range samples {
		fmt.Fprintf(&b, "%d,%d,%d,%d\n", s.X, s.Y, s.Z, s.TimestampUS)
	}
	return b.String()
}

// WriteFixture writes samples as CSV under t.TempDir and returns the path.
func WriteFixture(t testing.TB, samples []sensor.Sample) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.csv")
	if err := os.WriteFile(path, []byte(CSV(samples)), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// Get serves a GET for path from a loopback address, which the debug
// handlers require.
func Get(t testing.TB, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
