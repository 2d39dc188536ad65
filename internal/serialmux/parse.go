package serialmux

import "strings"

// Line kinds reported by ClassifyLine.
const (
	LineSample  = "sample"
	LineJSON    = "json"
	LineComment = "comment"
	LineText    = "text"
)

// ClassifyLine sorts a raw line from the sensor port. Sample lines are
// comma separated and start with a digit or sign; the board's boot banner
// and log output fall into the other kinds.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "" || strings.HasPrefix(line, "#"):
		return LineComment
	case strings.HasPrefix(line, "{"):
		return LineJSON
	case strings.Contains(line, ",") && strings.IndexAny(line[:1], "+-0123456789") == 0:
		return LineSample
	}
	return LineText
}
