package main

import (
	"fmt"
	"image/color"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// writeHTML renders the interactive report: latency distribution, latency
// over time, percentiles and per-gesture averages.
func (r report) writeHTML(w io.Writer, title string) error {
	size := opts.Initialization{PageTitle: title, Width: "900px", Height: "420px"}
	tooltip := charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)})

	hist := charts.NewBar()
	hist.SetGlobalOptions(
		charts.WithInitializationOpts(size),
		charts.WithTitleOpts(opts.Title{Title: "Latency Distribution", Subtitle: fmt.Sprintf("n=%d", r.Overall.Count)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "us", NameLocation: "middle", NameGap: 30}),
		tooltip,
	)
	labels := make([]string, len(r.Buckets))
	counts := make([]opts.BarData, len(r.Buckets))
	for i, b := range r.Buckets {
		labels[i] = fmt.Sprintf("%.0f-%.0f", b.Lo, b.Hi)
		counts[i] = opts.BarData{Value: b.Count}
	}
	hist.SetXAxis(labels).AddSeries("count", counts)

	series := charts.NewLine()
	series.SetGlobalOptions(
		charts.WithInitializationOpts(size),
		charts.WithTitleOpts(opts.Title{Title: "Latency Over Time"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Inference", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "us"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		tooltip,
	)
	x := make([]int, len(r.Latencies))
	y := make([]opts.LineData, len(r.Latencies))
	for i, v := range r.Latencies {
		x[i] = i + 1
		y[i] = opts.LineData{Value: v}
	}
	series.SetXAxis(x).AddSeries("latency", y)

	pct := charts.NewBar()
	pct.SetGlobalOptions(
		charts.WithInitializationOpts(size),
		charts.WithTitleOpts(opts.Title{Title: "Latency Percentiles"}),
		tooltip,
	)
	pLabels := make([]string, len(reportPercentiles))
	pValues := make([]opts.BarData, len(reportPercentiles))
	for i, p := range reportPercentiles {
		pLabels[i] = "P" + strconv.Itoa(p)
		pValues[i] = opts.BarData{Value: r.Percentile[p]}
	}
	pct.SetXAxis(pLabels).AddSeries("us", pValues,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	byGesture := charts.NewBar()
	byGesture.SetGlobalOptions(
		charts.WithInitializationOpts(size),
		charts.WithTitleOpts(opts.Title{Title: "Latency by Gesture"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		tooltip,
	)
	avg := make([]opts.BarData, len(r.Gestures))
	p95 := make([]opts.BarData, len(r.Gestures))
	for i, g := range r.Gestures {
		avg[i] = opts.BarData{Value: r.ByGesture[g].Mean}
		p95[i] = opts.BarData{Value: r.ByGesture[g].P95}
	}
	byGesture.SetXAxis(r.Gestures).AddSeries("avg", avg).AddSeries("p95", p95)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(hist, series, pct, byGesture)
	return page.Render(w)
}

// writePNG renders a static two-panel summary: a histogram and the latency
// time series.
func (r report) writePNG(w io.Writer, bins int) error {
	hp := plot.New()
	hp.Title.Text = "Latency Distribution"
	hp.X.Label.Text = "Latency (us)"
	hp.Y.Label.Text = "Count"
	h, err := plotter.NewHist(plotter.Values(r.Latencies), bins)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	h.FillColor = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	hp.Add(h, plotter.NewGrid())

	tp := plot.New()
	tp.Title.Text = "Latency Over Time"
	tp.X.Label.Text = "Inference"
	tp.Y.Label.Text = "Latency (us)"
	pts := make(plotter.XYs, len(r.Latencies))
	for i, v := range r.Latencies {
		pts[i] = plotter.XY{X: float64(i + 1), Y: v}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to build time series: %w", err)
	}
	line.Width = vg.Points(1)
	tp.Add(line, plotter.NewGrid())

	const width, height = 14 * vg.Inch, 5 * vg.Inch
	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter * 4, PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{{hp, tp}}, tiles, dc)
	hp.Draw(canvases[0][0])
	tp.Draw(canvases[0][1])

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}
