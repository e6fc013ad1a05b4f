package main

import (
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// plotMetricSeries renders one line per component, metric value against training step.
// The output format follows the file extension (.png, .svg, .pdf, ...).
func plotMetricSeries(metricName, kind string, steps []int, series metricSeries, outPath string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s of %s", metricName, kind)
	p.X.Label.Text = "training step"
	p.Y.Label.Text = metricName
	p.Legend.Top = true

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	for lineIdx, name := range names {
		var xys plotter.XYs
		for ii, value := range series[name] {
			if math.IsNaN(value) {
				continue
			}
			xys = append(xys, plotter.XY{X: float64(steps[ii]), Y: value})
		}
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to build line for component %q", name)
		}
		line.Color = plotutil.Color(lineIdx)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	return errors.Wrapf(p.Save(10*vg.Inch, 6*vg.Inch, outPath), "failed to save plot to %q", outPath)
}
