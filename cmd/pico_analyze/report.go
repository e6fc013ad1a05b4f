package main

import (
	"fmt"
	"math"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pico-lm/pico-analyze/ml/dynamics"
	"github.com/pico-lm/pico-analyze/ml/metrics"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			} else {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

// reportSummary prints what was recorded at the given step: per kind and component, the
// tensor shape and memory.
func reportSummary(loader *dynamics.Loader, location dynamics.CheckpointLocation, step int, split string) {
	bundle := must.M1(loader.GetCheckpointStates(location, step, split))
	fmt.Println(titleStyle.Render(fmt.Sprintf("States of %s, step %d (%s)", location, step, split)))
	if bundle.IsEmpty() {
		fmt.Println("No states recorded for this step and split.")
		return
	}
	table := newPlainTable(true)
	table.Row("Kind", "Component", "Shape", "Bytes")
	for _, kind := range bundle.Kinds() {
		components := bundle.States[kind]
		names := make([]string, 0, len(components))
		for name := range components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			t := components[name]
			table.Row(kind, name, t.String(), humanize.Bytes(uint64(t.Memory())))
		}
	}
	fmt.Println(table.Render())
	if bundle.Dataset != nil {
		fmt.Printf("Dataset snapshot: %s rows in %s\n", humanize.Comma(int64(bundle.Dataset.NumRows())), bundle.Dataset.Path)
	}
}

// reportConfig prints the training configuration, one row per top-level key.
func reportConfig(loader *dynamics.Loader, location dynamics.CheckpointLocation) {
	config := must.M1(loader.GetTrainingConfig(location))
	fmt.Println(titleStyle.Render(fmt.Sprintf("Training config of %s", location)))
	table := newPlainTable(true)
	table.Row("Key", "Value")
	keys := make([]string, 0, len(config))
	for key := range config {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		table.Row(key, fmt.Sprintf("%v", config[key]))
	}
	fmt.Println(table.Render())
}

// metricSeries maps component name to one metric value per requested step, aligned with
// the steps slice. Components missing at some step hold a NaN there.
type metricSeries map[string][]float64

// collectMetricSeries computes the metric over every component of the given kind, at every
// requested step.
func collectMetricSeries(loader *dynamics.Loader, location dynamics.CheckpointLocation,
	steps []int, split, kind string, metric metrics.Metric) metricSeries {
	series := make(metricSeries)
	for stepIdx, step := range steps {
		bundle := must.M1(loader.GetCheckpointStates(location, step, split))
		for name, t := range bundle.States[kind] {
			values, found := series[name]
			if !found {
				values = newNaNSeries(len(steps))
				series[name] = values
			}
			values[stepIdx] = must.M1(metric(t))
		}
	}
	return series
}

func newNaNSeries(n int) []float64 {
	values := make([]float64, n)
	for ii := range values {
		values[ii] = math.NaN()
	}
	return values
}

// reportMetric prints one row per component, one column per step.
func reportMetric(metricName, kind string, steps []int, series metricSeries) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s of %s", metricName, kind)))
	table := newPlainTable(true)
	header := make([]string, 1+len(steps))
	header[0] = "Component"
	for ii, step := range steps {
		header[1+ii] = fmt.Sprintf("step %s", humanize.Comma(int64(step)))
	}
	table.Row(header...)

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row := make([]string, 1+len(steps))
		row[0] = name
		for ii, value := range series[name] {
			if value != value { // NaN: not recorded at this step.
				row[1+ii] = "-"
			} else {
				row[1+ii] = fmt.Sprintf("%g", value)
			}
		}
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
