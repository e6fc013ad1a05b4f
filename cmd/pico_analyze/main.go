// pico_analyze inspects the learning dynamics states saved by a training run: the
// per-layer weights, activations and gradients recorded at each checkpointed step, either
// in a local run directory or in a model-hub repository.
//
// Examples:
//
//	pico_analyze -run ~/runs/pico-small -step 1000 -summary
//	pico_analyze -repo pico-lm/pico-decoder-small -step 1000 -metric frobenius_norm -kind weights
//	pico_analyze -repo pico-lm/pico-decoder-small -steps 0,1000,2000 -metric condition_number -plot cond.png
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/pico-lm/pico-analyze/ml/dynamics"
	"github.com/pico-lm/pico-analyze/ml/metrics"
	"k8s.io/klog/v2"
)

var (
	flagRun    = flag.String("run", "", "Local training run directory to read checkpoint states from.")
	flagRepo   = flag.String("repo", "", "Model-hub repository to read checkpoint states from, e.g. \"pico-lm/pico-decoder-small\". "+
		"Mutually exclusive with -run.")
	flagBranch = flag.String("branch", "main", "Branch of -repo the run was saved to.")
	flagToken  = flag.String("token", "", "Hub authentication token, needed for private repositories. "+
		"Defaults to the HF_TOKEN environment variable.")
	flagCache  = flag.String("cache", "~/.cache/pico-analyze", "Directory to cache downloaded snapshots.")

	flagStep  = flag.Int("step", -1, "Training step to inspect.")
	flagSteps = flag.String("steps", "", "Comma-separated list of training steps, for reports across steps. "+
		"Defaults to -step only.")
	flagSplit = flag.String("split", "val", "Data split the states were recorded for (e.g. \"train\" or \"val\").")

	flagSummary = flag.Bool("summary", false, "Display a summary of the states recorded at -step: kinds, components, shapes and sizes.")
	flagConfig  = flag.Bool("config", false, "Display the training configuration of the run.")
	flagMetric  = flag.String("metric", "", fmt.Sprintf("Compute a per-component metric over the states at each step. "+
		"One of: %s.", strings.Join(metricNames(), ", ")))
	flagKind = flag.String("kind", dynamics.WeightsKind, "State kind the metric is computed over: "+
		"\"weights\", \"activations\" or \"gradients\".")
	flagPlot = flag.String("plot", "", "Render the -metric values across -steps to the given PNG file, one line per component.")
)

func main() {
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'pico_analyze -help'.", flag.Args())
		os.Exit(1)
	}
	if (*flagRun == "") == (*flagRepo == "") {
		klog.Errorf("Exactly one of -run or -repo must be given. See 'pico_analyze -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagConfig && *flagMetric == "" {
		klog.Errorf("Nothing to do: pass at least one of -summary, -config or -metric. See 'pico_analyze -help'.")
		os.Exit(1)
	}

	var location dynamics.CheckpointLocation
	if *flagRun != "" {
		location = dynamics.NewLocalLocation(*flagRun)
	} else {
		location = dynamics.NewRemoteLocation(*flagRepo, *flagBranch)
	}
	authToken := *flagToken
	if authToken == "" {
		authToken = os.Getenv("HF_TOKEN")
	}
	loader := dynamics.NewLoader(*flagCache).WithAuthToken(authToken)

	if *flagConfig {
		reportConfig(loader, location)
	}
	if *flagSummary {
		reportSummary(loader, location, requiredStep(), *flagSplit)
	}
	if *flagMetric != "" {
		metric, found := metrics.ByName[*flagMetric]
		if !found {
			klog.Errorf("Unknown metric %q. Available: %s.", *flagMetric, strings.Join(metricNames(), ", "))
			os.Exit(1)
		}
		steps := parseSteps()
		series := collectMetricSeries(loader, location, steps, *flagSplit, *flagKind, metric)
		reportMetric(*flagMetric, *flagKind, steps, series)
		if *flagPlot != "" {
			must.M(plotMetricSeries(*flagMetric, *flagKind, steps, series, *flagPlot))
			fmt.Printf("Plot written to %s\n", *flagPlot)
		}
	}
}

func requiredStep() int {
	if *flagStep < 0 {
		klog.Errorf("A training step is required: pass -step. See 'pico_analyze -help'.")
		os.Exit(1)
	}
	return *flagStep
}

// parseSteps returns the steps of -steps, or falls back to -step.
func parseSteps() []int {
	if *flagSteps == "" {
		return []int{requiredStep()}
	}
	var steps []int
	for _, part := range strings.Split(*flagSteps, ",") {
		step, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || step < 0 {
			klog.Errorf("Invalid step %q in -steps.", part)
			os.Exit(1)
		}
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps
}

func metricNames() []string {
	names := make([]string, 0, len(metrics.ByName))
	for name := range metrics.ByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
