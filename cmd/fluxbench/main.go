// fluxbench replays the right-hand side graph of a distributed advection problem on a fluxgraph
// backend, and reports how long each step takes.
//
// Each rank of an in-process world builds its graph once, and the graphs of all ranks are run
// concurrently for every step, exchanging the face values of their neighbours:
//
//	fluxbench -backend=openmp -ranks=2 -steps=1000
//	fluxbench -backend="cuda:precision=single,mpi_type=aware" -nupts=64
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fluxgraph/backends"
	_ "github.com/gomlx/fluxgraph/backends/default"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/janpfeifer/must"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "", fmt.Sprintf(
		"Backend configuration, \"<name>:<options>\". If empty, $%s or the default backend is used.", backends.FLUXGRAPH_BACKEND))
	flagRanks    = flag.Int("ranks", 2, "Number of ranks of the in-process world.")
	flagSteps    = flag.Int("steps", 500, "Number of steps to replay.")
	flagNUpts    = flag.Int("nupts", 16, "Number of solution points per rank.")
	flagNVars    = flag.Int("nvars", 4, "Number of independent advected variables.")
	flagCFL      = flag.Float64("cfl", 0.5, "CFL number, the time step is cfl*h/velocity.")
	flagReport   = flag.Int("report", 50, "Estimate the rate of change every this number of steps. 0 disables it.")
	flagNoBar    = flag.Bool("nobar", false, "Disable the progress bar.")
	flagList     = flag.Bool("list", false, "List the registered backends and exit.")
)

// velocity of the advection.
const velocity = 1.0

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagList {
		for _, name := range backends.List() {
			fmt.Println(name)
		}
		return
	}
	if *flagRanks < 1 || *flagNUpts < 2 || *flagNVars < 1 || *flagSteps < 1 {
		klog.Errorf("Invalid problem size, see 'fluxbench -help'.")
		os.Exit(1)
	}

	var backend backends.Backend
	if *flagBackend == "" {
		backend = must.M1(backends.New())
	} else {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	}
	defer backend.Finalize()
	klog.Infof("Using backend %s", backend.Description())

	world := comm.NewWorld(*flagRanks)
	p := problem{nupts: *flagNUpts, nvars: *flagNVars, velocity: velocity}
	p.dt = *flagCFL * p.h(world) / p.velocity
	ranks := make([]*rank, world.Size())
	for id := range ranks {
		ranks[id] = must.M1(newRank(backend, world, id, p))
	}
	initialMass := totalMass(ranks)
	queue := backend.NewQueue()

	var pBar *progressBar
	if !*flagNoBar {
		pBar = newProgressBar(*flagSteps)
	}
	durations := make([]time.Duration, 0, *flagSteps)
	var rates []float64
	var stats [][2]string
	start := time.Now()
	for step := range *flagSteps {
		stepStart := time.Now()
		var eg errgroup.Group
		for _, r := range ranks {
			eg.Go(r.graph.Run)
		}
		must.M(eg.Wait())
		durations = append(durations, time.Since(stepStart))

		completed := step + 1
		if *flagReport > 0 && (completed%*flagReport == 0 || completed == *flagSteps) {
			rates = rates[:0]
			for _, r := range ranks {
				rates = append(rates, must.M1(r.estimate(queue))...)
			}
			stats = [][2]string{
				{"Median step duration", formatDuration(median(durations))},
				{"Max rate of change", fmt.Sprintf("%.4g", slices.Max(rates))},
			}
		}
		if pBar != nil && (completed%10 == 0 || completed == *flagSteps) {
			pBar.step(completed, stats)
		}
	}
	elapsed := time.Since(start)
	if pBar != nil {
		pBar.done()
	}

	cacheStats := backend.Kernels().Stats()
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable()
	table.Row("backend", backend.Name())
	table.Row("capabilities", fmt.Sprintf("%+v", capabilitiesSummary(backend.Capabilities())))
	table.Row("precision", backend.Options().Precision.String())
	table.Row("ranks", humanize.Comma(int64(world.Size())))
	table.Row("unknowns", humanize.Comma(int64(world.Size()*p.nupts*p.nvars)))
	table.Row("graph nodes / rank", humanize.Comma(int64(ranks[0].graph.NumNodes())))
	table.Row("steps", humanize.Comma(int64(*flagSteps)))
	table.Row("total time", formatDuration(elapsed))
	table.Row("median step", formatDuration(median(durations)))
	table.Row("steps / second", humanize.CommafWithDigits(float64(len(durations))/elapsed.Seconds(), 1))
	table.Row("kernels compiled", humanize.Comma(cacheStats.Compiles))
	table.Row("kernel cache hits", fmt.Sprintf("%s (disk) / %s (memory)", humanize.Comma(cacheStats.DiskHits), humanize.Comma(cacheStats.MemoHits)))
	table.Row("mass drift", fmt.Sprintf("%.3g", math.Abs(totalMass(ranks)-initialMass)))
	fmt.Println(table.Render())
}

var (
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func capabilitiesSummary(c backends.Capabilities) map[string]bool {
	return map[string]bool{
		"concurrent": c.ConcurrentNodes,
		"fine":       c.FineGrainedQueue,
		"aware":      c.DeviceAwareExchange,
	}
}

func totalMass(ranks []*rank) float64 {
	var total float64
	for _, r := range ranks {
		total += must.M1(r.mass())
	}
	return total
}

// formatDuration rounds d to three significant digits, e.g. "1.23ms".
func formatDuration(d time.Duration) string {
	scale := time.Duration(1)
	for d/scale >= 1000 {
		scale *= 10
	}
	return d.Round(scale).String()
}

func median(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
