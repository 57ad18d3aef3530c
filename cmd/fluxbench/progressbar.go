package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progressBar displays the progression of the replay, with a table of stats updated
// asynchronously below it.
type progressBar struct {
	numSteps, lastStepReported int
	bar                        *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressBarUpdate
	updatesDone   sync.WaitGroup
}

type progressBarUpdate struct {
	amount int
	stats  [][2]string
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// newProgressBar starts displaying a progress bar for numSteps steps. Call done at the end.
func newProgressBar(numSteps int) *progressBar {
	pBar := &progressBar{
		numSteps:      numSteps,
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		updates:       make(chan progressBarUpdate, 100), // Large buffer so the replay is not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	pBar.updatesDone.Add(1)
	go pBar.draw()
	return pBar
}

func (pBar *progressBar) draw() {
	defer pBar.updatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, stat := range update.stats {
			pBar.statsTable.Row(stat[0], stat[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(len(update.stats) + 2 + 2)
		}
		pBar.isFirstOutput = false
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// step reports the steps completed so far, with the stats to display.
func (pBar *progressBar) step(completed int, stats [][2]string) {
	amount := completed - pBar.lastStepReported
	if amount <= 0 {
		return
	}
	pBar.lastStepReported = completed
	stats = append([][2]string{{"Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(completed)), humanize.Comma(int64(pBar.numSteps)))}}, stats...)
	pBar.updates <- progressBarUpdate{amount: amount, stats: stats}
}

// done waits for the pending updates to be displayed.
func (pBar *progressBar) done() {
	close(pBar.updates)
	pBar.updatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}
