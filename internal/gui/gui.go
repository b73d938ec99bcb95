package gui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

const LEN_LOGS = 25
const LEN_CONN = 14
const LEN_NODES = 32

// IncomingData is one snapshot of the seeder counters.
type IncomingData struct {
	Active    int32
	Tracked   int
	Available int
	Good      int
	Banned    int
	Requests  uint64
	Queries   uint64
	Probes    uint64
	Succeeded uint64
	Found     uint64
}

type GUI struct {
	ctx           context.Context
	ch            chan IncomingData
	logsCh        chan string
	threads       int
	last          IncomingData
	buffActive    []float64
	buffTracked   []float64
	buffAvailable []float64
	buffGood      []float64
	buffBanned    []float64
	buffLogs      []string
}

func New(ctx context.Context, ch chan IncomingData, logsCh chan string, threads int) *GUI {
	g := GUI{
		ctx:           ctx,
		ch:            ch,
		logsCh:        logsCh,
		threads:       threads,
		buffActive:    make([]float64, LEN_CONN),
		buffTracked:   make([]float64, LEN_NODES),
		buffAvailable: make([]float64, LEN_NODES),
		buffGood:      make([]float64, LEN_NODES),
		buffBanned:    make([]float64, LEN_NODES),
		buffLogs:      make([]string, LEN_LOGS),
	}
	return &g
}

// push applies one snapshot to the chart buffers.
func (g *GUI) push(d IncomingData) {
	g.last = d
	g.buffActive = buffAdd(g.buffActive, float64(d.Active))
	g.buffTracked = buffAdd(g.buffTracked, float64(d.Tracked))
	g.buffAvailable = buffAdd(g.buffAvailable, float64(d.Available))
	g.buffGood = buffAdd(g.buffGood, float64(d.Good))
	g.buffBanned = buffAdd(g.buffBanned, float64(d.Banned))
}

func (g *GUI) pushLog(line string) {
	if line == "" {
		return
	}
	g.buffLogs = append(g.buffLogs, line)[1:]
}

// buffers keep their length, oldest value falls off
func buffAdd(buff []float64, v float64) []float64 {
	buff = append(buff, v)
	return buff[1:]
}

func (g *GUI) Stop() {
	tui.Close()
}

// Start owns the terminal until ctx is done or the user quits.
func (g *GUI) Start() error {
	if err := tui.Init(); err != nil {
		return fmt.Errorf("failed to initialize termui: %w", err)
	}
	defer tui.Close()

	// GOOD RATIO
	progress := widgets.NewGauge()
	progress.Title = "Good / tracked"
	progress.BarColor = tui.ColorGreen
	progress.BorderStyle.Fg = tui.ColorWhite
	progress.Label = "Loading..."
	progress.LabelStyle = tui.NewStyle(tui.ColorWhite)

	// ACTIVE PROBES
	chartConn := widgets.NewSparkline()
	chartConn.MaxVal = float64(g.threads)
	chartConn.Data = []float64{0}
	chartConn.LineColor = tui.ColorMagenta
	chartConn.TitleStyle.Fg = tui.ColorWhite
	chartConnWrap := widgets.NewSparklineGroup(chartConn)
	chartConnWrap.Title = "Probes"

	// STATS
	stats := widgets.NewTable()
	stats.RowSeparator = false
	stats.FillRow = false
	stats.RowStyles[1] = tui.NewStyle(tui.ColorYellow)
	stats.RowStyles[2] = tui.NewStyle(tui.ColorGreen)
	stats.RowStyles[3] = tui.NewStyle(tui.ColorRed)
	stats.RowStyles[4] = tui.NewStyle(tui.ColorCyan)
	stats.RowStyles[5] = tui.NewStyle(tui.ColorMagenta)
	stats.Rows = g.getInfo()
	stats.TextStyle = tui.NewStyle(tui.ColorWhite)

	chartTracked := newPlot(tui.ColorWhite)
	chartAvailable := newPlot(tui.ColorYellow)
	chartGood := newPlot(tui.ColorGreen)
	chartBanned := newPlot(tui.ColorRed)

	// LOGS
	logs := widgets.NewParagraph()
	logs.WrapText = true
	logs.Text = "Loading..."
	logs.Title = "Logs"

	grid := tui.NewGrid()
	termWidth, termHeight := tui.TerminalDimensions()
	grid.SetRect(0, 0, termWidth, termHeight)
	grid.Set(
		tui.NewRow(0.25,
			tui.NewCol(0.2, stats),
			tui.NewCol(0.2, chartTracked),
			tui.NewCol(0.2, chartAvailable),
			tui.NewCol(0.2, chartGood),
			tui.NewCol(0.2, chartBanned),
		),
		tui.NewRow(0.65,
			tui.NewCol(0.85, logs),
			tui.NewCol(0.15, chartConnWrap),
		),
		tui.NewRow(0.1,
			tui.NewCol(1, progress),
		),
	)
	tui.Render(grid)

	uiEvents := tui.PollEvents()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return nil
		case d := <-g.ch:
			g.push(d)
		case line := <-g.logsCh:
			g.pushLog(line)
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(tui.Resize)
				grid.SetRect(0, 0, payload.Width, payload.Height)
				tui.Clear()
				tui.Render(grid)
			}
		case <-ticker.C:
			logs.Text = strings.Join(g.buffLogs, "\n")
			chartConnWrap.Sparklines[0].Data = g.buffActive

			if g.last.Tracked > 0 {
				ratio := float64(g.last.Good) / float64(g.last.Tracked) * 100
				progress.Percent = int(ratio)
				progress.Label = fmt.Sprintf("%.1f%%", ratio)
			} else {
				progress.Label = "Waiting for seeds..."
			}

			chartTracked.Data[0] = g.buffTracked
			chartAvailable.Data[0] = g.buffAvailable
			chartGood.Data[0] = g.buffGood
			chartBanned.Data[0] = g.buffBanned

			updateTitlePlot(chartTracked, g.last.Tracked, "Tracked")
			updateTitlePlot(chartAvailable, g.last.Available, "Available")
			updateTitlePlot(chartGood, g.last.Good, "Good")
			updateTitlePlot(chartBanned, g.last.Banned, "Banned")
			updateTitleChart(chartConnWrap, g.last.Active, "Probes")

			stats.Rows = g.getInfo()
			tui.Render(grid)
		}
	}
}

func newPlot(color tui.Color) *widgets.Plot {
	p := widgets.NewPlot()
	p.ShowAxes = false
	p.Data = [][]float64{make([]float64, LEN_NODES)}
	p.LineColors = []tui.Color{color} // force the color, bug
	return p
}

func (g *GUI) getInfo() [][]string {
	d := g.last
	return [][]string{
		{"Tracked", fmt.Sprintf("%d", d.Tracked)},
		{"Available", fmt.Sprintf("%d", d.Available)},
		{"Good", fmt.Sprintf("%d", d.Good)},
		{"Banned", fmt.Sprintf("%d", d.Banned)},
		{"DNS requests", fmt.Sprintf("%d", d.Requests)},
		{"DB queries", fmt.Sprintf("%d", d.Queries)},
		{"Probes", fmt.Sprintf("%d/%d", d.Active, g.threads)},
		{"Probes done", fmt.Sprintf("%d (%d ok)", d.Probes, d.Succeeded)},
		{"Addrs gossiped", fmt.Sprintf("%d", d.Found)},
	}
}

func updateTitleChart(chart *widgets.SparklineGroup, data int32, title string) {
	if data > 0 {
		title += fmt.Sprintf(": %d", data)
	}
	chart.Title = title
}

func updateTitlePlot(chart *widgets.Plot, data int, title string) {
	if data > 0 {
		title += fmt.Sprintf(" (%d)", data)
	}
	chart.Title = title
}
