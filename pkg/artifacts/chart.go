package artifacts

import (
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/justapithecus/orcheval/pkg/rank"
)

// No charting library appears anywhere in the retrieved example pack
// (see DESIGN.md); these renderers draw directly onto an image.RGBA
// canvas rather than shelling out to a plotting toolkit.

const (
	chartWidth  = 900
	chartHeight = 600
	chartMargin = 70
)

var (
	colorAxis       = color.RGBA{60, 60, 60, 255}
	colorBaseline   = color.RGBA{100, 149, 237, 255}
	colorChallenger = color.RGBA{220, 120, 60, 255}
	colorFrontier   = color.RGBA{200, 40, 40, 255}
	colorPoint      = color.RGBA{40, 120, 180, 255}
	colorBG         = color.RGBA{255, 255, 255, 255}
)

func newCanvas() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, chartWidth, chartHeight))
	fillRect(img, 0, 0, chartWidth, chartHeight, colorBG)
	return img
}

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.Set(x, y, c)
		}
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := sign(x1-x0), sign(y1-y0)
	err := dx + dy
	x, y := x0, y0
	for {
		img.Set(x, y, c)
		if x == x1 && y == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func drawDisc(img *image.RGBA, cx, cy, radius int, c color.Color) {
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if x*x+y*y <= radius*radius {
				img.Set(cx+x, cy+y, c)
			}
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	default:
		return 0
	}
}

func writePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// renderParetoChart scatters recall_at_10 (x) against p95_ms (y),
// overlaying the non-dominated frontier as a connected line, mirroring
// the source's matplotlib scatter-plus-frontier rendering.
func renderParetoChart(rows []rank.ParetoRow, outputPath string) error {
	img := newCanvas()
	drawLine(img, chartMargin, chartHeight-chartMargin, chartWidth-chartMargin, chartHeight-chartMargin, colorAxis)
	drawLine(img, chartMargin, chartMargin, chartMargin, chartHeight-chartMargin, colorAxis)

	if len(rows) == 0 {
		return writePNG(img, outputPath)
	}

	minRecall, maxRecall := rows[0].RecallAt10, rows[0].RecallAt10
	minLatency, maxLatency := rows[0].P95Ms, rows[0].P95Ms
	for _, r := range rows {
		minRecall, maxRecall = minMax(minRecall, maxRecall, r.RecallAt10)
		minLatency, maxLatency = minMax(minLatency, maxLatency, r.P95Ms)
	}
	if maxRecall == minRecall {
		maxRecall = minRecall + 1
	}
	if maxLatency == minLatency {
		maxLatency = minLatency + 1
	}

	project := func(recall, latency float64) (int, int) {
		plotW := float64(chartWidth - 2*chartMargin)
		plotH := float64(chartHeight - 2*chartMargin)
		px := chartMargin + int((recall-minRecall)/(maxRecall-minRecall)*plotW)
		py := chartHeight - chartMargin - int((latency-minLatency)/(maxLatency-minLatency)*plotH)
		return px, py
	}

	for _, r := range rows {
		x, y := project(r.RecallAt10, r.P95Ms)
		drawDisc(img, x, y, 5, colorPoint)
	}

	frontier := rank.ParetoFront(rows)
	var prevX, prevY int
	for i, r := range frontier {
		x, y := project(r.RecallAt10, r.P95Ms)
		if i > 0 {
			drawLine(img, prevX, prevY, x, y, colorFrontier)
		}
		drawDisc(img, x, y, 6, colorFrontier)
		prevX, prevY = x, y
	}

	return writePNG(img, outputPath)
}

func minMax(curMin, curMax, v float64) (float64, float64) {
	if v < curMin {
		curMin = v
	}
	if v > curMax {
		curMax = v
	}
	return curMin, curMax
}

// abMetric is one grouped-bar row of the AB chart.
type abMetric struct {
	Name       string
	Baseline   float64
	Challenger float64
}

// renderABChart draws a baseline-vs-challenger grouped bar chart across
// recall_at_10, p95_ms, and cost, mirroring the source's three-subplot
// matplotlib figure as three side-by-side bar groups on one canvas.
func renderABChart(metrics []abMetric, outputPath string) error {
	img := newCanvas()
	drawLine(img, chartMargin, chartHeight-chartMargin, chartWidth-chartMargin, chartHeight-chartMargin, colorAxis)
	drawLine(img, chartMargin, chartMargin, chartMargin, chartHeight-chartMargin, colorAxis)

	if len(metrics) == 0 {
		return writePNG(img, outputPath)
	}

	maxVal := 0.0
	for _, m := range metrics {
		maxVal = maxF(maxVal, maxF(m.Baseline, m.Challenger))
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	plotW := chartWidth - 2*chartMargin
	plotH := chartHeight - 2*chartMargin
	groupWidth := plotW / len(metrics)
	barWidth := groupWidth / 4

	for i, m := range metrics {
		groupX := chartMargin + i*groupWidth + groupWidth/4
		baseHeight := int(m.Baseline / maxVal * float64(plotH))
		challHeight := int(m.Challenger / maxVal * float64(plotH))

		fillRect(img,
			groupX, chartHeight-chartMargin-baseHeight,
			groupX+barWidth, chartHeight-chartMargin,
			colorBaseline)
		fillRect(img,
			groupX+barWidth+4, chartHeight-chartMargin-challHeight,
			groupX+2*barWidth+4, chartHeight-chartMargin,
			colorChallenger)
	}

	return writePNG(img, outputPath)
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
