package training

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	colorLossD = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	colorLossG = color.RGBA{R: 30, G: 90, B: 200, A: 255}
)

// PlotLossCurves renders the mean discriminator and generator loss per epoch
// to path. The image format follows the file extension (png, svg, pdf).
func PlotLossCurves(h History, path string) error {
	if len(h) == 0 {
		return fmt.Errorf("no epochs to plot")
	}

	p := plot.New()
	p.Title.Text = "Adversarial training loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Mean loss"
	p.Add(plotter.NewGrid())

	epochs, lossD, lossG := h.Series()
	for _, s := range []struct {
		name  string
		ys    []float64
		color color.Color
	}{
		{"discriminator", lossD, colorLossD},
		{"generator", lossG, colorLossG},
	} {
		pts := make(plotter.XYs, len(epochs))
		for i := range epochs {
			pts[i] = plotter.XY{X: epochs[i], Y: s.ys[i]}
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return fmt.Errorf("failed to build %s series: %w", s.name, err)
		}
		line.Color = s.color
		line.Width = vg.Points(1.5)
		points.Color = s.color
		points.Radius = vg.Points(2)
		p.Add(line, points)
		p.Legend.Add(s.name, line)
	}
	p.Legend.Top = true

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
