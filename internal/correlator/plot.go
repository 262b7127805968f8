package correlator

import (
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// writeScorePlot renders the z-score curve to a PNG for offline review of
// the correlation quality.
func writeScorePlot(path string, scores []float64) error {
	p := plot.New()
	p.Title.Text = "Cross-correlation"
	p.X.Label.Text = "lag bin"
	p.Y.Label.Text = "z-score"

	pts := make(plotter.XYs, len(scores))
	for i, s := range scores {
		pts[i].X = float64(i)
		pts[i].Y = s
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line, plotter.NewGrid())

	return p.Save(10*vg.Inch, 4*vg.Inch, path)
}
