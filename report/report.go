// Package report records how the global test pool grows and plots it.
package report

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/util"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	DataFile = "test-cases.json"
	PlotFile = "test-cases.png"
)

// Sample is the state of the pool Seconds after the master started
type Sample struct {
	Seconds  float64 `json:"seconds"`
	All      int     `json:"all"`
	Received int     `json:"received"`
}

// History collects samples, it is safe for concurrent use
type History struct {
	lock    *sync.Mutex
	start   time.Time
	samples []Sample
}

func NewHistory() *History {
	return &History{
		lock:    new(sync.Mutex),
		start:   time.Now(),
		samples: make([]Sample, 0),
	}
}

func (h *History) Record(all, received int) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.samples = append(h.samples, Sample{
		Seconds:  time.Since(h.start).Seconds(),
		All:      all,
		Received: received,
	})
}

func (h *History) Samples() []Sample {
	h.lock.Lock()
	defer h.lock.Unlock()
	out := make([]Sample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Save writes the samples and their plot into dir
func (h *History) Save(dir string) error {
	samples := h.Samples()
	if err := util.WriteJSON(filepath.Join(dir, DataFile), samples); err != nil {
		return errors.Wrap(err, "writing report data")
	}
	return Plot(samples, filepath.Join(dir, PlotFile))
}

func Load(path string) ([]Sample, error) {
	samples := make([]Sample, 0)
	if err := util.ReadJSON(path, &samples); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return samples, nil
}

// Plot draws distinct and received test cases over time
func Plot(samples []Sample, out string) error {
	p := plot.New()
	p.Title.Text = "Test pool"
	p.X.Label.Text = "Seconds"
	p.Y.Label.Text = "Test cases"

	all := make(plotter.XYs, len(samples))
	received := make(plotter.XYs, len(samples))
	for i, s := range samples {
		all[i] = plotter.XY{X: s.Seconds, Y: float64(s.All)}
		received[i] = plotter.XY{X: s.Seconds, Y: float64(s.Received)}
	}
	for i, series := range []struct {
		name   string
		points plotter.XYs
	}{{"distinct", all}, {"received", received}} {
		if len(series.points) == 0 {
			continue
		}
		line, err := plotter.NewLine(series.points)
		if err != nil {
			return errors.Wrap(err, "building plot")
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, out)
}
