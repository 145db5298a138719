// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/finetune"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// plotHookPriority runs the loss curve after the validation and best weights hooks.
const plotHookPriority train.Priority = 300

// lossCurve collects the batch loss of every training step.
type lossCurve struct {
	path   string
	points plotter.XYs
}

// newLossCurveHook plots the training loss to path when the loop ends. SVG files are drawn
// with margaid, any other format supported by gonum/plot (png, jpg, pdf, ...) with gonum/plot.
func newLossCurveHook(path string) finetune.Hook {
	return func(loop *train.Loop) error {
		c := &lossCurve{path: path}
		loop.OnStep("loss curve", plotHookPriority, c.onStep)
		loop.OnEnd("loss curve", plotHookPriority, func(*train.Loop, []*tensors.Tensor) error { return c.save() })
		return nil
	}
}

func (c *lossCurve) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	if len(metrics) == 0 {
		return nil
	}
	// The first metric is the batch loss.
	var loss float64
	switch v := metrics[0].Value().(type) {
	case float32:
		loss = float64(v)
	case float64:
		loss = v
	default:
		return nil
	}
	c.points = append(c.points, plotter.XY{X: float64(loop.LoopStep + 1), Y: loss})
	return nil
}

func (c *lossCurve) save() error {
	if len(c.points) == 0 {
		klog.Warningf("no training steps to plot in %q", c.path)
		return nil
	}
	var err error
	if strings.EqualFold(filepath.Ext(c.path), ".svg") {
		err = c.saveSVG()
	} else {
		err = c.savePlot()
	}
	if err != nil {
		return errors.WithMessagef(err, "plotting the loss curve to %q", c.path)
	}
	klog.Infof("loss curve of %d steps saved to %q", len(c.points), c.path)
	return nil
}

func (c *lossCurve) savePlot() error {
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "Steps"
	p.Y.Label.Text = "Loss"
	line, err := plotter.NewLine(c.points)
	if err != nil {
		return err
	}
	p.Add(plotter.NewGrid(), line)
	return p.Save(10*vg.Inch, 4*vg.Inch, c.path)
}

func (c *lossCurve) saveSVG() error {
	series := mg.NewSeries(mg.Titled("batch loss"))
	for _, xy := range c.points {
		series.Add(mg.MakeValue(xy.X, xy.Y))
	}
	diagram := mg.New(1024, 400,
		mg.WithAutorange(mg.XAxis, series),
		mg.WithAutorange(mg.YAxis, series),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	diagram.Line(series, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingStrokeWidth(2))
	diagram.Axis(series, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(series, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "Loss")
	diagram.Frame()
	diagram.Title("Training loss")

	f, err := os.Create(c.path)
	if err != nil {
		return err
	}
	if err = diagram.Render(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
