package track

import (
	"image"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/ridgeline-vision/feattrack/feature"
	"github.com/ridgeline-vision/feattrack/frame"
)

// waveFrame fills a raster with smooth texture shifted by (dx, dy) so flow
// estimation has gradients to work with.
func waveFrame(t *testing.T, size int, dx, dy float64) *frame.Gray {
	t.Helper()
	g, err := frame.NewGray(size, size)
	test.That(t, err, test.ShouldBeNil)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			fx := float64(x) - dx
			fy := float64(y) - dy
			g.Set(x, y, 100+60*math.Sin(2*math.Pi*fx/64)+40*math.Cos(2*math.Pi*fy/64))
		}
	}
	return g
}

func testTemplate(t *testing.T) *feature.Set {
	t.Helper()
	set, err := feature.NewSet([]feature.Descriptor{
		{Vector: []float64{1, 0, 0}, Position: r2.Point{X: 4, Y: 4}},
		{Vector: []float64{0, 1, 0}, Position: r2.Point{X: 8, Y: 10}},
		{Vector: []float64{0, 0, 1}, Position: r2.Point{X: 12, Y: 6}},
	})
	test.That(t, err, test.ShouldBeNil)
	return set
}

// shiftedDetections re-detects every template feature at its seeded position
// moved by (dx, dy).
func shiftedDetections(set *feature.Set, rect image.Rectangle, dx, dy float64) []feature.Descriptor {
	out := make([]feature.Descriptor, set.Len())
	for i := 0; i < set.Len(); i++ {
		d := set.At(i)
		out[i] = feature.Descriptor{
			Vector: d.Vector,
			Position: r2.Point{
				X: d.Position.X + float64(rect.Min.X) + dx,
				Y: d.Position.Y + float64(rect.Min.Y) + dy,
			},
		}
	}
	return out
}

func TestNewValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl := testTemplate(t)
	initial := waveFrame(t, 64, 0, 0)

	t.Run("nil template", func(t *testing.T) {
		_, err := New(nil, initial, image.Rect(20, 20, 36, 36), nil, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
	t.Run("nil frame", func(t *testing.T) {
		_, err := New(tmpl, nil, image.Rect(20, 20, 36, 36), nil, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
	t.Run("rectangle outside the frame", func(t *testing.T) {
		_, err := New(tmpl, initial, image.Rect(100, 100, 120, 120), nil, logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "outside the frame")
	})
	t.Run("invalid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxCandidates = 0
		_, err := New(tmpl, initial, image.Rect(20, 20, 36, 36), cfg, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestNewSeedsSession(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl := testTemplate(t)
	initial := waveFrame(t, 64, 0, 0)
	rect := image.Rect(20, 20, 36, 36)

	tr, err := New(tmpl, initial, rect, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.State(), test.ShouldEqual, Initialized)
	test.That(t, tr.Template(), test.ShouldEqual, tmpl)
	test.That(t, tr.Rect(), test.ShouldResemble, rect)
	test.That(t, tr.Window(), test.ShouldResemble, image.Rect(17, 17, 39, 39))
	test.That(t, tr.Points(), test.ShouldResemble, []r2.Point{
		{X: 24, Y: 24}, {X: 28, Y: 30}, {X: 32, Y: 26},
	})
	test.That(t, tr.ID().String(), test.ShouldNotEqual, "")
}

func TestUpdateIdenticalFrame(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl, err := feature.NewSet([]feature.Descriptor{
		{Vector: []float64{1, 0, 0}, Position: r2.Point{X: 10, Y: 10}},
	})
	test.That(t, err, test.ShouldBeNil)
	initial := waveFrame(t, 100, 0, 0)
	rect := image.Rect(0, 0, 20, 20)

	tr, err := New(tmpl, initial, rect, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	window := tr.Window()

	current := waveFrame(t, 100, 0, 0)
	detections := []feature.Descriptor{
		{Vector: []float64{1, 0, 0}, Position: r2.Point{X: 10, Y: 10}},
	}
	res, err := tr.Update(current, detections)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Ok, test.ShouldBeTrue)
	test.That(t, res.Matched, test.ShouldEqual, 1)
	test.That(t, res.Rect, test.ShouldResemble, rect)
	test.That(t, res.Window, test.ShouldResemble, window)
	test.That(t, tr.State(), test.ShouldEqual, Tracking)
}

func TestUpdateZeroDetections(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl := testTemplate(t)
	rect := image.Rect(20, 20, 36, 36)

	tr, err := New(tmpl, waveFrame(t, 64, 0, 0), rect, nil, logger)
	test.That(t, err, test.ShouldBeNil)

	res, err := tr.Update(waveFrame(t, 64, 0, 0), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Ok, test.ShouldBeTrue)
	test.That(t, res.Matched, test.ShouldEqual, 0)
	test.That(t, res.FlowOnly, test.ShouldEqual, 3)
	test.That(t, res.Rect, test.ShouldResemble, rect)
}

func TestUpdateFollowsMatches(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl := testTemplate(t)
	rect := image.Rect(20, 20, 36, 36)

	tr, err := New(tmpl, waveFrame(t, 64, 0, 0), rect, nil, logger)
	test.That(t, err, test.ShouldBeNil)

	res, err := tr.Update(waveFrame(t, 64, 2, 3), shiftedDetections(tmpl, rect, 2, 3))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Ok, test.ShouldBeTrue)
	test.That(t, res.Matched, test.ShouldEqual, 3)
	test.That(t, res.Rect, test.ShouldResemble, image.Rect(22, 23, 38, 39))
	test.That(t, res.Window, test.ShouldResemble, image.Rect(19, 20, 41, 42))
}

func TestUpdateFollowsFlow(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl := testTemplate(t)
	rect := image.Rect(20, 20, 36, 36)

	tr, err := New(tmpl, waveFrame(t, 64, 0, 0), rect, nil, logger)
	test.That(t, err, test.ShouldBeNil)

	res, err := tr.Update(waveFrame(t, 64, 2, 3), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Ok, test.ShouldBeTrue)
	test.That(t, res.FlowOnly, test.ShouldEqual, 3)
	test.That(t, res.Rect.Min.X, test.ShouldBeGreaterThanOrEqualTo, 21)
	test.That(t, res.Rect.Min.X, test.ShouldBeLessThanOrEqualTo, 23)
	test.That(t, res.Rect.Min.Y, test.ShouldBeGreaterThanOrEqualTo, 22)
	test.That(t, res.Rect.Min.Y, test.ShouldBeLessThanOrEqualTo, 24)
}

// With identical frames the flow prediction holds still at the seeded point,
// so each detection's offset from it decides whether match and flow agree.
// The {1, 0.5, 0} descriptor sits at squared distance 0.25 from the template,
// accepted under MaxMatchDistance 0.6 yet beyond StrongMatchDistance 0.3.
func TestUpdateReconcilesMatchAndFlow(t *testing.T) {
	newSession := func(t *testing.T) *Tracker {
		t.Helper()
		tmpl, err := feature.NewSet([]feature.Descriptor{
			{Vector: []float64{1, 0, 0}, Position: r2.Point{X: 10, Y: 10}},
		})
		test.That(t, err, test.ShouldBeNil)
		tr, err := New(tmpl, waveFrame(t, 100, 0, 0), image.Rect(0, 0, 20, 20), nil, golog.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		return tr
	}

	t.Run("weak match near the prediction", func(t *testing.T) {
		tr := newSession(t)
		res, err := tr.Update(waveFrame(t, 100, 0, 0), []feature.Descriptor{
			{Vector: []float64{1, 0.5, 0}, Position: r2.Point{X: 12, Y: 10}},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Ok, test.ShouldBeTrue)
		test.That(t, res.Matched, test.ShouldEqual, 1)
		test.That(t, res.FlowOnly, test.ShouldEqual, 0)
		test.That(t, res.Rect, test.ShouldResemble, image.Rect(2, 0, 22, 20))
	})
	t.Run("weak match far from the prediction", func(t *testing.T) {
		tr := newSession(t)
		res, err := tr.Update(waveFrame(t, 100, 0, 0), []feature.Descriptor{
			{Vector: []float64{1, 0.5, 0}, Position: r2.Point{X: 20, Y: 10}},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Ok, test.ShouldBeTrue)
		test.That(t, res.Matched, test.ShouldEqual, 0)
		test.That(t, res.FlowOnly, test.ShouldEqual, 1)
		test.That(t, res.Rect, test.ShouldResemble, image.Rect(0, 0, 20, 20))
	})
	t.Run("strong match far from the prediction", func(t *testing.T) {
		tr := newSession(t)
		res, err := tr.Update(waveFrame(t, 100, 0, 0), []feature.Descriptor{
			{Vector: []float64{1, 0, 0}, Position: r2.Point{X: 20, Y: 10}},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Ok, test.ShouldBeTrue)
		test.That(t, res.Matched, test.ShouldEqual, 1)
		test.That(t, res.FlowOnly, test.ShouldEqual, 0)
		test.That(t, res.Rect, test.ShouldResemble, image.Rect(10, 0, 30, 20))
	})
}

func TestUpdateIgnoresForeignDetections(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl := testTemplate(t)
	rect := image.Rect(20, 20, 36, 36)

	tr, err := New(tmpl, waveFrame(t, 64, 0, 0), rect, nil, logger)
	test.That(t, err, test.ShouldBeNil)

	t.Run("outside the window", func(t *testing.T) {
		res, err := tr.Update(waveFrame(t, 64, 0, 0), []feature.Descriptor{
			{Vector: []float64{1, 0, 0}, Position: r2.Point{X: 55, Y: 55}},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Matched, test.ShouldEqual, 0)
		test.That(t, res.FlowOnly, test.ShouldEqual, 3)
	})
	t.Run("mismatched dimensionality", func(t *testing.T) {
		res, err := tr.Update(waveFrame(t, 64, 0, 0), []feature.Descriptor{
			{Vector: []float64{1, 0}, Position: r2.Point{X: 24, Y: 24}},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Matched, test.ShouldEqual, 0)
		test.That(t, res.FlowOnly, test.ShouldEqual, 3)
	})
}

func TestUpdateLosesEscapedTarget(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl, err := feature.NewSet([]feature.Descriptor{
		{Vector: []float64{1, 0, 0}, Position: r2.Point{X: 1, Y: 1}},
	})
	test.That(t, err, test.ShouldBeNil)
	// a tiny rectangle gets no padding, so the window cannot absorb the
	// motion and the lone flow prediction escapes it
	rect := image.Rect(10, 10, 12, 12)

	tr, err := New(tmpl, waveFrame(t, 64, 0, 0), rect, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Window(), test.ShouldResemble, rect)

	res, err := tr.Update(waveFrame(t, 64, 2, 3), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Ok, test.ShouldBeFalse)
	test.That(t, tr.State(), test.ShouldEqual, Lost)

	_, err = tr.Update(waveFrame(t, 64, 2, 3), nil)
	test.That(t, err, test.ShouldBeError, ErrLost)
}

func TestUpdateValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tr, err := New(testTemplate(t), waveFrame(t, 64, 0, 0), image.Rect(20, 20, 36, 36), nil, logger)
	test.That(t, err, test.ShouldBeNil)

	t.Run("nil frame", func(t *testing.T) {
		_, err := tr.Update(nil, nil)
		test.That(t, err, test.ShouldNotBeNil)
	})
	t.Run("size mismatch", func(t *testing.T) {
		_, err := tr.Update(waveFrame(t, 32, 0, 0), nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "frame sizes differ")
	})
}

func TestCentroidAndSpread(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tmpl, err := feature.NewSet([]feature.Descriptor{
		{Vector: []float64{1, 0}, Position: r2.Point{X: 0, Y: 0}},
		{Vector: []float64{0, 1}, Position: r2.Point{X: 4, Y: 0}},
	})
	test.That(t, err, test.ShouldBeNil)

	tr, err := New(tmpl, waveFrame(t, 64, 0, 0), image.Rect(10, 10, 20, 20), nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Centroid(), test.ShouldResemble, r2.Point{X: 12, Y: 10})
	test.That(t, tr.Spread(), test.ShouldAlmostEqual, 2)
}
