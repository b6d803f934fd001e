// Package track implements single-target tracking over a fixed feature
// template. Each new frame brings a set of detected features: detections are
// matched against the template through a spatial index while per-point
// optical flow propagates the tracked positions, and the reconciled
// positions drive the tracked rectangle and its padded search window.
package track

import (
	"image"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ridgeline-vision/feattrack/feature"
	"github.com/ridgeline-vision/feattrack/frame"
	"github.com/ridgeline-vision/feattrack/kdtree"
	"github.com/ridgeline-vision/feattrack/optflow"
)

// State describes the lifecycle of a tracking session.
type State int

const (
	// Initialized means the template and index are built and the first
	// frame is stored, but no update has run yet.
	Initialized State = iota
	// Tracking means per-frame updates are proceeding normally.
	Tracking
	// Lost is terminal: the target left the search window or every tracked
	// point ran out of support.
	Lost
)

// String returns a human readable name for the state.
func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// ErrLost is returned by Update once a session has reached the Lost state.
var ErrLost = errors.New("tracking session is lost")

// Result reports the outcome of one Update call.
type Result struct {
	// Rect is the tracked rectangle after the update.
	Rect image.Rectangle
	// Window is the search window derived from Rect for the next frame.
	Window image.Rectangle
	// Matched counts template points whose position came from a descriptor
	// match; FlowOnly counts those carried by optical flow alone.
	Matched  int
	FlowOnly int
	// Ok is false when this update lost the target.
	Ok bool
}

// Tracker follows a single rectangular region across consecutive frames.
// It is not safe for concurrent use; callers tracking several targets at
// once should give each target its own Tracker.
type Tracker struct {
	id       uuid.UUID
	logger   golog.Logger
	cfg      *Config
	template *feature.Set
	index    *kdtree.Tree
	prev     *frame.Gray
	rect     image.Rectangle
	window   image.Rectangle
	points   []r2.Point
	size     image.Point
	minOff   r2.Point
	state    State
}

// New builds a tracking session from a template detected inside rect on the
// initial frame. Template feature positions are relative to rect's top-left
// corner; rect itself is clamped to the frame. The tracker takes ownership
// of initial, keeping it as the flow reference for the first update, so the
// caller must not modify it afterwards. The config may be nil to use
// defaults, and a nil logger falls back to a package-named one.
func New(template *feature.Set, initial *frame.Gray, rect image.Rectangle, cfg *Config, logger golog.Logger) (*Tracker, error) {
	if template == nil {
		return nil, errors.New("tracker needs a feature template")
	}
	if initial == nil {
		return nil, errors.New("tracker needs an initial frame")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = golog.NewLogger("tracker")
	}
	bounds := initial.Bounds()
	rect = rect.Intersect(bounds)
	if rect.Empty() {
		return nil, errors.New("initial rectangle lies outside the frame")
	}
	index, err := kdtree.New(template)
	if err != nil {
		return nil, err
	}

	points := make([]r2.Point, template.Len())
	for i := range points {
		pos := template.At(i).Position
		points[i] = r2.Point{X: pos.X + float64(rect.Min.X), Y: pos.Y + float64(rect.Min.Y)}
	}
	c := centroid(points)

	t := &Tracker{
		id:       uuid.New(),
		logger:   logger,
		cfg:      cfg,
		template: template,
		index:    index,
		prev:     initial,
		rect:     rect,
		window:   ComputeWindow(rect, cfg.WindowPadding, bounds),
		points:   points,
		size:     rect.Size(),
		minOff:   r2.Point{X: float64(rect.Min.X) - c.X, Y: float64(rect.Min.Y) - c.Y},
		state:    Initialized,
	}
	t.logger.Debugw("new tracking session",
		"session", t.id.String(), "template", template.Len(), "rect", rect.String())
	return t, nil
}

// ID returns the session identifier.
func (t *Tracker) ID() uuid.UUID {
	return t.id
}

// Template returns the feature set the session was built from. It is fixed
// for the lifetime of the session.
func (t *Tracker) Template() *feature.Set {
	return t.template
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	return t.state
}

// Rect returns the tracked rectangle.
func (t *Tracker) Rect() image.Rectangle {
	return t.rect
}

// Window returns the search window for the next frame.
func (t *Tracker) Window() image.Rectangle {
	return t.window
}

// Points returns a copy of the tracked point positions, one per template
// feature in template order.
func (t *Tracker) Points() []r2.Point {
	return append([]r2.Point(nil), t.points...)
}

// Update advances the session by one frame. Detections are matched against
// the template whenever they fall inside the search window and their nearest
// template descriptor is within MaxMatchDistance. A matched position wins
// over the flow prediction when the match is within StrongMatchDistance, or
// when the two positions agree to within FlowGateRadius; otherwise the point
// follows flow alone, and flow predictions that leave the search window drop
// out for the frame. The tracked rectangle keeps its initial size and
// follows the centroid of the surviving points. Update takes ownership of
// current, which replaces the stored frame as the flow reference for the
// next call. A Result with Ok false (and a nil error) reports that this
// update lost the target; any Update after that returns ErrLost.
func (t *Tracker) Update(current *frame.Gray, detections []feature.Descriptor) (Result, error) {
	if t.state == Lost {
		return Result{}, ErrLost
	}
	if current == nil {
		return Result{}, errors.New("update needs a current frame")
	}
	if !current.SameSize(t.prev) {
		return Result{}, errors.Errorf(
			"frame sizes differ: %dx%d vs %dx%d",
			current.Width(), current.Height(), t.prev.Width(), t.prev.Height(),
		)
	}

	matchPos, matchDist, err := t.matchDetections(detections)
	if err != nil {
		return Result{}, err
	}

	bounds := current.Bounds()
	strong2 := t.cfg.StrongMatchDistance * t.cfg.StrongMatchDistance
	next := make([]r2.Point, len(t.points))
	valid := make([]bool, len(t.points))
	var matched, flowOnly int
	for i, p := range t.points {
		delta, err := optflow.Estimate(current, t.prev, p, t.cfg.Flow)
		if err != nil {
			return Result{}, err
		}
		pred := p.Add(delta)

		m, hasMatch := matchPos[i]
		switch {
		case hasMatch && (matchDist[i] <= strong2 || m.Sub(pred).Norm() <= t.cfg.FlowGateRadius):
			next[i] = m
			valid[i] = true
			matched++
		case inRect(pred, t.window):
			next[i] = pred
			valid[i] = true
			flowOnly++
		default:
			// no usable signal this frame, freeze the point so a later
			// descriptor match can revive it
			next[i] = p
		}
	}

	if matched+flowOnly == 0 {
		return t.lose("no tracked point has support"), nil
	}

	supported := make([]r2.Point, 0, matched+flowOnly)
	for i, ok := range valid {
		if ok {
			supported = append(supported, next[i])
		}
	}
	c := centroid(supported)
	minX := int(math.Round(c.X + t.minOff.X))
	minY := int(math.Round(c.Y + t.minOff.Y))
	rect := image.Rect(minX, minY, minX+t.size.X, minY+t.size.Y).Intersect(bounds)
	if rect.Empty() {
		return t.lose("tracked rectangle degenerated"), nil
	}

	t.points = next
	t.prev = current
	t.rect = rect
	t.window = ComputeWindow(rect, t.cfg.WindowPadding, bounds)
	t.state = Tracking
	t.logger.Debugw("tracking update",
		"session", t.id.String(), "matched", matched, "flow_only", flowOnly, "rect", rect.String())
	return Result{Rect: rect, Window: t.window, Matched: matched, FlowOnly: flowOnly, Ok: true}, nil
}

// matchDetections pairs template indices with detection positions. Only
// detections inside the search window are considered, each is matched to its
// nearest template descriptor within MaxMatchDistance, and when several
// detections claim the same template point the closest one wins.
func (t *Tracker) matchDetections(detections []feature.Descriptor) (map[int]r2.Point, map[int]float64, error) {
	matchPos := make(map[int]r2.Point, len(detections))
	matchDist := make(map[int]float64, len(detections))
	max2 := t.cfg.MaxMatchDistance * t.cfg.MaxMatchDistance
	for _, det := range detections {
		if !inRect(det.Position, t.window) {
			continue
		}
		nns, err := t.index.Query(det.Vector, 1, t.cfg.MaxCandidates)
		if err != nil {
			return nil, nil, err
		}
		if len(nns) == 0 {
			continue
		}
		nn := nns[0]
		if nn.SquaredDistance > max2 {
			continue
		}
		if d, taken := matchDist[nn.Index]; taken && d <= nn.SquaredDistance {
			continue
		}
		matchPos[nn.Index] = det.Position
		matchDist[nn.Index] = nn.SquaredDistance
	}
	return matchPos, matchDist, nil
}

func (t *Tracker) lose(reason string) Result {
	t.state = Lost
	t.logger.Infow("target lost", "session", t.id.String(), "reason", reason)
	return Result{Rect: t.rect, Window: t.window, Ok: false}
}

// Centroid returns the mean position of the tracked points.
func (t *Tracker) Centroid() r2.Point {
	return centroid(t.points)
}

// Spread returns the root mean square distance of the tracked points from
// their centroid, a cheap signal of how dispersed tracking support is.
func (t *Tracker) Spread() float64 {
	c := centroid(t.points)
	var sum float64
	for _, p := range t.points {
		d := p.Sub(c).Norm()
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(t.points)))
}

func centroid(pts []r2.Point) r2.Point {
	mu := r2.Point{}
	for _, pt := range pts {
		mu.X += pt.X
		mu.Y += pt.Y
	}
	return mu.Mul(1 / float64(len(pts)))
}

func inRect(p r2.Point, r image.Rectangle) bool {
	return p.X >= float64(r.Min.X) && p.X < float64(r.Max.X) &&
		p.Y >= float64(r.Min.Y) && p.Y < float64(r.Max.Y)
}
