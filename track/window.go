package track

import (
	"image"
	"math"
)

// ComputeWindow returns the search window for a target rectangle: the target
// grown by padding times its own size on every side, then clamped to bounds
// by shrinking, never by translating. The result always lies inside bounds
// and may be empty for targets pushed into an image corner; callers treat an
// empty window as nothing to search.
func ComputeWindow(target image.Rectangle, padding float64, bounds image.Rectangle) image.Rectangle {
	padX := int(math.Round(padding * float64(target.Dx())))
	padY := int(math.Round(padding * float64(target.Dy())))
	window := image.Rect(
		target.Min.X-padX,
		target.Min.Y-padY,
		target.Max.X+padX,
		target.Max.Y+padY,
	)
	return window.Intersect(bounds)
}
