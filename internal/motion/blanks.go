package motion

import (
	"math"

	"steadyscope/internal/movie"
)

// Margins are the rows and columns RemoveBlanks trims from each side.
type Margins struct {
	Top, Bottom, Left, Right int
}

// BlankMargins computes the border that some frame filled by replication:
// positive shifts expose the top/left edge, negative ones the bottom/right.
func BlankMargins(shifts []Shift) Margins {
	var maxY, minY, maxX, minX float64
	for _, s := range shifts {
		maxY = math.Max(maxY, s.DY)
		minY = math.Min(minY, s.DY)
		maxX = math.Max(maxX, s.DX)
		minX = math.Min(minX, s.DX)
	}
	return Margins{
		Top:    int(math.Ceil(maxY)),
		Bottom: int(math.Ceil(-minY)),
		Left:   int(math.Ceil(maxX)),
		Right:  int(math.Ceil(-minX)),
	}
}

// RemoveBlanks crops the border regions exposed by the applied shifts.
func RemoveBlanks(m *movie.Movie, shifts []Shift) (*movie.Movie, error) {
	if len(shifts) != m.T {
		return nil, shapeErrorf("%d shifts for %d frames", len(shifts), m.T)
	}
	mg := BlankMargins(shifts)
	h := m.H - mg.Top - mg.Bottom
	w := m.W - mg.Left - mg.Right
	if h <= 0 || w <= 0 {
		return nil, configErrorf("removing blanks %+v leaves an empty %dx%d frame", mg, h, w)
	}
	out, err := m.Crop(mg.Top, mg.Bottom, mg.Left, mg.Right, 0, 0)
	return out, shapeError(err)
}
