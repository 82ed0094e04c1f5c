// README: Distance and route-corridor geometry used by the monitor.
package safety

import (
	"math"

	"github.com/dhconnelly/rtreego"

	"carpool/internal/types"
)

const (
	earthRadiusM = 6371000.0
	metersPerDeg = earthRadiusM * math.Pi / 180.0
	// minRectSide keeps degenerate (axis-aligned) segments valid for the R-tree.
	minRectSide = 0.5
)

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// vec is a position in a local planar frame, in meters east/north of the
// corridor origin. Good enough at city scale.
type vec struct{ x, y float64 }

type projection struct {
	origin types.Point
	cosLat float64
}

func newProjection(origin types.Point) projection {
	return projection{origin: origin, cosLat: math.Cos(degreesToRadians(origin.Lat))}
}

func (p projection) project(pt types.Point) vec {
	return vec{
		x: (pt.Lng - p.origin.Lng) * metersPerDeg * p.cosLat,
		y: (pt.Lat - p.origin.Lat) * metersPerDeg,
	}
}

type segment struct {
	a, b vec
	rect rtreego.Rect
}

func (s *segment) Bounds() rtreego.Rect {
	return s.rect
}

// distanceTo is the perpendicular distance from p to the segment, clamped to
// the endpoints.
func (s *segment) distanceTo(p vec) float64 {
	dx, dy := s.b.x-s.a.x, s.b.y-s.a.y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.x-s.a.x, p.y-s.a.y)
	}
	t := ((p.x-s.a.x)*dx + (p.y-s.a.y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	cx, cy := s.a.x+t*dx, s.a.y+t*dy
	return math.Hypot(p.x-cx, p.y-cy)
}

// Corridor indexes a planned route polyline for "how far off route am I"
// queries.
type Corridor struct {
	proj     projection
	segments []*segment
	tree     *rtreego.Rtree
}

// NewCorridor returns nil when the route has fewer than two points.
func NewCorridor(route []types.Point) *Corridor {
	if len(route) < 2 {
		return nil
	}
	c := &Corridor{proj: newProjection(route[0])}
	objs := make([]rtreego.Spatial, 0, len(route)-1)
	for i := 1; i < len(route); i++ {
		a, b := c.proj.project(route[i-1]), c.proj.project(route[i])
		s := &segment{a: a, b: b, rect: boundingRect(a, b)}
		c.segments = append(c.segments, s)
		objs = append(objs, s)
	}
	c.tree = rtreego.NewTree(2, 4, 16, objs...)
	return c
}

// Outside reports whether pt is farther than width meters from every segment,
// and its distance to the route. The R-tree prunes to segments whose bounding
// boxes intersect the width-sized box around pt; if none do, pt is outside.
func (c *Corridor) Outside(pt types.Point, width float64) (float64, bool) {
	p := c.proj.project(pt)
	query, err := rtreego.NewRect(rtreego.Point{p.x - width, p.y - width}, []float64{2 * width, 2 * width})
	if err == nil {
		best := math.Inf(1)
		for _, obj := range c.tree.SearchIntersect(query) {
			if d := obj.(*segment).distanceTo(p); d < best {
				best = d
			}
		}
		if best <= width {
			return best, false
		}
	}
	return c.distance(p), true
}

// Distance is the distance in meters from pt to the nearest route segment.
func (c *Corridor) Distance(pt types.Point) float64 {
	return c.distance(c.proj.project(pt))
}

func (c *Corridor) distance(p vec) float64 {
	best := math.Inf(1)
	for _, s := range c.segments {
		if d := s.distanceTo(p); d < best {
			best = d
		}
	}
	return best
}

func boundingRect(a, b vec) rtreego.Rect {
	minX, maxX := math.Min(a.x, b.x), math.Max(a.x, b.x)
	minY, maxY := math.Min(a.y, b.y), math.Max(a.y, b.y)
	r, _ := rtreego.NewRect(
		rtreego.Point{minX - minRectSide/2, minY - minRectSide/2},
		[]float64{maxX - minX + minRectSide, maxY - minY + minRectSide},
	)
	return r
}
