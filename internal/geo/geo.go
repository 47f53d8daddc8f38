// Package geo implements pure, dependency-free geospatial routines:
// haversine distance, polygon containment, and piecewise-linear ETA
// estimation. No example repo in the pack carries a geo SDK that fits WGS84
// polygon containment without a live PostGIS instance, so this is built as
// an explicit routine rather than wired to a third-party library.
package geo

import (
	"math"

	"github.com/coverline/dispatch-core/internal/errs"
)

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

// Valid reports whether p holds a coordinate inside the WGS84 range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Polygon is an ordered ring of vertices. A ring need not be explicitly
// closed (first == last); Contains closes it implicitly.
type Polygon []Point

// HaversineKm returns the great-circle distance between a and b in
// kilometres using the mean earth radius.
func HaversineKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLng := math.Sin(dLng / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLng*sinDLng
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Contains reports whether pt lies within poly using ray casting over the
// (implicitly closed) ring. Returns an error if poly degenerates to fewer
// than 3 distinct vertices or any vertex carries invalid coordinates.
func Contains(poly Polygon, pt Point) (bool, error) {
	if !pt.Valid() {
		return false, errs.New(errs.CodeGeoInvalidCoords, "point outside WGS84 range")
	}
	ring := closeRing(poly)
	if len(ring) < 4 { // closed ring of a valid triangle has 4 entries
		return false, errs.New(errs.CodeGeoInvalidCoords, "polygon has fewer than 3 distinct vertices")
	}
	for _, v := range ring {
		if !v.Valid() {
			return false, errs.New(errs.CodeGeoInvalidCoords, "polygon vertex outside WGS84 range")
		}
	}
	if selfIntersects(ring) {
		return false, errs.New(errs.CodeGeoInvalidCoords, "polygon is self-intersecting")
	}

	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		vi, vj := ring[i], ring[j]
		intersects := (vi.Lat > pt.Lat) != (vj.Lat > pt.Lat) &&
			pt.Lng < (vj.Lng-vi.Lng)*(pt.Lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lng
		if intersects {
			inside = !inside
		}
	}
	return inside, nil
}

// closeRing returns poly with its first point appended to the end if it
// is not already closed.
func closeRing(poly Polygon) Polygon {
	if len(poly) == 0 {
		return poly
	}
	first, last := poly[0], poly[len(poly)-1]
	if first.Lat == last.Lat && first.Lng == last.Lng {
		return poly
	}
	closed := make(Polygon, len(poly)+1)
	copy(closed, poly)
	closed[len(poly)] = first
	return closed
}

// selfIntersects reports whether any two non-adjacent edges of the closed
// ring ring cross, a bowtie/self-crossing polygon that ray casting cannot
// evaluate sensibly (the "inside" of a figure-eight is ambiguous).
func selfIntersects(ring Polygon) bool {
	n := len(ring) - 1 // ring is closed: ring[0] == ring[n]
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[i+1]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue // adjacent edges share an endpoint, not a crossing
			}
			b1, b2 := ring[j], ring[j+1]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect reports whether segments p1-p2 and p3-p4 cross, using
// the standard orientation + on-segment test (handles the collinear case).
func segmentsIntersect(p1, p2, p3, p4 Point) bool {
	o1 := orientation(p1, p2, p3)
	o2 := orientation(p1, p2, p4)
	o3 := orientation(p3, p4, p1)
	o4 := orientation(p3, p4, p2)

	if o1 != o2 && o3 != o4 {
		return true
	}
	if o1 == 0 && onSegment(p1, p3, p2) {
		return true
	}
	if o2 == 0 && onSegment(p1, p4, p2) {
		return true
	}
	if o3 == 0 && onSegment(p3, p1, p4) {
		return true
	}
	if o4 == 0 && onSegment(p3, p2, p4) {
		return true
	}
	return false
}

// orientation returns 0 if p, q, r are collinear, 1 if clockwise, 2 if
// counter-clockwise.
func orientation(p, q, r Point) int {
	val := (q.Lng-p.Lng)*(r.Lat-q.Lat) - (q.Lat-p.Lat)*(r.Lng-q.Lng)
	switch {
	case val == 0:
		return 0
	case val > 0:
		return 1
	default:
		return 2
	}
}

// onSegment reports whether q lies on segment p-r, given p, q, r collinear.
func onSegment(p, q, r Point) bool {
	return q.Lat <= math.Max(p.Lat, r.Lat) && q.Lat >= math.Min(p.Lat, r.Lat) &&
		q.Lng <= math.Max(p.Lng, r.Lng) && q.Lng >= math.Min(p.Lng, r.Lng)
}

// ETAMinutes estimates travel time over distanceKm using the piecewise-linear
// speed model: up to 10km at 40km/h, up to 50km at 60km/h, beyond at 80km/h.
// Result is rounded up to the nearest whole minute.
func ETAMinutes(distanceKm float64) int {
	var hours float64
	switch {
	case distanceKm <= 10:
		hours = distanceKm / 40
	case distanceKm <= 50:
		hours = distanceKm / 60
	default:
		hours = distanceKm / 80
	}
	minutes := hours * 60
	return int(math.Ceil(minutes))
}
