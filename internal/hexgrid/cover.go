package hexgrid

import (
	"fmt"
	"math"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"alon/internal/types"
)

const (
	coverCacheSize = 512

	// Hard ceiling on candidate cells per coverage query. Anything bigger
	// is a caller error (huge polygon at a fine resolution).
	maxCoverCells = 65536

	maxRadiusKm = 100.0
)

var (
	coverCache     *lru.Cache
	coverCacheOnce sync.Once
)

func cache() *lru.Cache {
	coverCacheOnce.Do(func() {
		// Size is fixed; lru.New only fails on size <= 0.
		coverCache, _ = lru.New(coverCacheSize)
	})
	return coverCache
}

// CellsCovering returns every cell at the given resolution whose center
// falls inside the polygon. Vertices are lat/lng pairs; the ring is
// closed implicitly. Results are cached by polygon fingerprint.
func CellsCovering(polygon []types.Point, res int) ([]CellID, error) {
	if err := checkResolution(res); err != nil {
		return nil, err
	}
	if len(polygon) < 3 {
		return nil, types.Invalid("polygon", fmt.Sprintf("needs at least 3 vertices, got %d", len(polygon)))
	}
	for _, p := range polygon {
		if err := CheckCoords(p.Lat, p.Lng); err != nil {
			return nil, err
		}
	}

	key := coverKey(polygon, res)
	if v, ok := cache().Get(key); ok {
		return append([]CellID(nil), v.([]CellID)...), nil
	}

	// Work in projected meters so point-in-polygon agrees with the grid.
	xs := make([]float64, len(polygon))
	ys := make([]float64, len(polygon))
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i, p := range polygon {
		xs[i], ys[i] = project(p.Lat, p.Lng)
		minX, maxX = math.Min(minX, xs[i]), math.Max(maxX, xs[i])
		minY, maxY = math.Min(minY, ys[i]), math.Max(maxY, ys[i])
	}

	size := edgeMeters(res)
	cells, err := scanBox(minX, minY, maxX, maxY, size, res, func(cx, cy float64) bool {
		return pointInRing(cx, cy, xs, ys)
	})
	if err != nil {
		return nil, err
	}

	cache().Add(key, cells)
	return append([]CellID(nil), cells...), nil
}

// CellsWithinKm returns every cell at the given resolution whose center
// lies within radiusKm of the center point.
func CellsWithinKm(center types.Point, radiusKm float64, res int) ([]CellID, error) {
	if err := checkResolution(res); err != nil {
		return nil, err
	}
	if err := CheckCoords(center.Lat, center.Lng); err != nil {
		return nil, err
	}
	if math.IsNaN(radiusKm) || radiusKm <= 0 || radiusKm > maxRadiusKm {
		return nil, types.Invalid("radius_km", fmt.Sprintf("%.2f outside (0, %.0f]", radiusKm, maxRadiusKm))
	}

	cx, cy := project(center.Lat, center.Lng)
	// Mercator stretches with latitude; pad the box by the local scale
	// factor so the great-circle disc stays inside it.
	scale := 1 / math.Cos(radians(center.Lat))
	pad := radiusKm * 1000 * scale

	size := edgeMeters(res)
	return scanBox(cx-pad, cy-pad, cx+pad, cy+pad, size, res, func(x, y float64) bool {
		lat, lng := unproject(x, y)
		return DistanceKm(center, types.Point{Lat: lat, Lng: lng}) <= radiusKm
	})
}

// scanBox walks the axial coordinate ranges overlapping a projected
// bounding box and keeps cells whose center passes the predicate.
func scanBox(minX, minY, maxX, maxY, size float64, res int, keep func(x, y float64) bool) ([]CellID, error) {
	rMin := int(math.Floor(minY/(1.5*size))) - 1
	rMax := int(math.Ceil(maxY/(1.5*size))) + 1

	var cells []CellID
	count := 0
	for r := rMin; r <= rMax; r++ {
		// center x = size*sqrt3*(q + r/2)
		qMin := int(math.Floor(minX/(size*sqrt3)-float64(r)/2)) - 1
		qMax := int(math.Ceil(maxX/(size*sqrt3)-float64(r)/2)) + 1
		for q := qMin; q <= qMax; q++ {
			count++
			if count > maxCoverCells {
				return nil, types.Invalid("coverage", fmt.Sprintf("region exceeds %d candidate cells at resolution %d", maxCoverCells, res))
			}
			x := size * (sqrt3*float64(q) + sqrt3/2*float64(r))
			y := size * 1.5 * float64(r)
			if keep(x, y) {
				cells = append(cells, encode(res, q, r))
			}
		}
	}
	return cells, nil
}

// pointInRing is a standard even-odd ray cast in projected space.
func pointInRing(x, y float64, xs, ys []float64) bool {
	in := false
	n := len(xs)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		if (ys[i] > y) != (ys[j] > y) &&
			x < (xs[j]-xs[i])*(y-ys[i])/(ys[j]-ys[i])+xs[i] {
			in = !in
		}
	}
	return in
}

func coverKey(polygon []types.Point, res int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "r%d", res)
	for _, p := range polygon {
		fmt.Fprintf(&b, "|%.6f,%.6f", p.Lat, p.Lng)
	}
	return b.String()
}
