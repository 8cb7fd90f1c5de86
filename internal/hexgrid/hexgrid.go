// README: Hex grid index; pure lat/lng <-> fixed-resolution cell partitioning.
package hexgrid

import (
	"fmt"
	"math"
	"strconv"

	"alon/internal/types"
)

// CellID packs (resolution, axial q, axial r) into a single index:
// 4 bits of resolution, then two 30-bit offset-biased axial coordinates.
// The packed form is what the rest of the system calls an h3_index.
type CellID uint64

const (
	MinResolution = 0
	MaxResolution = 15

	// Resolution-0 edge length; every resolution step divides the edge by
	// sqrt(7), so resolution 9 cells have ~174 m edges.
	baseEdgeMeters = 1107712.591

	earthRadiusM = 6378137.0

	// Spherical-mercator domain; the grid is undefined past this latitude.
	maxAbsLat = 85.05112878

	coordBits   = 30
	coordOffset = 1 << 29
	coordMask   = 1<<coordBits - 1
)

var (
	sqrt3 = math.Sqrt(3)
	sqrt7 = math.Sqrt(7)
)

func edgeMeters(res int) float64 {
	return baseEdgeMeters / math.Pow(sqrt7, float64(res))
}

// Resolve maps a coordinate to the cell containing it at the given
// resolution.
func Resolve(lat, lng float64, res int) (CellID, error) {
	if err := checkResolution(res); err != nil {
		return 0, err
	}
	if err := CheckCoords(lat, lng); err != nil {
		return 0, err
	}
	x, y := project(lat, lng)
	q, r := axialRound(x, y, edgeMeters(res))
	return encode(res, q, r), nil
}

// Center returns the cell's center coordinate.
func Center(id CellID) types.Point {
	res, q, r := decode(id)
	size := edgeMeters(res)
	x := size * (sqrt3*float64(q) + sqrt3/2*float64(r))
	y := size * 1.5 * float64(r)
	lat, lng := unproject(x, y)
	return types.Point{Lat: lat, Lng: lng}
}

// Resolution extracts the resolution of a cell.
func Resolution(id CellID) int {
	return int(id >> (2 * coordBits))
}

// String renders the index in the usual lowercase-hex form.
func (id CellID) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

// ParseCell parses the hex form produced by String.
func ParseCell(s string) (CellID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, types.Invalid("h3_index", fmt.Sprintf("not a hex cell id: %q", s))
	}
	id := CellID(v)
	if Resolution(id) > MaxResolution {
		return 0, types.Invalid("h3_index", "resolution out of range")
	}
	return id, nil
}

// MarshalText keeps the hex form on the wire; the packed integer exceeds
// what JSON numbers carry exactly.
func (id CellID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *CellID) UnmarshalText(b []byte) error {
	v, err := ParseCell(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// CheckCoords validates a WGS84 coordinate pair for grid use.
func CheckCoords(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return types.Invalid("coordinates", "not finite")
	}
	if lat < -maxAbsLat || lat > maxAbsLat {
		return types.Invalid("lat", fmt.Sprintf("%.4f outside [%.2f, %.2f]", lat, -maxAbsLat, maxAbsLat))
	}
	if lng < -180 || lng > 180 {
		return types.Invalid("lng", fmt.Sprintf("%.4f outside [-180, 180]", lng))
	}
	return nil
}

func checkResolution(res int) error {
	if res < MinResolution || res > MaxResolution {
		return types.Invalid("resolution", fmt.Sprintf("%d outside [%d, %d]", res, MinResolution, MaxResolution))
	}
	return nil
}

// project maps lat/lng to spherical-mercator meters.
func project(lat, lng float64) (x, y float64) {
	x = earthRadiusM * lng * math.Pi / 180
	y = earthRadiusM * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

func unproject(x, y float64) (lat, lng float64) {
	lng = x / earthRadiusM * 180 / math.Pi
	lat = (2*math.Atan(math.Exp(y/earthRadiusM)) - math.Pi/2) * 180 / math.Pi
	return lat, lng
}

// axialRound converts planar meters to the nearest pointy-top axial cell.
func axialRound(x, y, size float64) (int, int) {
	qf := (sqrt3/3*x - y/3) / size
	rf := (2.0 / 3 * y) / size

	// cube rounding
	xf, zf := qf, rf
	yf := -xf - zf
	rx, ry, rz := math.Round(xf), math.Round(yf), math.Round(zf)
	dx, dy, dz := math.Abs(rx-xf), math.Abs(ry-yf), math.Abs(rz-zf)
	switch {
	case dx > dy && dx > dz:
		rx = -ry - rz
	case dy > dz:
		// y is derived; nothing to fix on the axial pair
	default:
		rz = -rx - ry
	}
	return int(rx), int(rz)
}

func encode(res, q, r int) CellID {
	return CellID(res)<<(2*coordBits) |
		CellID(q+coordOffset)<<coordBits |
		CellID(r+coordOffset)
}

func decode(id CellID) (res, q, r int) {
	res = int(id >> (2 * coordBits))
	q = int((id>>coordBits)&coordMask) - coordOffset
	r = int(id&coordMask) - coordOffset
	return res, q, r
}

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(a, b types.Point) float64 {
	const radiusKm = 6371.0
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	rLat1 := radians(a.Lat)
	rLat2 := radians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return radiusKm * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
