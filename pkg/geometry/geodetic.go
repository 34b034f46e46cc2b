package geometry

import (
	"math"
)

// EarthRadiusMeters is the mean earth radius used by the equirectangular
// approximation.
const EarthRadiusMeters = 6371008.8

// LonLat represents a geographic coordinate in decimal degrees (WGS84).
type LonLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Valid reports whether the coordinate is within the usual lon/lat ranges.
func (g LonLat) Valid() bool {
	return g.Lon >= -180 && g.Lon <= 180 && g.Lat >= -90 && g.Lat <= 90
}

// Bounds is a geographic envelope. North/South are latitudes, East/West
// longitudes. A zero Bounds is empty.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// EmptyBounds returns an inverted envelope that any Extend call will replace.
func EmptyBounds() Bounds {
	return Bounds{North: -90, South: 90, East: -180, West: 180}
}

// Empty reports whether the envelope contains no area.
func (b Bounds) Empty() bool {
	return b.North <= b.South || b.East <= b.West
}

// Extend grows the envelope to include the coordinate.
func (b Bounds) Extend(g LonLat) Bounds {
	if g.Lat > b.North {
		b.North = g.Lat
	}
	if g.Lat < b.South {
		b.South = g.Lat
	}
	if g.Lon > b.East {
		b.East = g.Lon
	}
	if g.Lon < b.West {
		b.West = g.Lon
	}
	return b
}

// Contains reports whether the coordinate lies inside the envelope.
func (b Bounds) Contains(g LonLat) bool {
	return g.Lat <= b.North && g.Lat >= b.South &&
		g.Lon <= b.East && g.Lon >= b.West
}

// Intersects reports whether two envelopes overlap.
func (b Bounds) Intersects(other Bounds) bool {
	return b.West < other.East && b.East > other.West &&
		b.South < other.North && b.North > other.South
}

// Center returns the midpoint of the envelope.
func (b Bounds) Center() LonLat {
	return LonLat{Lon: (b.East + b.West) / 2, Lat: (b.North + b.South) / 2}
}

// PlanarMeters projects geographic coordinates onto a local planar frame in
// meters using the equirectangular approximation around a reference latitude.
// Good enough for residual measurement at document scale; not a map projection.
type PlanarMeters struct {
	refLat    float64
	cosRefLat float64
}

// NewPlanarMeters creates a planar frame centered on the given latitude.
func NewPlanarMeters(refLat float64) PlanarMeters {
	return PlanarMeters{
		refLat:    refLat,
		cosRefLat: math.Cos(refLat * math.Pi / 180),
	}
}

// Project converts a geographic coordinate to planar meters.
func (p PlanarMeters) Project(g LonLat) Point2D {
	const degToRad = math.Pi / 180
	return Point2D{
		X: g.Lon * degToRad * EarthRadiusMeters * p.cosRefLat,
		Y: g.Lat * degToRad * EarthRadiusMeters,
	}
}

// DistanceMeters returns the planar distance between two coordinates.
func (p PlanarMeters) DistanceMeters(a, b LonLat) float64 {
	return p.Project(a).Distance(p.Project(b))
}
