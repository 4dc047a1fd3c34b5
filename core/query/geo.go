package query

import (
	"fmt"
	"math"
	"strings"

	"github.com/asaidimu/go-recordbase/core"
)

// KmPerDegree is the flat-earth length of one degree of latitude. One degree
// of longitude is KmPerDegree*cos(lat).
const KmPerDegree = 111.32

// BoundingBox is an axis-aligned lat/lng rectangle.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Contains reports whether the point lies inside the box, edges included.
func (b BoundingBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// RadiusKm returns the radius converted to kilometres.
func (d GeoDistance) RadiusKm() (float64, error) {
	switch strings.ToLower(d.Unit) {
	case "", "km":
		return d.Radius, nil
	case "m":
		return d.Radius / 1000, nil
	case "mi":
		return d.Radius * 1.609344, nil
	}
	return 0, fmt.Errorf("unknown distance unit %q", d.Unit)
}

// Box returns the flat-earth bounding box around the center. It is an
// approximation: the box over-covers the true circle and degrades near the poles.
func (d GeoDistance) Box() (BoundingBox, error) {
	if d.Lat < -90 || d.Lat > 90 || d.Lng < -180 || d.Lng > 180 {
		return BoundingBox{}, fmt.Errorf("center (%v, %v) is out of range", d.Lat, d.Lng)
	}
	if d.Radius < 0 {
		return BoundingBox{}, fmt.Errorf("radius cannot be negative")
	}
	km, err := d.RadiusKm()
	if err != nil {
		return BoundingBox{}, err
	}
	latDelta := km / KmPerDegree
	lngDelta := 180.0
	if cos := math.Cos(d.Lat * math.Pi / 180); cos > 1e-9 {
		lngDelta = math.Min(km/(KmPerDegree*cos), 180)
	}
	return BoundingBox{
		MinLat: d.Lat - latDelta,
		MaxLat: d.Lat + latDelta,
		MinLng: d.Lng - lngDelta,
		MaxLng: d.Lng + lngDelta,
	}, nil
}

// AsGeoDistance accepts a GeoDistance, a pointer to one, or a decoded JSON
// object with lat, lng, radius and unit keys.
func AsGeoDistance(v any) (GeoDistance, error) {
	switch val := v.(type) {
	case GeoDistance:
		return val, nil
	case *GeoDistance:
		if val != nil {
			return *val, nil
		}
	case map[string]any:
		var d GeoDistance
		var ok bool
		if d.Lat, ok = core.ToFloat64(val["lat"]); !ok {
			return d, fmt.Errorf("geo distance needs a numeric lat")
		}
		if d.Lng, ok = core.ToFloat64(val["lng"]); !ok {
			return d, fmt.Errorf("geo distance needs a numeric lng")
		}
		if d.Radius, ok = core.ToFloat64(val["radius"]); !ok {
			return d, fmt.Errorf("geo distance needs a numeric radius")
		}
		d.Unit, _ = val["unit"].(string)
		return d, nil
	}
	return GeoDistance{}, fmt.Errorf("expected a geo distance, got %T", v)
}
