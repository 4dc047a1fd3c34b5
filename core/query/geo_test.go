package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoDistance_Box(t *testing.T) {
	box, err := GeoDistance{Lat: 0, Lng: 0, Radius: KmPerDegree}.Box()
	require.NoError(t, err)
	assert.InDelta(t, -1, box.MinLat, 1e-9)
	assert.InDelta(t, 1, box.MaxLat, 1e-9)
	assert.InDelta(t, -1, box.MinLng, 1e-9)
	assert.InDelta(t, 1, box.MaxLng, 1e-9)

	// longitude degrees shrink with cos(lat)
	box, err = GeoDistance{Lat: 60, Lng: 10, Radius: KmPerDegree / 2}.Box()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, box.MaxLat-60, 1e-9)
	assert.InDelta(t, 1, box.MaxLng-10, 1e-9)
}

func TestGeoDistance_Units(t *testing.T) {
	tests := []struct {
		unit string
		want float64
	}{
		{"", 2},
		{"km", 2},
		{"m", 0.002},
		{"mi", 2 * 1.609344},
		{"MI", 2 * 1.609344},
	}
	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			km, err := GeoDistance{Radius: 2, Unit: tt.unit}.RadiusKm()
			require.NoError(t, err)
			assert.InDelta(t, tt.want, km, 1e-12)
		})
	}

	_, err := GeoDistance{Radius: 2, Unit: "parsec"}.RadiusKm()
	assert.Error(t, err)
}

func TestGeoDistance_BoxRejectsBadInput(t *testing.T) {
	_, err := GeoDistance{Lat: 91, Lng: 0, Radius: 1}.Box()
	assert.Error(t, err)
	_, err = GeoDistance{Lat: 0, Lng: 0, Radius: -1}.Box()
	assert.Error(t, err)
}

func TestAsGeoDistance(t *testing.T) {
	d, err := AsGeoDistance(map[string]any{"lat": 1.5, "lng": "2", "radius": 3, "unit": "m"})
	require.NoError(t, err)
	assert.Equal(t, GeoDistance{Lat: 1.5, Lng: 2, Radius: 3, Unit: "m"}, d)

	d, err = AsGeoDistance(&GeoDistance{Lat: 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Lat)

	_, err = AsGeoDistance(map[string]any{"lat": 1})
	assert.Error(t, err)
	_, err = AsGeoDistance(42)
	assert.Error(t, err)
}
