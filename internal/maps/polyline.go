package maps

import (
	"googlemaps.github.io/maps"

	"carpool/internal/types"
)

// EncodeRoute stores a route in Google's encoded polyline format.
func EncodeRoute(route []types.Point) string {
	if len(route) == 0 {
		return ""
	}
	return maps.Encode(toLatLngs(route))
}

func DecodeRoute(encoded string) ([]types.Point, error) {
	if encoded == "" {
		return nil, nil
	}
	path, err := maps.DecodePolyline(encoded)
	if err != nil {
		return nil, err
	}
	return fromLatLngs(path), nil
}

func toLatLngs(route []types.Point) []maps.LatLng {
	out := make([]maps.LatLng, len(route))
	for i, p := range route {
		out[i] = maps.LatLng{Lat: p.Lat, Lng: p.Lng}
	}
	return out
}

func fromLatLngs(path []maps.LatLng) []types.Point {
	out := make([]types.Point, len(path))
	for i, ll := range path {
		out[i] = types.Point{Lat: ll.Lat, Lng: ll.Lng}
	}
	return out
}
