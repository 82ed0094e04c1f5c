package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"carpool/internal/types"
)

// RouteService resolves planned routes through the Google Maps Directions API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// PlannedRoute returns the driving polyline from origin through stops to
// destination, in order.
func (s *RouteService) PlannedRoute(ctx context.Context, origin types.Point, stops []types.Point, destination types.Point) ([]types.Point, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLngString(origin),
		Destination: latLngString(destination),
		Mode:        maps.TravelModeDriving,
	}
	for _, st := range stops {
		r.Waypoints = append(r.Waypoints, latLngString(st))
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no route found")
	}

	path, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return nil, fmt.Errorf("decoding overview polyline: %w", err)
	}
	return fromLatLngs(path), nil
}

// StraightLine is the fallback route when directions are unavailable.
func StraightLine(origin types.Point, stops []types.Point, destination types.Point) []types.Point {
	out := make([]types.Point, 0, len(stops)+2)
	out = append(out, origin)
	out = append(out, stops...)
	return append(out, destination)
}

func latLngString(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
