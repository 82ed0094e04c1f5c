// README: Shared identifiers and geographic value objects.
package types

type ID string

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Place is a coordinate plus the human readable address shown in the apps.
type Place struct {
	Point   Point
	Address string
}
