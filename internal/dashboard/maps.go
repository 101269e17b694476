package dashboard

import (
	"strconv"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// Map defaults for the location panel.
const (
	DefaultMapZoom         = 12
	DefaultTileURL         = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"
	DefaultTileAttribution = "&copy; OpenStreetMap contributors"
)

// LocationUnavailableMessage is shown when the selected city has no coordinates.
const LocationUnavailableMessage = "Latitude and Longitude not available for selected city."

// Marker describes a map centered on one non-draggable marker. The client draws it.
type Marker struct {
	Latitude    float64 `json:"lat"`
	Longitude   float64 `json:"lng"`
	Zoom        int     `json:"zoom"`
	Draggable   bool    `json:"draggable"`
	TileURL     string  `json:"tileUrl"`
	Attribution string  `json:"attribution"`
}

// MapRenderer places a marker for a coordinate.
type MapRenderer interface {
	ShowMarker(lat, lng float64) Marker
}

// LeafletRenderer describes Leaflet maps over OpenStreetMap tiles.
type LeafletRenderer struct {
	TileURL     string
	Attribution string
	Zoom        int
}

// NewLeafletRenderer returns a renderer with OSM tiles at zoom 12.
func NewLeafletRenderer() *LeafletRenderer {
	return &LeafletRenderer{TileURL: DefaultTileURL, Attribution: DefaultTileAttribution, Zoom: DefaultMapZoom}
}

func (r *LeafletRenderer) ShowMarker(lat, lng float64) Marker {
	zoom := r.Zoom
	if zoom <= 0 {
		zoom = DefaultMapZoom
	}
	tiles := r.TileURL
	if tiles == "" {
		tiles = DefaultTileURL
	}
	return Marker{
		Latitude:    lat,
		Longitude:   lng,
		Zoom:        zoom,
		Draggable:   false,
		TileURL:     tiles,
		Attribution: r.Attribution,
	}
}

// CoordinateText formats a city's coordinates as "<lat>°N, <lng>°E" using the
// stored values verbatim (negative longitudes keep their sign).
func CoordinateText(c models.City) string {
	return formatCoord(c.Latitude) + "°N, " + formatCoord(c.Longitude) + "°E"
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
