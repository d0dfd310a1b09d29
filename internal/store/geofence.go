package store

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

// Contains reports whether the point lies inside the geofence boundary.
func Contains(fence *model.Geofence, lat, lng float64) (bool, error) {
	switch fence.Type {
	case "circle":
		return containsCircle(fence.Coordinates, lat, lng)
	case "polygon":
		return containsPolygon(fence.Coordinates, lat, lng)
	default:
		return false, fmt.Errorf("unsupported geofence type: %s", fence.Type)
	}
}

func containsCircle(coordinates model.JSONMap, lat, lng float64) (bool, error) {
	coordsJSON, err := json.Marshal(coordinates)
	if err != nil {
		return false, err
	}

	var circle model.CircleCoordinates
	if err := json.Unmarshal(coordsJSON, &circle); err != nil {
		return false, fmt.Errorf("invalid circle coordinates: %w", err)
	}
	if circle.Radius <= 0 {
		return false, fmt.Errorf("circle radius must be positive")
	}

	return haversine(lat, lng, circle.Center.Lat, circle.Center.Lng) <= circle.Radius, nil
}

// containsPolygon uses the ray casting algorithm.
func containsPolygon(coordinates model.JSONMap, lat, lng float64) (bool, error) {
	coordsJSON, err := json.Marshal(coordinates)
	if err != nil {
		return false, err
	}

	var poly model.PolygonCoordinates
	if err := json.Unmarshal(coordsJSON, &poly); err != nil {
		return false, fmt.Errorf("invalid polygon coordinates: %w", err)
	}

	points := poly.Points
	if len(points) < 3 {
		return false, fmt.Errorf("polygon must have at least 3 points")
	}

	inside := false
	j := len(points) - 1
	for i := 0; i < len(points); i++ {
		pi := points[i]
		pj := points[j]

		if ((pi.Lng > lng) != (pj.Lng > lng)) &&
			(lat < (pj.Lat-pi.Lat)*(lng-pi.Lng)/(pj.Lng-pi.Lng)+pi.Lat) {
			inside = !inside
		}
		j = i
	}

	return inside, nil
}

func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadius = 6371000 // meters

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}
