// Package geo provides the zone geometry and location tracking primitives
// for CarePipe.
//
// It is pure computation: given a position sample and a patient's zone set
// it decides which zone the patient occupies and whether the resulting
// report warrants a caregiver notification. All I/O stays with the caller.
package geo

import (
	"log/slog"
	"math"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// earthRadiusMeters is the mean Earth radius used for great-circle distances.
const earthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two coordinates.
func DistanceMeters(a, b models.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// PointInCircle reports whether p lies within radius meters of center.
func PointInCircle(p, center models.LatLng, radius float64) bool {
	return DistanceMeters(p, center) <= radius
}

// PointInPolygon reports whether p lies inside the polygon described by the
// ordered vertex list, using the even-odd ray casting rule. Polygons are not
// required to be convex. Degenerate polygons with fewer than three vertices
// contain nothing.
func PointInPolygon(p models.LatLng, points []models.LatLng) bool {
	n := len(points)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		yi, xi := points[i].Lat, points[i].Lng
		yj, xj := points[j].Lat, points[j].Lng
		if (yi > p.Lat) != (yj > p.Lat) &&
			p.Lng < (xj-xi)*(p.Lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// PointInZone reports whether p lies inside the zone's geometry.
// Zones with an unknown kind contain nothing and are logged, since they can
// only come from corrupt storage.
func PointInZone(p models.LatLng, z *models.Zone) bool {
	switch z.Kind {
	case models.ZoneKindPolygon:
		return PointInPolygon(p, z.Points)
	case models.ZoneKindCircle:
		return PointInCircle(p, z.Center, z.Radius)
	default:
		slog.Warn("PointInZone: unknown zone kind", "zone_id", z.ID, "kind", z.Kind)
		return false
	}
}

// ZoneCenter returns the representative center of a zone: the circle center,
// or the vertex centroid for polygons.
func ZoneCenter(z *models.Zone) models.LatLng {
	if z.Kind == models.ZoneKindCircle {
		return z.Center
	}
	var lat, lng float64
	for _, p := range z.Points {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(z.Points))
	if n == 0 {
		return models.LatLng{}
	}
	return models.LatLng{Lat: lat / n, Lng: lng / n}
}
