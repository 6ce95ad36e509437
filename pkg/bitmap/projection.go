package bitmap

import "math"

// LngLatToTile converts a lng/lat point to slippy-map tile coordinates
// at the given zoom level.
func LngLatToTile(lng, lat float64, zoom int) (x, y int64) {
	lat = math.Max(-MaxMercatorLatitude, math.Min(MaxMercatorLatitude, lat))
	n := math.Pow(2, float64(zoom))

	x = int64(math.Floor((lng + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y = int64(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	return x, y
}

// TileToLngLat converts slippy-map tile coordinates to the lng/lat of the
// tile's north-west corner.
func TileToLngLat(x, y int64, zoom int) (lng, lat float64) {
	n := math.Pow(2, float64(zoom))
	lng = float64(x)/n*360.0 - 180.0

	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))
	lat = latRad * 180.0 / math.Pi

	return lng, lat
}
