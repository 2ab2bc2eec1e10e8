package matrix

import (
	"math"
	"sort"

	"github.com/golang/geo/s2"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/routing"
)

const earthRadius = 6371008.8 // meters

// chunk is a spatially compact group of points sent to the router at once.
type chunk struct {
	points []model.Location
	center s2.LatLng
	radius float64 // meters from center to the farthest point
}

func latLng(l model.Location) s2.LatLng {
	return s2.LatLngFromDegrees(l.Lat, l.Lon)
}

func distance(a, b s2.LatLng) float64 {
	return a.Distance(b).Radians() * earthRadius
}

// planChunks orders points along the S2 Hilbert curve and cuts the sequence
// into chunks of at most size points, so that each chunk covers a small
// region.
func planChunks(points []model.Location, size int) []chunk {
	if len(points) == 0 {
		return nil
	}
	size = max(size, 1)

	sorted := append([]model.Location(nil), points...)
	ids := make(map[int64]s2.CellID, len(sorted))
	for _, p := range sorted {
		ids[p.ID] = s2.CellIDFromLatLng(latLng(p))
	}
	sort.SliceStable(sorted, func(i, j int) bool { return ids[sorted[i].ID] < ids[sorted[j].ID] })

	chunks := make([]chunk, 0, (len(sorted)+size-1)/size)
	for start := 0; start < len(sorted); start += size {
		pts := sorted[start:min(start+size, len(sorted))]

		var lat, lon float64
		for _, p := range pts {
			lat += p.Lat
			lon += p.Lon
		}
		c := chunk{points: pts, center: s2.LatLngFromDegrees(lat/float64(len(pts)), lon/float64(len(pts)))}
		for _, p := range pts {
			c.radius = math.Max(c.radius, distance(c.center, latLng(p)))
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// batch is one router request.
type batch struct {
	sources      []model.Location
	destinations []model.Location
}

// planBatches pairs source and destination chunks that may contain a pair of
// points within maxDistance meters. Routes are never shorter than the great
// circle distance, so other pairs cannot yield rows. maxDistance <= 0 keeps
// all pairs.
func planBatches(sources, destinations []chunk, maxDistance float64) []batch {
	var out []batch
	for _, s := range sources {
		for _, d := range destinations {
			if maxDistance > 0 && distance(s.center, d.center)-s.radius-d.radius > maxDistance {
				continue
			}
			out = append(out, batch{sources: s.points, destinations: d.points})
		}
	}
	return out
}

func points(locs []model.Location) []routing.Point {
	out := make([]routing.Point, len(locs))
	for i, l := range locs {
		out[i] = routing.Point{Lon: l.Lon, Lat: l.Lat}
	}
	return out
}
