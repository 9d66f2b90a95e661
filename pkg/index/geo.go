package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"

	"github.com/birchdb/birch/pkg/btree"
	"github.com/birchdb/birch/pkg/codec"
)

// OpGeoNearby queries records within a radius of a point.
const OpGeoNearby = "geo:nearby"

// geohashPrecision is the precision records are stored at.
const geohashPrecision = 10

// NearbyQuery is the value for geo:nearby. Radius is in meters.
type NearbyQuery struct {
	Lat    float64
	Long   float64
	Radius float64
}

// geoCellSize is the approximate (width, height) in meters of a
// geohash cell per precision 1..10, used to pick a covering precision
// for a radius without trigonometry per cell.
var geoCellSize = [][2]float64{
	{5009400, 4992600},
	{1252300, 624100},
	{156500, 156000},
	{39100, 19500},
	{4890, 4890},
	{1220, 610},
	{153, 153},
	{38.2, 19.1},
	{4.77, 4.77},
	{1.19, 0.596},
}

// geoStrategy indexes {lat, long} child objects as 10-character
// geohashes. A nearby query unions prefix searches over a covering
// set of coarser cells; candidates near the disk boundary can be
// false positives, which callers filter by true distance.
type geoStrategy struct{}

func (geoStrategy) name() string { return "geo" }

func (geoStrategy) supports(op string) bool { return op == OpGeoNearby }

func (geoStrategy) metadataKeys(include []string) []string { return include }

func (geoStrategy) project(idx *Index, childKey string, value any) []projection {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	loc, ok := m[idx.info.Key].(map[string]any)
	if !ok {
		return nil
	}
	lat, latOK := loc["lat"].(float64)
	long, longOK := loc["long"].(float64)
	if !latOK || !longOK {
		return nil
	}
	hash := geohash.EncodeWithPrecision(lat, long, geohashPrecision)
	return []projection{{key: codec.String(hash), meta: idx.metaValues(value)}}
}

func (geoStrategy) query(ctx context.Context, idx *Index, op string, val any, filter [][]byte) ([]QueryResult, bool, error) {
	q, err := parseNearby(val)
	if err != nil {
		return nil, true, err
	}
	prefixes := coveringHashes(q.Lat, q.Long, q.Radius)

	union := make(map[string]QueryResult)
	for _, prefix := range prefixes {
		if err := ctx.Err(); err != nil {
			return nil, true, err
		}
		results, err := idx.searchTree(btree.OpLike, prefix+"*", filter)
		if err != nil {
			return nil, true, err
		}
		for _, r := range results {
			if _, ok := union[r.Path]; !ok {
				union[r.Path] = r
			}
		}
	}
	results := make([]QueryResult, 0, len(union))
	for _, r := range union {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, true, nil
}

func parseNearby(val any) (NearbyQuery, error) {
	switch v := val.(type) {
	case NearbyQuery:
		if v.Radius <= 0 {
			return v, fmt.Errorf("%w: nearby radius must be positive", ErrInvalidArgument)
		}
		return v, nil
	case map[string]any:
		lat, latOK := toFloat(v["lat"])
		long, longOK := toFloat(v["long"])
		radius, radOK := toFloat(v["radius"])
		if !latOK || !longOK || !radOK || radius <= 0 {
			return NearbyQuery{}, fmt.Errorf("%w: nearby expects lat, long and a positive radius", ErrInvalidArgument)
		}
		return NearbyQuery{Lat: lat, Long: long, Radius: radius}, nil
	}
	return NearbyQuery{}, fmt.Errorf("%w: nearby expects a {lat, long, radius} value", ErrInvalidArgument)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// coveringPrecision picks the finest precision whose cells are still
// at least radius across, so a small neighborhood of cells covers the
// disk.
func coveringPrecision(radius float64) uint {
	for p := len(geoCellSize); p >= 1; p-- {
		dims := geoCellSize[p-1]
		if math.Min(dims[0], dims[1]) >= radius {
			return uint(p)
		}
	}
	return 1
}

// coveringHashes enumerates the geohash prefixes of the covering
// precision over the radius disk's bounding box.
func coveringHashes(lat, long, radius float64) []string {
	precision := coveringPrecision(radius)
	dims := geoCellSize[precision-1]

	// Meters per degree: ~111320 for latitude, shrunk by cos(lat) for
	// longitude.
	dLat := radius / 111320
	dLng := radius / (111320 * math.Max(0.01, math.Cos(lat*math.Pi/180)))
	stepLat := dims[1] / 111320 / 2
	stepLng := dims[0] / (111320 * math.Max(0.01, math.Cos(lat*math.Pi/180))) / 2

	seen := make(map[string]struct{})
	var out []string
	for la := lat - dLat; la <= lat+dLat+stepLat; la += stepLat {
		for lo := long - dLng; lo <= long+dLng+stepLng; lo += stepLng {
			h := geohash.EncodeWithPrecision(la, lo, precision)
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}
