package media

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
)

// Thumbnail edge for color clustering and content hints. All
// heuristic thresholds below are tuned to this scale.
const thumbSize = 100

const (
	kmeansSeed          = 42
	maxKMeansIterations = 100

	logoEntropyMax       = 4.0
	textEdgeDensityMin   = 0.25
	screenshotEntropyMax = 6.0
	screenshotEdgeMin    = 0.05
	edgeGradientMin      = 60.0

	skinRatioFlag = 0.5
)

// paletteEntry is one dominant color with its share of the thumbnail.
type paletteEntry struct {
	RGB        [3]int     `json:"rgb"`
	Hex        string     `json:"hex"`
	HSV        [3]float64 `json:"hsv"`
	Name       string     `json:"name"`
	Percentage float64    `json:"percentage"`
}

// dominantColors clusters the thumbnail's pixels into at most k
// colors, largest cluster first.
func dominantColors(img image.Image, k int) []paletteEntry {
	points := rgbPoints(img)
	if len(points) == 0 {
		return nil
	}
	centroids, counts := kmeans(points, k)

	total := 0
	for _, n := range counts {
		total += n
	}
	order := make([]int, len(centroids))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })

	entries := make([]paletteEntry, 0, len(order))
	for _, idx := range order {
		if counts[idx] == 0 {
			continue
		}
		r := int(math.Round(centroids[idx][0]))
		g := int(math.Round(centroids[idx][1]))
		b := int(math.Round(centroids[idx][2]))
		c := colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
		hue, sat, val := c.Hsv()
		entries = append(entries, paletteEntry{
			RGB:        [3]int{r, g, b},
			Hex:        c.Hex(),
			HSV:        [3]float64{round2(hue), round2(sat), round2(val)},
			Name:       colorName(c),
			Percentage: round2(float64(counts[idx]) / float64(total) * 100),
		})
	}
	return entries
}

func rgbPoints(img image.Image) [][3]float64 {
	bounds := img.Bounds()
	points := make([][3]float64, 0, bounds.Dx()*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			points = append(points, [3]float64{float64(r >> 8), float64(g >> 8), float64(b >> 8)})
		}
	}
	return points
}

// kmeans clusters the points with a fixed seed so repeated runs of
// the analyzer agree on the palette. When the image holds no more
// distinct colors than k, they are counted directly.
func kmeans(points [][3]float64, k int) ([][3]float64, []int) {
	unique := uniquePoints(points)
	if len(unique) <= k {
		index := make(map[[3]float64]int, len(unique))
		for i, p := range unique {
			index[p] = i
		}
		counts := make([]int, len(unique))
		for _, p := range points {
			counts[index[p]]++
		}
		return unique, counts
	}

	rng := rand.New(rand.NewSource(kmeansSeed))
	centroids := seedCentroids(points, k, rng)
	assign := make([]int, len(points))
	counts := make([]int, k)

	for iter := 0; iter < maxKMeansIterations; iter++ {
		changed := assignPoints(points, centroids, assign)

		sums := make([][3]float64, k)
		for i := range counts {
			counts[i] = 0
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d := 0; d < 3; d++ {
				sums[c][d] += p[d]
			}
		}
		for j := range centroids {
			if counts[j] == 0 {
				continue
			}
			for d := 0; d < 3; d++ {
				centroids[j][d] = sums[j][d] / float64(counts[j])
			}
		}
		if !changed {
			break
		}
	}
	return centroids, counts
}

// assignPoints moves each point to its nearest centroid, reporting
// whether any assignment changed.
func assignPoints(points, centroids [][3]float64, assign []int) bool {
	changed := false
	for i, p := range points {
		best := 0
		bestDist := sqDist(p, centroids[0])
		for j := 1; j < len(centroids); j++ {
			if d := sqDist(p, centroids[j]); d < bestDist {
				best, bestDist = j, d
			}
		}
		if assign[i] != best {
			assign[i] = best
			changed = true
		}
	}
	return changed
}

// seedCentroids spreads the initial centroids k-means++ style: each
// next centroid is drawn proportionally to squared distance from the
// ones already picked.
func seedCentroids(points [][3]float64, k int, rng *rand.Rand) [][3]float64 {
	centroids := make([][3]float64, 0, k)
	centroids = append(centroids, points[rng.Intn(len(points))])

	dist := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			best := math.MaxFloat64
			for _, c := range centroids {
				if d := sqDist(p, c); d < best {
					best = d
				}
			}
			dist[i] = best
			total += best
		}
		target := rng.Float64() * total
		idx := len(points) - 1
		for i, d := range dist {
			target -= d
			if target <= 0 {
				idx = i
				break
			}
		}
		centroids = append(centroids, points[idx])
	}
	return centroids
}

func uniquePoints(points [][3]float64) [][3]float64 {
	seen := make(map[[3]float64]bool, len(points))
	var out [][3]float64
	for _, p := range points {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func sqDist(a, b [3]float64) float64 {
	var sum float64
	for d := 0; d < 3; d++ {
		diff := a[d] - b[d]
		sum += diff * diff
	}
	return sum
}

// The six legacy web-safe levels per channel.
var websafeLevels = []int{0, 51, 102, 153, 204, 255}

// websafePalette folds the dominant colors onto the 216-color
// web-safe palette, summing shares that land on the same entry.
func websafePalette(entries []paletteEntry) map[string]float64 {
	palette := make(map[string]float64, len(entries))
	for _, e := range entries {
		hex := fmt.Sprintf("#%02x%02x%02x",
			snapLevel(e.RGB[0]), snapLevel(e.RGB[1]), snapLevel(e.RGB[2]))
		palette[hex] = round2(palette[hex] + e.Percentage)
	}
	return palette
}

func snapLevel(v int) int {
	best, bestDist := websafeLevels[0], math.MaxInt
	for _, l := range websafeLevels {
		d := v - l
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestDist = l, d
		}
	}
	return best
}

// Rough names for palette entries, matched by perceptual distance.
var namedColors = []struct {
	name string
	c    colorful.Color
}{
	{"black", colorful.Color{R: 0, G: 0, B: 0}},
	{"white", colorful.Color{R: 1, G: 1, B: 1}},
	{"gray", colorful.Color{R: 0.5, G: 0.5, B: 0.5}},
	{"red", colorful.Color{R: 1, G: 0, B: 0}},
	{"orange", colorful.Color{R: 1, G: 0.65, B: 0}},
	{"yellow", colorful.Color{R: 1, G: 1, B: 0}},
	{"green", colorful.Color{R: 0, G: 0.5, B: 0}},
	{"cyan", colorful.Color{R: 0, G: 1, B: 1}},
	{"blue", colorful.Color{R: 0, G: 0, B: 1}},
	{"purple", colorful.Color{R: 0.5, G: 0, B: 0.5}},
	{"pink", colorful.Color{R: 1, G: 0.75, B: 0.8}},
	{"brown", colorful.Color{R: 0.6, G: 0.3, B: 0.1}},
}

func colorName(c colorful.Color) string {
	best, bestDist := namedColors[0].name, math.MaxFloat64
	for _, n := range namedColors {
		if d := c.DistanceLab(n.c); d < bestDist {
			best, bestDist = n.name, d
		}
	}
	return best
}

// contentTags classifies the thumbnail with entropy and edge-density
// heuristics: flat low-entropy images read as logos, edge-heavy ones
// as rendered text, structured mid-entropy ones as screenshots.
func contentTags(img image.Image) []string {
	values, w, h := grayValues(img)
	e := entropy(values)
	d := edgeDensity(values, w, h)

	var tags []string
	if e < logoEntropyMax {
		tags = append(tags, "logo")
	}
	if d > textEdgeDensityMin {
		tags = append(tags, "text")
	} else if e < screenshotEntropyMax && d > screenshotEdgeMin {
		tags = append(tags, "screenshot")
	}
	return tags
}

func grayValues(img image.Image) ([]float64, int, int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]float64, 0, w*h)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out = append(out, 0.299*float64(r>>8)+0.587*float64(g>>8)+0.114*float64(b>>8))
		}
	}
	return out, w, h
}

// entropy is the Shannon entropy of the 256-bin luminance histogram.
func entropy(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var hist [256]int
	for _, v := range values {
		idx := int(v)
		if idx > 255 {
			idx = 255
		}
		hist[idx]++
	}
	total := float64(len(values))
	var e float64
	for _, n := range hist {
		if n == 0 {
			continue
		}
		p := float64(n) / total
		e -= p * math.Log2(p)
	}
	return e
}

// edgeDensity is the share of pixels with a sharp luminance gradient
// toward their right or lower neighbor.
func edgeDensity(values []float64, w, h int) float64 {
	if w < 2 || h < 2 {
		return 0
	}
	edges := 0
	for y := 0; y < h-1; y++ {
		for x := 0; x < w-1; x++ {
			v := values[y*w+x]
			gx := math.Abs(values[y*w+x+1] - v)
			gy := math.Abs(values[(y+1)*w+x] - v)
			if gx+gy > edgeGradientMin {
				edges++
			}
		}
	}
	return float64(edges) / float64((w-1)*(h-1))
}

// skinScore flags images dominated by skin-toned pixels; anything
// under the flag ratio scores a flat zero.
func skinScore(img image.Image) float64 {
	ratio := skinRatio(img)
	if ratio <= skinRatioFlag {
		return 0
	}
	return round2(ratio)
}

func skinRatio(img image.Image) float64 {
	bounds := img.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return 0
	}
	skin := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r16, g16, b16, _ := img.At(x, y).RGBA()
			r, g, b := int(r16>>8), int(g16>>8), int(b16>>8)
			if r > 95 && g > 40 && b > 20 && r > g && r > b && r-g > 15 {
				skin++
			}
		}
	}
	return float64(skin) / float64(total)
}
