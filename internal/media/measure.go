package media

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/nfnt/resize"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	// Decoders beyond the stdlib set: webp, bmp, tiff.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"mywebintel/internal/store"
)

// measure decodes the image and fills the row's analysis fields.
// Basic properties are recorded even for undersized images, so the
// reanalysis pass can find and remove them.
func (a *Analyzer) measure(m *store.Media, data []byte) error {
	size := int64(len(data))
	m.FileSize = &size

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	m.Width = &w
	m.Height = &h
	m.Format = strings.ToUpper(format)
	m.ColorMode = colorMode(img)
	transparent := hasTransparency(img)
	m.HasTransparency = &transparent
	if h > 0 {
		ratio := round2(float64(w) / float64(h))
		m.AspectRatio = &ratio
	}

	if w < a.cfg.Media.MinWidth || h < a.cfg.Media.MinHeight {
		return fmt.Errorf("image %dx%d below minimum %dx%d",
			w, h, a.cfg.Media.MinWidth, a.cfg.Media.MinHeight)
	}

	if hash, err := goimagehash.PerceptionHash(img); err == nil {
		m.ImageHash = fmt.Sprintf("%016x", hash.GetHash())
	}

	if a.cfg.Media.ExtractEXIF {
		m.EXIFData = extractEXIF(data)
	}

	thumb := resize.Resize(thumbSize, thumbSize, img, resize.Bicubic)

	if a.cfg.Media.ExtractColors && a.cfg.Media.DominantColors > 0 {
		entries := dominantColors(thumb, a.cfg.Media.DominantColors)
		if len(entries) > 0 {
			if out, err := json.Marshal(entries); err == nil {
				m.DominantColors = string(out)
			}
			if out, err := json.Marshal(websafePalette(entries)); err == nil {
				m.WebsafeColors = string(out)
			}
		}
	}

	if a.cfg.Media.AnalyzeContent {
		m.ContentTags = strings.Join(contentTags(thumb), ",")
	}

	score := skinScore(thumb)
	m.NSFWScore = &score
	return nil
}

// colorMode mirrors the file's storage model: alpha channel, palette,
// grayscale or plain color.
func colorMode(img image.Image) string {
	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.NYCbCrA:
		return "RGBA"
	case *image.Gray, *image.Gray16:
		return "L"
	case *image.Paletted:
		return "P"
	case *image.CMYK:
		return "CMYK"
	default:
		return "RGB"
	}
}

// hasTransparency reports whether any pixel is not fully opaque.
func hasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}

// HashDistance is the Hamming distance between two perceptual hashes
// as produced by the analyzer, usable for near-duplicate detection.
func HashDistance(a, b string) (int, error) {
	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad hash %q: %w", a, err)
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad hash %q: %w", b, err)
	}
	return bits.OnesCount64(x ^ y), nil
}

// exifWalker collects tags, skipping MakerNote and the raw GPS
// rationals. Decimal coordinates are added separately.
type exifWalker struct {
	fields map[string]string
}

func (w exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if name == exif.MakerNote || strings.HasPrefix(string(name), "GPS") {
		return nil
	}
	w.fields[string(name)] = strings.Trim(tag.String(), `"`)
	return nil
}

// extractEXIF returns the image's EXIF tags as JSON, with GPS reduced
// to decimal latitude and longitude. "" when the image carries none.
func extractEXIF(data []byte) string {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	w := exifWalker{fields: make(map[string]string)}
	if err := x.Walk(w); err != nil {
		return ""
	}
	if lat, long, err := x.LatLong(); err == nil {
		w.fields["GPSLatitude"] = strconv.FormatFloat(lat, 'f', 6, 64)
		w.fields["GPSLongitude"] = strconv.FormatFloat(long, 'f', 6, 64)
	}
	if len(w.fields) == 0 {
		return ""
	}
	out, err := json.Marshal(w.fields)
	if err != nil {
		return ""
	}
	return string(out)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
