// Package region maps normalized annotation rectangles onto page images and
// produces the cropped JPEG context sent with grade requests.
package region

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
)

const defaultQuality = 70

// Point is a coordinate normalized to [0,1] of the page.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a normalized rectangle. Corners may be given in any order.
type Rect struct {
	TopLeft     Point `json:"top_left"`
	BottomRight Point `json:"bottom_right"`
}

// Crop is an encoded crop of one page.
type Crop struct {
	Data   []byte
	Width  int
	Height int
}

// Options configure a Mapper. Zero values get defaults.
type Options struct {
	Quality int // JPEG quality, 1..100
	MaxSide int // longest side of the output in pixels, 0 keeps the crop size
}

// Mapper crops page images. It is stateless and safe for concurrent use.
type Mapper struct {
	quality int
	maxSide int
}

// NewMapper creates a Mapper.
func NewMapper(opts Options) *Mapper {
	q := opts.Quality
	if q <= 0 || q > 100 {
		q = defaultQuality
	}
	return &Mapper{quality: q, maxSide: opts.MaxSide}
}

// Crop cuts r out of pages[page]. The page is decoded with EXIF
// auto-orientation so coordinates refer to the upright image. It returns
// false for an invalid page index, an undecodable page or a rectangle that
// covers less than one pixel.
func (m *Mapper) Crop(pages [][]byte, page int, r Rect) (*Crop, bool) {
	if page < 0 || page >= len(pages) {
		slog.Warn("crop skipped: page out of range", "page_index", page, "pages", len(pages))
		return nil, false
	}
	img, err := imaging.Decode(bytes.NewReader(pages[page]), imaging.AutoOrientation(true))
	if err != nil {
		slog.Warn("crop skipped: decode page", "page_index", page, "error", err)
		return nil, false
	}

	px, ok := PixelRect(img.Bounds(), r)
	if !ok {
		slog.Warn("crop skipped: degenerate rectangle", "page_index", page, "rect", r)
		return nil, false
	}

	var out image.Image = imaging.Crop(img, px)
	if m.maxSide > 0 {
		b := out.Bounds()
		if b.Dx() > m.maxSide || b.Dy() > m.maxSide {
			out = imaging.Fit(out, m.maxSide, m.maxSide, imaging.Lanczos)
		}
	}

	data, err := m.encode(out)
	if err != nil {
		slog.Warn("crop skipped: encode", "page_index", page, "error", err)
		return nil, false
	}
	b := out.Bounds()
	return &Crop{Data: data, Width: b.Dx(), Height: b.Dy()}, true
}

func (m *Mapper) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(m.quality)); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// PixelRect converts r to pixel coordinates within bounds, clamping to the
// image. It returns false when the result is empty.
func PixelRect(bounds image.Rectangle, r Rect) (image.Rectangle, bool) {
	x0, x1 := clamp01(math.Min(r.TopLeft.X, r.BottomRight.X)), clamp01(math.Max(r.TopLeft.X, r.BottomRight.X))
	y0, y1 := clamp01(math.Min(r.TopLeft.Y, r.BottomRight.Y)), clamp01(math.Max(r.TopLeft.Y, r.BottomRight.Y))

	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	px := image.Rect(
		bounds.Min.X+int(math.Floor(x0*w)),
		bounds.Min.Y+int(math.Floor(y0*h)),
		bounds.Min.X+int(math.Ceil(x1*w)),
		bounds.Min.Y+int(math.Ceil(y1*h)),
	).Intersect(bounds)
	if px.Dx() < 1 || px.Dy() < 1 {
		return image.Rectangle{}, false
	}
	return px, true
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
