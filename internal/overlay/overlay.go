// Package overlay renders Grad-CAM heatmaps on top of the source radiograph.
//
// Every function here is a pure transform of (image, heatmap, parameters).
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"slices"
	"strings"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"github.com/straja-ai/cxrlens/internal/gradcam"
	"github.com/straja-ai/cxrlens/internal/xray"
)

const (
	DefaultBlendOpacity     = 0.35
	DefaultHighlightOpacity = 0.45
	DefaultPercentile       = 85.0
)

// Mode selects a renderer.
type Mode string

const (
	ModeJet       Mode = "jet"
	ModeHighlight Mode = "highlight"
)

// ParseMode accepts "jet" or "highlight" (case-insensitive). Empty means jet.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeJet:
		return ModeJet, nil
	case ModeHighlight:
		return ModeHighlight, nil
	}
	return "", xray.Misconfigured("overlay", "unknown mode %q (want jet or highlight)", s)
}

// Resize scales h to width x height with Catmull-Rom interpolation. The result keeps
// the class and layer of h and stays in [0,1].
func Resize(h *gradcam.Heatmap, width, height int) (*gradcam.Heatmap, error) {
	if err := checkHeatmap(h); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, xray.InvalidInput("overlay", "target size %dx%d must be positive", width, height)
	}
	if width == h.W && height == h.H {
		out := *h
		out.Values = slices.Clone(h.Values)
		return &out, nil
	}

	src := image.NewGray16(image.Rect(0, 0, h.W, h.H))
	for y := 0; y < h.H; y++ {
		for x := 0; x < h.W; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(clamp01(h.At(y, x)) * 0xffff))})
		}
	}
	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := &gradcam.Heatmap{H: height, W: width, Values: make([]float64, width*height), Class: h.Class, Layer: h.Layer}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Values[y*width+x] = float64(dst.Gray16At(x, y).Y) / 0xffff
		}
	}
	return out, nil
}

// Blended is the output of Blend.
type Blended struct {
	Overlay *image.RGBA
	Color   *image.RGBA
	Gray    *image.Gray
}

// Blend resizes h to img and mixes its JET colouring into img at opacity.
func Blend(img image.Image, h *gradcam.Heatmap, opacity float64) (*Blended, error) {
	if err := checkOpacity(opacity); err != nil {
		return nil, err
	}
	base, hm, err := prepare(img, h)
	if err != nil {
		return nil, err
	}
	b := base.Bounds()
	out := &Blended{
		Overlay: image.NewRGBA(b),
		Color:   image.NewRGBA(b),
		Gray:    image.NewGray(b),
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			level := uint8(255 * hm.At(y, x))
			jet := Jet(float64(level) / 255)
			px := base.RGBAAt(b.Min.X+x, b.Min.Y+y)

			out.Gray.SetGray(b.Min.X+x, b.Min.Y+y, color.Gray{Y: level})
			out.Color.SetRGBA(b.Min.X+x, b.Min.Y+y, jet)
			out.Overlay.SetRGBA(b.Min.X+x, b.Min.Y+y, color.RGBA{
				R: mix(px.R, jet.R, opacity),
				G: mix(px.G, jet.G, opacity),
				B: mix(px.B, jet.B, opacity),
				A: 0xff,
			})
		}
	}
	return out, nil
}

// Highlighted is the output of Highlight.
type Highlighted struct {
	Overlay   *image.RGBA
	Mask      *image.Gray
	Threshold float64
}

// Highlight tints in red only the pixels whose resized heat is at or above the given
// percentile of the map, leaving the rest of img untouched.
func Highlight(img image.Image, h *gradcam.Heatmap, opacity, percentile float64) (*Highlighted, error) {
	if err := checkOpacity(opacity); err != nil {
		return nil, err
	}
	if math.IsNaN(percentile) || percentile < 0 || percentile > 100 {
		return nil, xray.Misconfigured("overlay", "percentile %g outside [0,100]", percentile)
	}
	base, hm, err := prepare(img, h)
	if err != nil {
		return nil, err
	}

	sorted := slices.Clone(hm.Values)
	slices.Sort(sorted)
	thresh := stat.Quantile(percentile/100, stat.LinInterp, sorted, nil)

	red := color.RGBA{R: 0xff, A: 0xff}
	b := base.Bounds()
	out := &Highlighted{Overlay: image.NewRGBA(b), Mask: image.NewGray(b), Threshold: thresh}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			px := base.RGBAAt(b.Min.X+x, b.Min.Y+y)
			px.A = 0xff
			if hm.At(y, x) >= thresh {
				out.Mask.SetGray(b.Min.X+x, b.Min.Y+y, color.Gray{Y: 0xff})
				px = color.RGBA{
					R: mix(px.R, red.R, opacity),
					G: mix(px.G, red.G, opacity),
					B: mix(px.B, red.B, opacity),
					A: 0xff,
				}
			}
			out.Overlay.SetRGBA(b.Min.X+x, b.Min.Y+y, px)
		}
	}
	return out, nil
}

// Render dispatches to Blend or Highlight and returns the overlay image.
func Render(mode Mode, img image.Image, h *gradcam.Heatmap, opacity, percentile float64) (*image.RGBA, error) {
	switch mode {
	case ModeJet, "":
		res, err := Blend(img, h, opacity)
		if err != nil {
			return nil, err
		}
		return res.Overlay, nil
	case ModeHighlight:
		res, err := Highlight(img, h, opacity, percentile)
		if err != nil {
			return nil, err
		}
		return res.Overlay, nil
	}
	return nil, xray.Misconfigured("overlay", "unknown mode %q", mode)
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

// Jet maps v in [0,1] to the JET colormap (blue, cyan, yellow, red).
func Jet(v float64) color.RGBA {
	v = clamp01(v)
	channel := func(center float64) uint8 {
		return uint8(math.Round(255 * clamp01(1.5-math.Abs(4*v-center))))
	}
	return color.RGBA{R: channel(3), G: channel(2), B: channel(1), A: 0xff}
}

func prepare(img image.Image, h *gradcam.Heatmap) (*image.RGBA, *gradcam.Heatmap, error) {
	if img == nil {
		return nil, nil, xray.InvalidInput("overlay", "image is nil")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, nil, xray.InvalidInput("overlay", "image is empty")
	}
	base, ok := img.(*image.RGBA)
	if !ok {
		base = image.NewRGBA(b)
		draw.Draw(base, b, img, b.Min, draw.Src)
	}
	hm, err := Resize(h, b.Dx(), b.Dy())
	if err != nil {
		return nil, nil, err
	}
	return base, hm, nil
}

func checkHeatmap(h *gradcam.Heatmap) error {
	if h == nil || h.H <= 0 || h.W <= 0 || len(h.Values) != h.H*h.W {
		return xray.InvalidInput("overlay", "heatmap is empty or mis-sized")
	}
	for _, v := range h.Values {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return xray.InvalidInput("overlay", "heatmap value %g outside [0,1]", v)
		}
	}
	return nil
}

func checkOpacity(opacity float64) error {
	if math.IsNaN(opacity) || opacity < 0 || opacity > 1 {
		return xray.Misconfigured("overlay", "opacity %g outside [0,1]", opacity)
	}
	return nil
}

func mix(base, top uint8, alpha float64) uint8 {
	return uint8(math.Round((1-alpha)*float64(base) + alpha*float64(top)))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
