// Package preprocess turns radiograph files into classifier input tensors.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// DefaultSize is the square input edge of the stock backbones.
const DefaultSize = 224

// Convention is a backbone family's pixel normalization.
type Convention string

const (
	// MobileNetV2 scales to [-1, 1].
	MobileNetV2 Convention = "mobilenet_v2"
	// ResNet is the caffe convention: BGR order with the ImageNet channel means removed.
	ResNet Convention = "resnet"
	// Unit scales to [0, 1].
	Unit Convention = "unit"
)

var caffeMeanBGR = [3]float64{103.939, 116.779, 123.68}

// ParseConvention validates a convention name. Empty means MobileNetV2.
func ParseConvention(s string) (Convention, error) {
	switch c := Convention(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return MobileNetV2, nil
	case MobileNetV2, ResNet, Unit:
		return c, nil
	}
	return "", xray.Misconfigured("preprocess", "unknown convention %q", s)
}

// Options controls Prepare.
type Options struct {
	Width      int
	Height     int
	Convention Convention
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = DefaultSize
	}
	if o.Height <= 0 {
		o.Height = DefaultSize
	}
	if o.Convention == "" {
		o.Convention = MobileNetV2
	}
	return o
}

// Decode reads a PNG, JPEG, TIFF or BMP image.
func Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, xray.InvalidInput("preprocess", "decode image: %v", err)
	}
	if img.Bounds().Empty() {
		return nil, xray.InvalidInput("preprocess", "%s image is empty", format)
	}
	return img, nil
}

// Load opens and decodes the image at path.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Prepare converts img to RGB at the requested size and normalizes it. It also returns
// the resized RGBA image, which is the canvas overlays are drawn on.
func Prepare(img image.Image, opts Options) (*tensor.Tensor, *image.RGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, nil, xray.InvalidInput("preprocess", "image is empty")
	}
	opts = opts.withDefaults()
	if _, err := ParseConvention(string(opts.Convention)); err != nil {
		return nil, nil, err
	}

	rgba := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.CatmullRom.Scale(rgba, rgba.Bounds(), img, img.Bounds(), draw.Src, nil)

	x := tensor.New(opts.Height, opts.Width, 3)
	for y := 0; y < opts.Height; y++ {
		for xx := 0; xx < opts.Width; xx++ {
			px := rgba.RGBAAt(xx, y)
			px.A = 0xff
			rgba.SetRGBA(xx, y, px)
			r, g, b := normalize(px, opts.Convention)
			x.Set(y, xx, 0, r)
			x.Set(y, xx, 1, g)
			x.Set(y, xx, 2, b)
		}
	}
	return x, rgba, nil
}

func normalize(px color.RGBA, c Convention) (float64, float64, float64) {
	r, g, b := float64(px.R), float64(px.G), float64(px.B)
	switch c {
	case ResNet:
		return b - caffeMeanBGR[0], g - caffeMeanBGR[1], r - caffeMeanBGR[2]
	case Unit:
		return r / 255, g / 255, b / 255
	default:
		return r/127.5 - 1, g/127.5 - 1, b/127.5 - 1
	}
}

// File is Load followed by Prepare.
func File(path string, opts Options) (*tensor.Tensor, *image.RGBA, error) {
	img, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	return Prepare(img, opts)
}
