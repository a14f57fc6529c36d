package network

import (
	"math"

	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Layer is one frozen stage of a Sequential backbone. Backward returns the gradient
// with respect to the layer input given the input x, the output y and dL/dy.
type Layer interface {
	Name() string
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(x, y, gradY *tensor.Tensor) (*tensor.Tensor, error)
}

// Conv2D is a stride-1 convolution with "same" zero padding.
type Conv2D struct {
	name   string
	kernel int
	in     int
	out    int
	// weights is laid out [ky][kx][in][out].
	weights []float64
	bias    []float64
}

// NewConv2D validates the parameter shapes.
func NewConv2D(name string, kernel, in, out int, weights, bias []float64) (*Conv2D, error) {
	if kernel <= 0 || kernel%2 == 0 {
		return nil, xray.Misconfigured("conv2d", "layer %q kernel %d must be odd and positive", name, kernel)
	}
	if in <= 0 || out <= 0 {
		return nil, xray.Misconfigured("conv2d", "layer %q has non-positive channels %d->%d", name, in, out)
	}
	if len(weights) != kernel*kernel*in*out {
		return nil, xray.Misconfigured("conv2d", "layer %q needs %d weights, got %d", name, kernel*kernel*in*out, len(weights))
	}
	if len(bias) != out {
		return nil, xray.Misconfigured("conv2d", "layer %q needs %d biases, got %d", name, out, len(bias))
	}
	for _, v := range weights {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, xray.Misconfigured("conv2d", "layer %q has non-finite weights", name)
		}
	}
	return &Conv2D{name: name, kernel: kernel, in: in, out: out, weights: weights, bias: bias}, nil
}

func (l *Conv2D) Name() string { return l.name }

func (l *Conv2D) w(ky, kx, c, o int) float64 {
	return l.weights[((ky*l.kernel+kx)*l.in+c)*l.out+o]
}

func (l *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.C != l.in {
		return nil, xray.Misconfigured("conv2d", "layer %q expects %d input channels, got %d", l.name, l.in, x.C)
	}
	pad := l.kernel / 2
	y := tensor.New(x.H, x.W, l.out)
	for h := 0; h < x.H; h++ {
		for w := 0; w < x.W; w++ {
			for o := 0; o < l.out; o++ {
				sum := l.bias[o]
				for ky := 0; ky < l.kernel; ky++ {
					sy := h + ky - pad
					if sy < 0 || sy >= x.H {
						continue
					}
					for kx := 0; kx < l.kernel; kx++ {
						sx := w + kx - pad
						if sx < 0 || sx >= x.W {
							continue
						}
						for c := 0; c < l.in; c++ {
							sum += x.At(sy, sx, c) * l.w(ky, kx, c, o)
						}
					}
				}
				y.Set(h, w, o, sum)
			}
		}
	}
	return y, nil
}

func (l *Conv2D) Backward(x, _, gradY *tensor.Tensor) (*tensor.Tensor, error) {
	pad := l.kernel / 2
	gradX := tensor.ZerosLike(x)
	for h := 0; h < gradY.H; h++ {
		for w := 0; w < gradY.W; w++ {
			for o := 0; o < l.out; o++ {
				g := gradY.At(h, w, o)
				if g == 0 {
					continue
				}
				for ky := 0; ky < l.kernel; ky++ {
					sy := h + ky - pad
					if sy < 0 || sy >= x.H {
						continue
					}
					for kx := 0; kx < l.kernel; kx++ {
						sx := w + kx - pad
						if sx < 0 || sx >= x.W {
							continue
						}
						for c := 0; c < l.in; c++ {
							gradX.Add(sy, sx, c, g*l.w(ky, kx, c, o))
						}
					}
				}
			}
		}
	}
	return gradX, nil
}

// ReLU is max(x, 0).
type ReLU struct {
	name string
}

// NewReLU names a rectifier.
func NewReLU(name string) *ReLU { return &ReLU{name: name} }

func (l *ReLU) Name() string { return l.name }

func (l *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	return y, nil
}

func (l *ReLU) Backward(x, _, gradY *tensor.Tensor) (*tensor.Tensor, error) {
	gradX := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if v > 0 {
			gradX.Data[i] = gradY.Data[i]
		}
	}
	return gradX, nil
}

// MaxPool2D is a 2x2 max pool with stride 2. Odd trailing rows and columns are dropped.
type MaxPool2D struct {
	name string
}

// NewMaxPool2D names a pooling layer.
func NewMaxPool2D(name string) *MaxPool2D { return &MaxPool2D{name: name} }

func (l *MaxPool2D) Name() string { return l.name }

func (l *MaxPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.H < 2 || x.W < 2 {
		return nil, xray.InvalidInput("maxpool2d", "layer %q input %dx%d is smaller than the pool", l.name, x.H, x.W)
	}
	y := tensor.New(x.H/2, x.W/2, x.C)
	for h := 0; h < y.H; h++ {
		for w := 0; w < y.W; w++ {
			for c := 0; c < x.C; c++ {
				sy, sx := argmaxWindow(x, h, w, c)
				y.Set(h, w, c, x.At(sy, sx, c))
			}
		}
	}
	return y, nil
}

func (l *MaxPool2D) Backward(x, _, gradY *tensor.Tensor) (*tensor.Tensor, error) {
	gradX := tensor.ZerosLike(x)
	for h := 0; h < gradY.H; h++ {
		for w := 0; w < gradY.W; w++ {
			for c := 0; c < x.C; c++ {
				sy, sx := argmaxWindow(x, h, w, c)
				gradX.Add(sy, sx, c, gradY.At(h, w, c))
			}
		}
	}
	return gradX, nil
}

// argmaxWindow returns the first position holding the max of the 2x2 window at (h, w).
func argmaxWindow(x *tensor.Tensor, h, w, c int) (int, int) {
	by, bx := 2*h, 2*w
	best := x.At(by, bx, c)
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			if v := x.At(2*h+dy, 2*w+dx, c); v > best {
				best, by, bx = v, 2*h+dy, 2*w+dx
			}
		}
	}
	return by, bx
}
