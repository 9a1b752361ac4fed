package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-ctdet/tensor"
)

// Layer is an executable layer. Backward differentiates the latest Forward
// and accumulates into the parameter gradients.
type Layer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	// share returns a layer over the same parameters with its own cache.
	share() Layer
}

// BuildOption customizes Build.
type BuildOption func(*buildConfig)

type buildConfig struct {
	biasInit map[string]float32
}

// WithBiasInit fills the bias of the named Conv2D layer with v.
func WithBiasInit(layer string, v float32) BuildOption {
	return func(c *buildConfig) {
		c.biasInit[layer] = v
	}
}

// Build instantiates the compiled spec with He-normal weights drawn from
// rng.
func (ms *ModelSpec) Build(rng *rand.Rand, options ...BuildOption) (*Sequential, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	cfg := &buildConfig{biasInit: make(map[string]float32)}
	for _, o := range options {
		o(cfg)
	}

	seq := &Sequential{spec: ms}
	for _, spec := range ms.Layers {
		switch spec.Type {
		case Conv2D:
			l, err := newConv2DLayer(spec, rng, cfg.biasInit[spec.Name])
			if err != nil {
				return nil, fmt.Errorf("layer %s: %v", spec.Name, err)
			}
			seq.layers = append(seq.layers, l)
		case ReLU:
			seq.layers = append(seq.layers, &ReLULayer{})
		case LeakyReLU:
			seq.layers = append(seq.layers, &ReLULayer{slope: getFloatParam(spec.Parameters, "negative_slope", 0.01)})
		default:
			return nil, fmt.Errorf("unsupported layer type: %s", spec.Type)
		}
	}
	return seq, nil
}

func newParameter(t *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := tensor.ZerosLike(t)
	if err != nil {
		return nil, err
	}
	t.SetRequiresGrad(true)
	t.SetGrad(g)
	return t, nil
}

// Conv2DLayer is a square-kernel convolution over [B, C, H, W] inputs.
type Conv2DLayer struct {
	weight  *tensor.Tensor // [out, in, k, k]
	bias    *tensor.Tensor // [out] or nil
	stride  int
	padding int

	input *tensor.Tensor
}

func newConv2DLayer(spec LayerSpec, rng *rand.Rand, biasInit float32) (*Conv2DLayer, error) {
	wShape := spec.ParameterShapes[0]
	fanIn := wShape[1] * wShape[2] * wShape[3]
	w, err := tensor.RandomNormal(wShape, 0, float32(math.Sqrt(2/float64(fanIn))), rng)
	if err != nil {
		return nil, err
	}
	l := &Conv2DLayer{
		stride:  getIntParam(spec.Parameters, "stride", 1),
		padding: getIntParam(spec.Parameters, "padding", 0),
	}
	if l.weight, err = newParameter(w); err != nil {
		return nil, err
	}
	if len(spec.ParameterShapes) > 1 {
		b, err := tensor.Full(spec.ParameterShapes[1], biasInit, tensor.Float32, tensor.CPUDevice)
		if err != nil {
			return nil, err
		}
		if l.bias, err = newParameter(b); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Conv2DLayer) outSize(h, w int) (int, int) {
	k := l.weight.Shape[2]
	return (h+2*l.padding-k)/l.stride + 1, (w+2*l.padding-k)/l.stride + 1
}

func (l *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != l.weight.Shape[1] {
		return nil, fmt.Errorf("Conv2D expects [B, %d, H, W], got %v", l.weight.Shape[1], x.Shape)
	}
	in, err := x.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	w := l.weight.Data.([]float32)

	b, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, k := l.weight.Shape[0], l.weight.Shape[2]
	oh, ow := l.outSize(h, wd)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("Conv2D input %v too small for kernel %d", x.Shape, k)
	}

	out := make([]float32, b*cout*oh*ow)
	for bi := 0; bi < b; bi++ {
		for co := 0; co < cout; co++ {
			var bias float32
			if l.bias != nil {
				bias = l.bias.Data.([]float32)[co]
			}
			plane := out[(bi*cout+co)*oh*ow : (bi*cout+co+1)*oh*ow]
			for i := range plane {
				plane[i] = bias
			}
			for ci := 0; ci < cin; ci++ {
				src := in[(bi*cin+ci)*h*wd : (bi*cin+ci+1)*h*wd]
				kern := w[(co*cin+ci)*k*k : (co*cin+ci+1)*k*k]
				for oy := 0; oy < oh; oy++ {
					for ox := 0; ox < ow; ox++ {
						var sum float32
						for ky := 0; ky < k; ky++ {
							iy := oy*l.stride - l.padding + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ox*l.stride - l.padding + kx
								if ix < 0 || ix >= wd {
									continue
								}
								sum += src[iy*wd+ix] * kern[ky*k+kx]
							}
						}
						plane[oy*ow+ox] += sum
					}
				}
			}
		}
	}
	l.input = x
	return tensor.NewTensor([]int{b, cout, oh, ow}, tensor.Float32, x.Device, out)
}

func (l *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("Conv2D backward called before forward")
	}
	x := l.input
	b, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, k := l.weight.Shape[0], l.weight.Shape[2]
	oh, ow := l.outSize(h, wd)
	if len(gradOut.Shape) != 4 || gradOut.Shape[0] != b || gradOut.Shape[1] != cout ||
		gradOut.Shape[2] != oh || gradOut.Shape[3] != ow {
		return nil, fmt.Errorf("Conv2D gradient shape %v does not match output [%d %d %d %d]", gradOut.Shape, b, cout, oh, ow)
	}

	in := x.Data.([]float32)
	w := l.weight.Data.([]float32)
	g := gradOut.Data.([]float32)
	gw := l.weight.Grad().Data.([]float32)
	gin := make([]float32, len(in))

	for bi := 0; bi < b; bi++ {
		for co := 0; co < cout; co++ {
			gplane := g[(bi*cout+co)*oh*ow : (bi*cout+co+1)*oh*ow]
			if l.bias != nil {
				var s float32
				for _, v := range gplane {
					s += v
				}
				l.bias.Grad().Data.([]float32)[co] += s
			}
			for ci := 0; ci < cin; ci++ {
				src := in[(bi*cin+ci)*h*wd : (bi*cin+ci+1)*h*wd]
				dsrc := gin[(bi*cin+ci)*h*wd : (bi*cin+ci+1)*h*wd]
				kern := w[(co*cin+ci)*k*k : (co*cin+ci+1)*k*k]
				dkern := gw[(co*cin+ci)*k*k : (co*cin+ci+1)*k*k]
				for oy := 0; oy < oh; oy++ {
					for ox := 0; ox < ow; ox++ {
						gv := gplane[oy*ow+ox]
						if gv == 0 {
							continue
						}
						for ky := 0; ky < k; ky++ {
							iy := oy*l.stride - l.padding + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ox*l.stride - l.padding + kx
								if ix < 0 || ix >= wd {
									continue
								}
								dkern[ky*k+kx] += gv * src[iy*wd+ix]
								dsrc[iy*wd+ix] += gv * kern[ky*k+kx]
							}
						}
					}
				}
			}
		}
	}
	return tensor.NewTensor(x.Shape, tensor.Float32, x.Device, gin)
}

func (l *Conv2DLayer) Parameters() []*tensor.Tensor {
	if l.bias == nil {
		return []*tensor.Tensor{l.weight}
	}
	return []*tensor.Tensor{l.weight, l.bias}
}

func (l *Conv2DLayer) share() Layer {
	return &Conv2DLayer{weight: l.weight, bias: l.bias, stride: l.stride, padding: l.padding}
}

// ReLULayer is a ReLU, or a leaky ReLU when slope is non-zero.
type ReLULayer struct {
	slope float32
	input []float32
}

func (l *ReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	in, err := x.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(in))
	for i, v := range in {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = v * l.slope
		}
	}
	l.input = in
	return tensor.NewTensor(x.Shape, tensor.Float32, x.Device, out)
}

func (l *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := gradOut.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	if len(g) != len(l.input) {
		return nil, fmt.Errorf("ReLU gradient has %d elements, forward had %d", len(g), len(l.input))
	}
	out := make([]float32, len(g))
	for i, v := range l.input {
		if v > 0 {
			out[i] = g[i]
		} else {
			out[i] = g[i] * l.slope
		}
	}
	return tensor.NewTensor(gradOut.Shape, tensor.Float32, gradOut.Device, out)
}

func (l *ReLULayer) Parameters() []*tensor.Tensor { return nil }

func (l *ReLULayer) share() Layer { return &ReLULayer{slope: l.slope} }

// Sequential runs layers in order.
type Sequential struct {
	spec   *ModelSpec
	layers []Layer
}

// Spec returns the compiled spec the model was built from.
func (s *Sequential) Spec() *ModelSpec {
	return s.spec
}

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, l := range s.layers {
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("%s forward: %v", s.spec.Layers[i].Name, err)
		}
	}
	return x, nil
}

// Backward propagates gradOut through every layer in reverse and returns
// the gradient with respect to the model input.
func (s *Sequential) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g := gradOut
	var err error
	for i := len(s.layers) - 1; i >= 0; i-- {
		if g, err = s.layers[i].Backward(g); err != nil {
			return nil, fmt.Errorf("%s backward: %v", s.spec.Layers[i].Name, err)
		}
	}
	return g, nil
}

// Parameters lists weights and biases in layer order.
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// ParameterNames returns "<layer>.weight" / "<layer>.bias" in Parameters
// order.
func (s *Sequential) ParameterNames() []string {
	var names []string
	for i, l := range s.layers {
		ps := l.Parameters()
		if len(ps) > 0 {
			names = append(names, s.spec.Layers[i].Name+".weight")
		}
		if len(ps) > 1 {
			names = append(names, s.spec.Layers[i].Name+".bias")
		}
	}
	return names
}

// Share returns a model over the same parameter tensors with independent
// activation caches, suitable for running on another goroutine.
func (s *Sequential) Share() *Sequential {
	out := &Sequential{spec: s.spec, layers: make([]Layer, len(s.layers))}
	for i, l := range s.layers {
		out.layers[i] = l.share()
	}
	return out
}

// Freeze returns a model over copies of the parameters. Gradients pushed
// through the copy never reach the original model.
func (s *Sequential) Freeze() (*Sequential, error) {
	out := s.Share()
	for i, l := range out.layers {
		conv, ok := l.(*Conv2DLayer)
		if !ok {
			continue
		}
		w, err := conv.weight.Clone()
		if err != nil {
			return nil, fmt.Errorf("%s: %v", s.spec.Layers[i].Name, err)
		}
		if conv.weight, err = newParameter(w); err != nil {
			return nil, err
		}
		if conv.bias != nil {
			b, err := conv.bias.Clone()
			if err != nil {
				return nil, fmt.Errorf("%s: %v", s.spec.Layers[i].Name, err)
			}
			if conv.bias, err = newParameter(b); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ForwardTaps runs the model and returns the output of every layer.
func (s *Sequential) ForwardTaps(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	outs := make([]*tensor.Tensor, len(s.layers))
	var err error
	for i, l := range s.layers {
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("%s forward: %v", s.spec.Layers[i].Name, err)
		}
		outs[i] = x
	}
	return outs, nil
}

// BackwardTaps differentiates the latest forward with grads[i] injected at
// the output of layer i. Entries may be nil but not all of them.
func (s *Sequential) BackwardTaps(grads []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(grads) != len(s.layers) {
		return nil, fmt.Errorf("got %d tap gradients for %d layers", len(grads), len(s.layers))
	}
	var g *tensor.Tensor
	var err error
	for i := len(s.layers) - 1; i >= 0; i-- {
		switch {
		case grads[i] == nil:
		case g == nil:
			g = grads[i]
		default:
			if g, err = tensor.Add(g, grads[i]); err != nil {
				return nil, fmt.Errorf("%s tap: %v", s.spec.Layers[i].Name, err)
			}
		}
		if g == nil {
			continue
		}
		if g, err = s.layers[i].Backward(g); err != nil {
			return nil, fmt.Errorf("%s backward: %v", s.spec.Layers[i].Name, err)
		}
	}
	if g == nil {
		return nil, fmt.Errorf("no tap gradients given")
	}
	return g, nil
}

// Types lists the layer types in order.
func (s *Sequential) Types() []LayerType {
	types := make([]LayerType, len(s.spec.Layers))
	for i, l := range s.spec.Layers {
		types[i] = l.Type
	}
	return types
}
