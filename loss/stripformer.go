package loss

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-ctdet/tensor"
)

// FeatureExtractor is a frozen perceptual backbone used by the contrastive
// term. Backward maps per-layer feature gradients back to the image.
type FeatureExtractor interface {
	Features(img *tensor.Tensor) ([]*tensor.Tensor, error)
	Backward(img *tensor.Tensor, featGrads []*tensor.Tensor) (*tensor.Tensor, error)
}

// CharbonnierLoss is mean(sqrt((x-y)^2 + eps^2)).
type CharbonnierLoss struct {
	Eps float64
}

func (c CharbonnierLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape("charbonnier", predicted, target); err != nil {
		return 0, err
	}
	p, t := predicted.Data.([]float32), target.Data.([]float32)
	var sum float64
	for i := range p {
		d := float64(p[i]) - float64(t[i])
		sum += math.Sqrt(d*d + c.Eps*c.Eps)
	}
	return sum / float64(len(p)), nil
}

func (c CharbonnierLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape("charbonnier", predicted, target); err != nil {
		return nil, err
	}
	p, t := predicted.Data.([]float32), target.Data.([]float32)
	n := float64(len(p))
	g := make([]float32, len(p))
	for i := range p {
		d := float64(p[i]) - float64(t[i])
		g[i] = float32(d / math.Sqrt(d*d+c.Eps*c.Eps) / n)
	}
	return newGrad(predicted, g)
}

var edgeKernel = []float64{0.05, 0.25, 0.4, 0.25, 0.05}

// filterReplicate correlates a plane with the separable edge kernel using
// replicate padding.
func filterReplicate(plane []float64, h, w int) []float64 {
	r := len(edgeKernel) / 2
	tmp := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for i, kv := range edgeKernel {
				s += kv * plane[y*w+clampIndex(x+i-r, w)]
			}
			tmp[y*w+x] = s
		}
	}
	out := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for i, kv := range edgeKernel {
				s += kv * tmp[clampIndex(y+i-r, h)*w+x]
			}
			out[y*w+x] = s
		}
	}
	return out
}

// filterReplicateT is the adjoint of filterReplicate.
func filterReplicateT(grad []float64, h, w int) []float64 {
	r := len(edgeKernel) / 2
	tmp := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for i, kv := range edgeKernel {
				tmp[clampIndex(y+i-r, h)*w+x] += kv * grad[y*w+x]
			}
		}
	}
	out := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for i, kv := range edgeKernel {
				out[y*w+clampIndex(x+i-r, w)] += kv * tmp[y*w+x]
			}
		}
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// keepEven zeroes odd rows and columns and scales the rest by 4. It is
// diagonal, hence self-adjoint.
func keepEven(plane []float64, h, w int) []float64 {
	out := make([]float64, h*w)
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			out[y*w+x] = 4 * plane[y*w+x]
		}
	}
	return out
}

// laplacian is plane - G(keepEven(G(plane))), one level of a laplacian
// pyramid.
func laplacian(plane []float64, h, w int) []float64 {
	f := filterReplicate(keepEven(filterReplicate(plane, h, w), h, w), h, w)
	out := make([]float64, h*w)
	for i := range out {
		out[i] = plane[i] - f[i]
	}
	return out
}

func laplacianT(grad []float64, h, w int) []float64 {
	f := filterReplicateT(keepEven(filterReplicateT(grad, h, w), h, w), h, w)
	out := make([]float64, h*w)
	for i := range out {
		out[i] = grad[i] - f[i]
	}
	return out
}

func laplacianTensor(t *tensor.Tensor) (*tensor.Tensor, error) {
	ps, h, w, err := planes(t)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 0, len(ps)*h*w)
	for _, p := range ps {
		for _, v := range laplacian(p, h, w) {
			out = append(out, float32(v))
		}
	}
	return newGrad(t, out)
}

// EdgeLoss is the Charbonnier distance between laplacian responses.
type EdgeLoss struct {
	char CharbonnierLoss
}

func (e EdgeLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	lp, err := laplacianTensor(predicted)
	if err != nil {
		return 0, err
	}
	lt, err := laplacianTensor(target)
	if err != nil {
		return 0, err
	}
	return e.char.Forward(lp, lt)
}

func (e EdgeLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	lp, err := laplacianTensor(predicted)
	if err != nil {
		return nil, err
	}
	lt, err := laplacianTensor(target)
	if err != nil {
		return nil, err
	}
	gl, err := e.char.Backward(lp, lt)
	if err != nil {
		return nil, err
	}
	gp, h, w, err := planes(gl)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 0, len(gp)*h*w)
	for _, p := range gp {
		for _, v := range laplacianT(p, h, w) {
			out = append(out, float32(v))
		}
	}
	return newGrad(predicted, out)
}

// ContrastLoss pulls restored features towards the sharp image and away
// from the blurred input: sum_i w_i * L1(a_i, p_i) / (L1(a_i, n_i) + 1e-7).
type ContrastLoss struct {
	Extractor FeatureExtractor
}

func l1Mean(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += abs(float64(a[i]) - float64(b[i]))
	}
	return s / float64(len(a))
}

// layerWeights halves the weight of each shallower layer, ending at 1.
func layerWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / math.Pow(2, float64(n-1-i))
	}
	return w
}

func (c ContrastLoss) features(restored, sharp, blur *tensor.Tensor) (a, p, n []*tensor.Tensor, err error) {
	if a, err = c.Extractor.Features(restored); err != nil {
		return nil, nil, nil, err
	}
	if p, err = c.Extractor.Features(sharp); err != nil {
		return nil, nil, nil, err
	}
	if n, err = c.Extractor.Features(blur); err != nil {
		return nil, nil, nil, err
	}
	if len(a) != len(p) || len(a) != len(n) {
		return nil, nil, nil, fmt.Errorf("feature extractor returned %d/%d/%d layers", len(a), len(p), len(n))
	}
	return a, p, n, nil
}

func (c ContrastLoss) Forward(restored, sharp, blur *tensor.Tensor) (float64, error) {
	a, p, n, err := c.features(restored, sharp, blur)
	if err != nil {
		return 0, err
	}
	weights := layerWeights(len(a))
	var l float64
	for i := range a {
		ad, pd, nd := a[i].Data.([]float32), p[i].Data.([]float32), n[i].Data.([]float32)
		l += weights[i] * l1Mean(ad, pd) / (l1Mean(ad, nd) + 1e-7)
	}
	return l, nil
}

func (c ContrastLoss) Backward(restored, sharp, blur *tensor.Tensor) (*tensor.Tensor, error) {
	a, p, n, err := c.features(restored, sharp, blur)
	if err != nil {
		return nil, err
	}
	weights := layerWeights(len(a))
	grads := make([]*tensor.Tensor, len(a))
	for i := range a {
		ad, pd, nd := a[i].Data.([]float32), p[i].Data.([]float32), n[i].Data.([]float32)
		m := float64(len(ad))
		dap := l1Mean(ad, pd)
		dan := l1Mean(ad, nd) + 1e-7
		g := make([]float32, len(ad))
		for j := range ad {
			gp := sign(float64(ad[j]-pd[j])) / m / dan
			gn := dap / (dan * dan) * sign(float64(ad[j]-nd[j])) / m
			g[j] = float32(weights[i] * (gp - gn))
		}
		if grads[i], err = newGrad(a[i], g); err != nil {
			return nil, err
		}
	}
	return c.Extractor.Backward(restored, grads)
}

// StripformerLoss is Charbonnier + 0.05*Edge + 0.0005*Contrast. Without a
// feature extractor the contrastive term is dropped.
type StripformerLoss struct {
	char     CharbonnierLoss
	edge     EdgeLoss
	contrast *ContrastLoss
}

func NewStripformerLoss(extractor FeatureExtractor) *StripformerLoss {
	s := &StripformerLoss{
		char: CharbonnierLoss{Eps: 1e-3},
		edge: EdgeLoss{char: CharbonnierLoss{Eps: 1e-3}},
	}
	if extractor != nil {
		s.contrast = &ContrastLoss{Extractor: extractor}
	} else {
		log.Warn("no feature extractor set, Stripformer loss runs without the contrastive term")
	}
	return s
}

func (s *StripformerLoss) Forward(restored, sharp, blur *tensor.Tensor) (float64, error) {
	c, err := s.char.Forward(restored, sharp)
	if err != nil {
		return 0, err
	}
	e, err := s.edge.Forward(restored, sharp)
	if err != nil {
		return 0, err
	}
	total := c + 0.05*e
	if s.contrast != nil {
		ct, err := s.contrast.Forward(restored, sharp, blur)
		if err != nil {
			return 0, err
		}
		total += 0.0005 * ct
	}
	return total, nil
}

func (s *StripformerLoss) Backward(restored, sharp, blur *tensor.Tensor) (*tensor.Tensor, error) {
	gc, err := s.char.Backward(restored, sharp)
	if err != nil {
		return nil, err
	}
	ge, err := s.edge.Backward(restored, sharp)
	if err != nil {
		return nil, err
	}
	g := gc.Data.([]float32)
	edge := ge.Data.([]float32)
	for i := range g {
		g[i] += 0.05 * edge[i]
	}
	if s.contrast != nil {
		gt, err := s.contrast.Backward(restored, sharp, blur)
		if err != nil {
			return nil, err
		}
		ct, err := gt.GetFloat32Data()
		if err != nil {
			return nil, err
		}
		if len(ct) != len(g) {
			return nil, fmt.Errorf("contrastive gradient has %d elements, expected %d", len(ct), len(g))
		}
		for i := range g {
			g[i] += 0.0005 * ct[i]
		}
	}
	return gc, nil
}
