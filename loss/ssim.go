package loss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-ctdet/tensor"
)

const (
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimC1     = 0.01 * 0.01
	ssimC2     = 0.03 * 0.03
)

// gaussian1D returns a normalized gaussian kernel of the given size.
func gaussian1D(size int, sigma float64) []float64 {
	k := make([]float64, size)
	center := float64(size / 2)
	for i := range k {
		d := float64(i) - center
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// filterZero correlates an h x w plane with the separable kernel k,
// treating pixels outside the plane as zero. The kernel is symmetric so
// this operator is its own adjoint.
func filterZero(plane []float64, h, w int, k []float64) []float64 {
	r := len(k) / 2
	tmp := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for i, kv := range k {
				xx := x + i - r
				if xx >= 0 && xx < w {
					s += kv * plane[y*w+xx]
				}
			}
			tmp[y*w+x] = s
		}
	}
	out := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for i, kv := range k {
				yy := y + i - r
				if yy >= 0 && yy < h {
					s += kv * tmp[yy*w+x]
				}
			}
			out[y*w+x] = s
		}
	}
	return out
}

// ssimPlane holds the local statistics of one channel plane.
type ssimPlane struct {
	x, y                  []float64
	mux, muy              []float64
	sxx, syy, sxy         []float64
	a1, a2, b1, b2, value []float64
}

func newSSIMPlane(x, y []float64, h, w int, k []float64) *ssimPlane {
	n := h * w
	xx := make([]float64, n)
	yy := make([]float64, n)
	xy := make([]float64, n)
	for i := 0; i < n; i++ {
		xx[i] = x[i] * x[i]
		yy[i] = y[i] * y[i]
		xy[i] = x[i] * y[i]
	}
	p := &ssimPlane{
		x: x, y: y,
		mux: filterZero(x, h, w, k),
		muy: filterZero(y, h, w, k),
		sxx: filterZero(xx, h, w, k),
		syy: filterZero(yy, h, w, k),
		sxy: filterZero(xy, h, w, k),
		a1:  make([]float64, n),
		a2:  make([]float64, n),
		b1:  make([]float64, n),
		b2:  make([]float64, n),
	}
	p.value = make([]float64, n)
	for i := 0; i < n; i++ {
		mx, my := p.mux[i], p.muy[i]
		p.a1[i] = 2*mx*my + ssimC1
		p.a2[i] = 2*(p.sxy[i]-mx*my) + ssimC2
		p.b1[i] = mx*mx + my*my + ssimC1
		p.b2[i] = (p.sxx[i] - mx*mx) + (p.syy[i] - my*my) + ssimC2
		p.value[i] = p.a1[i] * p.a2[i] / (p.b1[i] * p.b2[i])
	}
	return p
}

// planes splits an [N, C, H, W] tensor into float64 channel planes.
func planes(t *tensor.Tensor) ([][]float64, int, int, error) {
	if len(t.Shape) != 4 {
		return nil, 0, 0, fmt.Errorf("expected [N, C, H, W] image, got %v", t.Shape)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, 0, 0, err
	}
	h, w := t.Shape[2], t.Shape[3]
	n := t.Shape[0] * t.Shape[1]
	out := make([][]float64, n)
	for p := 0; p < n; p++ {
		plane := make([]float64, h*w)
		for i := range plane {
			plane[i] = float64(data[p*h*w+i])
		}
		out[p] = plane
	}
	return out, h, w, nil
}

// SSIM is the mean structural similarity of two [N, C, H, W] images using an
// 11x11 gaussian window (sigma 1.5) applied per channel.
func SSIM(img1, img2 *tensor.Tensor) (float64, error) {
	if err := checkSameShape("ssim", img1, img2); err != nil {
		return 0, err
	}
	p1, h, w, err := planes(img1)
	if err != nil {
		return 0, err
	}
	p2, _, _, err := planes(img2)
	if err != nil {
		return 0, err
	}
	k := gaussian1D(ssimWindow, ssimSigma)
	all := make([]float64, 0, len(p1)*h*w)
	for i := range p1 {
		all = append(all, newSSIMPlane(p1[i], p2[i], h, w, k).value...)
	}
	return stat.Mean(all, nil), nil
}

// ssimGrad is the gradient of mean SSIM with respect to img1.
func ssimGrad(img1, img2 *tensor.Tensor) ([]float32, error) {
	p1, h, w, err := planes(img1)
	if err != nil {
		return nil, err
	}
	p2, _, _, err := planes(img2)
	if err != nil {
		return nil, err
	}
	k := gaussian1D(ssimWindow, ssimSigma)
	total := float64(len(p1) * h * w)
	out := make([]float32, 0, len(p1)*h*w)
	for pi := range p1 {
		s := newSSIMPlane(p1[pi], p2[pi], h, w, k)
		n := h * w
		dMu := make([]float64, n)
		dSxx := make([]float64, n)
		dSxy := make([]float64, n)
		for i := 0; i < n; i++ {
			mx, my, v := s.mux[i], s.muy[i], s.value[i]
			dMu[i] = v * (2*my/s.a1[i] - 2*my/s.a2[i] - 2*mx/s.b1[i] + 2*mx/s.b2[i])
			dSxx[i] = -v / s.b2[i]
			dSxy[i] = 2 * v / s.a2[i]
		}
		gMu := filterZero(dMu, h, w, k)
		gSxx := filterZero(dSxx, h, w, k)
		gSxy := filterZero(dSxy, h, w, k)
		for j := 0; j < n; j++ {
			g := gMu[j] + 2*s.x[j]*gSxx[j] + s.y[j]*gSxy[j]
			out = append(out, float32(g/total))
		}
	}
	return out, nil
}

// MSESSIMLoss is MSE(pred, sharp) + (1 - SSIM(pred, sharp)).
type MSESSIMLoss struct {
	mse MSELoss
}

func NewMSESSIMLoss() *MSESSIMLoss {
	return &MSESSIMLoss{}
}

func (l *MSESSIMLoss) Forward(restored, sharp, _ *tensor.Tensor) (float64, error) {
	m, err := l.mse.Forward(restored, sharp)
	if err != nil {
		return 0, err
	}
	s, err := SSIM(restored, sharp)
	if err != nil {
		return 0, err
	}
	return m + 1 - s, nil
}

func (l *MSESSIMLoss) Backward(restored, sharp, _ *tensor.Tensor) (*tensor.Tensor, error) {
	gm, err := l.mse.Backward(restored, sharp)
	if err != nil {
		return nil, err
	}
	gs, err := ssimGrad(restored, sharp)
	if err != nil {
		return nil, err
	}
	g := gm.Data.([]float32)
	for i := range g {
		g[i] -= gs[i]
	}
	return gm, nil
}
