package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/decode"
	"github.com/tsawler/go-ctdet/tensor"
)

// SyntheticDataset renders random axis-aligned boxes and the matching
// center-point targets. Sample idx is generated from Seed+idx, so the same
// index always yields the same sample.
type SyntheticDataset struct {
	Size       int
	InputH     int
	InputW     int
	DownRatio  int
	NumClasses int
	MaxObjs    int
	Seed       int64
	Mean, Std  []float32
	DenseWh    bool
	CatSpecWh  bool
}

// NewSyntheticDataset builds a dataset matching the geometry in opts.
func NewSyntheticDataset(opts *config.Options, size int, seed int64) *SyntheticDataset {
	return &SyntheticDataset{
		Size:       size,
		InputH:     opts.InputH,
		InputW:     opts.InputW,
		DownRatio:  opts.DownRatio,
		NumClasses: opts.NumClasses,
		MaxObjs:    min(opts.K, 32),
		Seed:       seed,
		Mean:       opts.Mean,
		Std:        opts.Std,
		DenseWh:    opts.DenseWh,
		CatSpecWh:  opts.CatSpecWh,
	}
}

func (d *SyntheticDataset) Len() int {
	return d.Size
}

// gaussianRadius is the CenterNet radius that keeps a box of size h x w
// above minOverlap IoU when its corners shift by the radius.
func gaussianRadius(h, w, minOverlap float64) float64 {
	b1 := h + w
	c1 := w * h * (1 - minOverlap) / (1 + minOverlap)
	r1 := (b1 + math.Sqrt(b1*b1-4*c1)) / 2

	b2 := 2 * (h + w)
	c2 := (1 - minOverlap) * w * h
	r2 := (b2 + math.Sqrt(b2*b2-16*c2)) / 2

	a3 := 4 * minOverlap
	b3 := -2 * minOverlap * (h + w)
	c3 := (minOverlap - 1) * w * h
	r3 := (b3 + math.Sqrt(b3*b3-4*a3*c3)) / 2

	return min(r1, r2, r3)
}

// drawGaussian writes a peak-normalized gaussian of the given radius into
// plane (h x w) centered at (cx, cy), keeping the element-wise maximum. It
// returns the weights it wrote so dense regression can follow the same
// footprint.
func drawGaussian(plane []float32, h, w, cx, cy, radius int) map[int]float32 {
	sigma := float64(2*radius+1) / 6
	written := make(map[int]float32)
	for dy := -radius; dy <= radius; dy++ {
		y := cy + dy
		if y < 0 || y >= h {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			x := cx + dx
			if x < 0 || x >= w {
				continue
			}
			g := float32(math.Exp(-float64(dx*dx+dy*dy) / (2 * sigma * sigma)))
			if g < 1e-7 {
				continue
			}
			i := y*w + x
			if g > plane[i] {
				plane[i] = g
				written[i] = g
			}
		}
	}
	return written
}

// Get renders sample idx as a batch of one.
func (d *SyntheticDataset) Get(idx int) (*Batch, error) {
	if idx < 0 || idx >= d.Size {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, d.Size)
	}
	if d.DownRatio < 1 || d.InputH < d.DownRatio || d.InputW < d.DownRatio {
		return nil, fmt.Errorf("invalid geometry %dx%d with down ratio %d", d.InputW, d.InputH, d.DownRatio)
	}
	rng := rand.New(rand.NewSource(d.Seed + int64(idx)))

	oh, ow := d.InputH/d.DownRatio, d.InputW/d.DownRatio
	ih, iw := d.InputH, d.InputW
	nc, k := d.NumClasses, d.MaxObjs
	channels := max(len(d.Mean), 1)

	hm := make([]float32, nc*oh*ow)
	wh := make([]float32, k*2)
	reg := make([]float32, k*2)
	ind := make([]int32, k)
	regMask := make([]float32, k)
	catSpecWh := make([]float32, k*nc*2)
	catSpecMask := make([]float32, k*nc*2)
	denseWh := make([]float32, 2*oh*ow)
	denseWeight := make([]float32, oh*ow)

	img := make([]float32, ih*iw)
	for i := range img {
		img[i] = 0.2
	}

	numObjs := min(1+rng.Intn(3), k)
	gt := make([]decode.Detection, 0, numObjs)
	for o := 0; o < numObjs; o++ {
		cls := rng.Intn(nc)
		bw := 2 + rng.Float64()*float64(ow)/3
		bh := 2 + rng.Float64()*float64(oh)/3
		cx := bw/2 + rng.Float64()*math.Max(float64(ow)-bw, 0)
		cy := bh/2 + rng.Float64()*math.Max(float64(oh)-bh, 0)
		ix := min(int(cx), ow-1)
		iy := min(int(cy), oh-1)

		radius := max(0, int(gaussianRadius(math.Ceil(bh), math.Ceil(bw), 0.7)))
		written := drawGaussian(hm[cls*oh*ow:(cls+1)*oh*ow], oh, ow, ix, iy, radius)
		for i, g := range written {
			if g > denseWeight[i] {
				denseWeight[i] = g
				denseWh[i] = float32(bw)
				denseWh[oh*ow+i] = float32(bh)
			}
		}

		wh[o*2], wh[o*2+1] = float32(bw), float32(bh)
		ind[o] = int32(iy*ow + ix)
		reg[o*2], reg[o*2+1] = float32(cx-float64(ix)), float32(cy-float64(iy))
		regMask[o] = 1
		catSpecWh[o*nc*2+cls*2] = float32(bw)
		catSpecWh[o*nc*2+cls*2+1] = float32(bh)
		catSpecMask[o*nc*2+cls*2] = 1
		catSpecMask[o*nc*2+cls*2+1] = 1

		x1, y1 := cx-bw/2, cy-bh/2
		x2, y2 := cx+bw/2, cy+bh/2
		gt = append(gt, decode.Detection{X1: float32(x1), Y1: float32(y1), X2: float32(x2), Y2: float32(y2), Score: 1, Class: cls})

		shade := float32(0.4 + 0.6*float64(cls+1)/float64(nc))
		r := float64(d.DownRatio)
		for y := max(int(y1*r), 0); y < min(int(y2*r), ih); y++ {
			for x := max(int(x1*r), 0); x < min(int(x2*r), iw); x++ {
				img[y*iw+x] = shade
			}
		}
	}

	sharp := d.normalize(img, channels, ih, iw)
	blur := d.normalize(boxBlur(img, ih, iw, 2), channels, ih, iw)

	denseMask := make([]float32, 2*oh*ow)
	for i := 0; i < oh*ow; i++ {
		var peak float32
		for c := 0; c < nc; c++ {
			peak = max(peak, hm[c*oh*ow+i])
		}
		denseMask[i], denseMask[oh*ow+i] = peak, peak
	}

	b := &Batch{
		SharpInput:  tensor.FromFloat32([]int{1, channels, ih, iw}, sharp),
		BlurInput:   tensor.FromFloat32([]int{1, channels, ih, iw}, blur),
		Hm:          tensor.FromFloat32([]int{1, nc, oh, ow}, hm),
		Wh:          tensor.FromFloat32([]int{1, k, 2}, wh),
		Reg:         tensor.FromFloat32([]int{1, k, 2}, reg),
		Ind:         tensor.FromInt32([]int{1, k}, ind),
		RegMask:     tensor.FromFloat32([]int{1, k}, regMask),
		CatSpecWh:   tensor.FromFloat32([]int{1, k, nc * 2}, catSpecWh),
		CatSpecMask: tensor.FromFloat32([]int{1, k, nc * 2}, catSpecMask),
		Meta: []Meta{{
			ImgID: int64(idx),
			C:     [2]float64{float64(iw) / 2, float64(ih) / 2},
			S:     [2]float64{float64(max(iw, ih)), float64(max(iw, ih))},
			GtDet: gt,
		}},
	}
	if d.DenseWh {
		b.DenseWh = tensor.FromFloat32([]int{1, 2, oh, ow}, denseWh)
		b.DenseWhMask = tensor.FromFloat32([]int{1, 2, oh, ow}, denseMask)
	}
	return b, nil
}

// normalize replicates a gray plane over channels and applies the
// per-channel mean and std.
func (d *SyntheticDataset) normalize(plane []float32, channels, h, w int) []float32 {
	out := make([]float32, channels*h*w)
	for c := 0; c < channels; c++ {
		mean, std := float32(0), float32(1)
		if c < len(d.Mean) {
			mean, std = d.Mean[c], d.Std[c]
		}
		for i, v := range plane {
			out[c*h*w+i] = (v - mean) / std
		}
	}
	return out
}

// boxBlur averages each pixel over a (2r+1)^2 window clipped to the image.
func boxBlur(plane []float32, h, w, r int) []float32 {
	out := make([]float32, len(plane))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float32
			n := 0
			for yy := max(y-r, 0); yy <= min(y+r, h-1); yy++ {
				for xx := max(x-r, 0); xx <= min(x+r, w-1); xx++ {
					sum += plane[yy*w+xx]
					n++
				}
			}
			out[y*w+x] = sum / float32(n)
		}
	}
	return out
}
