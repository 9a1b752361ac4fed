package loss

import (
	"fmt"

	"github.com/tsawler/go-ctdet/tensor"
)

const maskEps = 1e-4

// gatherMasked reads output at ind and broadcasts the per-object mask over
// channels. A mask already shaped [B, K, C] is used as is.
func gatherMasked(output, mask, ind, target *tensor.Tensor) (pred, m, gt []float32, err error) {
	gathered, err := tensor.GatherFeat(output, ind)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := checkSameShape("regression target", gathered, target); err != nil {
		return nil, nil, nil, err
	}
	pred = gathered.Data.([]float32)
	gt = target.Data.([]float32)

	md, err := mask.GetFloat32Data()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("regression mask: %v", err)
	}
	c := gathered.Shape[2]
	switch len(md) {
	case len(pred):
		m = md
	case len(pred) / c:
		m = make([]float32, len(pred))
		for i := range m {
			m[i] = md[i/c]
		}
	default:
		return nil, nil, nil, fmt.Errorf("regression mask shape %v does not match %v", mask.Shape, gathered.Shape)
	}
	return pred, m, gt, nil
}

func sum32(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x)
	}
	return s
}

// scatterGrad maps a gradient over gathered features back onto the head.
func scatterGrad(output, ind *tensor.Tensor, g []float32) (*tensor.Tensor, error) {
	k := ind.Shape[1]
	src, err := tensor.NewTensor([]int{output.Shape[0], k, output.Shape[1]}, tensor.Float32, output.Device, g)
	if err != nil {
		return nil, err
	}
	return tensor.ScatterFeat(src, ind, output.Shape)
}

// RegL1Loss is the masked L1 over gathered features, normalized by the
// channel-expanded mask sum.
type RegL1Loss struct{}

func (RegL1Loss) Forward(output, mask, ind, target *tensor.Tensor) (float64, error) {
	pred, m, gt, err := gatherMasked(output, mask, ind, target)
	if err != nil {
		return 0, err
	}
	var l float64
	for i := range pred {
		l += abs(float64(pred[i]*m[i]) - float64(gt[i]*m[i]))
	}
	return l / (sum32(m) + maskEps), nil
}

func (RegL1Loss) Backward(output, mask, ind, target *tensor.Tensor) (*tensor.Tensor, error) {
	pred, m, gt, err := gatherMasked(output, mask, ind, target)
	if err != nil {
		return nil, err
	}
	norm := sum32(m) + maskEps
	g := make([]float32, len(pred))
	for i := range pred {
		g[i] = float32(sign(float64(pred[i]*m[i]-gt[i]*m[i])) * float64(m[i]) / norm)
	}
	return scatterGrad(output, ind, g)
}

// RegLoss is the masked smooth-L1 loss normalized by the object count.
type RegLoss struct{}

func smoothL1(d float64) (float64, float64) {
	if abs(d) < 1 {
		return 0.5 * d * d, d
	}
	return abs(d) - 0.5, sign(d)
}

func (RegLoss) objectCount(mask *tensor.Tensor) float64 {
	return sum32(mask.Data.([]float32))
}

func (r RegLoss) Forward(output, mask, ind, target *tensor.Tensor) (float64, error) {
	pred, m, gt, err := gatherMasked(output, mask, ind, target)
	if err != nil {
		return 0, err
	}
	var l float64
	for i := range pred {
		v, _ := smoothL1(float64(pred[i]*m[i]) - float64(gt[i]*m[i]))
		l += v
	}
	return l / (r.objectCount(mask) + maskEps), nil
}

func (r RegLoss) Backward(output, mask, ind, target *tensor.Tensor) (*tensor.Tensor, error) {
	pred, m, gt, err := gatherMasked(output, mask, ind, target)
	if err != nil {
		return nil, err
	}
	norm := r.objectCount(mask) + maskEps
	g := make([]float32, len(pred))
	for i := range pred {
		_, d := smoothL1(float64(pred[i]*m[i]) - float64(gt[i]*m[i]))
		g[i] = float32(d * float64(m[i]) / norm)
	}
	return scatterGrad(output, ind, g)
}

// NormRegL1Loss is RegL1Loss on pred/target against 1, so errors are
// relative to the target size.
type NormRegL1Loss struct{}

func (NormRegL1Loss) Forward(output, mask, ind, target *tensor.Tensor) (float64, error) {
	pred, m, gt, err := gatherMasked(output, mask, ind, target)
	if err != nil {
		return 0, err
	}
	var l float64
	for i := range pred {
		r := float64(pred[i]) / (float64(gt[i]) + maskEps)
		l += abs(r*float64(m[i]) - float64(m[i]))
	}
	return l / (sum32(m) + maskEps), nil
}

func (NormRegL1Loss) Backward(output, mask, ind, target *tensor.Tensor) (*tensor.Tensor, error) {
	pred, m, gt, err := gatherMasked(output, mask, ind, target)
	if err != nil {
		return nil, err
	}
	norm := sum32(m) + maskEps
	g := make([]float32, len(pred))
	for i := range pred {
		den := float64(gt[i]) + maskEps
		r := float64(pred[i]) / den
		g[i] = float32(sign(r*float64(m[i])-float64(m[i])) * float64(m[i]) / den / norm)
	}
	return scatterGrad(output, ind, g)
}

// RegWeightedL1Loss is the category-specific size loss. The mask is
// already [B, K, C] and selects the channels of each object's class.
type RegWeightedL1Loss struct{}

func (RegWeightedL1Loss) Forward(output, mask, ind, target *tensor.Tensor) (float64, error) {
	if len(mask.Shape) != 3 {
		return 0, fmt.Errorf("category mask must be [B, K, C], got %v", mask.Shape)
	}
	return RegL1Loss{}.Forward(output, mask, ind, target)
}

func (RegWeightedL1Loss) Backward(output, mask, ind, target *tensor.Tensor) (*tensor.Tensor, error) {
	if len(mask.Shape) != 3 {
		return nil, fmt.Errorf("category mask must be [B, K, C], got %v", mask.Shape)
	}
	return RegL1Loss{}.Backward(output, mask, ind, target)
}

// DenseL1Loss is the summed L1 over a dense size map, normalized by the
// dense mask sum. ind is unused.
type DenseL1Loss struct{}

func (DenseL1Loss) check(output, mask, target *tensor.Tensor) error {
	if err := checkSameShape("dense wh", output, target); err != nil {
		return err
	}
	return checkSameShape("dense wh mask", output, mask)
}

func (d DenseL1Loss) Forward(output, mask, _, target *tensor.Tensor) (float64, error) {
	if err := d.check(output, mask, target); err != nil {
		return 0, err
	}
	o, m, t := output.Data.([]float32), mask.Data.([]float32), target.Data.([]float32)
	var l float64
	for i := range o {
		l += abs(float64(o[i]*m[i]) - float64(t[i]*m[i]))
	}
	return l / (sum32(m) + maskEps), nil
}

func (d DenseL1Loss) Backward(output, mask, _, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := d.check(output, mask, target); err != nil {
		return nil, err
	}
	o, m, t := output.Data.([]float32), mask.Data.([]float32), target.Data.([]float32)
	norm := sum32(m) + maskEps
	g := make([]float32, len(o))
	for i := range o {
		g[i] = float32(sign(float64(o[i]*m[i]-t[i]*m[i])) * float64(m[i]) / norm)
	}
	return newGrad(output, g)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
