package tensor

import (
	"fmt"
	"math"
)

// GatherFeat reads a [B, C, H, W] feature map at flattened spatial indices
// ind [B, K] and returns [B, K, C]. Indices address the H*W plane.
func GatherFeat(feat, ind *Tensor) (*Tensor, error) {
	if len(feat.Shape) != 4 {
		return nil, fmt.Errorf("GatherFeat expects [B, C, H, W], got %v", feat.Shape)
	}
	if len(ind.Shape) != 2 || ind.Shape[0] != feat.Shape[0] {
		return nil, fmt.Errorf("GatherFeat index shape %v does not match batch %d", ind.Shape, feat.Shape[0])
	}
	fd, err := feat.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	id, err := ind.GetInt32Data()
	if err != nil {
		return nil, err
	}

	b, c, hw := feat.Shape[0], feat.Shape[1], feat.Shape[2]*feat.Shape[3]
	k := ind.Shape[1]
	out := make([]float32, b*k*c)
	for bi := 0; bi < b; bi++ {
		for ki := 0; ki < k; ki++ {
			pos := int(id[bi*k+ki])
			if pos < 0 || pos >= hw {
				return nil, fmt.Errorf("GatherFeat index %d out of range [0, %d)", pos, hw)
			}
			for ci := 0; ci < c; ci++ {
				out[(bi*k+ki)*c+ci] = fd[(bi*c+ci)*hw+pos]
			}
		}
	}
	return NewTensor([]int{b, k, c}, Float32, feat.Device, out)
}

// ScatterFeat is the adjoint of GatherFeat: it accumulates a [B, K, C]
// tensor back into a zero [B, C, H, W] map.
func ScatterFeat(src, ind *Tensor, shape []int) (*Tensor, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("ScatterFeat expects a 4D target shape, got %v", shape)
	}
	sd, err := src.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	id, err := ind.GetInt32Data()
	if err != nil {
		return nil, err
	}
	out, err := Zeros(shape, Float32, src.Device)
	if err != nil {
		return nil, err
	}
	od := out.Data.([]float32)

	b, c, hw := shape[0], shape[1], shape[2]*shape[3]
	k := ind.Shape[1]
	for bi := 0; bi < b; bi++ {
		for ki := 0; ki < k; ki++ {
			pos := int(id[bi*k+ki])
			for ci := 0; ci < c; ci++ {
				od[(bi*c+ci)*hw+pos] += sd[(bi*k+ki)*c+ci]
			}
		}
	}
	return out, nil
}

// MaxPool2D is a stride-1 max pool over each [H, W] plane of a 4D tensor,
// padded so the output keeps the input size.
func MaxPool2D(t *Tensor, kernel int) (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects [B, C, H, W], got %v", t.Shape)
	}
	if kernel <= 0 || kernel%2 == 0 {
		return nil, fmt.Errorf("MaxPool2D kernel must be a positive odd number, got %d", kernel)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	h, w := t.Shape[2], t.Shape[3]
	planes := t.Shape[0] * t.Shape[1]
	pad := kernel / 2
	out := make([]float32, len(data))
	for p := 0; p < planes; p++ {
		plane := data[p*h*w : (p+1)*h*w]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				best := float32(math.Inf(-1))
				for dy := -pad; dy <= pad; dy++ {
					yy := y + dy
					if yy < 0 || yy >= h {
						continue
					}
					for dx := -pad; dx <= pad; dx++ {
						xx := x + dx
						if xx < 0 || xx >= w {
							continue
						}
						if v := plane[yy*w+xx]; v > best {
							best = v
						}
					}
				}
				out[p*h*w+y*w+x] = best
			}
		}
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}
