// Package decode turns raw center-point head outputs into detections.
package decode

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-ctdet/tensor"
)

// Detection is one decoded box. Coordinates are in heatmap space until
// Scale or PostProcess maps them elsewhere.
type Detection struct {
	X1, Y1, X2, Y2 float32
	Score          float32
	Class          int
}

// Center returns the box center.
func (d Detection) Center() (float32, float32) {
	return (d.X1 + d.X2) / 2, (d.Y1 + d.Y2) / 2
}

// Array returns the [x1, y1, x2, y2, score, class] record.
func (d Detection) Array() [6]float32 {
	return [6]float32{d.X1, d.Y1, d.X2, d.Y2, d.Score, float32(d.Class)}
}

// FromArray is the inverse of Array.
func FromArray(a [6]float32) Detection {
	return Detection{X1: a[0], Y1: a[1], X2: a[2], Y2: a[3], Score: a[4], Class: int(a[5])}
}

// Detections holds K candidates per image, shaped (batch, K).
type Detections [][]Detection

// Scale multiplies the box coordinates of every detection by ratio and
// returns a new set.
func (d Detections) Scale(ratio float32) Detections {
	out := make(Detections, len(d))
	for i, img := range d {
		out[i] = make([]Detection, len(img))
		for k, det := range img {
			det.X1 *= ratio
			det.Y1 *= ratio
			det.X2 *= ratio
			det.Y2 *= ratio
			out[i][k] = det
		}
	}
	return out
}

type candidate struct {
	score float32
	index int
}

// topK returns the k best scores of one image over classes x positions.
// Ties keep the lower flattened index first.
func topK(scores []float32, k int) []candidate {
	cands := make([]candidate, len(scores))
	for i, s := range scores {
		cands[i] = candidate{score: s, index: i}
	}
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].score > cands[b].score })
	if k > len(cands) {
		k = len(cands)
	}
	return cands[:k]
}

// CtdetDecode extracts up to K peaks per image from a probability heatmap
// hm [B, C, H, W]. Peaks survive a 3x3 max-pool suppression; their size is
// read from wh and their sub-pixel offset from reg (nil means a 0.5 cell
// offset). With catSpecWh, wh holds two channels per class.
func CtdetDecode(hm, wh, reg *tensor.Tensor, catSpecWh bool, K int) (Detections, error) {
	if len(hm.Shape) != 4 {
		return nil, fmt.Errorf("heatmap must be [B, C, H, W], got %v", hm.Shape)
	}
	b, cat, h, w := hm.Shape[0], hm.Shape[1], hm.Shape[2], hm.Shape[3]
	whChannels := 2
	if catSpecWh {
		whChannels = 2 * cat
	}
	if len(wh.Shape) != 4 || wh.Shape[0] != b || wh.Shape[1] != whChannels || wh.Shape[2] != h || wh.Shape[3] != w {
		return nil, fmt.Errorf("wh shape %v does not match heatmap %v", wh.Shape, hm.Shape)
	}
	if reg != nil && (len(reg.Shape) != 4 || reg.Shape[1] != 2 || reg.Shape[2] != h || reg.Shape[3] != w) {
		return nil, fmt.Errorf("reg shape %v does not match heatmap %v", reg.Shape, hm.Shape)
	}

	hmax, err := tensor.MaxPool2D(hm, 3)
	if err != nil {
		return nil, err
	}
	heat := hm.Data.([]float32)
	peak := hmax.Data.([]float32)
	whd := wh.Data.([]float32)
	var regd []float32
	if reg != nil {
		regd = reg.Data.([]float32)
	}

	plane := h * w
	dets := make(Detections, b)
	for bi := 0; bi < b; bi++ {
		scores := make([]float32, cat*plane)
		for i := range scores {
			v := heat[bi*cat*plane+i]
			if v == peak[bi*cat*plane+i] {
				scores[i] = v
			}
		}

		for _, c := range topK(scores, K) {
			cls := c.index / plane
			pos := c.index % plane
			xs := float32(pos % w)
			ys := float32(pos / w)
			if regd != nil {
				xs += regd[(bi*2+0)*plane+pos]
				ys += regd[(bi*2+1)*plane+pos]
			} else {
				xs += 0.5
				ys += 0.5
			}

			ch := 0
			if catSpecWh {
				ch = 2 * cls
			}
			bw := whd[(bi*whChannels+ch)*plane+pos]
			bh := whd[(bi*whChannels+ch+1)*plane+pos]

			dets[bi] = append(dets[bi], Detection{
				X1:    xs - bw/2,
				Y1:    ys - bh/2,
				X2:    xs + bw/2,
				Y2:    ys + bh/2,
				Score: c.score,
				Class: cls,
			})
		}
	}
	return dets, nil
}
