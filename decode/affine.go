package decode

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 2x3 affine matrix mapping [x, y, 1] to [x', y'].
type Affine [2][3]float64

// Apply maps a point through the transform.
func (a Affine) Apply(x, y float64) (float64, float64) {
	return a[0][0]*x + a[0][1]*y + a[0][2], a[1][0]*x + a[1][1]*y + a[1][2]
}

func rotate(x, y, rad float64) (float64, float64) {
	sn, cs := math.Sincos(rad)
	return x*cs - y*sn, x*sn + y*cs
}

// thirdPoint completes a right angle at b.
func thirdPoint(a, b [2]float64) [2]float64 {
	dx, dy := a[0]-b[0], a[1]-b[1]
	return [2]float64{b[0] - dy, b[1] + dx}
}

// solveAffine finds the transform mapping src[i] onto dst[i].
func solveAffine(src, dst [3][2]float64) (Affine, error) {
	a := mat.NewDense(6, 6, nil)
	b := mat.NewVecDense(6, nil)
	for i := 0; i < 3; i++ {
		a.SetRow(2*i, []float64{src[i][0], src[i][1], 1, 0, 0, 0})
		a.SetRow(2*i+1, []float64{0, 0, 0, src[i][0], src[i][1], 1})
		b.SetVec(2*i, dst[i][0])
		b.SetVec(2*i+1, dst[i][1])
	}
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return Affine{}, fmt.Errorf("solve affine transform: %v", err)
	}
	return Affine{
		{x.AtVec(0), x.AtVec(1), x.AtVec(2)},
		{x.AtVec(3), x.AtVec(4), x.AtVec(5)},
	}, nil
}

// GetAffineTransform returns the crop transform that maps a region of
// width scale[0] centred on center, rotated by rot degrees, onto an output
// of outW x outH. inv returns the mapping from the output back to the
// source image.
func GetAffineTransform(center, scale [2]float64, rot float64, outW, outH int, inv bool) (Affine, error) {
	srcW := scale[0]
	dstW, dstH := float64(outW), float64(outH)
	rad := math.Pi * rot / 180

	sdx, sdy := rotate(0, srcW*-0.5, rad)

	var src, dst [3][2]float64
	src[0] = center
	src[1] = [2]float64{center[0] + sdx, center[1] + sdy}
	dst[0] = [2]float64{dstW * 0.5, dstH * 0.5}
	dst[1] = [2]float64{dst[0][0], dst[0][1] - dstW*0.5}
	src[2] = thirdPoint(src[0], src[1])
	dst[2] = thirdPoint(dst[0], dst[1])

	if inv {
		return solveAffine(dst, src)
	}
	return solveAffine(src, dst)
}

// PostProcess maps each image's detections from a w x h output grid back to
// the original image with the inverse crop transform given by the image's
// center and scale, then buckets them by class. Bucket keys are 1-based;
// every class from 1 to numClasses is present, possibly empty.
func PostProcess(dets Detections, centers, scales [][2]float64, w, h, numClasses int) ([]map[int][]Detection, error) {
	if len(centers) != len(dets) || len(scales) != len(dets) {
		return nil, fmt.Errorf("post process: %d images but %d centers and %d scales", len(dets), len(centers), len(scales))
	}
	out := make([]map[int][]Detection, len(dets))
	for i, img := range dets {
		trans, err := GetAffineTransform(centers[i], scales[i], 0, w, h, true)
		if err != nil {
			return nil, err
		}
		buckets := make(map[int][]Detection, numClasses)
		for j := 1; j <= numClasses; j++ {
			buckets[j] = []Detection{}
		}
		for _, d := range img {
			if d.Class < 0 || d.Class >= numClasses {
				continue
			}
			x1, y1 := trans.Apply(float64(d.X1), float64(d.Y1))
			x2, y2 := trans.Apply(float64(d.X2), float64(d.Y2))
			d.X1, d.Y1, d.X2, d.Y2 = float32(x1), float32(y1), float32(x2), float32(y2)
			buckets[d.Class+1] = append(buckets[d.Class+1], d)
		}
		out[i] = buckets
	}
	return out, nil
}
