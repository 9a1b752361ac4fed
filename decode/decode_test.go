package decode

import (
	"math"
	"testing"

	"github.com/tsawler/go-ctdet/tensor"
)

// singlePeak returns a 1 x numClasses x h x w heatmap with one peak at
// (cx, cy) for class cls, and wh/reg heads carrying (bw, bh) and (ox, oy)
// at that cell.
func singlePeak(numClasses, h, w, cls, cx, cy int, bw, bh, ox, oy float32) (hm, wh, reg *tensor.Tensor) {
	hmData := make([]float32, numClasses*h*w)
	// a soft blob so the max-pool has neighbours to suppress
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && y >= 0 && x < w && y < h {
				hmData[cls*h*w+y*w+x] = 0.5
			}
		}
	}
	hmData[cls*h*w+cy*w+cx] = 0.9

	whData := make([]float32, 2*h*w)
	whData[cy*w+cx] = bw
	whData[h*w+cy*w+cx] = bh
	regData := make([]float32, 2*h*w)
	regData[cy*w+cx] = ox
	regData[h*w+cy*w+cx] = oy

	return tensor.FromFloat32([]int{1, numClasses, h, w}, hmData),
		tensor.FromFloat32([]int{1, 2, h, w}, whData),
		tensor.FromFloat32([]int{1, 2, h, w}, regData)
}

func TestCtdetDecodeRoundTrip(t *testing.T) {
	const downRatio = 4
	cx, cy := 5, 3
	hm, wh, reg := singlePeak(3, 8, 10, 2, cx, cy, 4, 2, 0.1, 0.2)

	dets, err := CtdetDecode(hm, wh, reg, false, 5)
	if err != nil {
		t.Fatalf("CtdetDecode failed: %v", err)
	}
	if len(dets) != 1 || len(dets[0]) != 5 {
		t.Fatalf("expected (1, 5) detections, got %d images", len(dets))
	}

	top := dets[0][0]
	if top.Score != 0.9 || top.Class != 2 {
		t.Errorf("top detection = %+v, expected score 0.9 class 2", top)
	}
	for _, d := range dets[0][1:] {
		if d.Score != 0 {
			t.Errorf("suppressed neighbour survived: %+v", d)
		}
	}

	scaled := dets.Scale(downRatio)
	x, y := scaled[0][0].Center()
	if math.Abs(float64(x)-float64(cx*downRatio)) > 1 || math.Abs(float64(y)-float64(cy*downRatio)) > 1 {
		t.Errorf("center = (%v, %v), expected within 1px of (%d, %d)", x, y, cx*downRatio, cy*downRatio)
	}
	if bw := scaled[0][0].X2 - scaled[0][0].X1; math.Abs(float64(bw)-16) > 1e-4 {
		t.Errorf("scaled width = %v, expected 16", bw)
	}
	if dets[0][0].X1 != top.X1 {
		t.Error("Scale should not modify its receiver")
	}
}

func TestCtdetDecodeWithoutOffset(t *testing.T) {
	hm, wh, _ := singlePeak(1, 4, 4, 0, 1, 2, 2, 2, 0, 0)
	dets, err := CtdetDecode(hm, wh, nil, false, 1)
	if err != nil {
		t.Fatalf("CtdetDecode failed: %v", err)
	}
	x, y := dets[0][0].Center()
	if x != 1.5 || y != 2.5 {
		t.Errorf("center = (%v, %v), expected (1.5, 2.5)", x, y)
	}
}

func TestCtdetDecodeCategorySpecificSize(t *testing.T) {
	hm, _, reg := singlePeak(2, 4, 4, 1, 2, 2, 0, 0, 0, 0)
	whData := make([]float32, 4*16)
	whData[2*16+10] = 6 // class 1 width
	whData[3*16+10] = 8 // class 1 height
	wh := tensor.FromFloat32([]int{1, 4, 4, 4}, whData)

	dets, err := CtdetDecode(hm, wh, reg, true, 1)
	if err != nil {
		t.Fatalf("CtdetDecode failed: %v", err)
	}
	d := dets[0][0]
	if d.X2-d.X1 != 6 || d.Y2-d.Y1 != 8 {
		t.Errorf("box size = %vx%v, expected 6x8", d.X2-d.X1, d.Y2-d.Y1)
	}

	if _, err := CtdetDecode(hm, wh, reg, false, 1); err == nil {
		t.Error("expected wh shape error without category-specific sizes")
	}
}

func TestAffineRoundTrip(t *testing.T) {
	center := [2]float64{320, 240}
	scale := [2]float64{640, 640}
	fwd, err := GetAffineTransform(center, scale, 0, 128, 128, false)
	if err != nil {
		t.Fatalf("GetAffineTransform failed: %v", err)
	}
	inv, err := GetAffineTransform(center, scale, 0, 128, 128, true)
	if err != nil {
		t.Fatalf("GetAffineTransform failed: %v", err)
	}

	x, y := fwd.Apply(320, 240)
	if math.Abs(x-64) > 1e-9 || math.Abs(y-64) > 1e-9 {
		t.Errorf("center maps to (%v, %v), expected (64, 64)", x, y)
	}
	bx, by := inv.Apply(fwd.Apply(100, 50))
	if math.Abs(bx-100) > 1e-9 || math.Abs(by-50) > 1e-9 {
		t.Errorf("round trip = (%v, %v), expected (100, 50)", bx, by)
	}
	if s := fwd[0][0]; math.Abs(s-0.2) > 1e-9 {
		t.Errorf("scale = %v, expected 0.2", s)
	}
}

func TestPostProcess(t *testing.T) {
	dets := Detections{{
		{X1: 10, Y1: 10, X2: 20, Y2: 30, Score: 0.8, Class: 0},
		{X1: 0, Y1: 0, X2: 4, Y2: 4, Score: 0.3, Class: 2},
	}}
	centers := [][2]float64{{256, 256}}
	scales := [][2]float64{{512, 512}}

	out, err := PostProcess(dets, centers, scales, 128, 128, 3)
	if err != nil {
		t.Fatalf("PostProcess failed: %v", err)
	}
	buckets := out[0]
	if len(buckets) != 3 {
		t.Fatalf("expected 3 class buckets, got %d", len(buckets))
	}
	if len(buckets[1]) != 1 || len(buckets[2]) != 0 || len(buckets[3]) != 1 {
		t.Errorf("unexpected bucket sizes: %d %d %d", len(buckets[1]), len(buckets[2]), len(buckets[3]))
	}
	d := buckets[1][0]
	if math.Abs(float64(d.X1)-40) > 1e-3 || math.Abs(float64(d.Y2)-120) > 1e-3 {
		t.Errorf("mapped box = %+v, expected x1=40 y2=120", d)
	}

	if _, err := PostProcess(dets, nil, scales, 128, 128, 3); err == nil {
		t.Error("expected error for missing centers")
	}
}

func TestGenOracleMap(t *testing.T) {
	feat := tensor.FromFloat32([]int{1, 3, 2}, []float32{1, 10, 2, 20, 9, 9})
	ind := tensor.FromInt32([]int{1, 3}, []int32{1, 6, 0})

	m, err := GenOracleMap(feat, ind, 4, 2)
	if err != nil {
		t.Fatalf("GenOracleMap failed: %v", err)
	}
	if m.Shape[0] != 1 || m.Shape[1] != 2 || m.Shape[2] != 2 || m.Shape[3] != 4 {
		t.Fatalf("shape = %v", m.Shape)
	}
	// grid (w=4, h=2): object A at (1,0), object B at (2,1); slot 3 is empty
	expected := []float32{
		1, 1, 1, 1,
		1, 1, 2, 2,
	}
	got := m.Data.([]float32)[:8]
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("channel 0 = %v, expected %v", got, expected)
			break
		}
	}
	for _, v := range m.Data.([]float32) {
		if v == 9 {
			t.Error("empty slot should not be painted")
		}
	}
}
