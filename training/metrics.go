package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-ctdet/decode"
)

// MetricType represents different detection evaluation metrics
type MetricType int

const (
	Precision MetricType = iota
	Recall
	F1Score
	MeanAP
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "precision"
	case Recall:
		return "recall"
	case F1Score:
		return "f1"
	case MeanAP:
		return "mAP"
	default:
		return "unknown"
	}
}

// PRPoint is one point of a precision-recall curve.
type PRPoint struct {
	Threshold float32 `json:"threshold"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

type scoredMatch struct {
	score float32
	tp    bool
}

// DetectionEvaluator matches detections to ground-truth boxes class by
// class and accumulates the precision-recall statistics of a whole
// evaluation set. Classes are 1-based, as produced by PostProcess.
type DetectionEvaluator struct {
	NumClasses   int
	IoUThreshold float64
	// ScoreThreshold is the operating point of Precision, Recall and
	// F1Score. MeanAP uses every detection.
	ScoreThreshold float32

	matches map[int][]scoredMatch
	numGT   map[int]int
	images  int

	// Cached per-class AP to avoid recomputation
	cachedAP map[int]float64
	apValid  bool
}

// NewDetectionEvaluator creates an evaluator for numClasses classes.
func NewDetectionEvaluator(numClasses int, iouThreshold float64, scoreThreshold float32) *DetectionEvaluator {
	e := &DetectionEvaluator{
		NumClasses:     numClasses,
		IoUThreshold:   iouThreshold,
		ScoreThreshold: scoreThreshold,
	}
	e.Reset()
	return e
}

// Reset clears the accumulated statistics
func (e *DetectionEvaluator) Reset() {
	e.matches = make(map[int][]scoredMatch)
	e.numGT = make(map[int]int)
	e.images = 0
	e.cachedAP = make(map[int]float64)
	e.apValid = false
}

// Images is the number of images added so far.
func (e *DetectionEvaluator) Images() int {
	return e.images
}

// IoU is the intersection over union of two boxes.
func IoU(a, b decode.Detection) float64 {
	ix := math.Min(float64(a.X2), float64(b.X2)) - math.Max(float64(a.X1), float64(b.X1))
	iy := math.Min(float64(a.Y2), float64(b.Y2)) - math.Max(float64(a.Y1), float64(b.Y1))
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	areaA := float64(a.X2-a.X1) * float64(a.Y2-a.Y1)
	areaB := float64(b.X2-b.X1) * float64(b.Y2-b.Y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// AddImage matches the detections of one image against its ground truth.
// Each ground-truth box can satisfy at most one detection, taken in
// descending score order.
func (e *DetectionEvaluator) AddImage(dets, gt map[int][]decode.Detection) {
	for c := 1; c <= e.NumClasses; c++ {
		truth := gt[c]
		e.numGT[c] += len(truth)

		preds := append([]decode.Detection(nil), dets[c]...)
		sort.SliceStable(preds, func(i, j int) bool { return preds[i].Score > preds[j].Score })

		used := make([]bool, len(truth))
		for _, p := range preds {
			best, bestIoU := -1, 0.0
			for j, g := range truth {
				if iou := IoU(p, g); iou > bestIoU {
					best, bestIoU = j, iou
				}
			}
			tp := best >= 0 && bestIoU >= e.IoUThreshold && !used[best]
			if tp {
				used[best] = true
			}
			e.matches[c] = append(e.matches[c], scoredMatch{score: p.Score, tp: tp})
		}
	}
	e.images++
	e.apValid = false
}

// Update adds every image of gt. Detections of images without ground truth
// are rejected.
func (e *DetectionEvaluator) Update(results, gt Results) error {
	for id := range results {
		if _, ok := gt[id]; !ok {
			return fmt.Errorf("detections for image %d without ground truth", id)
		}
	}
	ids := make([]int64, 0, len(gt))
	for id := range gt {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e.AddImage(results[id], gt[id])
	}
	return nil
}

func (e *DetectionEvaluator) sorted(class int) []scoredMatch {
	m := append([]scoredMatch(nil), e.matches[class]...)
	sort.SliceStable(m, func(i, j int) bool { return m[i].score > m[j].score })
	return m
}

// PRCurve returns precision and recall after each detection of class,
// in descending score order.
func (e *DetectionEvaluator) PRCurve(class int) []PRPoint {
	total := e.numGT[class]
	matches := e.sorted(class)
	points := make([]PRPoint, 0, len(matches))
	tp, fp := 0, 0
	for _, m := range matches {
		if m.tp {
			tp++
		} else {
			fp++
		}
		recall := 0.0
		if total > 0 {
			recall = float64(tp) / float64(total)
		}
		points = append(points, PRPoint{
			Threshold: m.score,
			Precision: float64(tp) / float64(tp+fp),
			Recall:    recall,
		})
	}
	return points
}

// AP is the area under the interpolated precision-recall curve of class,
// with precision made monotonically non-increasing. A class without
// ground truth has AP 0.
func (e *DetectionEvaluator) AP(class int) float64 {
	if e.apValid {
		if v, ok := e.cachedAP[class]; ok {
			return v
		}
	}
	ap := 0.0
	if e.numGT[class] > 0 {
		curve := e.PRCurve(class)
		prec := make([]float64, len(curve)+2)
		rec := make([]float64, len(curve)+2)
		for i, p := range curve {
			prec[i+1] = p.Precision
			rec[i+1] = p.Recall
		}
		if len(curve) > 0 {
			rec[len(rec)-1] = rec[len(rec)-2]
		}
		for i := len(prec) - 2; i >= 0; i-- {
			prec[i] = math.Max(prec[i], prec[i+1])
		}
		for i := 1; i < len(rec); i++ {
			ap += (rec[i] - rec[i-1]) * prec[i]
		}
	}
	if !e.apValid {
		e.cachedAP = make(map[int]float64)
		e.apValid = true
	}
	e.cachedAP[class] = ap
	return ap
}

// counts returns true positives, false positives and ground-truth boxes at
// the operating point, summed over classes.
func (e *DetectionEvaluator) counts() (tp, fp, gt int) {
	for c := 1; c <= e.NumClasses; c++ {
		gt += e.numGT[c]
		for _, m := range e.matches[c] {
			if m.score < e.ScoreThreshold {
				continue
			}
			if m.tp {
				tp++
			} else {
				fp++
			}
		}
	}
	return tp, fp, gt
}

// GetMetric returns the requested metric. Precision, Recall and F1Score
// are micro-averaged over classes; MeanAP averages AP over the classes
// that have ground truth.
func (e *DetectionEvaluator) GetMetric(metric MetricType) float64 {
	tp, fp, gt := e.counts()
	precision := 0.0
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	recall := 0.0
	if gt > 0 {
		recall = float64(tp) / float64(gt)
	}

	switch metric {
	case Precision:
		return precision
	case Recall:
		return recall
	case F1Score:
		if precision+recall == 0 {
			return 0
		}
		return 2 * precision * recall / (precision + recall)
	case MeanAP:
		sum, n := 0.0, 0
		for c := 1; c <= e.NumClasses; c++ {
			if e.numGT[c] == 0 {
				continue
			}
			sum += e.AP(c)
			n++
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	default:
		return 0
	}
}

// Summary returns every metric keyed by name.
func (e *DetectionEvaluator) Summary() map[string]float64 {
	out := make(map[string]float64, 4)
	for _, m := range []MetricType{Precision, Recall, F1Score, MeanAP} {
		out[m.String()] = e.GetMetric(m)
	}
	return out
}

// GroundTruth maps the ground truth of every sample of ds into source
// image coordinates, bucketed by 1-based class like the trainer's results.
func GroundTruth(ds Dataset, outW, outH, numClasses int) (Results, error) {
	gt := make(Results, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		sample, err := ds.Get(i)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		for _, m := range sample.Meta {
			boxes := make([]decode.Detection, len(m.GtDet))
			copy(boxes, m.GtDet)
			out, err := decode.PostProcess(decode.Detections{boxes}, [][2]float64{m.C}, [][2]float64{m.S}, outW, outH, numClasses)
			if err != nil {
				return nil, fmt.Errorf("sample %d: %w", i, err)
			}
			gt[m.ImgID] = out[0]
		}
	}
	return gt, nil
}
