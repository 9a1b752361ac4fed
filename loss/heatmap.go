package loss

import (
	"math"

	"github.com/tsawler/go-ctdet/tensor"
)

// MSELoss implements Mean Squared Error: L = (1/N) * sum((pred - target)^2)
type MSELoss struct{}

func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

func (MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape("mse", predicted, target); err != nil {
		return 0, err
	}
	p := predicted.Data.([]float32)
	g := target.Data.([]float32)
	var sum float64
	for i := range p {
		d := float64(p[i]) - float64(g[i])
		sum += d * d
	}
	return sum / float64(len(p)), nil
}

// Backward: d/d(pred) = 2 * (pred - target) / N
func (MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape("mse", predicted, target); err != nil {
		return nil, err
	}
	p := predicted.Data.([]float32)
	g := target.Data.([]float32)
	n := float32(len(p))
	grad := make([]float32, len(p))
	for i := range p {
		grad[i] = 2 * (p[i] - g[i]) / n
	}
	return newGrad(predicted, grad)
}

// FocalLoss is the penalty-reduced pixel-wise focal loss on a probability
// heatmap. Locations where the target equals 1 are positives; negatives are
// down-weighted by (1-target)^4. The sum is normalized by the number of
// positives, or left as is when there are none.
type FocalLoss struct {
	Alpha float64
	Beta  float64
}

func NewFocalLoss() *FocalLoss {
	return &FocalLoss{Alpha: 2, Beta: 4}
}

func (f *FocalLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape("focal", predicted, target); err != nil {
		return 0, err
	}
	p := predicted.Data.([]float32)
	g := target.Data.([]float32)

	var posLoss, negLoss float64
	numPos := 0
	for i := range p {
		pi, gi := float64(p[i]), float64(g[i])
		if gi == 1 {
			posLoss += math.Log(pi) * math.Pow(1-pi, f.Alpha)
			numPos++
		} else {
			negLoss += math.Log(1-pi) * math.Pow(pi, f.Alpha) * math.Pow(1-gi, f.Beta)
		}
	}
	if numPos == 0 {
		return -negLoss, nil
	}
	return -(posLoss + negLoss) / float64(numPos), nil
}

// Backward returns the gradient with respect to the probabilities. Callers
// that squash logits chain it through the sigmoid themselves.
func (f *FocalLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape("focal", predicted, target); err != nil {
		return nil, err
	}
	p := predicted.Data.([]float32)
	g := target.Data.([]float32)

	numPos := 0
	for _, gi := range g {
		if gi == 1 {
			numPos++
		}
	}
	norm := 1.0
	if numPos > 0 {
		norm = float64(numPos)
	}

	a := f.Alpha
	grad := make([]float32, len(p))
	for i := range p {
		pi, gi := float64(p[i]), float64(g[i])
		var d float64
		if gi == 1 {
			// -(log p)(1-p)^a
			d = -math.Pow(1-pi, a)/pi + a*math.Log(pi)*math.Pow(1-pi, a-1)
		} else {
			// -(log(1-p)) p^a (1-g)^b
			w := math.Pow(1-gi, f.Beta)
			d = w * (math.Pow(pi, a)/(1-pi) - a*math.Pow(pi, a-1)*math.Log(1-pi))
		}
		grad[i] = float32(d / norm)
	}
	return newGrad(predicted, grad)
}

// sigmoidBackward chains a gradient with respect to ClampedSigmoid(logits)
// back to the logits. Clamped locations pass no gradient.
func sigmoidBackward(logits, gradProb *tensor.Tensor) (*tensor.Tensor, error) {
	x := logits.Data.([]float32)
	gp := gradProb.Data.([]float32)
	grad := make([]float32, len(x))
	for i := range x {
		s := 1 / (1 + math.Exp(-float64(x[i])))
		if s < 1e-4 || s > 1-1e-4 {
			continue
		}
		grad[i] = gp[i] * float32(s*(1-s))
	}
	return newGrad(logits, grad)
}
