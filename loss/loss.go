// Package loss implements the detection and deblur training objectives.
//
// Every criterion comes as a Forward/Backward pair: Forward returns the
// scalar loss and Backward returns the gradient of that scalar with respect
// to the prediction, so networks that own their parameters can
// backpropagate without an autograd engine.
package loss

import (
	"fmt"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/tensor"
)

// ErrUnknownDeblurLoss is returned when the configured deblur loss kind is
// not recognized.
var ErrUnknownDeblurLoss = config.ErrUnknownDeblurLoss

// Loss is a dense criterion comparing a prediction with a same-shaped target.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// RegCriterion is a masked regression loss. output is a [B, C, H, W] head,
// ind holds flattened center indices [B, K], mask and target are either
// per-object ([B, K] / [B, K, C]) or dense ([B, C, H, W]) depending on the
// implementation.
type RegCriterion interface {
	Forward(output, mask, ind, target *tensor.Tensor) (float64, error)
	Backward(output, mask, ind, target *tensor.Tensor) (*tensor.Tensor, error)
}

// DeblurLoss scores a restored image against the sharp target. blur is the
// network input and is only used by contrastive terms.
type DeblurLoss interface {
	Forward(restored, sharp, blur *tensor.Tensor) (float64, error)
	Backward(restored, sharp, blur *tensor.Tensor) (*tensor.Tensor, error)
}

// HeadOutput is one prediction stack. Reg is nil when offsets are not
// regressed.
type HeadOutput struct {
	Hm  *tensor.Tensor
	Wh  *tensor.Tensor
	Reg *tensor.Tensor
}

// Output is a full network forward pass. Deblurred is set only by joint
// deblur networks in the train phase.
type Output struct {
	Stacks    []HeadOutput
	Deblurred *tensor.Tensor
}

// Last returns the final prediction stack.
func (o *Output) Last() HeadOutput {
	return o.Stacks[len(o.Stacks)-1]
}

// Targets are the ground-truth tensors of a batch.
type Targets struct {
	SharpInput  *tensor.Tensor
	BlurInput   *tensor.Tensor
	Hm          *tensor.Tensor
	Wh          *tensor.Tensor
	Reg         *tensor.Tensor
	Ind         *tensor.Tensor
	RegMask     *tensor.Tensor
	CatSpecMask *tensor.Tensor
	CatSpecWh   *tensor.Tensor
	DenseWh     *tensor.Tensor
	DenseWhMask *tensor.Tensor
}

func checkSameShape(name string, a, b *tensor.Tensor) error {
	if a == nil || b == nil {
		return fmt.Errorf("%s: nil tensor", name)
	}
	if a.DType != tensor.Float32 || b.DType != tensor.Float32 {
		return fmt.Errorf("%s: expected Float32 tensors, got %s and %s", name, a.DType, b.DType)
	}
	if len(a.Shape) != len(b.Shape) {
		return fmt.Errorf("%s: shape mismatch %v vs %v", name, a.Shape, b.Shape)
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return fmt.Errorf("%s: shape mismatch %v vs %v", name, a.Shape, b.Shape)
		}
	}
	return nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// newGrad wraps g as a Float32 tensor shaped like ref.
func newGrad(ref *tensor.Tensor, g []float32) (*tensor.Tensor, error) {
	return tensor.NewTensor(ref.Shape, tensor.Float32, ref.Device, g)
}
