package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/loss"
	"github.com/tsawler/go-ctdet/tensor"
)

// Network is the detector being trained. It owns its parameters and
// computes their gradients itself.
type Network interface {
	// Forward runs the network on img. phase lets joint deblur networks
	// skip the restoration branch outside training; other networks ignore
	// it.
	Forward(ctx context.Context, img *tensor.Tensor, phase config.Phase) (*loss.Output, error)
	// Backward accumulates into the parameter gradients the effect of grad,
	// which is taken with respect to the outputs of the latest Forward.
	Backward(grad *loss.Grad) error
	Parameters() []*tensor.Tensor
	ToDevice(device tensor.Device) error
	Train()
	Eval()
}

// Replicator is implemented by networks that can run on several devices at
// once. A replica shares parameters with its origin and keeps its own
// activations.
type Replicator interface {
	Replicate() (Network, error)
}

// ModelWithLoss couples a network with the loss composer.
type ModelWithLoss struct {
	net      Network
	composer *loss.Composer
	opts     *config.Options
}

func NewModelWithLoss(net Network, composer *loss.Composer, opts *config.Options) *ModelWithLoss {
	return &ModelWithLoss{net: net, composer: composer, opts: opts}
}

// Network returns the wrapped network.
func (m *ModelWithLoss) Network() Network {
	return m.net
}

// Composer returns the loss composer.
func (m *ModelWithLoss) Composer() *loss.Composer {
	return m.composer
}

// Input picks the batch tensor the configured modality feeds the network.
// SB_deblur networks restore the blurred input.
func (m *ModelWithLoss) Input(b *Batch) (*tensor.Tensor, error) {
	switch m.opts.InpSharpOrBlur {
	case config.InputSharp:
		return b.SharpInput, nil
	case config.InputBlur, config.InputSBDeblur:
		return b.BlurInput, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownInputMode, m.opts.InpSharpOrBlur)
	}
}

// Forward runs the network and the composer on one batch and returns the
// last stack of predictions with the composed loss.
func (m *ModelWithLoss) Forward(ctx context.Context, b *Batch, phase config.Phase, epoch int) (loss.HeadOutput, *loss.Result, error) {
	img, err := m.Input(b)
	if err != nil {
		return loss.HeadOutput{}, nil, err
	}
	if img == nil {
		return loss.HeadOutput{}, nil, fmt.Errorf("batch has no %s input", m.opts.InpSharpOrBlur)
	}

	out, err := m.net.Forward(ctx, img, phase)
	if err != nil {
		return loss.HeadOutput{}, nil, fmt.Errorf("network forward: %w", err)
	}
	if len(out.Stacks) == 0 {
		return loss.HeadOutput{}, nil, fmt.Errorf("network returned no prediction stacks")
	}
	res, err := m.composer.Compute(out, b.Targets(), epoch, phase)
	if err != nil {
		return loss.HeadOutput{}, nil, err
	}
	return out.Last(), res, nil
}

// step runs one batch through a single model. It is the unit DataParallel
// fans out.
func (m *ModelWithLoss) step(ctx context.Context, b *Batch, phase config.Phase, epoch int) (loss.HeadOutput, []*loss.Result, error) {
	out, res, err := m.Forward(ctx, b, phase, epoch)
	if err != nil {
		return loss.HeadOutput{}, nil, err
	}
	return out, []*loss.Result{res}, nil
}

func (m *ModelWithLoss) backward(results []*loss.Result) error {
	for _, r := range results {
		if err := m.net.Backward(r.Grad); err != nil {
			return fmt.Errorf("network backward: %v", err)
		}
	}
	return nil
}

func (m *ModelWithLoss) train() { m.net.Train() }
func (m *ModelWithLoss) eval()  { m.net.Eval() }

// stepper is what the trainer drives: a single model or a replica group.
type stepper interface {
	step(ctx context.Context, b *Batch, phase config.Phase, epoch int) (loss.HeadOutput, []*loss.Result, error)
	backward(results []*loss.Result) error
	train()
	eval()
}
