// Package models holds small CPU networks that plug into the trainer.
package models

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/layers"
	"github.com/tsawler/go-ctdet/loss"
	"github.com/tsawler/go-ctdet/tensor"
	"github.com/tsawler/go-ctdet/training"
)

// hmBiasInit is the heatmap logit bias giving an initial score of ~0.1.
const hmBiasInit = -2.19

type headSet struct {
	hm, wh, reg *layers.Sequential
}

// CenterNet is a shallow center-point detector: a strided convolutional
// backbone down to the output resolution, one head set per stack and, for
// the joint deblur modality, a residual restoration branch at input
// resolution.
type CenterNet struct {
	opts     *config.Options
	backbone *layers.Sequential
	stacks   []headSet
	restore  *layers.Sequential

	training  bool
	restored  bool
	stackRuns int
}

// NewCenterNet builds the network for the geometry and heads selected in
// opts. headConv is the width of the hidden layers.
func NewCenterNet(opts *config.Options, headConv int, seed int64) (*CenterNet, error) {
	if opts.DownRatio < 1 || opts.InputH%opts.DownRatio != 0 || opts.InputW%opts.DownRatio != 0 {
		return nil, fmt.Errorf("input %dx%d is not divisible by down ratio %d", opts.InputW, opts.InputH, opts.DownRatio)
	}
	rng := rand.New(rand.NewSource(seed))
	channels := max(len(opts.Mean), 1)
	in := []int{1, channels, opts.InputH, opts.InputW}

	spec, err := layers.NewModelBuilder(in).
		AddConv2D(headConv, 3, 1, 1, true, "backbone.conv1").
		AddReLU("backbone.relu1").
		AddConv2D(headConv, opts.DownRatio, opts.DownRatio, 0, true, "backbone.down").
		AddReLU("backbone.relu2").
		Compile()
	if err != nil {
		return nil, fmt.Errorf("backbone: %v", err)
	}
	net := &CenterNet{opts: opts, training: true}
	if net.backbone, err = spec.Build(rng); err != nil {
		return nil, fmt.Errorf("backbone: %v", err)
	}
	feat := spec.OutputShape

	head := func(name string, out int, bias float32) (*layers.Sequential, error) {
		spec, err := layers.NewModelBuilder(feat).
			AddConv2D(headConv, 3, 1, 1, true, name+".conv").
			AddReLU(name+".relu").
			AddConv2D(out, 1, 1, 0, true, name+".out").
			Compile()
		if err != nil {
			return nil, fmt.Errorf("%s head: %v", name, err)
		}
		return spec.Build(rng, layers.WithBiasInit(name+".out", bias))
	}

	whOut := 2
	if opts.CatSpecWh {
		whOut = 2 * opts.NumClasses
	}
	for s := 0; s < opts.NumStacks; s++ {
		var hs headSet
		prefix := fmt.Sprintf("stack%d.", s)
		if hs.hm, err = head(prefix+"hm", opts.NumClasses, hmBiasInit); err != nil {
			return nil, err
		}
		if hs.wh, err = head(prefix+"wh", whOut, 0); err != nil {
			return nil, err
		}
		if opts.RegOffset {
			if hs.reg, err = head(prefix+"reg", 2, 0); err != nil {
				return nil, err
			}
		}
		net.stacks = append(net.stacks, hs)
	}

	if opts.DeblurEnabled() {
		spec, err := layers.NewModelBuilder(in).
			AddConv2D(headConv, 3, 1, 1, true, "restore.conv1").
			AddLeakyReLU(0.1, "restore.relu").
			AddConv2D(channels, 3, 1, 1, true, "restore.conv2").
			Compile()
		if err != nil {
			return nil, fmt.Errorf("restore branch: %v", err)
		}
		if net.restore, err = spec.Build(rng); err != nil {
			return nil, fmt.Errorf("restore branch: %v", err)
		}
	}
	return net, nil
}

// modules lists every sub-model in parameter order.
func (n *CenterNet) modules() []*layers.Sequential {
	mods := []*layers.Sequential{n.backbone}
	for _, hs := range n.stacks {
		mods = append(mods, hs.hm, hs.wh)
		if hs.reg != nil {
			mods = append(mods, hs.reg)
		}
	}
	if n.restore != nil {
		mods = append(mods, n.restore)
	}
	return mods
}

func (n *CenterNet) Forward(ctx context.Context, img *tensor.Tensor, phase config.Phase) (*loss.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feat, err := n.backbone.Forward(img)
	if err != nil {
		return nil, err
	}

	out := &loss.Output{}
	for _, hs := range n.stacks {
		var ho loss.HeadOutput
		if ho.Hm, err = hs.hm.Forward(feat); err != nil {
			return nil, err
		}
		if ho.Wh, err = hs.wh.Forward(feat); err != nil {
			return nil, err
		}
		if hs.reg != nil {
			if ho.Reg, err = hs.reg.Forward(feat); err != nil {
				return nil, err
			}
		}
		out.Stacks = append(out.Stacks, ho)
	}
	n.stackRuns = len(out.Stacks)

	n.restored = false
	if n.restore != nil && phase == config.PhaseTrain {
		residual, err := n.restore.Forward(img)
		if err != nil {
			return nil, err
		}
		if out.Deblurred, err = tensor.Add(img, residual); err != nil {
			return nil, err
		}
		n.restored = true
	}
	return out, nil
}

func (n *CenterNet) Backward(grad *loss.Grad) error {
	if n.stackRuns == 0 {
		return fmt.Errorf("backward called before forward")
	}
	if len(grad.Stacks) > n.stackRuns {
		return fmt.Errorf("gradient for %d stacks, forward produced %d", len(grad.Stacks), n.stackRuns)
	}

	var featGrad *tensor.Tensor
	add := func(head *layers.Sequential, g *tensor.Tensor) error {
		if head == nil || g == nil {
			return nil
		}
		gf, err := head.Backward(g)
		if err != nil {
			return err
		}
		if featGrad == nil {
			featGrad = gf
			return nil
		}
		featGrad, err = tensor.Add(featGrad, gf)
		return err
	}
	for s, g := range grad.Stacks {
		hs := n.stacks[s]
		if err := add(hs.hm, g.Hm); err != nil {
			return err
		}
		if err := add(hs.wh, g.Wh); err != nil {
			return err
		}
		if err := add(hs.reg, g.Reg); err != nil {
			return err
		}
	}
	if featGrad != nil {
		if _, err := n.backbone.Backward(featGrad); err != nil {
			return err
		}
	}

	if grad.Deblurred != nil {
		if !n.restored {
			return fmt.Errorf("deblur gradient without a restoration forward")
		}
		if _, err := n.restore.Backward(grad.Deblurred); err != nil {
			return err
		}
	}
	return nil
}

func (n *CenterNet) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range n.modules() {
		params = append(params, m.Parameters()...)
	}
	return params
}

// ParameterNames returns checkpoint names aligned with Parameters.
func (n *CenterNet) ParameterNames() []string {
	var names []string
	for _, m := range n.modules() {
		names = append(names, m.ParameterNames()...)
	}
	return names
}

// ToDevice retags parameters and their gradients in place, so optimizer
// state keyed by parameter stays valid.
func (n *CenterNet) ToDevice(device tensor.Device) error {
	if device.Kind != tensor.CPU && device.Kind != tensor.GPU {
		return fmt.Errorf("invalid device: %v", device)
	}
	for _, p := range n.Parameters() {
		p.Device = device
		if g := p.Grad(); g != nil {
			g.Device = device
		}
	}
	return nil
}

func (n *CenterNet) Train() { n.training = true }
func (n *CenterNet) Eval()  { n.training = false }

// Training reports whether the network is in train mode.
func (n *CenterNet) Training() bool {
	return n.training
}

// Replicate returns a network sharing this one's parameters.
func (n *CenterNet) Replicate() (training.Network, error) {
	r := &CenterNet{
		opts:     n.opts,
		backbone: n.backbone.Share(),
		training: n.training,
	}
	for _, hs := range n.stacks {
		shared := headSet{hm: hs.hm.Share(), wh: hs.wh.Share()}
		if hs.reg != nil {
			shared.reg = hs.reg.Share()
		}
		r.stacks = append(r.stacks, shared)
	}
	if n.restore != nil {
		r.restore = n.restore.Share()
	}
	return r, nil
}

// Summary describes the backbone.
func (n *CenterNet) Summary() string {
	return n.backbone.Spec().Summary()
}

var (
	_ training.Network    = (*CenterNet)(nil)
	_ training.Replicator = (*CenterNet)(nil)
)
