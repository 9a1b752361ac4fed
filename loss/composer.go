package loss

import (
	"fmt"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/decode"
	"github.com/tsawler/go-ctdet/tensor"
)

// Stat names reported by the composer.
const (
	StatLoss   = "loss"
	StatHm     = "hm_loss"
	StatWh     = "wh_loss"
	StatOff    = "off_loss"
	StatDeblur = "deblur_loss"
)

// StatNames lists the terms a composer built from opts reports, in order.
func StatNames(opts *config.Options) []string {
	names := []string{StatLoss, StatHm, StatWh, StatOff}
	if opts.DeblurEnabled() {
		names = append(names, StatDeblur)
	}
	return names
}

// Term is one reported loss value. Included is false when the term was
// computed for reporting but left out of the optimized scalar.
type Term struct {
	Name     string
	Value    float64
	Included bool
}

// Stats is the ordered breakdown of a composed loss.
type Stats []Term

// Get returns the value of the named term.
func (s Stats) Get(name string) (float64, bool) {
	for _, t := range s {
		if t.Name == name {
			return t.Value, true
		}
	}
	return 0, false
}

// Included reports whether the named term contributed to the scalar.
func (s Stats) Included(name string) bool {
	for _, t := range s {
		if t.Name == name {
			return t.Included
		}
	}
	return false
}

// Map returns the values keyed by name.
func (s Stats) Map() map[string]float64 {
	m := make(map[string]float64, len(s))
	for _, t := range s {
		m[t.Name] = t.Value
	}
	return m
}

// Grad holds the gradient of the optimized scalar with respect to each raw
// network output. Hm gradients are taken with respect to the logits. A nil
// entry means the output received no gradient.
type Grad struct {
	Stacks    []HeadOutput
	Deblurred *tensor.Tensor
}

// Scale multiplies every gradient in place.
func (g *Grad) Scale(f float32) {
	scale := func(t *tensor.Tensor) {
		if t == nil {
			return
		}
		d := t.Data.([]float32)
		for i := range d {
			d[i] *= f
		}
	}
	for _, s := range g.Stacks {
		scale(s.Hm)
		scale(s.Wh)
		scale(s.Reg)
	}
	scale(g.Deblurred)
}

// Result is the output of one composed loss evaluation.
type Result struct {
	Loss  float64
	Stats Stats
	Grad  *Grad
}

type whPolicy struct {
	name string
	crit RegCriterion
	args func(gt *Targets) (mask, ind, target *tensor.Tensor)
}

// Composer computes the weighted detection (and optionally deblur)
// objective. Loss policies are resolved once at construction.
type Composer struct {
	opts      *config.Options
	hm        Loss
	reg       RegCriterion
	wh        whPolicy
	deblur    DeblurLoss
	mse       MSELoss
	extractor FeatureExtractor
}

// ComposerOption customizes a Composer.
type ComposerOption func(*Composer)

// WithFeatureExtractor sets the backbone used by the Stripformer
// contrastive term.
func WithFeatureExtractor(fe FeatureExtractor) ComposerOption {
	return func(c *Composer) {
		c.extractor = fe
	}
}

func NewComposer(opts *config.Options, options ...ComposerOption) (*Composer, error) {
	c := &Composer{opts: opts}
	for _, o := range options {
		o(c)
	}

	if opts.MSELoss {
		c.hm = NewMSELoss()
	} else {
		c.hm = NewFocalLoss()
	}

	switch opts.RegLoss {
	case "l1":
		c.reg = RegL1Loss{}
	case "sl1":
		c.reg = RegLoss{}
	default:
		return nil, fmt.Errorf("unknown reg loss %q", opts.RegLoss)
	}

	switch {
	case opts.DenseWh:
		c.wh = whPolicy{"dense", DenseL1Loss{}, func(gt *Targets) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
			return gt.DenseWhMask, nil, gt.DenseWh
		}}
	case opts.NormWh:
		c.wh = whPolicy{"norm", NormRegL1Loss{}, func(gt *Targets) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
			return gt.RegMask, gt.Ind, gt.Wh
		}}
	case opts.CatSpecWh:
		c.wh = whPolicy{"cat_spec", RegWeightedL1Loss{}, func(gt *Targets) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
			return gt.CatSpecMask, gt.Ind, gt.CatSpecWh
		}}
	default:
		c.wh = whPolicy{opts.RegLoss, c.reg, func(gt *Targets) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
			return gt.RegMask, gt.Ind, gt.Wh
		}}
	}

	if opts.DeblurEnabled() {
		switch opts.DeblurLoss {
		case config.DeblurMSESSIM:
			c.deblur = NewMSESSIMLoss()
		case config.DeblurStripformer:
			c.deblur = NewStripformerLoss(c.extractor)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownDeblurLoss, opts.DeblurLoss)
		}
	}
	return c, nil
}

// DeblurActive reports whether the deblur term is trained at this epoch
// and phase. Interval mode only trains on even epochs.
func (c *Composer) DeblurActive(epoch int, phase config.Phase) bool {
	o := c.opts
	if !o.DeblurEnabled() || phase != config.PhaseTrain || epoch > o.DeblurTrainEndEpoch {
		return false
	}
	switch o.TrainMode {
	case config.TrainContinuous:
		return true
	case config.TrainInterval:
		return epoch%2 == 0
	default:
		return false
	}
}

// Heat returns the probability heatmap used for decoding.
func (c *Composer) Heat(hm *tensor.Tensor) (*tensor.Tensor, error) {
	if c.opts.MSELoss {
		return hm, nil
	}
	return tensor.ClampedSigmoid(hm)
}

func scaled(t *tensor.Tensor, f float64) (*tensor.Tensor, error) {
	return tensor.Scale(t, float32(f))
}

func accumulate(dst, src *tensor.Tensor) (*tensor.Tensor, error) {
	if dst == nil {
		return src, nil
	}
	return tensor.Add(dst, src)
}

// Compute evaluates the objective for one forward pass.
func (c *Composer) Compute(out *Output, gt *Targets, epoch int, phase config.Phase) (*Result, error) {
	o := c.opts
	if len(out.Stacks) < o.NumStacks {
		return nil, fmt.Errorf("network returned %d stacks, expected %d", len(out.Stacks), o.NumStacks)
	}

	ns := float64(o.NumStacks)
	whOn := o.WhWeight > 0
	offOn := o.RegOffset && o.OffWeight > 0
	deblurOn := c.DeblurActive(epoch, phase)

	grad := &Grad{Stacks: make([]HeadOutput, o.NumStacks)}
	var hmLoss, whLoss, offLoss, deblurLoss float64

	for s := 0; s < o.NumStacks; s++ {
		st := out.Stacks[s]

		pred, err := c.Heat(st.Hm)
		if err != nil {
			return nil, fmt.Errorf("heatmap activation: %v", err)
		}
		if o.EvalOracleHm {
			pred = gt.Hm
		}
		l, err := c.hm.Forward(pred, gt.Hm)
		if err != nil {
			return nil, fmt.Errorf("hm loss: %v", err)
		}
		hmLoss += l / ns
		if !o.EvalOracleHm {
			g, err := c.hm.Backward(pred, gt.Hm)
			if err != nil {
				return nil, fmt.Errorf("hm loss gradient: %v", err)
			}
			if !o.MSELoss {
				if g, err = sigmoidBackward(st.Hm, g); err != nil {
					return nil, err
				}
			}
			if grad.Stacks[s].Hm, err = scaled(g, o.HmWeight/ns); err != nil {
				return nil, err
			}
		}

		if whOn {
			whOut := st.Wh
			if o.EvalOracleWh {
				if whOut, err = decode.GenOracleMap(gt.Wh, gt.Ind, st.Wh.Shape[3], st.Wh.Shape[2]); err != nil {
					return nil, err
				}
			}
			mask, ind, target := c.wh.args(gt)
			if mask == nil || target == nil {
				return nil, fmt.Errorf("wh loss (%s): batch is missing its targets", c.wh.name)
			}
			l, err := c.wh.crit.Forward(whOut, mask, ind, target)
			if err != nil {
				return nil, fmt.Errorf("wh loss (%s): %v", c.wh.name, err)
			}
			whLoss += l / ns
			if !o.EvalOracleWh {
				g, err := c.wh.crit.Backward(whOut, mask, ind, target)
				if err != nil {
					return nil, fmt.Errorf("wh loss gradient (%s): %v", c.wh.name, err)
				}
				if grad.Stacks[s].Wh, err = scaled(g, o.WhWeight/ns); err != nil {
					return nil, err
				}
			}
		}

		if offOn {
			if st.Reg == nil {
				return nil, fmt.Errorf("offset regression enabled but stack %d has no reg output", s)
			}
			regOut := st.Reg
			if o.EvalOracleOffset {
				if regOut, err = decode.GenOracleMap(gt.Reg, gt.Ind, st.Reg.Shape[3], st.Reg.Shape[2]); err != nil {
					return nil, err
				}
			}
			l, err := c.reg.Forward(regOut, gt.RegMask, gt.Ind, gt.Reg)
			if err != nil {
				return nil, fmt.Errorf("off loss: %v", err)
			}
			offLoss += l / ns
			if !o.EvalOracleOffset {
				g, err := c.reg.Backward(regOut, gt.RegMask, gt.Ind, gt.Reg)
				if err != nil {
					return nil, fmt.Errorf("off loss gradient: %v", err)
				}
				if grad.Stacks[s].Reg, err = scaled(g, o.OffWeight/ns); err != nil {
					return nil, err
				}
			}
		}

		if o.DeblurEnabled() {
			if deblurOn {
				if out.Deblurred == nil {
					return nil, fmt.Errorf("deblur loss active at epoch %d but the network returned no deblurred image", epoch)
				}
				l, err := c.deblur.Forward(out.Deblurred, gt.SharpInput, gt.BlurInput)
				if err != nil {
					return nil, fmt.Errorf("deblur loss: %v", err)
				}
				deblurLoss += l
				g, err := c.deblur.Backward(out.Deblurred, gt.SharpInput, gt.BlurInput)
				if err != nil {
					return nil, fmt.Errorf("deblur loss gradient: %v", err)
				}
				if g, err = scaled(g, o.DeblurWeight); err != nil {
					return nil, err
				}
				if grad.Deblurred, err = accumulate(grad.Deblurred, g); err != nil {
					return nil, err
				}
			} else {
				// sharp against itself: a defined zero
				deblurLoss = 0
				if gt.SharpInput != nil {
					if deblurLoss, err = c.mse.Forward(gt.SharpInput, gt.SharpInput); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	total := o.HmWeight*hmLoss + o.WhWeight*whLoss + o.OffWeight*offLoss
	if deblurOn {
		total += o.DeblurWeight * deblurLoss
	}

	stats := Stats{
		{Name: StatLoss, Value: total, Included: true},
		{Name: StatHm, Value: hmLoss, Included: true},
		{Name: StatWh, Value: whLoss, Included: whOn},
		{Name: StatOff, Value: offLoss, Included: offOn},
	}
	if o.DeblurEnabled() {
		stats = append(stats, Term{Name: StatDeblur, Value: deblurLoss, Included: deblurOn})
	}

	return &Result{Loss: total, Stats: stats, Grad: grad}, nil
}
