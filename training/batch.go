package training

import (
	"fmt"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/decode"
	"github.com/tsawler/go-ctdet/loss"
	"github.com/tsawler/go-ctdet/tensor"
)

// Meta is the per-sample bookkeeping that never leaves the host.
type Meta struct {
	ImgID int64
	// C and S are the center and scale of the crop that produced the
	// network input, used to map detections back to the source image.
	C, S [2]float64
	// GtDet holds the ground-truth boxes in heatmap coordinates.
	GtDet []decode.Detection
}

// Batch is one collated mini-batch. Every tensor shares the leading batch
// dimension; tensors a configuration does not use may be nil.
type Batch struct {
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

	Meta []Meta
}

// fields lists the tensor slots with their names.
func (b *Batch) fields() []struct {
	name string
	t    **tensor.Tensor
} {
	return []struct {
		name string
		t    **tensor.Tensor
	}{
		{"input_sharp", &b.SharpInput},
		{"input_blur", &b.BlurInput},
		{"hm", &b.Hm},
		{"wh", &b.Wh},
		{"reg", &b.Reg},
		{"ind", &b.Ind},
		{"reg_mask", &b.RegMask},
		{"cat_spec_mask", &b.CatSpecMask},
		{"cat_spec_wh", &b.CatSpecWh},
		{"dense_wh", &b.DenseWh},
		{"dense_wh_mask", &b.DenseWhMask},
	}
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int {
	for _, f := range b.fields() {
		if t := *f.t; t != nil && len(t.Shape) > 0 {
			return t.Shape[0]
		}
	}
	return len(b.Meta)
}

// To returns a copy of the batch with every tensor on device. Meta is
// shared, not copied.
func (b *Batch) To(device tensor.Device) (*Batch, error) {
	out := &Batch{Meta: b.Meta}
	dst := out.fields()
	for i, f := range b.fields() {
		if *f.t == nil {
			continue
		}
		moved, err := (*f.t).ToDevice(device)
		if err != nil {
			return nil, fmt.Errorf("move %s to %s: %v", f.name, device, err)
		}
		*dst[i].t = moved
	}
	return out, nil
}

// Targets returns the ground truth the loss composer consumes.
func (b *Batch) Targets() *loss.Targets {
	return &loss.Targets{
		SharpInput:  b.SharpInput,
		BlurInput:   b.BlurInput,
		Hm:          b.Hm,
		Wh:          b.Wh,
		Reg:         b.Reg,
		Ind:         b.Ind,
		RegMask:     b.RegMask,
		CatSpecMask: b.CatSpecMask,
		CatSpecWh:   b.CatSpecWh,
		DenseWh:     b.DenseWh,
		DenseWhMask: b.DenseWhMask,
	}
}

// Validate checks that every tensor opts needs is present and that all
// tensors agree on the batch size.
func (b *Batch) Validate(opts *config.Options) error {
	required := []string{"hm", "ind", "reg_mask"}
	switch opts.InpSharpOrBlur {
	case config.InputSharp:
		required = append(required, "input_sharp")
	case config.InputBlur:
		required = append(required, "input_blur")
	case config.InputSBDeblur:
		required = append(required, "input_sharp", "input_blur")
	default:
		return fmt.Errorf("%w: %q", config.ErrUnknownInputMode, opts.InpSharpOrBlur)
	}
	if opts.WhWeight > 0 {
		switch {
		case opts.DenseWh:
			required = append(required, "dense_wh", "dense_wh_mask")
		case opts.CatSpecWh && !opts.NormWh:
			required = append(required, "cat_spec_wh", "cat_spec_mask")
		default:
			required = append(required, "wh")
		}
	}
	if opts.EvalOracleWh {
		required = append(required, "wh")
	}
	if opts.RegOffset {
		required = append(required, "reg")
	}

	present := make(map[string]*tensor.Tensor)
	n := -1
	for _, f := range b.fields() {
		t := *f.t
		if t == nil {
			continue
		}
		present[f.name] = t
		if len(t.Shape) == 0 {
			return fmt.Errorf("batch tensor %s has no dimensions", f.name)
		}
		if n < 0 {
			n = t.Shape[0]
		} else if t.Shape[0] != n {
			return fmt.Errorf("batch tensor %s has %d samples, expected %d", f.name, t.Shape[0], n)
		}
	}
	for _, name := range required {
		if present[name] == nil {
			return fmt.Errorf("batch is missing %s", name)
		}
	}
	if len(b.Meta) > 0 && len(b.Meta) != n {
		return fmt.Errorf("batch has %d meta records for %d samples", len(b.Meta), n)
	}
	return nil
}

// Split cuts the batch into consecutive chunks of the given sizes.
func (b *Batch) Split(sizes []int) ([]*Batch, error) {
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != b.Size() {
		return nil, fmt.Errorf("chunk sizes %v do not add up to batch size %d", sizes, b.Size())
	}

	out := make([]*Batch, 0, len(sizes))
	start := 0
	for _, size := range sizes {
		if size == 0 {
			continue
		}
		chunk := &Batch{}
		if len(b.Meta) > 0 {
			chunk.Meta = b.Meta[start : start+size]
		}
		dst := chunk.fields()
		for i, f := range b.fields() {
			if *f.t == nil {
				continue
			}
			part, err := tensor.Narrow(*f.t, start, size)
			if err != nil {
				return nil, fmt.Errorf("split %s: %v", f.name, err)
			}
			*dst[i].t = part
		}
		out = append(out, chunk)
		start += size
	}
	return out, nil
}
