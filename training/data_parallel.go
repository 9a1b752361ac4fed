package training

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/loss"
	"github.com/tsawler/go-ctdet/tensor"
)

// DataParallel splits each batch across replicas of one model and runs the
// chunks concurrently. Replicas share parameters, so their gradients
// accumulate into the same tensors during the sequential backward pass.
type DataParallel struct {
	replicas   []*ModelWithLoss
	chunkSizes []int
	// used maps each result of the latest step to its replica.
	used []int
}

// NewDataParallel replicates m once per chunk. chunkSizes[0] is served by
// m itself.
func NewDataParallel(m *ModelWithLoss, chunkSizes []int) (*DataParallel, error) {
	if len(chunkSizes) < 2 {
		return nil, fmt.Errorf("data parallel needs at least two chunks, got %v", chunkSizes)
	}
	rep, ok := m.net.(Replicator)
	if !ok {
		return nil, fmt.Errorf("network %T cannot be replicated", m.net)
	}

	dp := &DataParallel{replicas: []*ModelWithLoss{m}, chunkSizes: chunkSizes}
	for i := 1; i < len(chunkSizes); i++ {
		net, err := rep.Replicate()
		if err != nil {
			return nil, fmt.Errorf("replicate network for chunk %d: %v", i, err)
		}
		dp.replicas = append(dp.replicas, NewModelWithLoss(net, m.composer, m.opts))
	}
	return dp, nil
}

// Module returns the model behind the replicas.
func (dp *DataParallel) Module() *ModelWithLoss {
	return dp.replicas[0]
}

// sizesFor scales the configured chunk sizes to a batch of n samples. A
// short final batch fills chunks in order.
func (dp *DataParallel) sizesFor(n int) []int {
	out := make([]int, len(dp.chunkSizes))
	left := n
	for i, c := range dp.chunkSizes {
		take := min(c, left)
		out[i] = take
		left -= take
	}
	out[len(out)-1] += left
	return out
}

func (dp *DataParallel) step(ctx context.Context, b *Batch, phase config.Phase, epoch int) (loss.HeadOutput, []*loss.Result, error) {
	sizes := dp.sizesFor(b.Size())
	chunks, err := b.Split(sizes)
	if err != nil {
		return loss.HeadOutput{}, nil, err
	}

	dp.used = dp.used[:0]
	for i, s := range sizes {
		if s > 0 {
			dp.used = append(dp.used, i)
		}
	}

	outs := make([]loss.HeadOutput, len(chunks))
	results := make([]*loss.Result, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			var err error
			outs[i], results[i], err = dp.replicas[dp.used[i]].Forward(gctx, chunk, phase, epoch)
			if err != nil {
				return fmt.Errorf("replica %d: %w", dp.used[i], err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return loss.HeadOutput{}, nil, err
	}

	gathered, err := gatherHeads(outs)
	if err != nil {
		return loss.HeadOutput{}, nil, err
	}
	return gathered, results, nil
}

func (dp *DataParallel) backward(results []*loss.Result) error {
	if len(results) != len(dp.used) {
		return fmt.Errorf("got %d results for %d replicas", len(results), len(dp.used))
	}
	for i, r := range results {
		if err := dp.replicas[dp.used[i]].net.Backward(r.Grad); err != nil {
			return fmt.Errorf("replica %d backward: %v", dp.used[i], err)
		}
	}
	return nil
}

func (dp *DataParallel) train() {
	for _, r := range dp.replicas {
		r.train()
	}
}

func (dp *DataParallel) eval() {
	for _, r := range dp.replicas {
		r.eval()
	}
}

// gatherHeads concatenates per-replica predictions along the batch axis.
func gatherHeads(outs []loss.HeadOutput) (loss.HeadOutput, error) {
	if len(outs) == 1 {
		return outs[0], nil
	}
	collect := func(name string, pick func(loss.HeadOutput) *tensor.Tensor) (*tensor.Tensor, error) {
		parts := make([]*tensor.Tensor, 0, len(outs))
		for _, o := range outs {
			t := pick(o)
			if t == nil {
				return nil, nil
			}
			parts = append(parts, t)
		}
		t, err := tensor.Concat(parts)
		if err != nil {
			return nil, fmt.Errorf("gather %s: %v", name, err)
		}
		return t, nil
	}

	var out loss.HeadOutput
	var err error
	if out.Hm, err = collect("hm", func(o loss.HeadOutput) *tensor.Tensor { return o.Hm }); err != nil {
		return out, err
	}
	if out.Wh, err = collect("wh", func(o loss.HeadOutput) *tensor.Tensor { return o.Wh }); err != nil {
		return out, err
	}
	if out.Reg, err = collect("reg", func(o loss.HeadOutput) *tensor.Tensor { return o.Reg }); err != nil {
		return out, err
	}
	return out, nil
}
