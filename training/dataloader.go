package training

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-ctdet/memory"
	"github.com/tsawler/go-ctdet/tensor"
)

// Dataset is an indexable collection of samples. Get returns a batch of
// exactly one sample.
type Dataset interface {
	Len() int
	Get(idx int) (*Batch, error)
}

// DataSource yields the batches of one epoch. Next returns io.EOF once the
// epoch is exhausted; Reset starts the next epoch.
type DataSource interface {
	Len() int
	Reset() error
	Next(ctx context.Context) (*Batch, error)
}

// Recycler is implemented by sources that can reuse the storage of a batch
// the trainer has finished with.
type Recycler interface {
	Recycle(b *Batch)
}

// DataLoaderConfig controls batching and prefetching.
type DataLoaderConfig struct {
	BatchSize     int
	Shuffle       bool
	Seed          int64
	DropLast      bool
	Workers       int // samples loaded concurrently per batch (default: 2)
	PrefetchDepth int // batches prepared ahead of the consumer (default: 2)
	Memory        *memory.Manager
}

type loadedBatch struct {
	batch *Batch
	err   error
}

// DataLoader collates dataset samples into batches on a background
// goroutine. Batches come out in index order; with Shuffle the order is
// reshuffled by Reset from a seeded generator.
type DataLoader struct {
	dataset Dataset
	cfg     DataLoaderConfig
	rng     *rand.Rand
	indices []int

	mutex   sync.Mutex
	batches chan loadedBatch
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDataLoader creates a DataLoader over dataset.
func NewDataLoader(dataset Dataset, cfg DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 2
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.Default()
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset: dataset,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		indices: indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := len(dl.indices)
	if dl.cfg.DropLast {
		return n / dl.cfg.BatchSize
	}
	return (n + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// Reset stops any running epoch, reshuffles when configured and starts
// loading the next epoch.
func (dl *DataLoader) Reset() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.stopLocked()

	if dl.cfg.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl.cancel = cancel
	dl.batches = make(chan loadedBatch, dl.cfg.PrefetchDepth)
	dl.done = make(chan struct{})
	go dl.produce(ctx, append([]int(nil), dl.indices...), dl.batches, dl.done)
	return nil
}

// Next returns the next batch, io.EOF at the end of the epoch. An epoch is
// started implicitly when Reset was never called.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	dl.mutex.Lock()
	if dl.batches == nil {
		dl.mutex.Unlock()
		if err := dl.Reset(); err != nil {
			return nil, err
		}
		dl.mutex.Lock()
	}
	batches := dl.batches
	dl.mutex.Unlock()

	select {
	case lb, ok := <-batches:
		if !ok {
			return nil, io.EOF
		}
		return lb.batch, lb.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the background loader.
func (dl *DataLoader) Close() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.stopLocked()
}

func (dl *DataLoader) stopLocked() {
	if dl.cancel == nil {
		return
	}
	dl.cancel()
	<-dl.done
	for lb := range dl.batches {
		if lb.batch != nil {
			dl.Recycle(lb.batch)
		}
	}
	dl.cancel = nil
}

// Recycle returns the float storage of a collated batch to the memory
// manager. b must not be used afterwards.
func (dl *DataLoader) Recycle(b *Batch) {
	for _, f := range b.fields() {
		if t := *f.t; t != nil && t.Device == tensor.CPUDevice {
			dl.cfg.Memory.Release(t)
		}
	}
}

func (dl *DataLoader) produce(ctx context.Context, order []int, out chan<- loadedBatch, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	bs := dl.cfg.BatchSize
	for start := 0; start < len(order); start += bs {
		end := min(start+bs, len(order))
		if dl.cfg.DropLast && end-start < bs {
			return
		}

		b, err := dl.loadBatch(ctx, order[start:end])
		if err != nil {
			err = fmt.Errorf("failed to load batch: %v", err)
		}
		select {
		case out <- loadedBatch{batch: b, err: err}:
		case <-ctx.Done():
			if b != nil {
				dl.Recycle(b)
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// loadBatch fetches the samples with a bounded number of workers and
// collates them.
func (dl *DataLoader) loadBatch(ctx context.Context, indices []int) (*Batch, error) {
	samples := make([]*Batch, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.cfg.Workers)
	for i, idx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %v", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Collate(samples, dl.cfg.Memory)
}

// Collate stacks samples along the leading dimension. Every sample must
// carry the same set of tensors with the same trailing shapes. Float32
// storage is drawn from mem when it is not nil.
func Collate(samples []*Batch, mem *memory.Manager) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	out := &Batch{}
	dst := out.fields()
	first := samples[0].fields()
	for fi, f := range first {
		proto := *f.t
		for si, s := range samples {
			if (*s.fields()[fi].t == nil) != (proto == nil) {
				return nil, fmt.Errorf("sample %d: %s present in some samples only", si, f.name)
			}
		}
		if proto == nil {
			continue
		}

		shape := append([]int(nil), proto.Shape...)
		shape[0] = 0
		for _, s := range samples {
			shape[0] += (*s.fields()[fi].t).Shape[0]
		}

		var batched *tensor.Tensor
		var err error
		if proto.DType == tensor.Float32 && mem != nil {
			batched, err = mem.NewTensor(shape, tensor.CPUDevice)
		} else {
			batched, err = tensor.Zeros(shape, proto.DType, tensor.CPUDevice)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create batch %s tensor: %v", f.name, err)
		}

		offset := 0
		for si, s := range samples {
			t := *s.fields()[fi].t
			if err := copyInto(batched, t, offset); err != nil {
				return nil, fmt.Errorf("failed to copy %s for sample %d: %v", f.name, si, err)
			}
			offset += t.NumElems
		}
		*dst[fi].t = batched
	}

	for _, s := range samples {
		out.Meta = append(out.Meta, s.Meta...)
	}
	return out, nil
}

// copyInto copies sample into batch starting at element offset.
func copyInto(batch, sample *tensor.Tensor, offset int) error {
	if batch.DType != sample.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batch.DType, sample.DType)
	}
	if len(sample.Shape) != len(batch.Shape) {
		return fmt.Errorf("shape mismatch: batch %v, sample %v", batch.Shape, sample.Shape)
	}
	for i := 1; i < len(batch.Shape); i++ {
		if batch.Shape[i] != sample.Shape[i] {
			return fmt.Errorf("shape mismatch: batch %v, sample %v", batch.Shape, sample.Shape)
		}
	}

	switch batch.DType {
	case tensor.Float32:
		copy(batch.Data.([]float32)[offset:], sample.Data.([]float32))
	case tensor.Int32:
		copy(batch.Data.([]int32)[offset:], sample.Data.([]int32))
	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batch.DType)
	}
	return nil
}

// SubsetDataset exposes the first limit samples of another dataset.
type SubsetDataset struct {
	original Dataset
	limit    int
}

// NewSubsetDataset wraps original. A limit beyond its length is clamped.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	return &SubsetDataset{original: original, limit: min(limit, original.Len())}, nil
}

func (sd *SubsetDataset) Len() int {
	return sd.limit
}

func (sd *SubsetDataset) Get(idx int) (*Batch, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.original.Get(idx)
}
