package models

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-ctdet/layers"
	"github.com/tsawler/go-ctdet/tensor"
)

// BackboneFeatures serves the activations of a frozen copy of a CenterNet
// backbone to the Stripformer contrastive term. The copy is taken on first
// use, so weights restored from a checkpoint before training are the ones
// frozen. It is safe for concurrent use by data parallel replicas.
type BackboneFeatures struct {
	mu     sync.Mutex
	source *layers.Sequential
	frozen *layers.Sequential
	taps   []int // indices of the activation layers
}

// FeatureExtractor returns the perceptual extractor backed by this
// network's backbone.
func (n *CenterNet) FeatureExtractor() *BackboneFeatures {
	bf := &BackboneFeatures{source: n.backbone}
	for i, typ := range n.backbone.Types() {
		if typ == layers.ReLU || typ == layers.LeakyReLU {
			bf.taps = append(bf.taps, i)
		}
	}
	return bf
}

func (bf *BackboneFeatures) forward(img *tensor.Tensor) ([]*tensor.Tensor, error) {
	if bf.frozen == nil {
		frozen, err := bf.source.Freeze()
		if err != nil {
			return nil, fmt.Errorf("freeze backbone: %v", err)
		}
		bf.frozen = frozen
	}
	return bf.frozen.ForwardTaps(img)
}

// Features returns the output of every backbone activation, shallowest
// first.
func (bf *BackboneFeatures) Features(img *tensor.Tensor) ([]*tensor.Tensor, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	outs, err := bf.forward(img)
	if err != nil {
		return nil, err
	}
	feats := make([]*tensor.Tensor, len(bf.taps))
	for i, l := range bf.taps {
		feats[i] = outs[l]
	}
	return feats, nil
}

// Backward maps per-activation gradients back to img.
func (bf *BackboneFeatures) Backward(img *tensor.Tensor, featGrads []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(featGrads) != len(bf.taps) {
		return nil, fmt.Errorf("got %d feature gradients for %d layers", len(featGrads), len(bf.taps))
	}
	bf.mu.Lock()
	defer bf.mu.Unlock()

	// the caches may hold another image, so rerun the forward first
	if _, err := bf.forward(img); err != nil {
		return nil, err
	}
	grads := make([]*tensor.Tensor, len(bf.frozen.Types()))
	for i, l := range bf.taps {
		grads[l] = featGrads[i]
	}
	g, err := bf.frozen.BackwardTaps(grads)
	if err != nil {
		return nil, err
	}
	tensor.ZeroGrad(bf.frozen.Parameters())
	return g, nil
}
