package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceKind int

const (
	CPU DeviceKind = iota
	GPU
)

func (k DeviceKind) String() string {
	switch k {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Device identifies where a tensor lives. Index is the accelerator ordinal
// and is ignored for CPU devices.
type Device struct {
	Kind  DeviceKind
	Index int
}

// CPUDevice is the host device.
var CPUDevice = Device{Kind: CPU}

// GPUDevice returns the accelerator with the given ordinal.
func GPUDevice(index int) Device {
	return Device{Kind: GPU, Index: index}
}

func (d Device) String() string {
	if d.Kind == CPU {
		return "cpu"
	}
	return fmt.Sprintf("gpu:%d", d.Index)
}

// ParseDevice accepts "cpu", "gpu", "gpu:N" and the "cuda"/"cuda:N" aliases.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "cpu" || s == "" {
		return CPUDevice, nil
	}
	name, ordinal, hasOrdinal := strings.Cut(s, ":")
	if name != "gpu" && name != "cuda" {
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
	if !hasOrdinal {
		return GPUDevice(0), nil
	}
	idx, err := strconv.Atoi(ordinal)
	if err != nil || idx < 0 {
		return Device{}, fmt.Errorf("invalid device ordinal in %q", s)
	}
	return GPUDevice(idx), nil
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Device       Device
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient. Networks that own their
// parameters call this from their backward pass.
func (t *Tensor) SetGrad(g *Tensor) {
	t.grad = g
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
