package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, device Device, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	tensor := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

// FromFloat32 builds a CPU Float32 tensor, panicking on a shape/data
// mismatch. It is meant for literals in tests and fixtures.
func FromFloat32(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, Float32, CPUDevice, data)
	if err != nil {
		panic(fmt.Sprintf("tensor.FromFloat32: %v", err))
	}
	return t
}

// FromInt32 is the Int32 counterpart of FromFloat32.
func FromInt32(shape []int, data []int32) *Tensor {
	t, err := NewTensor(shape, Int32, CPUDevice, data)
	if err != nil {
		panic(fmt.Sprintf("tensor.FromInt32: %v", err))
	}
	return t
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device Device) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return NewTensor(shape, dtype, device, data)
}

// ZerosLike returns a zero tensor with t's shape, dtype and device.
func ZerosLike(t *Tensor) (*Tensor, error) {
	return Zeros(t.Shape, t.DType, t.Device)
}

func Ones(shape []int, dtype DType, device Device) (*Tensor, error) {
	switch dtype {
	case Float32:
		return Full(shape, float32(1), dtype, device)
	case Int32:
		return Full(shape, int32(1), dtype, device)
	default:
		return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
	}
}

func Full(shape []int, value interface{}, dtype DType, device Device) (*Tensor, error) {
	return NewTensor(shape, dtype, device, value)
}

// RandomNormal samples N(mean, std²) from rng so callers control the seed.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = float32(rng.NormFloat64())*std + mean
	}

	return NewTensor(shape, Float32, CPUDevice, slice)
}
