package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}

	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}

	return shape1, nil
}

// elementwise applies f32 or i32 pairwise over two same-shaped tensors.
func elementwise(name string, t1, t2 *Tensor, f32 func(a, b float32) (float32, error), i32 func(a, b int32) (int32, error)) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < t1.NumElems; i++ {
			if resultData[i], err = f32(data1[i], data2[i]); err != nil {
				return nil, fmt.Errorf("%s at index %d: %v", name, i, err)
			}
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < t1.NumElems; i++ {
			if resultData[i], err = i32(data1[i], data2[i]); err != nil {
				return nil, fmt.Errorf("%s at index %d: %v", name, i, err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Add", t1, t2,
		func(a, b float32) (float32, error) { return a + b, nil },
		func(a, b int32) (int32, error) { return a + b, nil })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Sub", t1, t2,
		func(a, b float32) (float32, error) { return a - b, nil },
		func(a, b int32) (int32, error) { return a - b, nil })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Mul", t1, t2,
		func(a, b float32) (float32, error) { return a * b, nil },
		func(a, b int32) (int32, error) { return a * b, nil })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Div", t1, t2,
		func(a, b float32) (float32, error) {
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return a / b, nil
		},
		func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return a / b, nil
		})
}

// mapFloat32 applies f to every element of a Float32 tensor.
func mapFloat32(name string, t *Tensor, f func(float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s only supports Float32 tensors, got %s", name, t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = f(v)
	}
	return NewTensor(t.Shape, t.DType, t.Device, out)
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return mapFloat32("Scale", t, func(v float32) float32 { return v * s })
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return mapFloat32("Sigmoid", t, sigmoid32)
}

// ClampedSigmoid is the sigmoid squashed into [1e-4, 1-1e-4] so that the
// focal loss never takes log(0).
func ClampedSigmoid(t *Tensor) (*Tensor, error) {
	return mapFloat32("ClampedSigmoid", t, func(v float32) float32 {
		return Clamp32(sigmoid32(v), 1e-4, 1-1e-4)
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return mapFloat32("Exp", t, func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

func Log(t *Tensor) (*Tensor, error) {
	return mapFloat32("Log", t, func(v float32) float32 { return float32(math.Log(float64(v))) })
}

func Abs(t *Tensor) (*Tensor, error) {
	return mapFloat32("Abs", t, func(v float32) float32 { return float32(math.Abs(float64(v))) })
}

func Clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sigmoid32(v float32) float32 {
	if v >= 0 {
		return float32(1 / (1 + math.Exp(-float64(v))))
	}
	e := math.Exp(float64(v))
	return float32(e / (1 + e))
}
