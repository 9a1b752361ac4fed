package tensor

import (
	"fmt"
)

func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]
	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matrix multiplication: %v x %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros([]int{rows1, cols2}, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < rows1; i++ {
		for k := 0; k < cols1; k++ {
			a := data1[i*cols1+k]
			if a == 0 {
				continue
			}
			for j := 0; j < cols2; j++ {
				resultData[i*cols2+j] += a * data2[k*cols2+j]
			}
		}
	}

	return result, nil
}

// Narrow copies rows [start, start+length) of the leading dimension.
func Narrow(t *Tensor, start, length int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot narrow a tensor without dimensions")
	}
	if start < 0 || length <= 0 || start+length > t.Shape[0] {
		return nil, fmt.Errorf("narrow [%d, %d) out of range for leading dimension %d", start, start+length, t.Shape[0])
	}

	rowSize := t.NumElems / t.Shape[0]
	shape := append([]int(nil), t.Shape...)
	shape[0] = length
	lo, hi := start*rowSize, (start+length)*rowSize

	switch t.DType {
	case Float32:
		return NewTensor(shape, t.DType, t.Device, append([]float32(nil), t.Data.([]float32)[lo:hi]...))
	case Int32:
		return NewTensor(shape, t.DType, t.Device, append([]int32(nil), t.Data.([]int32)[lo:hi]...))
	default:
		return nil, fmt.Errorf("unsupported dtype for Narrow: %s", t.DType)
	}
}

// Concat joins tensors along the leading dimension. Trailing dimensions,
// dtype and device must agree.
func Concat(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	first := ts[0]
	shape := append([]int(nil), first.Shape...)
	shape[0] = 0
	for _, t := range ts {
		if err := checkCompatibility(first, t); err != nil {
			return nil, err
		}
		if len(t.Shape) != len(first.Shape) || !shapesEqual(t.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("concat shape mismatch: %v vs %v", first.Shape, t.Shape)
		}
		shape[0] += t.Shape[0]
	}

	switch first.DType {
	case Float32:
		data := make([]float32, 0, calculateNumElements(shape))
		for _, t := range ts {
			data = append(data, t.Data.([]float32)...)
		}
		return NewTensor(shape, first.DType, first.Device, data)
	case Int32:
		data := make([]int32, 0, calculateNumElements(shape))
		for _, t := range ts {
			data = append(data, t.Data.([]int32)...)
		}
		return NewTensor(shape, first.DType, first.Device, data)
	default:
		return nil, fmt.Errorf("unsupported dtype for Concat: %s", first.DType)
	}
}
