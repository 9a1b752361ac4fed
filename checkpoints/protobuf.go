package checkpoints

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint encoding. The layout is a plain
// protobuf message so standard tooling can inspect it:
//
//	message Checkpoint {
//	  repeated Tensor weights = 1;
//	  TrainingState training_state = 2;
//	  OptimizerState optimizer_state = 3;
//	  Metadata metadata = 4;
//	}
//	message Tensor { string name = 1; repeated int64 shape = 2; repeated float data = 3; string state_type = 4; }
//	message TrainingState { int64 epoch = 1; int64 step = 2; float learning_rate = 3; float best_loss = 4; }
//	message OptimizerState { string type = 1; double learning_rate = 2; int64 step = 3; repeated Tensor state_data = 4; }
//	message Metadata { string version = 1; string framework = 2; int64 created_at_unix_nano = 3; string description = 4; repeated string tags = 5; }
const (
	fieldWeights        protowire.Number = 1
	fieldTrainingState  protowire.Number = 2
	fieldOptimizerState protowire.Number = 3
	fieldMetadata       protowire.Number = 4
)

// MarshalProto encodes a checkpoint in the binary format.
func MarshalProto(c *Checkpoint) []byte {
	var b []byte
	for _, w := range c.Weights {
		b = appendMessage(b, fieldWeights, appendTensor(nil, w.Name, w.Shape, w.Data, ""))
	}
	b = appendMessage(b, fieldTrainingState, appendTrainingState(nil, c.TrainingState))
	if c.OptimizerState != nil {
		b = appendMessage(b, fieldOptimizerState, appendOptimizerState(nil, c.OptimizerState))
	}
	b = appendMessage(b, fieldMetadata, appendMetadata(nil, c.Metadata))
	return b
}

// UnmarshalProto decodes the binary format.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldWeights:
			name, shape, data, _, err := parseTensor(v)
			if err != nil {
				return fmt.Errorf("weight: %v", err)
			}
			c.Weights = append(c.Weights, WeightTensor{Name: name, Shape: shape, Data: data})
		case fieldTrainingState:
			ts, err := parseTrainingState(v)
			if err != nil {
				return fmt.Errorf("training state: %v", err)
			}
			c.TrainingState = ts
		case fieldOptimizerState:
			os, err := parseOptimizerState(v)
			if err != nil {
				return fmt.Errorf("optimizer state: %v", err)
			}
			c.OptimizerState = os
		case fieldMetadata:
			md, err := parseMetadata(v)
			if err != nil {
				return fmt.Errorf("metadata: %v", err)
			}
			c.Metadata = md
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendTensor(b []byte, name string, shape []int, data []float32, stateType string) []byte {
	b = appendString(b, 1, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = appendMessage(b, 2, packed)

	floats := make([]byte, 0, 4*len(data))
	for _, v := range data {
		floats = protowire.AppendFixed32(floats, math.Float32bits(v))
	}
	b = appendMessage(b, 3, floats)

	return appendString(b, 4, stateType)
}

func appendTrainingState(b []byte, ts TrainingState) []byte {
	b = appendInt(b, 1, int64(ts.Epoch))
	b = appendInt(b, 2, int64(ts.Step))
	b = appendFloat(b, 3, ts.LearningRate)
	return appendFloat(b, 4, ts.BestLoss)
}

func appendOptimizerState(b []byte, os *OptimizerState) []byte {
	b = appendString(b, 1, os.Type)
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(os.LearningRate))
	b = appendInt(b, 3, os.Step)
	for _, t := range os.StateData {
		b = appendMessage(b, 4, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType))
	}
	return b
}

func appendMetadata(b []byte, md CheckpointMetadata) []byte {
	b = appendString(b, 1, md.Version)
	b = appendString(b, 2, md.Framework)
	if !md.CreatedAt.IsZero() {
		b = appendInt(b, 3, md.CreatedAt.UnixNano())
	}
	b = appendString(b, 4, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// walk calls fn for every field of a message. v holds the raw payload:
// the bytes of length-delimited fields, the encoded number otherwise.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				v = b[:n]
			}
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func varint(v []byte) (uint64, error) {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return x, nil
}

func fixed32(v []byte) (float32, error) {
	x, n := protowire.ConsumeFixed32(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return math.Float32frombits(x), nil
}

func parseTensor(b []byte) (name string, shape []int, data []float32, stateType string, err error) {
	shape = []int{}
	data = []float32{}
	err = walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			name = string(v)
		case 2:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				shape = append(shape, int(d))
				v = v[n:]
			}
		case 3:
			if len(v)%4 != 0 {
				return fmt.Errorf("float payload of %d bytes", len(v))
			}
			for len(v) > 0 {
				f, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				data = append(data, math.Float32frombits(f))
				v = v[n:]
			}
		case 4:
			stateType = string(v)
		}
		return nil
	})
	return name, shape, data, stateType, err
}

func parseTrainingState(b []byte) (TrainingState, error) {
	var ts TrainingState
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case 1, 2:
			var x uint64
			if x, err = varint(v); err != nil {
				return err
			}
			if num == 1 {
				ts.Epoch = int(int64(x))
			} else {
				ts.Step = int(int64(x))
			}
		case 3:
			ts.LearningRate, err = fixed32(v)
		case 4:
			ts.BestLoss, err = fixed32(v)
		}
		return err
	})
	return ts, err
}

func parseOptimizerState(b []byte) (*OptimizerState, error) {
	os := &OptimizerState{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			os.Type = string(v)
		case 2:
			x, n := protowire.ConsumeFixed64(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			os.LearningRate = math.Float64frombits(x)
		case 3:
			x, err := varint(v)
			if err != nil {
				return err
			}
			os.Step = int64(x)
		case 4:
			name, shape, data, stateType, err := parseTensor(v)
			if err != nil {
				return err
			}
			os.StateData = append(os.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: stateType})
		}
		return nil
	})
	return os, err
}

func parseMetadata(b []byte) (CheckpointMetadata, error) {
	var md CheckpointMetadata
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			md.Version = string(v)
		case 2:
			md.Framework = string(v)
		case 3:
			x, err := varint(v)
			if err != nil {
				return err
			}
			md.CreatedAt = time.Unix(0, int64(x))
		case 4:
			md.Description = string(v)
		case 5:
			md.Tags = append(md.Tags, string(v))
		}
		return nil
	})
	return md, err
}
