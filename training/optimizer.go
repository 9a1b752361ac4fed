package training

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/tsawler/go-ctdet/checkpoints"
	"github.com/tsawler/go-ctdet/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	// ToDevice moves the optimizer's own state tensors to device.
	ToDevice(device tensor.Device) error
	State() *checkpoints.OptimizerState
	LoadState(state *checkpoints.OptimizerState) error
}

// NewOptimizer builds the optimizer named by kind ("adam" or "sgd") with
// the usual defaults.
func NewOptimizer(kind string, params []*tensor.Tensor, lr float64) (Optimizer, error) {
	switch strings.ToLower(kind) {
	case "adam":
		return NewAdam(params, lr, 0.9, 0.999, 1e-8, 0), nil
	case "sgd":
		return NewSGD(params, lr, 0.9, 0, 0, false), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", kind)
	}
}

func gradData(param *tensor.Tensor) ([]float32, []float32, error) {
	p, err := param.GetFloat32Data()
	if err != nil {
		return nil, nil, err
	}
	g, err := param.Grad().GetFloat32Data()
	if err != nil {
		return nil, nil, err
	}
	if len(p) != len(g) {
		return nil, nil, fmt.Errorf("gradient has %d elements for a parameter of %d", len(g), len(p))
	}
	return p, g, nil
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*tensor.Tensor]*tensor.Tensor
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor]*tensor.Tensor),
	}

	if momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				velocity, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
				sgd.velocities[param] = velocity
			}
		}
	}

	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		p, g, err := gradData(param)
		if err != nil {
			return fmt.Errorf("sgd step: %v", err)
		}

		var vel []float32
		if sgd.momentum > 0 {
			velocity := sgd.velocities[param]
			if velocity == nil {
				if velocity, err = tensor.Zeros(param.Shape, param.DType, param.Device); err != nil {
					return fmt.Errorf("velocity initialization failed: %v", err)
				}
				sgd.velocities[param] = velocity
			}
			vel = velocity.Data.([]float32)
		}

		for i := range p {
			grad := float64(g[i])
			if sgd.weightDecay > 0 {
				grad += sgd.weightDecay * float64(p[i])
			}
			if vel != nil {
				v := sgd.momentum*float64(vel[i]) + (1-sgd.dampening)*grad
				vel[i] = float32(v)
				if sgd.nesterov {
					grad += sgd.momentum * v
				} else {
					grad = v
				}
			}
			p[i] -= float32(sgd.learningRate * grad)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) ToDevice(device tensor.Device) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	return moveState(sgd.velocities, device)
}

func (sgd *SGD) State() *checkpoints.OptimizerState {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return &checkpoints.OptimizerState{
		Type:         "SGD",
		LearningRate: sgd.learningRate,
		StateData:    exportSlots(sgd.parameters, map[string]map[*tensor.Tensor]*tensor.Tensor{"momentum": sgd.velocities}),
	}
}

func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != "SGD" {
		return fmt.Errorf("cannot load %s state into SGD", state.Type)
	}
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = state.LearningRate
	return importSlots(sgd.parameters, state.StateData, map[string]map[*tensor.Tensor]*tensor.Tensor{"momentum": sgd.velocities})
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor]*tensor.Tensor // First moment estimates
	v           map[*tensor.Tensor]*tensor.Tensor // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor]*tensor.Tensor),
		v:           make(map[*tensor.Tensor]*tensor.Tensor),
	}

	for _, param := range parameters {
		if param.RequiresGrad() {
			m, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
			v, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
			adam.m[param] = m
			adam.v[param] = v
		}
	}

	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		p, g, err := gradData(param)
		if err != nil {
			return fmt.Errorf("adam step: %v", err)
		}

		m, v := adam.m[param], adam.v[param]
		if m == nil || v == nil {
			if m, err = tensor.Zeros(param.Shape, param.DType, param.Device); err != nil {
				return fmt.Errorf("first moment initialization failed: %v", err)
			}
			if v, err = tensor.Zeros(param.Shape, param.DType, param.Device); err != nil {
				return fmt.Errorf("second moment initialization failed: %v", err)
			}
			adam.m[param] = m
			adam.v[param] = v
		}
		md, vd := m.Data.([]float32), v.Data.([]float32)

		for i := range p {
			grad := float64(g[i])
			if adam.weightDecay > 0 {
				grad += adam.weightDecay * float64(p[i])
			}
			mi := adam.beta1*float64(md[i]) + (1-adam.beta1)*grad
			vi := adam.beta2*float64(vd[i]) + (1-adam.beta2)*grad*grad
			md[i], vd[i] = float32(mi), float32(vi)

			mHat := mi / bias1
			vHat := vi / bias2
			p[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

func (adam *Adam) ToDevice(device tensor.Device) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	if err := moveState(adam.m, device); err != nil {
		return err
	}
	return moveState(adam.v, device)
}

func (adam *Adam) State() *checkpoints.OptimizerState {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return &checkpoints.OptimizerState{
		Type:         "Adam",
		LearningRate: adam.lr,
		Step:         adam.step,
		StateData:    exportSlots(adam.parameters, map[string]map[*tensor.Tensor]*tensor.Tensor{"m": adam.m, "v": adam.v}),
	}
}

func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != "Adam" {
		return fmt.Errorf("cannot load %s state into Adam", state.Type)
	}
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = state.LearningRate
	adam.step = state.Step
	return importSlots(adam.parameters, state.StateData, map[string]map[*tensor.Tensor]*tensor.Tensor{"m": adam.m, "v": adam.v})
}

func moveState(slots map[*tensor.Tensor]*tensor.Tensor, device tensor.Device) error {
	for param, st := range slots {
		moved, err := st.ToDevice(device)
		if err != nil {
			return fmt.Errorf("move optimizer state to %s: %v", device, err)
		}
		slots[param] = moved
	}
	return nil
}

// exportSlots flattens per-parameter state. Entries are named by parameter
// position so they survive a rebuilt network.
func exportSlots(params []*tensor.Tensor, slots map[string]map[*tensor.Tensor]*tensor.Tensor) []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for _, kind := range sortedSlotNames(slots) {
		for i, p := range params {
			st := slots[kind][p]
			if st == nil {
				continue
			}
			out = append(out, checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("param.%d", i),
				Shape:     append([]int(nil), st.Shape...),
				Data:      append([]float32(nil), st.Data.([]float32)...),
				StateType: kind,
			})
		}
	}
	return out
}

func importSlots(params []*tensor.Tensor, data []checkpoints.OptimizerTensor, slots map[string]map[*tensor.Tensor]*tensor.Tensor) error {
	for _, ot := range data {
		slot, ok := slots[ot.StateType]
		if !ok {
			return fmt.Errorf("unknown optimizer state %q", ot.StateType)
		}
		var idx int
		if _, err := fmt.Sscanf(ot.Name, "param.%d", &idx); err != nil || idx < 0 || idx >= len(params) {
			return fmt.Errorf("optimizer state %s does not name a parameter", ot.Name)
		}
		p := params[idx]
		st, err := tensor.NewTensor(ot.Shape, tensor.Float32, p.Device, append([]float32(nil), ot.Data...))
		if err != nil {
			return fmt.Errorf("optimizer state %s: %v", ot.Name, err)
		}
		if st.NumElems != p.NumElems {
			return fmt.Errorf("optimizer state %s has %d elements, parameter has %d", ot.Name, st.NumElems, p.NumElems)
		}
		slot[p] = st
	}
	return nil
}

func sortedSlotNames(slots map[string]map[*tensor.Tensor]*tensor.Tensor) []string {
	return slices.Sorted(maps.Keys(slots))
}
