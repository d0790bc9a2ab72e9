// Package pinn implements the physics-informed neural network described
// in spec §4.5: a small tanh MLP that predicts normalized shard load and
// is trained against both observed telemetry and a Burgers'-equation PDE
// residual, grounded on
// original_source/ai_kv_store/include/ml/pinn_model.h.
package pinn

import (
	"math/rand"
	"sync/atomic"

	"github.com/kvstorm/kvstorm/internal/tensor"
)

// Config controls network topology and training hyperparameters.
type Config struct {
	HiddenLayers int // >= 4
	HiddenWidth  int // >= 64
	Viscosity    float64
	LearningRate float64
	LambdaPDE    float64
	FDEpsilon    float64
	NumShards    int
}

// DefaultConfig returns the parameter values named in spec §4.5.
func DefaultConfig(numShards int) Config {
	return Config{
		HiddenLayers: 4,
		HiddenWidth:  64,
		Viscosity:    0.01,
		LearningRate: 1e-3,
		LambdaPDE:    1.0,
		FDEpsilon:    1e-4,
		NumShards:    numShards,
	}
}

// Layer is one dense layer: Y = activation(X*Weights + Bias).
type Layer struct {
	Weights, Bias *tensor.Tensor
	Activation    bool // true = tanh, false = linear
	WAdam, BAdam  *tensor.AdamState
}

func (l Layer) forward(x *tensor.Tensor) *tensor.Tensor {
	z := tensor.MatMul(x, l.Weights).AddBias(l.Bias)
	if l.Activation {
		return z.Tanh()
	}
	return z
}

func (l Layer) clone() Layer {
	return Layer{
		Weights:    l.Weights.Clone(),
		Bias:       l.Bias.Clone(),
		Activation: l.Activation,
		WAdam:      l.WAdam,
		BAdam:      l.BAdam,
	}
}

// Model is a fixed-topology PINN with double-buffered parameters:
// Predict/Forward read the active layer set via an atomic load, so a
// concurrent TrainStep never exposes a partially updated layer.
type Model struct {
	active atomic.Pointer[[]Layer]
	cfg    Config
}

// NewModel builds cfg.HiddenLayers+1 dense layers: 2->W tanh, (H-1) many
// W->W tanh layers, and one W->1 linear output layer, each Xavier-
// initialized with the fan-in/fan-out of that specific layer.
func NewModel(cfg Config, rng *rand.Rand) *Model {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	w := cfg.HiddenWidth
	var layers []Layer

	newLayer := func(in, out int, activation bool) Layer {
		weights := tensor.New(in, out, 0)
		weights.XavierInit(in, out, rng)
		return Layer{
			Weights:    weights,
			Bias:       tensor.New(1, out, 0),
			Activation: activation,
			WAdam:      tensor.NewAdamState(in, out),
			BAdam:      tensor.NewAdamState(1, out),
		}
	}

	layers = append(layers, newLayer(2, w, true))
	for i := 1; i < cfg.HiddenLayers; i++ {
		layers = append(layers, newLayer(w, w, true))
	}
	layers = append(layers, newLayer(w, 1, false))

	m := &Model{cfg: cfg}
	m.active.Store(&layers)
	return m
}

func (m *Model) layers() []Layer {
	return *m.active.Load()
}

// Forward runs batch (rows of [x, t]) through every layer.
func (m *Model) Forward(batch *tensor.Tensor) *tensor.Tensor {
	h := batch
	for _, l := range m.layers() {
		h = l.forward(h)
	}
	return h
}

// Predict returns the scalar prediction û(x, t).
func (m *Model) Predict(x, t float64) float64 {
	in := tensor.New(1, 2, 0)
	in.Set(0, 0, x)
	in.Set(0, 1, t)
	out := m.Forward(in)
	return out.At(0, 0)
}

// snapshot returns a copy of the active layer slice with cloned weights
// and biases, worked on by TrainStep so concurrent readers never see
// partial updates. The Adam states are shared with the active layers, not
// cloned; Predict and Forward do not read them.
func (m *Model) snapshot() []Layer {
	src := m.layers()
	out := make([]Layer, len(src))
	for i, l := range src {
		out[i] = l.clone()
	}
	return out
}

func (m *Model) publish(layers []Layer) {
	m.active.Store(&layers)
}

func forwardWith(layers []Layer, x, t float64) float64 {
	in := tensor.New(1, 2, 0)
	in.Set(0, 0, x)
	in.Set(0, 1, t)
	h := in
	for _, l := range layers {
		h = l.forward(h)
	}
	return h.At(0, 0)
}
