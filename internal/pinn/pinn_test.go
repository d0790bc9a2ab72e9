package pinn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	return Config{
		HiddenLayers: 4,
		HiddenWidth:  8,
		Viscosity:    0.01,
		LearningRate: 0.05,
		LambdaPDE:    0.1,
		FDEpsilon:    1e-3,
		NumShards:    4,
	}
}

func TestTrainStepDecreasesLossOnFixedBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := NewModel(smallConfig(), rng)

	batch := []Sample{
		{X: 0.1, T: 0.1, U: 0.5},
		{X: 0.3, T: 0.2, U: 0.2},
		{X: 0.6, T: 0.4, U: 0.8},
	}
	collocation := []Point{
		{X: 0.2, T: 0.1},
		{X: 0.5, T: 0.3},
	}

	first := m.Loss(batch, collocation).Total
	for i := 0; i < 40; i++ {
		m.TrainStep(batch, collocation)
	}
	last := m.Loss(batch, collocation).Total
	require.Less(t, last, first, "loss must decrease after training on a fixed batch")
}

func TestPredictIsDeterministicBetweenTrainSteps(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := NewModel(smallConfig(), rng)
	a := m.Predict(0.2, 0.3)
	b := m.Predict(0.2, 0.3)
	require.Equal(t, a, b)
}

func TestResidualMatchesBurgersFormula(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	cfg := smallConfig()
	m := NewModel(cfg, rng)

	u, ut, ux, uxx, f := m.Residual(0.4, 0.4)
	want := ut + u*ux - cfg.Viscosity*uxx
	require.InDelta(t, want, f, 1e-9)
}

func TestNewModelLayerShapes(t *testing.T) {
	cfg := smallConfig()
	m := NewModel(cfg, rand.New(rand.NewSource(1)))
	layers := m.layers()
	require.Len(t, layers, cfg.HiddenLayers+1)

	require.Equal(t, 2, layers[0].Weights.Rows)
	require.Equal(t, cfg.HiddenWidth, layers[0].Weights.Cols)
	require.True(t, layers[0].Activation)

	last := layers[len(layers)-1]
	require.Equal(t, cfg.HiddenWidth, last.Weights.Rows)
	require.Equal(t, 1, last.Weights.Cols)
	require.False(t, last.Activation)
}
