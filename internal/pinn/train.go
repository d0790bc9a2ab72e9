package pinn

import "github.com/kvstorm/kvstorm/internal/tensor"

// perturbEpsilon is the parameter-perturbation step used to estimate
// gradients, distinct from cfg.FDEpsilon which steps the PDE derivatives
// themselves (mirrors pinn_model.h's TrainStep using a fixed 1e-4
// independent of the configurable finite-difference epsilon).
const perturbEpsilon = 1e-4

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// TrainStep runs one training step against batch and collocation, using
// the two-sided parameter-perturbation gradient estimator named in spec
// §4.5 (grounded on pinn_model.h's TrainStep), followed by one Adam
// update per parameter tensor. It works on a private clone of the layer
// set and swaps it into the active pointer with a single Store once every
// update has landed, so concurrent Predict/Forward calls never observe a
// partially updated layer.
func (m *Model) TrainStep(batch []Sample, collocation []Point) LossComponents {
	layers := m.snapshot()
	baseLoss := lossWith(layers, m.cfg, batch, collocation)
	lr := m.cfg.LearningRate

	lossAt := func() float64 {
		return lossWith(layers, m.cfg, batch, collocation).Total
	}

	for i := range layers {
		perturbAndUpdate(layers[i].Weights, layers[i].WAdam, lr, lossAt)
		perturbAndUpdate(layers[i].Bias, layers[i].BAdam, lr, lossAt)
	}

	m.publish(layers)
	return baseLoss
}

// perturbAndUpdate estimates the gradient of param via two-sided
// perturbation (loss(param+eps) - loss(param-eps)) / 2eps for every
// element, then applies one Adam step using that gradient.
func perturbAndUpdate(param *tensor.Tensor, adam *tensor.AdamState, lr float64, lossAt func() float64) {
	grad := tensor.New(param.Rows, param.Cols, 0)
	for i := range param.Data {
		original := param.Data[i]

		param.Data[i] = original + perturbEpsilon
		lossPlus := lossAt()

		param.Data[i] = original - perturbEpsilon
		lossMinus := lossAt()

		param.Data[i] = original
		grad.Data[i] = (lossPlus - lossMinus) / (2 * perturbEpsilon)
	}
	param.AdamUpdate(grad, adam, lr, adamBeta1, adamBeta2, adamEps)
}
