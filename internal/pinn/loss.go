package pinn

// Sample is one observed data-fidelity point: predicted load at
// normalized position x and time t should match the observed load u.
type Sample struct {
	X, T, U float64
}

// Point is a collocation point at which the PDE residual is evaluated,
// with no observed target.
type Point struct {
	X, T float64
}

// LossComponents breaks down the weighted total loss of spec §4.5.
type LossComponents struct {
	DataLoss float64
	PDELoss  float64
	Total    float64
}

// Loss computes L = mean((pred-u)^2) + lambdaPDE * mean(residual^2).
func (m *Model) Loss(batch []Sample, collocation []Point) LossComponents {
	return lossWith(m.layers(), m.cfg, batch, collocation)
}

func lossWith(layers []Layer, cfg Config, batch []Sample, collocation []Point) LossComponents {
	var lc LossComponents
	if len(batch) > 0 {
		var sumSq float64
		for _, s := range batch {
			pred := forwardWith(layers, s.X, s.T)
			diff := pred - s.U
			sumSq += diff * diff
		}
		lc.DataLoss = sumSq / float64(len(batch))
	}
	if len(collocation) > 0 {
		var sumSq float64
		for _, p := range collocation {
			_, _, _, _, f := residualWith(layers, cfg, p.X, p.T)
			sumSq += f * f
		}
		lc.PDELoss = sumSq / float64(len(collocation))
	}
	lc.Total = lc.DataLoss + cfg.LambdaPDE*lc.PDELoss
	return lc
}
