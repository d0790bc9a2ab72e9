package pinn

// Residual computes Burgers'-equation terms at (x, t) via central finite
// differences with step cfg.FDEpsilon, per spec §4.5:
// f = u_t + u*u_x - viscosity*u_xx.
func (m *Model) Residual(x, t float64) (u, ut, ux, uxx, f float64) {
	return residualWith(m.layers(), m.cfg, x, t)
}

func residualWith(layers []Layer, cfg Config, x, t float64) (u, ut, ux, uxx, f float64) {
	eps := cfg.FDEpsilon

	u = forwardWith(layers, x, t)

	uTPlus := forwardWith(layers, x, t+eps)
	uTMinus := forwardWith(layers, x, t-eps)
	ut = (uTPlus - uTMinus) / (2 * eps)

	uXPlus := forwardWith(layers, x+eps, t)
	uXMinus := forwardWith(layers, x-eps, t)
	ux = (uXPlus - uXMinus) / (2 * eps)

	uxx = (uXPlus - 2*u + uXMinus) / (eps * eps)

	f = ut + u*ux - cfg.Viscosity*uxx
	return u, ut, ux, uxx, f
}
