// Package tensor provides a minimal dense row-major matrix with the
// handful of operations the PINN model needs: matmul, broadcast-add,
// tanh, reductions, and Adam/SGD parameter updates.
package tensor

import "math"

// Tensor is a dense row-major matrix.
type Tensor struct {
	Rows, Cols int
	Data       []float64
}

// New allocates a Rows x Cols tensor filled with fill.
func New(rows, cols int, fill float64) *Tensor {
	data := make([]float64, rows*cols)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// At returns the value at (r, c).
func (t *Tensor) At(r, c int) float64 { return t.Data[r*t.Cols+c] }

// Set assigns the value at (r, c).
func (t *Tensor) Set(r, c int, v float64) { t.Data[r*t.Cols+c] = v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Rows: t.Rows, Cols: t.Cols, Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Zero resets every entry to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// MatMul computes C = A x B.
func MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic("tensor: matmul dimension mismatch")
	}
	c := New(a.Rows, b.Cols, 0)
	for i := 0; i < a.Rows; i++ {
		for k := 0; k < a.Cols; k++ {
			aik := a.At(i, k)
			if aik == 0 {
				continue
			}
			for j := 0; j < b.Cols; j++ {
				c.Data[i*c.Cols+j] += aik * b.At(k, j)
			}
		}
	}
	return c
}

// AddBias broadcasts a 1xCols bias row across every row of t.
func (t *Tensor) AddBias(bias *Tensor) *Tensor {
	if bias.Rows != 1 || bias.Cols != t.Cols {
		panic("tensor: bias shape mismatch")
	}
	out := New(t.Rows, t.Cols, 0)
	for i := 0; i < t.Rows; i++ {
		for j := 0; j < t.Cols; j++ {
			out.Set(i, j, t.At(i, j)+bias.At(0, j))
		}
	}
	return out
}

// Add returns the element-wise sum t+rhs.
func (t *Tensor) Add(rhs *Tensor) *Tensor {
	out := New(t.Rows, t.Cols, 0)
	for i := range t.Data {
		out.Data[i] = t.Data[i] + rhs.Data[i]
	}
	return out
}

// Sub returns the element-wise difference t-rhs.
func (t *Tensor) Sub(rhs *Tensor) *Tensor {
	out := New(t.Rows, t.Cols, 0)
	for i := range t.Data {
		out.Data[i] = t.Data[i] - rhs.Data[i]
	}
	return out
}

// MulElem returns the element-wise (Hadamard) product.
func (t *Tensor) MulElem(rhs *Tensor) *Tensor {
	out := New(t.Rows, t.Cols, 0)
	for i := range t.Data {
		out.Data[i] = t.Data[i] * rhs.Data[i]
	}
	return out
}

// Scale returns t scaled by a constant.
func (t *Tensor) Scale(s float64) *Tensor {
	out := New(t.Rows, t.Cols, 0)
	for i := range t.Data {
		out.Data[i] = t.Data[i] * s
	}
	return out
}

// Tanh applies tanh element-wise.
func (t *Tensor) Tanh() *Tensor {
	out := New(t.Rows, t.Cols, 0)
	for i, v := range t.Data {
		out.Data[i] = math.Tanh(v)
	}
	return out
}

// TanhGrad returns d(tanh)/dx evaluated at the already-activated values
// held in t (i.e. t must hold tanh(x), not x): 1 - tanh(x)^2.
func (t *Tensor) TanhGrad() *Tensor {
	out := New(t.Rows, t.Cols, 0)
	for i, v := range t.Data {
		out.Data[i] = 1 - v*v
	}
	return out
}

// Sum returns the sum of all entries.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += v
	}
	return s
}

// randSource is the minimal interface Xavier init needs, matching both
// *math/rand.Rand and any caller-supplied deterministic generator.
type randSource interface {
	Float64() float64
}

// XavierInit fills t in place with uniform values in
// [-scale, scale], scale = sqrt(6 / (fanIn + fanOut)).
func (t *Tensor) XavierInit(fanIn, fanOut int, rng randSource) {
	scale := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = (2*rng.Float64() - 1) * scale
	}
}

// AdamState holds the first and second moment estimates for one tensor.
type AdamState struct {
	M, V *Tensor
	T    int
}

// NewAdamState allocates zeroed moment tensors shaped like the parameter.
func NewAdamState(rows, cols int) *AdamState {
	return &AdamState{M: New(rows, cols, 0), V: New(rows, cols, 0)}
}

// AdamUpdate applies one bias-corrected Adam step to t in place using grad.
func (t *Tensor) AdamUpdate(grad *Tensor, state *AdamState, lr, beta1, beta2, eps float64) {
	state.T++
	biasCorr1 := 1 - math.Pow(beta1, float64(state.T))
	biasCorr2 := 1 - math.Pow(beta2, float64(state.T))
	for i := range t.Data {
		g := grad.Data[i]
		state.M.Data[i] = beta1*state.M.Data[i] + (1-beta1)*g
		state.V.Data[i] = beta2*state.V.Data[i] + (1-beta2)*g*g
		mHat := state.M.Data[i] / biasCorr1
		vHat := state.V.Data[i] / biasCorr2
		t.Data[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
	}
}

// SGDUpdate applies param -= lr*grad in place.
func (t *Tensor) SGDUpdate(grad *Tensor, lr float64) {
	for i := range t.Data {
		t.Data[i] -= lr * grad.Data[i]
	}
}
