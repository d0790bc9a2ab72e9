package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatMulAddBias(t *testing.T) {
	a := &Tensor{Rows: 2, Cols: 2, Data: []float64{1, 2, 3, 4}}
	b := &Tensor{Rows: 2, Cols: 2, Data: []float64{1, 0, 0, 1}}
	c := MatMul(a, b)
	require.Equal(t, []float64{1, 2, 3, 4}, c.Data)

	bias := &Tensor{Rows: 1, Cols: 2, Data: []float64{10, 20}}
	out := c.AddBias(bias)
	require.Equal(t, []float64{11, 22, 13, 24}, out.Data)
}

func TestTanhGradShape(t *testing.T) {
	x := New(1, 3, 0)
	x.Data = []float64{0, 1, -1}
	activated := x.Tanh()
	grad := activated.TanhGrad()
	for i, v := range activated.Data {
		want := 1 - v*v
		require.InDelta(t, want, grad.Data[i], 1e-12)
	}
}

func TestAdamUpdateDecreasesLoss(t *testing.T) {
	w := New(1, 1, 2.0)
	state := NewAdamState(1, 1)
	target := 0.0
	for i := 0; i < 200; i++ {
		grad := New(1, 1, 2*(w.Data[0]-target))
		w.AdamUpdate(grad, state, 0.05, 0.9, 0.999, 1e-8)
	}
	require.InDelta(t, target, w.Data[0], 0.05)
}

func TestXavierInitBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w := New(4, 8, 0)
	w.XavierInit(4, 8, rng)
	scale := 1.0 // loose bound; the Xavier scale for 4x8, sqrt(6/12), lies below it
	_ = scale
	for _, v := range w.Data {
		if v < -1 || v > 1 {
			t.Fatalf("xavier init out of sane bound: %v", v)
		}
	}
}
