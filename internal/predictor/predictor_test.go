package predictor

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvstorm/kvstorm/internal/pinn"
)

func TestRingBufferOverwritesOldestOnceFull(t *testing.T) {
	r := newRingBuffer(4)
	for i := 0; i < 6; i++ {
		r.push(Sample{Shard: i})
	}
	got := r.recent(4)
	require.Len(t, got, 4)
	require.Equal(t, 2, got[0].Shard)
	require.Equal(t, 5, got[3].Shard)
}

func TestRecordTelemetryStampsClockValue(t *testing.T) {
	clock := NewManualClock()
	clock.Set(3.5)
	model := pinn.NewModel(pinn.DefaultConfig(4), rand.New(rand.NewSource(1)))
	s := NewSharder(model, clock, 4, Config{})
	s.RecordTelemetry(0, 0.5, 0.9, 2*time.Millisecond)
	got := s.buf.recent(1)
	require.Len(t, got, 1)
	require.Equal(t, 3.5, got[0].T)
}

func TestTrainOnceSkipsBelowMinSamples(t *testing.T) {
	clock := NewManualClock()
	model := pinn.NewModel(pinn.DefaultConfig(4), rand.New(rand.NewSource(1)))
	s := NewSharder(model, clock, 4, Config{MinSamplesToTrain: 8})
	for i := 0; i < 3; i++ {
		s.RecordTelemetry(0, 0.5, 0.9, time.Millisecond)
	}
	before := model.Predict(0, 0)
	s.TrainOnce()
	after := model.Predict(0, 0)
	require.Equal(t, before, after, "training must not run before MinSamplesToTrain samples exist")
	require.Equal(t, 0.0, s.LastLoss(), "LastLoss must stay zero until a training step actually runs")
}

func TestLastLossUpdatesAfterTraining(t *testing.T) {
	clock := NewManualClock()
	model := pinn.NewModel(pinn.DefaultConfig(4), rand.New(rand.NewSource(1)))
	s := NewSharder(model, clock, 4, Config{MinSamplesToTrain: 4})
	for i := 0; i < 4; i++ {
		s.RecordTelemetry(i%4, 0.5, 0.9, time.Millisecond)
	}
	s.TrainOnce()
	require.Greater(t, s.LastLoss(), 0.0, "LastLoss must reflect the most recent training step's total loss")
}

// TestHotspotShardForecastsHighest drives most telemetry to one shard and
// checks that, after training, the predictor forecasts that shard as the
// hottest and recommends migrating off it (spec §8 S6).
func TestHotspotShardForecastsHighest(t *testing.T) {
	const numShards = 8
	const hotspot = 4

	clock := NewManualClock()
	cfg := pinn.Config{
		HiddenLayers: 4,
		HiddenWidth:  16,
		Viscosity:    0.01,
		LearningRate: 0.05,
		LambdaPDE:    0, // isolate the data-fidelity fit for a deterministic separation
		FDEpsilon:    1e-3,
		NumShards:    numShards,
	}
	model := pinn.NewModel(cfg, rand.New(rand.NewSource(42)))
	s := NewSharder(model, clock, numShards, Config{MinSamplesToTrain: 8, BatchSize: 64})

	for round := 0; round < 60; round++ {
		clock.Advance(0.5)
		for i := 0; i < 10; i++ {
			shard := hotspot
			load := 0.95
			if i >= 9 { // 90% of samples land on the hotspot
				shard = i % numShards
				load = 0.05
			}
			s.RecordTelemetry(shard, load, 0.5, time.Millisecond)
		}
		s.TrainOnce()
	}

	hotForecast := s.PredictShardLoad(hotspot, 1)
	for shard := 0; shard < numShards; shard++ {
		if shard == hotspot {
			continue
		}
		require.Greater(t, hotForecast, s.PredictShardLoad(shard, 1),
			"hotspot shard %d must forecast higher load than shard %d", hotspot, shard)
	}

	recs := s.MigrationRecommendations(0.7)
	found := false
	for _, r := range recs {
		if r.From == hotspot {
			found = true
		}
	}
	require.True(t, found, "migration recommendations must include an entry moving load off the hotspot shard")
}
