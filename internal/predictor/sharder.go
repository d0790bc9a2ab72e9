package predictor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvstorm/kvstorm/internal/pinn"
)

// Sample is one telemetry observation recorded against a shard.
type Sample struct {
	Shard   int
	Load    float64
	HitRate float64
	Latency time.Duration
	T       float64 // clock.Now() at record time
}

// kTrainBatchSize is the maximum number of most-recent samples drawn per
// training step, named directly in spec §4.5.
const kTrainBatchSize = 256

const ringCapacity = 1024

// ringBuffer is a fixed-capacity circular buffer of Samples: once full,
// the oldest sample is overwritten. No teacher file implements this exact
// shape; it follows the standard head/len circular-buffer idiom.
type ringBuffer struct {
	buf  []Sample
	head int // index of the oldest sample
	n    int // number of valid samples, <= len(buf)
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]Sample, capacity)}
}

func (r *ringBuffer) push(s Sample) {
	idx := (r.head + r.n) % len(r.buf)
	r.buf[idx] = s
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// recent returns up to n of the most recently pushed samples, oldest
// first.
func (r *ringBuffer) recent(n int) []Sample {
	if n > r.n {
		n = r.n
	}
	out := make([]Sample, n)
	start := (r.head + r.n - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Config controls the background trainer's cadence and batch shape.
type Config struct {
	TrainInterval     time.Duration // >= 1s
	MinSamplesToTrain int           // default 8
	BatchSize         int           // default kTrainBatchSize
}

func (c *Config) setDefaults() {
	if c.TrainInterval == 0 {
		c.TrainInterval = 5 * time.Second
	}
	if c.MinSamplesToTrain == 0 {
		c.MinSamplesToTrain = 8
	}
	if c.BatchSize == 0 {
		c.BatchSize = kTrainBatchSize
	}
}

// Sharder holds telemetry and the PINN model it trains, spawning a single
// background worker that trains once per Config.TrainInterval once enough
// samples have accumulated.
type Sharder struct {
	mu        sync.Mutex
	buf       *ringBuffer
	model     *pinn.Model
	clock     Clock
	cfg       Config
	numShards int

	lastLoss atomic.Value // float64

	wg sync.WaitGroup
}

// NewSharder builds a Sharder over numShards shards, training the given
// PINN model on samples stamped by clock.
func NewSharder(model *pinn.Model, clock Clock, numShards int, cfg Config) *Sharder {
	cfg.setDefaults()
	return &Sharder{
		buf:       newRingBuffer(ringCapacity),
		model:     model,
		clock:     clock,
		cfg:       cfg,
		numShards: numShards,
	}
}

// RecordTelemetry appends a sample stamped with the current clock value.
func (s *Sharder) RecordTelemetry(shard int, load, hitRate float64, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.push(Sample{Shard: shard, Load: load, HitRate: hitRate, Latency: latency, T: s.clock.Now()})
}

// Run starts the background trainer goroutine and blocks until ctx is
// cancelled.
func (s *Sharder) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trainOnce()
		}
	}
}

// Wait blocks until the background trainer goroutine started by Run has
// exited.
func (s *Sharder) Wait() { s.wg.Wait() }

func (s *Sharder) trainOnce() {
	s.mu.Lock()
	if s.buf.n < s.cfg.MinSamplesToTrain {
		s.mu.Unlock()
		return
	}
	samples := s.buf.recent(s.cfg.BatchSize)
	s.mu.Unlock()

	batch := make([]pinn.Sample, len(samples))
	collocation := make([]pinn.Point, len(samples))
	for i, sample := range samples {
		x := float64(sample.Shard) / float64(s.numShards)
		batch[i] = pinn.Sample{X: x, T: sample.T, U: sample.Load}
		collocation[i] = pinn.Point{X: x, T: sample.T}
	}
	loss := s.model.TrainStep(batch, collocation)
	s.lastLoss.Store(loss.Total)
}

// LastLoss reports the Total loss from the most recent training step, or
// 0 if no training has run yet.
func (s *Sharder) LastLoss() float64 {
	v, ok := s.lastLoss.Load().(float64)
	if !ok {
		return 0
	}
	return v
}

// TrainOnce runs a single synchronous training step if enough samples
// have accumulated, exposed for tests that want deterministic control
// over training cadence instead of waiting on the background ticker.
func (s *Sharder) TrainOnce() {
	s.trainOnce()
}

// PredictLoads returns a forecast vector of length numShards for
// clock.Now() + tOffset.
func (s *Sharder) PredictLoads(tOffset float64) []float64 {
	now := s.clock.Now()
	out := make([]float64, s.numShards)
	for shard := 0; shard < s.numShards; shard++ {
		x := float64(shard) / float64(s.numShards)
		out[shard] = s.model.Predict(x, now+tOffset)
	}
	return out
}

// PredictShardLoad returns the forecast load for one shard.
func (s *Sharder) PredictShardLoad(shard int, tOffset float64) float64 {
	now := s.clock.Now()
	x := float64(shard) / float64(s.numShards)
	return s.model.Predict(x, now+tOffset)
}
