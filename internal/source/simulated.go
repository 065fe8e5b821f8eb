package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/taniwha3/trackwatch/internal/models"
)

// SimulatedSource draws each metric uniformly from its [min, max] range
type SimulatedSource struct {
	mu         sync.Mutex
	rng        *rand.Rand
	thresholds models.Thresholds
	now        func() time.Time
}

// NewSimulated creates a simulated source. A seed of 0 seeds from the clock.
func NewSimulated(th models.Thresholds, seed int64) *SimulatedSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return NewSimulatedWithRand(th, rand.New(rand.NewSource(seed)))
}

// NewSimulatedWithRand creates a simulated source drawing from rng
func NewSimulatedWithRand(th models.Thresholds, rng *rand.Rand) *SimulatedSource {
	return &SimulatedSource{
		rng:        rng,
		thresholds: th.Copy(),
		now:        time.Now,
	}
}

// Name returns the source name
func (s *SimulatedSource) Name() string {
	return "simulated"
}

// Next returns a fresh reading. It never blocks.
func (s *SimulatedSource) Next(ctx context.Context) (*models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	values := make(map[models.MetricKind]float64, len(models.AllKinds))
	for _, k := range models.AllKinds {
		spec := s.thresholds[k]
		values[k] = spec.Min + s.rng.Float64()*(spec.Max-spec.Min)
	}
	ts := s.now()
	s.mu.Unlock()

	return models.NewReading(ts, values)
}

// Close is a no-op
func (s *SimulatedSource) Close() error {
	return nil
}
