package billing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureCollector struct {
	mu     sync.Mutex
	events []float64
}

func (c *captureCollector) CreateEgressEvents(ctx context.Context, gigabytes float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, gigabytes)
	return nil
}

func TestAccumulatorFlush(t *testing.T) {
	sink := &captureCollector{}
	a := NewAccumulator(sink)

	a.Add(1 << 29) // half a GB
	a.Add(1 << 29)
	assert.EqualValues(t, 1<<30, a.Bytes())

	require.NoError(t, a.Flush(context.Background()))
	require.Len(t, sink.events, 1)
	assert.InDelta(t, 1.0, sink.events[0], 1e-9)
	assert.Zero(t, a.Bytes(), "flush resets the counter")

	// Nothing accumulated, nothing reported.
	require.NoError(t, a.Flush(context.Background()))
	assert.Len(t, sink.events, 1)
}

func TestAccumulatorConcurrentAdd(t *testing.T) {
	sink := &captureCollector{}
	a := NewAccumulator(sink)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Add(10)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 500, a.Bytes())
}

func TestAccumulatorNilCollector(t *testing.T) {
	a := NewAccumulator(nil)
	a.Add(100)
	assert.Zero(t, a.Bytes())
	assert.NoError(t, a.Flush(context.Background()))

	var missing *Accumulator
	missing.Add(1)
	assert.NoError(t, missing.Flush(context.Background()))
}

func TestAccumulatorIgnoresNonPositive(t *testing.T) {
	a := NewAccumulator(&captureCollector{})
	a.Add(-5)
	a.Add(0)
	assert.Zero(t, a.Bytes())
}

func TestLogCollector(t *testing.T) {
	c := &LogCollector{}
	assert.NoError(t, c.CreateEgressEvents(context.Background(), 0.25))
}
