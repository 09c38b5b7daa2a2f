package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestControllerNilIsUnlimited(t *testing.T) {
	ctx := context.Background()
	var c *Controller

	require.NoError(t, c.AcquireMemory(ctx, 1<<30))
	c.ReleaseMemory(1 << 30)
	require.NoError(t, c.AcquireZoneWorker(ctx))
	c.ReleaseZoneWorker()
	require.NoError(t, c.AcquireIO(ctx, 1<<20))
	require.Zero(t, c.MemoryUsage())
}

func TestControllerMemoryTracking(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{})

	require.NoError(t, c.AcquireMemory(ctx, 100))
	require.Equal(t, int64(100), c.MemoryUsage())
	c.ReleaseMemory(100)
	require.Zero(t, c.MemoryUsage())
}

func TestControllerMemoryLimitBlocks(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	ctx := context.Background()
	require.NoError(t, c.AcquireMemory(ctx, 80))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.AcquireMemory(ctx, 50)
	require.Error(t, err)

	c.ReleaseMemory(80)
	require.NoError(t, c.AcquireMemory(context.Background(), 50))
}

func TestControllerZoneWorkerLimit(t *testing.T) {
	c := NewController(Config{MaxZoneWorkers: 1})

	require.NoError(t, c.AcquireZoneWorker(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, c.AcquireZoneWorker(ctx))

	c.ReleaseZoneWorker()
	require.NoError(t, c.AcquireZoneWorker(context.Background()))
}

func TestControllerIOChunksLargeRequests(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	// Larger than the burst; must be split rather than rejected.
	require.NoError(t, c.AcquireIO(context.Background(), (1<<20)+512))
}
