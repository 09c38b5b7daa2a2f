// Package resource provides global resource limits for background index
// maintenance: concurrent zone workers, managed memory, and IO throughput.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for managed index memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxZoneWorkers is the maximum number of zone save or restore
	// operations running concurrently. If 0, defaults to 1.
	MaxZoneWorkers int64

	// IOLimitBytesPerSec is the maximum IO throughput for save and
	// restore streams. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages global resources shared by save, restore and index
// construction. A nil Controller imposes no limits.
type Controller struct {
	cfg Config

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// Concurrency
	zoneSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxZoneWorkers <= 0 {
		cfg.MaxZoneWorkers = 1
	}

	c := &Controller{
		cfg:     cfg,
		zoneSem: semaphore.NewWeighted(cfg.MaxZoneWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve memory. If a hard limit is configured
// and usage would exceed it, this blocks until memory is available or ctx
// is canceled.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current tracked memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireZoneWorker reserves a zone worker slot, blocking while all slots
// are busy.
func (c *Controller) AcquireZoneWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.zoneSem.Acquire(ctx, 1)
}

// ReleaseZoneWorker releases a zone worker slot.
func (c *Controller) ReleaseZoneWorker() {
	if c == nil {
		return
	}
	c.zoneSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil || bytes <= 0 {
		return nil
	}
	// WaitN cannot exceed the limiter burst; chunk large requests.
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if n > burst {
			n = burst
		}
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
