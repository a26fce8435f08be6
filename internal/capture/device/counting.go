package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

// Counting wraps a backend and tracks how many streams were acquired and
// how many are still open.
type Counting struct {
	inner    core.Devices
	acquired atomic.Int64
	active   atomic.Int64
}

// NewCounting wraps inner.
func NewCounting(inner core.Devices) *Counting {
	return &Counting{inner: inner}
}

// GetUserMedia implements core.Devices.
func (c *Counting) GetUserMedia(ctx context.Context, constraints core.Constraints) (core.Stream, error) {
	s, err := c.inner.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, err
	}
	c.acquired.Add(1)
	c.active.Add(1)
	return &countedStream{Stream: s, owner: c}, nil
}

// Acquired returns the number of successful GetUserMedia calls.
func (c *Counting) Acquired() int { return int(c.acquired.Load()) }

// Active returns the number of acquired streams not yet stopped.
func (c *Counting) Active() int { return int(c.active.Load()) }

type countedStream struct {
	core.Stream
	owner *Counting
	once  sync.Once
}

func (s *countedStream) Stop() error {
	err := s.Stream.Stop()
	s.once.Do(func() { s.owner.active.Add(-1) })
	return err
}
