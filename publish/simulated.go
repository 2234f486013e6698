package publish

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quillhq/quill/cfg"
)

func init() {
	Register("simulated", func(config cfg.PublisherConfiguration) (Publisher, error) {
		return NewSimulatedPublisher(
			time.Duration(config.SimulatedDelayMS)*time.Millisecond,
			config.SimulatedFailRate,
		), nil
	})
}

// SimulatedPublisher stands in for the real external service: every publish
// blocks for a fixed delay and fails at a configurable rate. Useful for
// local development and load testing of the reconciler.
type SimulatedPublisher struct {
	delay    time.Duration
	failRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedPublisher(delay time.Duration, failRate float64) *SimulatedPublisher {
	return &SimulatedPublisher{
		delay:    delay,
		failRate: failRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedPublisher) Publish(ctx context.Context, rec Record) (Result, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if s.failRate > 0 {
		s.mu.Lock()
		roll := s.rng.Float64()
		s.mu.Unlock()
		if roll < s.failRate {
			return Result{}, fmt.Errorf("simulated publish failure for %s", rec.EntityID)
		}
	}

	return Result{Success: true}, nil
}

func (s *SimulatedPublisher) Close() error {
	return nil
}
